package bus

import "time"

// Store change topics. Payloads are store.Change values.
const (
	TopicStorePrefix     = "store."
	TopicTasksChanged    = "store.tasks.changed"
	TopicProjectsChanged = "store.projects.changed"
)

// Persistence topics.
const (
	TopicFlushPrefix    = "persist.flush."
	TopicFlushCompleted = "persist.flush.completed"
	TopicFlushFailed    = "persist.flush.failed"
)

// Server session and request topics.
const (
	TopicSessionPrefix  = "session."
	TopicSessionJoined  = "session.joined"
	TopicSessionLeft    = "session.left"
	TopicRequestDropped = "hub.request.dropped"
)

// Client-side topics.
const (
	TopicClientPrefix    = "client."
	TopicSnapshotApplied = "client.snapshot.applied"
	TopicAckReceived     = "client.ack"
	TopicNoticeReceived  = "client.notice"
	TopicJoinPending     = "client.join.pending"
	TopicRolledBack      = "client.rollback"
)

// FlushEvent is published after each scope write attempt.
type FlushEvent struct {
	Scope    string
	Tasks    int
	Projects int
	Duration time.Duration
	Err      string
}

// SessionEvent is published when a client session opens or closes.
type SessionEvent struct {
	ClientID  string
	ActorID   string
	ActorName string
	Operator  bool
}

// DropEvent is published when a request is denied or malformed.
type DropEvent struct {
	ActorID string
	Method  string
	Reason  string
}

// SnapshotEvent is published after a client reconciles a snapshot.
type SnapshotEvent struct {
	Kind    string
	Scope   string
	Added   int
	Updated int
	Removed int
}

// AckEvent mirrors a task acknowledgement received by a client.
type AckEvent struct {
	Action  string
	ID      string
	Success bool
}

// NoticeEvent mirrors a notice received by a client.
type NoticeEvent struct {
	Code      string
	ProjectID string
	Subject   string
}

// RollbackEvent is published when an optimistic client edit is reverted.
type RollbackEvent struct {
	Kind string
	ID   string
}
