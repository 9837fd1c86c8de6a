// Package protocol defines the frames exchanged between clients and the
// sync server.
//
// Every frame is a JSON-RPC 2.0 notification carrying an extra "schema"
// member. There are no ids and no responses: requests flow client to
// server, snapshots, acknowledgements and notices flow back, and neither
// side waits for the other.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/tasksync/internal/codec"
)

const JSONRPCVersion = "2.0"

var (
	// ErrUnknownMethod is returned for a method this build does not handle.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrInvalidParams is returned when params fail to decode or validate.
	ErrInvalidParams = errors.New("invalid params")
	// ErrInvalidEnvelope is returned for frames that are not JSON-RPC 2.0.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Client to server methods.
const (
	MethodTaskAdd     = "task.add"
	MethodTaskUpdate  = "task.update"
	MethodTaskDelete  = "task.delete"
	MethodTaskToggle  = "task.toggle"
	MethodTaskAssign  = "task.assign"
	MethodTaskReplace = "task.replace"
	MethodTaskSync    = "task.sync"

	MethodProjectAdd          = "project.add"
	MethodProjectUpdate       = "project.update"
	MethodProjectDelete       = "project.delete"
	MethodProjectMemberAdd    = "project.member.add"
	MethodProjectMemberRemove = "project.member.remove"
	MethodProjectMemberRole   = "project.member.role"
	MethodProjectJoinRequest  = "project.join.request"
	MethodProjectJoinDecide   = "project.join.decide"
	MethodProjectSync         = "project.sync"
)

// Server to client methods.
const (
	MethodTasksSnapshot    = "tasks.snapshot"
	MethodProjectsSnapshot = "projects.snapshot"
	MethodTaskAck          = "task.ack"
	MethodJoinPending      = "project.join.pending"
	MethodNotice           = "notice"
)

// RequestMethods lists every client to server method in a stable order.
var RequestMethods = []string{
	MethodTaskAdd, MethodTaskUpdate, MethodTaskDelete, MethodTaskToggle,
	MethodTaskAssign, MethodTaskReplace, MethodTaskSync,
	MethodProjectAdd, MethodProjectUpdate, MethodProjectDelete,
	MethodProjectMemberAdd, MethodProjectMemberRemove, MethodProjectMemberRole,
	MethodProjectJoinRequest, MethodProjectJoinDecide, MethodProjectSync,
}

// Ack actions.
const (
	AckAdd    = "add"
	AckUpdate = "update"
	AckDelete = "delete"
	AckToggle = "toggle"
)

// Notice codes.
const (
	NoticeJoinSent           = "join.sent"
	NoticeJoinNoReviewer     = "join.no_reviewer_online"
	NoticeJoinInvalidProject = "join.invalid_project"
	NoticeJoinAlreadyMember  = "join.already_member"
	NoticeJoinCannotSelf     = "join.cannot_approve_self"
	NoticeJoinNoPermission   = "join.no_permission"
	NoticeJoinNotPending     = "join.not_pending"
	NoticeJoinAccepted       = "join.accepted"
	NoticeJoinDenied         = "join.denied"
	NoticeJoinApproved       = "join.approved"
	NoticeJoinRejected       = "join.rejected"
)

// Envelope is one frame.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Schema  int             `json:"schema,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewEnvelope marshals params into a frame for method.
func NewEnvelope(method string, params any) (Envelope, error) {
	env := Envelope{JSONRPC: JSONRPCVersion, Schema: codec.SchemaVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		env.Params = raw
	}
	return env, nil
}

// Encode returns the wire bytes of a frame for method.
func Encode(method string, params any) ([]byte, error) {
	env, err := NewEnvelope(method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a frame and checks its version. It does not look at params.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Check(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Check validates the fixed envelope members.
func (e Envelope) Check() error {
	if e.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("%w: jsonrpc must be %q", ErrInvalidEnvelope, JSONRPCVersion)
	}
	if e.Method == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidEnvelope)
	}
	return codec.CheckVersion(e.Schema)
}

// DecodeParams unmarshals the envelope's params into T.
func DecodeParams[T any](e Envelope) (T, error) {
	var out T
	raw := e.Params
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidParams, e.Method, err)
	}
	return out, nil
}

// TaskParams carries a single task record (task.add, task.update).
type TaskParams struct {
	Task codec.TaskRecord `json:"task"`
}

// TaskIDParams names one task (task.delete, task.toggle).
type TaskIDParams struct {
	ID string `json:"id"`
}

// TaskAssignParams sets or clears a team task's assignee. An empty
// AssigneeID abandons the task.
type TaskAssignParams struct {
	ID         string `json:"id"`
	AssigneeID string `json:"assigneeId,omitempty"`
}

// TaskReplaceParams replaces a scope's task collection.
type TaskReplaceParams struct {
	Scope string             `json:"scope"`
	Tasks []codec.TaskRecord `json:"tasks"`
}

// SyncParams requests snapshots. An empty Scope means both scopes.
type SyncParams struct {
	Scope string `json:"scope,omitempty"`
}

// ProjectParams carries a project record (project.add, project.update).
type ProjectParams struct {
	Project codec.ProjectRecord `json:"project"`
}

// ProjectIDParams names one project (project.delete, project.join.request).
type ProjectIDParams struct {
	ProjectID string `json:"projectId"`
}

// MemberAddParams adds a member by id, or by name when MemberID is empty.
type MemberAddParams struct {
	ProjectID  string `json:"projectId"`
	MemberID   string `json:"memberId,omitempty"`
	MemberName string `json:"memberName,omitempty"`
}

// MemberParams names a roster entry (project.member.remove).
type MemberParams struct {
	ProjectID string `json:"projectId"`
	MemberID  string `json:"memberId"`
}

// MemberRoleParams changes a roster entry's role.
type MemberRoleParams struct {
	ProjectID string `json:"projectId"`
	MemberID  string `json:"memberId"`
	Role      string `json:"role"`
}

// JoinDecideParams accepts or denies a pending join request.
type JoinDecideParams struct {
	ProjectID   string `json:"projectId"`
	ApplicantID string `json:"applicantId"`
	Accept      bool   `json:"accept"`
}

// TasksSnapshot is the full task collection of one scope as seen by the
// receiving actor.
type TasksSnapshot struct {
	Scope string             `json:"scope"`
	Tasks []codec.TaskRecord `json:"tasks"`
}

// ProjectsSnapshot is the full project collection of one scope.
type ProjectsSnapshot struct {
	Scope    string                `json:"scope"`
	Projects []codec.ProjectRecord `json:"projects"`
}

// TaskAck confirms a simple task operation.
type TaskAck struct {
	Action  string `json:"action"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// JoinPending asks a reviewer to decide a join request.
type JoinPending struct {
	ProjectID     string `json:"projectId"`
	ProjectName   string `json:"projectName"`
	ApplicantID   string `json:"applicantId"`
	ApplicantName string `json:"applicantName"`
}

// Notice is a coded, human-facing message.
type Notice struct {
	Code      string `json:"code"`
	ProjectID string `json:"projectId,omitempty"`
	Subject   string `json:"subject,omitempty"`
}
