// Package audit records permission decisions made by the hub.
//
// Each decision is appended to logs/audit.jsonl under the home directory
// and, when a Sink is attached, to the audit_log table. Writes happen on a
// background goroutine; Record never waits on the disk.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/tasksync/internal/persistence"
	"github.com/basket/tasksync/internal/shared"
)

const (
	Allow = "allow"
	Deny  = "deny"
)

// Decision is one permission outcome.
type Decision struct {
	Actor     string
	Operation string
	Target    string
	Role      string
	Decision  string
	Reason    string
}

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Decision  string `json:"decision"`
	Operation string `json:"operation"`
	Actor     string `json:"actor,omitempty"`
	Target    string `json:"target,omitempty"`
	Role      string `json:"role,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Sink persists decisions, normally *persistence.Store.
type Sink interface {
	RecordAudit(ctx context.Context, e persistence.AuditEntry) error
}

const defaultQueueSize = 1024

type record struct {
	line  entry
	flush chan struct{}
}

// Recorder appends decisions. The zero value only counts; a nil *Recorder
// discards everything.
type Recorder struct {
	mu        sync.RWMutex
	closed    bool
	queue     chan record
	done      chan struct{}
	file      *os.File
	sink      Sink
	allowed   atomic.Int64
	denyCount atomic.Int64
	dropped   atomic.Int64
}

// Open creates a Recorder writing to <homeDir>/logs/audit.jsonl.
func Open(homeDir string, sink Sink) (*Recorder, error) {
	return open(homeDir, sink, defaultQueueSize)
}

func open(homeDir string, sink Sink, queueSize int) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		file:  f,
		sink:  sink,
		queue: make(chan record, queueSize),
		done:  make(chan struct{}),
	}
	go r.writeLoop()
	return r, nil
}

// Close drains queued decisions and closes the file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed || r.queue == nil {
		r.closed = true
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.file.Close()
}

// Flush waits until every decision recorded before the call is written.
func (r *Recorder) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}
	flushed := make(chan struct{})
	r.mu.RLock()
	if r.closed || r.queue == nil {
		r.mu.RUnlock()
		return nil
	}
	select {
	case r.queue <- record{flush: flushed}:
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	r.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DenyCount returns the total number of deny decisions since startup.
func (r *Recorder) DenyCount() int64 {
	if r == nil {
		return 0
	}
	return r.denyCount.Load()
}

// AllowCount returns the total number of allow decisions since startup.
func (r *Recorder) AllowCount() int64 {
	if r == nil {
		return 0
	}
	return r.allowed.Load()
}

// Dropped returns how many decisions were counted but not written because
// the queue was full.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Record counts d and queues it for writing. A full queue drops the entry;
// auditing never blocks a mutation.
func (r *Recorder) Record(ctx context.Context, d Decision) {
	if r == nil {
		return
	}
	if d.Decision == Deny {
		r.denyCount.Add(1)
	} else {
		r.allowed.Add(1)
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	rec := record{line: entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   traceID,
		Decision:  d.Decision,
		Operation: d.Operation,
		Actor:     d.Actor,
		Target:    shared.Redact(d.Target),
		Role:      d.Role,
		Reason:    shared.Redact(d.Reason),
	}}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.queue == nil {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for rec := range r.queue {
		if rec.flush != nil {
			close(rec.flush)
			continue
		}
		r.write(rec.line)
	}
}

// write failures are ignored.
func (r *Recorder) write(e entry) {
	if b, err := json.Marshal(e); err == nil {
		_, _ = r.file.Write(append(b, '\n'))
	}
	if r.sink != nil {
		_ = r.sink.RecordAudit(context.Background(), persistence.AuditEntry{
			TraceID:  e.TraceID,
			Actor:    e.Actor,
			Action:   e.Operation,
			Target:   e.Target,
			Role:     e.Role,
			Decision: e.Decision,
			Reason:   e.Reason,
		})
	}
}
