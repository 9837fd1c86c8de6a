// Package debounce coalesces bursts of mutations into batched writes.
//
// The Scheduler tracks one dirty flag per scope. The first MarkDirty after
// a clean state arms a single timer; later marks inside the window ride on
// it. When the timer fires the flush is handed to the authoritative
// executor, which snapshots and clears the flags, then writes each dirty
// scope. Flags are only touched under the scheduler's mutex and no I/O
// happens while it is held.
package debounce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/tasksync/internal/model"
)

// DefaultDelay is the debounce window.
const DefaultDelay = 750 * time.Millisecond

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall-clock implementation of Clock.
var SystemClock Clock = realClock{}

// Executor runs a function on the authoritative context. Submit reports
// false when the executor no longer accepts work.
type Executor interface {
	Submit(fn func()) bool
}

// FlushFunc writes one scope's collections.
type FlushFunc func(ctx context.Context, scope model.Scope) error

// Config holds scheduler dependencies.
type Config struct {
	Delay    time.Duration
	Clock    Clock
	Executor Executor
	Flush    FlushFunc
	Logger   *slog.Logger
}

// Scheduler is the debounced persistence trigger.
type Scheduler struct {
	delay  time.Duration
	clock  Clock
	exec   Executor
	flush  FlushFunc
	logger *slog.Logger

	mu      sync.Mutex
	dirty   map[model.Scope]bool
	pending Timer
	flushes int64
	failed  int64
}

// New creates a Scheduler. Delay defaults to DefaultDelay and Clock to
// SystemClock.
func New(cfg Config) *Scheduler {
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		delay:  delay,
		clock:  clock,
		exec:   cfg.Executor,
		flush:  cfg.Flush,
		logger: logger,
		dirty:  make(map[model.Scope]bool, len(model.Scopes)),
	}
}

// MarkDirty flags scope for the next flush and arms the timer if none is
// pending.
func (s *Scheduler) MarkDirty(scope model.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[scope] = true
	if s.pending != nil {
		return
	}
	s.pending = s.clock.AfterFunc(s.delay, s.fire)
}

// Dirty reports whether scope awaits a flush.
func (s *Scheduler) Dirty(scope model.Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty[scope]
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Stats returns the number of scope writes attempted and how many failed.
func (s *Scheduler) Stats() (flushes, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes, s.failed
}

func (s *Scheduler) fire() {
	if s.exec == nil {
		s.FlushNow(context.Background())
		return
	}
	if !s.exec.Submit(func() { s.FlushNow(context.Background()) }) {
		s.logger.Warn("debounce: executor rejected flush; changes stay dirty until shutdown flush")
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}
}

// FlushNow writes every dirty scope immediately. It must run on the
// authoritative context. Failed writes are logged and not retried; the
// next mutation of that scope schedules a fresh attempt.
func (s *Scheduler) FlushNow(ctx context.Context) {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	var scopes []model.Scope
	for _, scope := range model.Scopes {
		if s.dirty[scope] {
			scopes = append(scopes, scope)
			s.dirty[scope] = false
		}
	}
	s.mu.Unlock()

	for _, scope := range scopes {
		start := time.Now()
		err := s.flush(ctx, scope)
		s.mu.Lock()
		s.flushes++
		if err != nil {
			s.failed++
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("debounce: flush failed", "scope", scope, "error", err)
			continue
		}
		s.logger.Debug("debounce: flushed", "scope", scope, "duration_ms", time.Since(start).Milliseconds())
	}
}
