// Package hub is the authoritative context of the sync server.
//
// A Hub owns the task and project stores and runs every mutation, session
// change and persistence flush on a single goroutine (Run). Other
// goroutines hand work in through Submit or Do and never touch the stores
// directly, so the stores need no locks.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/tasksync/internal/audit"
	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/debounce"
	"github.com/basket/tasksync/internal/model"
	tsotel "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/protocol"
	"github.com/basket/tasksync/internal/store"
)

// ErrStopped is returned by Do once the hub no longer accepts work.
var ErrStopped = errors.New("hub stopped")

// Storage is the durable collection boundary.
type Storage interface {
	LoadScope(ctx context.Context, scope model.Scope) ([]model.Task, []model.Project, error)
	SaveScope(ctx context.Context, scope model.Scope, tasks []model.Task, projects []model.Project) error
}

// Transport delivers server pushes.
type Transport interface {
	SendToClient(clientID, method string, params any) error
	Broadcast(method string, params any)
}

// Config holds hub dependencies. Storage and Transport are required.
type Config struct {
	Storage   Storage
	Transport Transport
	Bus       *bus.Bus
	Logger    *slog.Logger
	Audit     *audit.Recorder
	Metrics   *tsotel.Metrics
	Tracer    trace.Tracer

	// BootstrapDefaults creates the default personal and team projects
	// when storage is empty.
	BootstrapDefaults bool

	DebounceDelay time.Duration
	Clock         debounce.Clock
	Now           func() time.Time
	NewID         func() string
}

// Stats are cumulative counters since start.
type Stats struct {
	Accepted   int64
	Denied     int64
	Dropped    int64
	Broadcasts int64
	Sessions   int64
	Flushes    int64
	FlushFails int64
	Queued     int
}

// Hub is the authoritative server context.
type Hub struct {
	storage   Storage
	transport Transport
	bus       *bus.Bus
	logger    *slog.Logger
	audit     *audit.Recorder
	metrics   *tsotel.Metrics
	tracer    trace.Tracer
	validator *protocol.Validator
	handlers  map[string]route
	scheduler *debounce.Scheduler
	now       func() time.Time
	newID     func() string
	bootstrap bool

	queue *workQueue
	done  chan struct{}
	once  sync.Once

	// Owned by the run loop.
	tasks    *store.Store[model.Task]
	projects *store.Store[model.Project]
	sessions map[string]Session
	names    map[string]string
	pending  map[string]map[string]string

	accepted   atomic.Int64
	denied     atomic.Int64
	dropped    atomic.Int64
	broadcasts atomic.Int64
	online     atomic.Int64
}

// New builds a hub. Call Start before Run.
func New(cfg Config) (*Hub, error) {
	if cfg.Storage == nil {
		return nil, errors.New("hub: storage is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("hub: transport is required")
	}
	validator, err := protocol.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	h := &Hub{
		storage:   cfg.Storage,
		transport: cfg.Transport,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		validator: validator,
		now:       cfg.Now,
		newID:     cfg.NewID,
		bootstrap: cfg.BootstrapDefaults,
		queue:     newWorkQueue(),
		done:      make(chan struct{}),
		tasks:     store.NewTaskStore(cfg.Bus),
		projects:  store.NewProjectStore(cfg.Bus),
		sessions:  make(map[string]Session),
		names:     make(map[string]string),
		pending:   make(map[string]map[string]string),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.tracer == nil {
		h.tracer = nooptrace.NewTracerProvider().Tracer(tsotel.TracerName)
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	h.handlers = h.routes()
	h.scheduler = debounce.New(debounce.Config{
		Delay:    cfg.DebounceDelay,
		Clock:    cfg.Clock,
		Executor: h,
		Flush:    h.flushScope,
		Logger:   h.logger,
	})
	return h, nil
}

// Start loads both scopes from storage and applies first-run defaults. It
// must be called before Run and before any request is submitted.
func (h *Hub) Start(ctx context.Context) error {
	for _, scope := range model.Scopes {
		tasks, projects, err := h.storage.LoadScope(ctx, scope)
		if err != nil {
			return fmt.Errorf("load %s: %w", scope, err)
		}
		for _, p := range projects {
			p.Scope = scope
			h.projects.Add(p)
			for id, name := range p.MemberNames {
				if _, known := h.names[id]; !known && name != "" {
					h.names[id] = name
				}
			}
		}
		for _, t := range tasks {
			t.Scope = scope
			h.tasks.Add(t)
		}
	}

	if h.bootstrap && h.projects.Len() == 0 && h.tasks.Len() == 0 {
		now := h.now()
		h.projects.Add(model.NewProject(model.DefaultPersonalProjectID, model.DefaultPersonalProjectName, model.ScopePersonal, "", now))
		h.projects.Add(model.NewProject(model.DefaultTeamProjectID, model.DefaultTeamProjectName, model.ScopeTeam, "", now))
		h.logger.Info("created default projects")
		h.scheduler.MarkDirty(model.ScopePersonal)
		h.scheduler.MarkDirty(model.ScopeTeam)
		h.scheduler.FlushNow(ctx)
		return nil
	}

	if n := h.adoptOrphanTasks(); n > 0 {
		h.logger.Info("assigned orphan tasks to default projects", "count", n)
	}
	return nil
}

// adoptOrphanTasks points tasks without a project at their scope's default
// project, when one exists.
func (h *Hub) adoptOrphanTasks() int {
	n := 0
	for _, t := range h.tasks.All() {
		if t.ProjectID != "" {
			continue
		}
		def := defaultProjectID(t.Scope)
		if !h.projects.Has(def) {
			continue
		}
		t.ProjectID = def
		h.tasks.Update(t)
		h.scheduler.MarkDirty(t.Scope)
		n++
	}
	return n
}

// Run executes queued work until ctx is cancelled or Close is called.
func (h *Hub) Run(ctx context.Context) error {
	defer h.once.Do(func() { close(h.done) })
	for {
		for {
			fn, ok := h.queue.pop()
			if !ok {
				break
			}
			h.safeRun(fn)
		}
		select {
		case <-ctx.Done():
			h.queue.close()
			h.drain()
			return ctx.Err()
		case _, open := <-h.queue.signal:
			if !open {
				h.drain()
				return nil
			}
		}
	}
}

func (h *Hub) drain() {
	for {
		fn, ok := h.queue.pop()
		if !ok {
			return
		}
		h.safeRun(fn)
	}
}

func (h *Hub) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub: recovered panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Submit queues fn for the run loop. It reports false once the hub stops.
func (h *Hub) Submit(fn func()) bool {
	return h.queue.push(fn)
}

// Do runs fn on the loop and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !h.Submit(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close forces a flush of every dirty scope, then stops the loop.
func (h *Hub) Close(ctx context.Context) error {
	err := h.Do(ctx, func() { h.scheduler.FlushNow(ctx) })
	h.queue.close()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// Stats returns a snapshot of the hub counters. Safe from any goroutine.
func (h *Hub) Stats() Stats {
	flushes, failed := h.scheduler.Stats()
	return Stats{
		Accepted:   h.accepted.Load(),
		Denied:     h.denied.Load(),
		Dropped:    h.dropped.Load(),
		Broadcasts: h.broadcasts.Load(),
		Sessions:   h.online.Load(),
		Flushes:    flushes,
		FlushFails: failed,
		Queued:     h.queue.len(),
	}
}

// PendingFlush reports whether a debounced flush is armed.
func (h *Hub) PendingFlush() bool {
	return h.scheduler.Pending()
}

func (h *Hub) flushScope(ctx context.Context, scope model.Scope) error {
	ctx, span := tsotel.StartSpan(ctx, h.tracer, "hub.flush", tsotel.AttrScope.String(string(scope)))
	defer span.End()

	start := time.Now()
	err := h.storage.SaveScope(ctx, scope, h.tasks.ByScope(scope), h.projects.ByScope(scope))
	h.metrics.Flushed(ctx, string(scope), time.Since(start), err != nil)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// commit marks scope dirty and pushes fresh snapshots of the changed kinds.
func (h *Hub) commit(ctx context.Context, scope model.Scope, tasks, projects bool) {
	h.scheduler.MarkDirty(scope)
	if tasks {
		h.broadcastTasks(ctx, scope)
	}
	if projects {
		h.broadcastProjects(ctx, scope)
	}
}

func defaultProjectID(scope model.Scope) string {
	if scope == model.ScopeTeam {
		return model.DefaultTeamProjectID
	}
	return model.DefaultPersonalProjectID
}
