// Package gateway is the websocket transport of the sync server. It maps
// each connection to a hub session, hands inbound frames to the handlers
// the hub registers, and delivers the hub's pushes back to clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/hub"
	tsotel "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/protocol"
	"github.com/basket/tasksync/internal/shared"
)

const (
	writeTimeout = 5 * time.Second
	// sendQueueSize bounds the pushes waiting for one connection's writer.
	sendQueueSize = 256
	// Full collection replaces can exceed the library's 32KiB default.
	readLimit = 4 << 20
)

// ErrClientUnavailable is returned by SendToClient for an unknown or
// closed connection.
var ErrClientUnavailable = errors.New("client unavailable")

// ErrClientSlow is returned by SendToClient when the connection's send
// queue is full. The connection is closed.
var ErrClientSlow = errors.New("client send queue full")

// Sessions is the hub surface the gateway drives.
type Sessions interface {
	Register(r hub.Router)
	Join(s hub.Session) bool
	Leave(clientID string) bool
	Stats() hub.Stats
	PendingFlush() bool
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Store   Pinger // nil skips the db check
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *tsotel.Metrics
	Tracer  trace.Tracer

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means "same-origin only" (no cross-origin WebSockets).
	AllowOrigins []string

	// Operators lists actor ids that connect with the operator flag.
	Operators []string

	RateLimit config.RateLimitConfig

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimiter
	hub     Sessions

	handlersMu sync.RWMutex
	handlers   map[string]hub.Handler

	settingsMu  sync.RWMutex
	operators   map[string]bool
	fingerprint string

	clientsMu sync.RWMutex
	clients   map[string]*client

	lastFlush atomic.Pointer[bus.FlushEvent]
	limited   atomic.Int64
	frames    atomic.Int64

	slowClosed     atomic.Int64
	storeChanges   atomic.Int64
	sessionsOpened atomic.Int64
	sessionsClosed atomic.Int64
	lastDrop       atomic.Pointer[bus.DropEvent]
}

// client is one websocket connection. Pushes go through out and are
// written by the connection's own writer goroutine, so callers on the hub
// loop never wait on the network.
type client struct {
	id      string
	conn    *websocket.Conn
	session hub.Session

	out       chan any
	done      chan struct{}
	closeOnce sync.Once
	slow      atomic.Bool
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		conn: conn,
		out:  make(chan any, sendQueueSize),
		done: make(chan struct{}),
	}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tsotel.TracerName)
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		tracer:      tracer,
		limiter:     NewRateLimiter(cfg.RateLimit),
		handlers:    map[string]hub.Handler{},
		clients:     map[string]*client{},
		fingerprint: cfg.ConfigFingerprint,
	}
	s.operators = operatorSet(cfg.Operators)
	return s
}

// Attach binds the hub and installs its request handlers.
func (s *Server) Attach(h Sessions) {
	s.hub = h
	h.Register(s)
}

// OnReceive installs the handler for an inbound method.
func (s *Server) OnReceive(method string, h hub.Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = h
}

func (s *Server) handler(method string) hub.Handler {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers[method]
}

// Start follows bus events for /healthz and /metrics and evicts idle
// rate-limit buckets until ctx ends.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.RateLimit.Enabled {
		s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	}
	if s.cfg.Bus == nil {
		return
	}
	flushes := s.cfg.Bus.Subscribe(bus.TopicFlushPrefix)
	changes := s.cfg.Bus.Subscribe(bus.TopicStorePrefix)
	sessions := s.cfg.Bus.Subscribe(bus.TopicSessionPrefix)
	drops := s.cfg.Bus.Subscribe(bus.TopicRequestDropped)
	go func() {
		defer func() {
			for _, sub := range []*bus.Subscription{flushes, changes, sessions, drops} {
				s.cfg.Bus.Unsubscribe(sub)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-flushes.Ch():
				if !ok {
					return
				}
				if fe, ok := ev.Payload.(bus.FlushEvent); ok {
					s.lastFlush.Store(&fe)
				}
			case _, ok := <-changes.Ch():
				if !ok {
					return
				}
				s.storeChanges.Add(1)
			case ev, ok := <-sessions.Ch():
				if !ok {
					return
				}
				switch ev.Topic {
				case bus.TopicSessionJoined:
					s.sessionsOpened.Add(1)
				case bus.TopicSessionLeft:
					s.sessionsClosed.Add(1)
				}
			case ev, ok := <-drops.Ch():
				if !ok {
					return
				}
				if de, ok := ev.Payload.(bus.DropEvent); ok {
					s.lastDrop.Store(&de)
				}
			}
		}
	}()
}

// Reload applies a new operator list and fingerprint. Connected clients
// whose operator flag changed are re-joined so the hub sees the new flag.
func (s *Server) Reload(operators []string, fingerprint string) {
	set := operatorSet(operators)
	s.settingsMu.Lock()
	s.operators = set
	s.fingerprint = fingerprint
	s.settingsMu.Unlock()

	s.clientsMu.Lock()
	var changed []hub.Session
	for _, c := range s.clients {
		if op := set[c.session.ActorID]; op != c.session.Operator {
			c.session.Operator = op
			changed = append(changed, c.session)
		}
	}
	s.clientsMu.Unlock()

	for _, sess := range changed {
		if s.hub != nil {
			s.hub.Join(sess)
		}
		s.logger.Info("ws: operator flag changed", "client_id", sess.ClientID, "actor", sess.ActorID, "operator", sess.Operator)
	}
}

func operatorSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (s *Server) isOperator(actorID string) bool {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.operators[actorID]
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(ctx); err != nil {
			dbOK = false
		}
	}
	s.settingsMu.RLock()
	fingerprint := s.fingerprint
	s.settingsMu.RUnlock()

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"clients":            s.ClientCount(),
		"config_fingerprint": fingerprint,
		"pending_flush":      s.hub != nil && s.hub.PendingFlush(),
	}
	if fe := s.lastFlush.Load(); fe != nil {
		last := map[string]any{
			"scope":       fe.Scope,
			"tasks":       fe.Tasks,
			"projects":    fe.Projects,
			"duration_ms": fe.Duration.Milliseconds(),
		}
		if fe.Err != "" {
			last["error"] = fe.Err
		}
		payload["last_flush"] = last
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) stats() hub.Stats {
	if s.hub == nil {
		return hub.Stats{}
	}
	return s.hub.Stats()
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	st := s.stats()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var busDropped int64
	if s.cfg.Bus != nil {
		busDropped = s.cfg.Bus.Dropped()
	}
	payload := map[string]any{
		"mutations_accepted": st.Accepted,
		"mutations_denied":   st.Denied,
		"requests_dropped":   st.Dropped,
		"flushes":            st.Flushes,
		"flush_failures":     st.FlushFails,
		"broadcasts":         st.Broadcasts,
		"sessions":           st.Sessions,
		"queued":             st.Queued,
		"clients":            s.ClientCount(),
		"frames_received":    s.frames.Load(),
		"rate_limited":       s.limited.Load(),
		"slow_closed":        s.slowClosed.Load(),
		"store_changes":      s.storeChanges.Load(),
		"sessions_opened":    s.sessionsOpened.Load(),
		"sessions_closed":    s.sessionsClosed.Load(),
		"bus_dropped":        busDropped,
		"alloc_bytes":        mem.Alloc,
	}
	if last := s.lastDrop.Load(); last != nil {
		payload["last_drop"] = map[string]any{
			"actor":  last.ActorID,
			"method": last.Method,
			"reason": last.Reason,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	st := s.stats()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	gauge := func(name, help string, v int64, kind string) {
		fmt.Fprintf(w, "# HELP tasksync_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE tasksync_%s %s\n", name, kind)
		fmt.Fprintf(w, "tasksync_%s %d\n", name, v)
	}
	gauge("mutations_accepted_total", "Mutations applied to the store.", st.Accepted, "counter")
	gauge("mutations_denied_total", "Mutations refused by the permission evaluator.", st.Denied, "counter")
	gauge("requests_dropped_total", "Malformed or unknown-target requests.", st.Dropped, "counter")
	gauge("flushes_total", "Scope flushes attempted.", st.Flushes, "counter")
	gauge("flush_failures_total", "Scope flushes that failed.", st.FlushFails, "counter")
	gauge("broadcasts_total", "Snapshot broadcasts.", st.Broadcasts, "counter")
	gauge("clients", "Open websocket connections.", int64(s.ClientCount()), "gauge")
	gauge("queued", "Work items waiting on the hub.", int64(st.Queued), "gauge")
	gauge("rate_limited_total", "Frames refused by the rate limiter.", s.limited.Load(), "counter")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	actorID, name := identity(r)
	if actorID == "" {
		http.Error(w, "missing actor", http.StatusBadRequest)
		return
	}
	if s.hub == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)

	c := newClient(shared.NewClientID(), conn)
	c.session = hub.Session{
		ClientID:  c.id,
		ActorID:   actorID,
		ActorName: name,
		Operator:  s.isOperator(actorID),
	}
	s.addClient(c)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()
	s.logger.Info("ws: client connected", "client_id", c.id, "actor", actorID, "operator", c.session.Operator)
	defer func() {
		s.removeClient(c)
		s.hub.Leave(c.id)
		c.shut()
		<-writerDone
		s.logger.Info("ws: client disconnecting", "client_id", c.id, "actor", actorID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if !s.hub.Join(s.sessionOf(c)) {
		_ = conn.Close(websocket.StatusTryAgainLater, "server stopping")
		return
	}

	ctx := r.Context()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			s.logger.Debug("ws: read error, closing", "client_id", c.id, "error", err)
			return
		}
		s.handleFrame(ctx, c, raw)
	}
}

// handleFrame decodes one inbound frame and hands it to the method's
// handler. Frames are fire-and-forget: nothing is written back here.
func (s *Server) handleFrame(ctx context.Context, c *client, raw []byte) {
	s.frames.Add(1)
	sess := s.sessionOf(c)
	if !s.limiter.Allow(c.id) {
		s.limited.Add(1)
		s.cfg.Metrics.RateLimited(ctx)
		s.logger.Warn("ws: frame rate limited", "client_id", c.id, "actor", sess.ActorID)
		return
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Warn("request dropped", "actor", sess.ActorID, "reason", err.Error())
		return
	}
	h := s.handler(env.Method)
	if h == nil {
		s.logger.Warn("request dropped", "actor", sess.ActorID, "method", env.Method, "reason", protocol.ErrUnknownMethod.Error())
		return
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := tsotel.StartServerSpan(ctx, s.tracer, "ws."+env.Method,
		tsotel.AttrActorID.String(sess.ActorID),
		tsotel.AttrClientID.String(c.id),
		tsotel.AttrMethod.String(env.Method),
	)
	defer span.End()
	h(ctx, sess, env.Params)
}

func (s *Server) sessionOf(c *client) hub.Session {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return c.session
}

// SendToClient queues one push for a single connection. It never waits
// on the network; a connection whose queue is full is closed.
func (s *Server) SendToClient(clientID, method string, params any) error {
	s.clientsMu.RLock()
	c, ok := s.clients[clientID]
	s.clientsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientUnavailable, clientID)
	}
	env, err := protocol.NewEnvelope(method, params)
	if err != nil {
		return err
	}
	if err := c.enqueue(env); err != nil {
		if errors.Is(err, ErrClientSlow) {
			s.dropSlow(c, method)
		}
		return fmt.Errorf("%w: %s", err, clientID)
	}
	return nil
}

// Broadcast queues one push for every connection. Connections that cannot
// take it are closed and skipped.
func (s *Server) Broadcast(method string, params any) {
	env, err := protocol.NewEnvelope(method, params)
	if err != nil {
		s.logger.Error("ws: broadcast encode error", "method", method, "error", err)
		return
	}
	clients := s.snapshotClients()
	s.logger.Debug("ws: broadcast", "method", method, "clients", len(clients))
	for _, c := range clients {
		if err := c.enqueue(env); errors.Is(err, ErrClientSlow) {
			s.dropSlow(c, method)
		}
	}
}

func (s *Server) dropSlow(c *client, method string) {
	if c.slow.Swap(true) {
		return
	}
	s.slowClosed.Add(1)
	s.logger.Warn("ws: send queue full, closing connection", "client_id", c.id, "method", method)
	c.shut()
}

// writeLoop drains c.out onto the socket until the client is shut or a
// write fails.
func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			if c.slow.Load() {
				_ = c.conn.Close(websocket.StatusPolicyViolation, "send queue full")
			}
			return
		case env := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.conn, env)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write error, closing", "client_id", c.id, "error", err)
				c.shut()
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

func (s *Server) snapshotClients() []*client {
	s.clientsMu.RLock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	s.clientsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	s.limiter.Forget(c.id)
}

// enqueue hands env to the writer without blocking.
func (c *client) enqueue(env any) error {
	select {
	case <-c.done:
		return ErrClientUnavailable
	default:
	}
	select {
	case c.out <- env:
		return nil
	default:
		return ErrClientSlow
	}
}

func (c *client) shut() {
	c.closeOnce.Do(func() { close(c.done) })
}
