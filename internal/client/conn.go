package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/codec"
	"github.com/basket/tasksync/internal/model"
	tsotel "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/protocol"
)

// ErrNotConnected is returned when a request cannot be sent because the
// connection is not open. Nothing reaches the server in that case.
var ErrNotConnected = errors.New("not connected")

// Config describes one client connection.
type Config struct {
	// Addr is the server's host:port or a full ws:// URL.
	Addr    string
	ActorID string
	Name    string
	Token   string

	Replica *Replica // nil creates one on Bus
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Conn is a client connection. Requests are fire-and-forget; the server
// answers with pushes that Run applies to the replica.
type Conn struct {
	cfg     Config
	replica *Replica
	logger  *slog.Logger
	tracer  trace.Tracer

	mu   sync.Mutex
	ws   *websocket.Conn
	open bool
}

// New prepares a connection without dialing.
func New(cfg Config) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tsotel.TracerName)
	}
	replica := cfg.Replica
	if replica == nil {
		replica = NewReplica(cfg.Bus)
	}
	return &Conn{cfg: cfg, replica: replica, logger: logger, tracer: tracer}
}

// Dial connects to the server.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	c := New(cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// WSURL builds the websocket endpoint from an address.
func WSURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		u = &url.URL{Scheme: "ws", Host: addr}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Connect opens the websocket. It is a no-op when already open.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	target, err := WSURL(c.cfg.Addr)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("X-Tasksync-Actor", c.cfg.ActorID)
	if c.cfg.Name != "" {
		header.Set("X-Tasksync-Name", c.cfg.Name)
	}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	ws.SetReadLimit(4 << 20)
	c.ws = ws
	c.open = true
	c.logger.Info("client connected", "addr", target, "actor", c.cfg.ActorID)
	return nil
}

// Connected reports whether requests can currently be sent.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Replica returns the local view this connection reconciles into.
func (c *Conn) Replica() *Replica { return c.replica }

// Close closes the websocket.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.open = false
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Conn) markClosed(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == ws {
		c.open = false
	}
}

// Run reads pushes until the connection ends or ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	defer c.markClosed(ws)
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, ws, &raw); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handle(raw)
	}
}

func (c *Conn) handle(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Warn("push dropped", "reason", err.Error())
		return
	}
	switch env.Method {
	case protocol.MethodTasksSnapshot:
		if snap, err := protocol.DecodeParams[protocol.TasksSnapshot](env); err == nil {
			c.replica.ApplyTasks(snap)
			return
		}
	case protocol.MethodProjectsSnapshot:
		if snap, err := protocol.DecodeParams[protocol.ProjectsSnapshot](env); err == nil {
			c.replica.ApplyProjects(snap)
			return
		}
	case protocol.MethodTaskAck:
		if ack, err := protocol.DecodeParams[protocol.TaskAck](env); err == nil {
			c.replica.publish(bus.TopicAckReceived, bus.AckEvent{Action: ack.Action, ID: ack.ID, Success: ack.Success})
			return
		}
	case protocol.MethodNotice:
		if n, err := protocol.DecodeParams[protocol.Notice](env); err == nil {
			c.replica.publish(bus.TopicNoticeReceived, bus.NoticeEvent{Code: n.Code, ProjectID: n.ProjectID, Subject: n.Subject})
			return
		}
	case protocol.MethodJoinPending:
		if p, err := protocol.DecodeParams[protocol.JoinPending](env); err == nil {
			c.replica.publish(bus.TopicJoinPending, p)
			return
		}
	default:
		c.logger.Debug("push ignored", "method", env.Method)
		return
	}
	c.logger.Warn("push dropped", "method", env.Method, "reason", "bad params")
}

// Send writes one request frame.
func (c *Conn) Send(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	ws, open := c.ws, c.open
	c.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	ctx, span := tsotel.StartClientSpan(ctx, c.tracer, "client."+method,
		tsotel.AttrActorID.String(c.cfg.ActorID),
		tsotel.AttrMethod.String(method),
	)
	defer span.End()

	env, err := protocol.NewEnvelope(method, params)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, ws, env); err != nil {
		span.RecordError(err)
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

func (c *Conn) AddTask(ctx context.Context, t model.Task) error {
	return c.Send(ctx, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.FromTask(t)})
}

func (c *Conn) UpdateTask(ctx context.Context, t model.Task) error {
	return c.Send(ctx, protocol.MethodTaskUpdate, protocol.TaskParams{Task: codec.FromTask(t)})
}

func (c *Conn) DeleteTask(ctx context.Context, id string) error {
	return c.Send(ctx, protocol.MethodTaskDelete, protocol.TaskIDParams{ID: id})
}

// ToggleTask flips completion locally, then asks the server to do the
// same. The local change is undone if the request cannot be sent.
func (c *Conn) ToggleTask(ctx context.Context, id string) error {
	prev, ok := c.replica.editTask(id, func(t *model.Task) { t.Completed = !t.Completed })
	err := c.Send(ctx, protocol.MethodTaskToggle, protocol.TaskIDParams{ID: id})
	if err != nil && ok {
		c.replica.restoreTask(prev)
	}
	return err
}

// AssignTask sets a team task's assignee; an empty assigneeID abandons it.
func (c *Conn) AssignTask(ctx context.Context, id, assigneeID string) error {
	return c.Send(ctx, protocol.MethodTaskAssign, protocol.TaskAssignParams{ID: id, AssigneeID: assigneeID})
}

// ReplaceTasks sends tasks as the new contents of scope.
func (c *Conn) ReplaceTasks(ctx context.Context, scope model.Scope, tasks []model.Task) error {
	records := codec.TaskRecords(tasks)
	if records == nil {
		records = []codec.TaskRecord{}
	}
	return c.Send(ctx, protocol.MethodTaskReplace, protocol.TaskReplaceParams{Scope: string(scope), Tasks: records})
}

// Sync asks for fresh snapshots; an empty scope means both.
func (c *Conn) Sync(ctx context.Context, scope model.Scope) error {
	if err := c.Send(ctx, protocol.MethodTaskSync, protocol.SyncParams{Scope: string(scope)}); err != nil {
		return err
	}
	return c.Send(ctx, protocol.MethodProjectSync, protocol.SyncParams{Scope: string(scope)})
}

func (c *Conn) AddProject(ctx context.Context, p model.Project) error {
	return c.Send(ctx, protocol.MethodProjectAdd, protocol.ProjectParams{Project: codec.FromProject(p)})
}

func (c *Conn) DeleteProject(ctx context.Context, projectID string) error {
	return c.Send(ctx, protocol.MethodProjectDelete, protocol.ProjectIDParams{ProjectID: projectID})
}

// InviteMember adds memberID to the local roster right away and sends the
// request. If it cannot be sent the roster is restored.
func (c *Conn) InviteMember(ctx context.Context, projectID, memberID, name string) error {
	prev, ok := c.replica.editProject(projectID, func(p *model.Project) {
		if memberID != "" && !p.IsMember(memberID) {
			p.AddMember(memberID, model.RoleMember, name)
		}
	})
	err := c.Send(ctx, protocol.MethodProjectMemberAdd, protocol.MemberAddParams{
		ProjectID: projectID, MemberID: memberID, MemberName: name,
	})
	if err != nil && ok {
		c.replica.restoreProject(prev)
	}
	return err
}

func (c *Conn) RemoveMember(ctx context.Context, projectID, memberID string) error {
	return c.Send(ctx, protocol.MethodProjectMemberRemove, protocol.MemberParams{ProjectID: projectID, MemberID: memberID})
}

func (c *Conn) SetMemberRole(ctx context.Context, projectID, memberID, role string) error {
	return c.Send(ctx, protocol.MethodProjectMemberRole, protocol.MemberRoleParams{ProjectID: projectID, MemberID: memberID, Role: role})
}

func (c *Conn) RequestJoin(ctx context.Context, projectID string) error {
	return c.Send(ctx, protocol.MethodProjectJoinRequest, protocol.ProjectIDParams{ProjectID: projectID})
}

func (c *Conn) DecideJoin(ctx context.Context, projectID, applicantID string, accept bool) error {
	return c.Send(ctx, protocol.MethodProjectJoinDecide, protocol.JoinDecideParams{
		ProjectID: projectID, ApplicantID: applicantID, Accept: accept,
	})
}
