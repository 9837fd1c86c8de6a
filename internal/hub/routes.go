package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/tasksync/internal/audit"
	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/model"
	tsotel "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/permission"
	"github.com/basket/tasksync/internal/protocol"
	"github.com/basket/tasksync/internal/shared"
	"github.com/basket/tasksync/internal/telemetry"
)

// Session is one connected client as identified by the transport.
type Session struct {
	ClientID  string
	ActorID   string
	ActorName string
	Operator  bool
}

// Handler receives the params of one request method.
type Handler func(ctx context.Context, s Session, params json.RawMessage)

// Router is the inbound half of the transport.
type Router interface {
	OnReceive(method string, h Handler)
}

// request is a decoded inbound message as seen on the run loop.
type request struct {
	Session
	Method string
	Params json.RawMessage
}

type route func(ctx context.Context, req request)

func (h *Hub) routes() map[string]route {
	return map[string]route{
		protocol.MethodTaskAdd:             h.taskAdd,
		protocol.MethodTaskUpdate:          h.taskUpdate,
		protocol.MethodTaskDelete:          h.taskDelete,
		protocol.MethodTaskToggle:          h.taskToggle,
		protocol.MethodTaskAssign:          h.taskAssign,
		protocol.MethodTaskReplace:         h.taskReplace,
		protocol.MethodTaskSync:            h.taskSync,
		protocol.MethodProjectAdd:          h.projectAdd,
		protocol.MethodProjectUpdate:       h.projectUpdate,
		protocol.MethodProjectDelete:       h.projectDelete,
		protocol.MethodProjectMemberAdd:    h.memberAdd,
		protocol.MethodProjectMemberRemove: h.memberRemove,
		protocol.MethodProjectMemberRole:   h.memberRole,
		protocol.MethodProjectJoinRequest:  h.joinRequest,
		protocol.MethodProjectJoinDecide:   h.joinDecide,
		protocol.MethodProjectSync:         h.projectSync,
	}
}

// Register installs a handler for every request method on r.
func (h *Hub) Register(r Router) {
	for _, method := range protocol.RequestMethods {
		method := method
		r.OnReceive(method, func(ctx context.Context, s Session, params json.RawMessage) {
			h.Dispatch(ctx, s, method, params)
		})
	}
}

// Dispatch validates params on the caller's goroutine and queues the
// request for the run loop. It reports whether the request was queued.
// Malformed requests are dropped here without touching hub state.
func (h *Hub) Dispatch(ctx context.Context, s Session, method string, params json.RawMessage) bool {
	req := request{Session: s, Method: method, Params: params}
	ctx = shared.WithMethod(shared.WithActorID(ctx, s.ActorID), method)
	handle, ok := h.handlers[method]
	if !ok {
		h.drop(ctx, req, "unknown method")
		return false
	}
	if err := h.validator.Validate(method, params); err != nil {
		h.drop(ctx, req, err.Error())
		return false
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	base := context.WithoutCancel(ctx)
	queued := h.Submit(func() {
		start := time.Now()
		ctx := shared.WithTraceID(base, traceID)
		ctx = shared.WithActorID(ctx, s.ActorID)
		ctx = shared.WithClientID(ctx, s.ClientID)
		ctx = shared.WithMethod(ctx, method)
		ctx, span := tsotel.StartSpan(ctx, h.tracer, "hub."+method,
			tsotel.AttrActorID.String(s.ActorID),
			tsotel.AttrClientID.String(s.ClientID),
			tsotel.AttrMethod.String(method),
		)
		defer span.End()
		handle(ctx, req)
		h.metrics.Request(ctx, method, time.Since(start))
	})
	if !queued {
		h.logger.Warn("hub stopped; request dropped", "actor", s.ActorID, "method", method)
	}
	return queued
}

// decode unmarshals req.Params, dropping the request on failure.
func decode[T any](ctx context.Context, h *Hub, req request) (T, bool) {
	var out T
	raw := req.Params
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		h.drop(ctx, req, "decode params: "+err.Error())
		return out, false
	}
	return out, true
}

func (h *Hub) drop(ctx context.Context, req request, reason string) {
	h.dropped.Add(1)
	h.metrics.Dropped(ctx, req.Method)
	telemetry.ForRequest(ctx, h.logger).Warn("request dropped", "reason", reason)
	h.publish(bus.TopicRequestDropped, bus.DropEvent{ActorID: req.ActorID, Method: req.Method, Reason: reason})
}

// check evaluates op and records the decision. A denial is logged and
// counted; the caller makes no state change and sends nothing back.
func (h *Hub) check(ctx context.Context, req request, op permission.Operation, role permission.Role, pctx permission.Context, target string) bool {
	allowed := permission.CanPerform(op, role, pctx)
	d := audit.Decision{
		Actor:     req.ActorID,
		Operation: string(op),
		Target:    target,
		Role:      role.String(),
		Decision:  audit.Allow,
	}
	if !allowed {
		d.Decision = audit.Deny
		d.Reason = "view=" + pctx.View.String()
	}
	h.audit.Record(ctx, d)
	if allowed {
		return true
	}

	h.denied.Add(1)
	h.metrics.Denied(ctx, req.Method)
	telemetry.ForRequest(ctx, h.logger).Warn("request denied",
		"operation", string(op), "role", role.String(), "target", target)
	h.publish(bus.TopicRequestDropped, bus.DropEvent{ActorID: req.ActorID, Method: req.Method, Reason: "denied: " + string(op)})
	return false
}

// checkOwner gates personal project edits: only the owner. An unowned
// personal project is the shared default every actor files into, so
// nobody may rename or delete it.
func (h *Hub) checkOwner(ctx context.Context, req request, op permission.Operation, p model.Project) bool {
	allowed := !p.Unclaimed() && p.IsOwner(req.ActorID)
	d := audit.Decision{Actor: req.ActorID, Operation: string(op), Target: p.ID, Role: "OWNER", Decision: audit.Allow}
	if !allowed {
		d.Decision = audit.Deny
		d.Reason = "not owner"
	}
	h.audit.Record(ctx, d)
	if !allowed {
		h.denied.Add(1)
		h.metrics.Denied(ctx, req.Method)
		telemetry.ForRequest(ctx, h.logger).Warn("request denied", "operation", string(op), "target", p.ID)
		h.publish(bus.TopicRequestDropped, bus.DropEvent{ActorID: req.ActorID, Method: req.Method, Reason: "denied: " + string(op)})
	}
	return allowed
}

func (h *Hub) accept(ctx context.Context, req request) {
	h.accepted.Add(1)
	h.metrics.Accepted(ctx, req.Method)
}

func (h *Hub) publish(topic string, payload any) {
	if h.bus != nil {
		h.bus.Publish(topic, payload)
	}
}

func auditAllow(req request, op, target string) audit.Decision {
	role := permission.RoleMember
	if req.Operator {
		role = permission.RoleOperator
	}
	return audit.Decision{Actor: req.ActorID, Operation: op, Target: target, Role: role.String(), Decision: audit.Allow}
}
