package hub

import (
	"context"
	"sort"
	"strings"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/codec"
	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/protocol"
)

// Join registers a session and sends it the current snapshots. The
// transport must be ready to deliver to s.ClientID before calling Join.
func (h *Hub) Join(s Session) bool {
	return h.Submit(func() { h.join(context.Background(), s) })
}

// Leave forgets a session.
func (h *Hub) Leave(clientID string) bool {
	return h.Submit(func() { h.leave(context.Background(), clientID) })
}

func (h *Hub) join(ctx context.Context, s Session) {
	if _, exists := h.sessions[s.ClientID]; !exists {
		h.online.Add(1)
		h.metrics.SessionDelta(ctx, 1)
	}
	h.sessions[s.ClientID] = s
	if s.ActorName != "" {
		h.names[s.ActorID] = s.ActorName
	}
	h.logger.Info("session joined", "client_id", s.ClientID, "actor", s.ActorID, "operator", s.Operator)

	if h.refreshNames(s.ActorID, s.ActorName) {
		h.commit(ctx, model.ScopeTeam, true, true)
	}
	for _, scope := range model.Scopes {
		h.sendTasks(s, scope)
		h.sendProjects(s, scope)
	}
	h.sendPendingReviews(s)
	h.publish(bus.TopicSessionJoined, bus.SessionEvent{
		ClientID: s.ClientID, ActorID: s.ActorID, ActorName: s.ActorName, Operator: s.Operator,
	})
}

func (h *Hub) leave(ctx context.Context, clientID string) {
	s, ok := h.sessions[clientID]
	if !ok {
		return
	}
	delete(h.sessions, clientID)
	h.online.Add(-1)
	h.metrics.SessionDelta(ctx, -1)
	h.logger.Info("session left", "client_id", clientID, "actor", s.ActorID)
	h.publish(bus.TopicSessionLeft, bus.SessionEvent{
		ClientID: s.ClientID, ActorID: s.ActorID, ActorName: s.ActorName, Operator: s.Operator,
	})
}

// refreshNames updates the cached display name of actorID on team
// projects it belongs to and on team tasks assigned to it.
func (h *Hub) refreshNames(actorID, name string) bool {
	if name == "" {
		return false
	}
	changed := false
	for _, p := range h.projects.ByScope(model.ScopeTeam) {
		if !p.IsMember(actorID) {
			continue
		}
		if p.SetMemberName(actorID, name) {
			h.projects.Update(p)
			changed = true
		}
	}
	for _, t := range h.tasks.ByScope(model.ScopeTeam) {
		if t.AssignedTo(actorID) && t.AssigneeName != name {
			t.AssigneeName = name
			h.tasks.Update(t)
			changed = true
		}
	}
	return changed
}

// nameOf returns the best known display name for actorID.
func (h *Hub) nameOf(actorID string) string {
	if name := h.names[actorID]; name != "" {
		return name
	}
	return actorID
}

// resolveName finds the actor id behind a display name, preferring online
// sessions over the cached directory.
func (h *Hub) resolveName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	for _, s := range h.sortedSessions() {
		if strings.EqualFold(s.ActorName, name) || s.ActorID == name {
			return s.ActorID, true
		}
	}
	ids := make([]string, 0, len(h.names))
	for id := range h.names {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.EqualFold(h.names[id], name) {
			return id, true
		}
	}
	return "", false
}

func (h *Hub) sortedSessions() []Session {
	out := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (h *Hub) sessionsOf(actorID string) []Session {
	var out []Session
	for _, s := range h.sortedSessions() {
		if s.ActorID == actorID {
			out = append(out, s)
		}
	}
	return out
}

// visibleTask reports whether actorID may see t. Team tasks are shared;
// personal tasks belong to their creator.
func visibleTask(t model.Task, actorID string) bool {
	return t.Scope == model.ScopeTeam || t.CreatorID == "" || t.CreatorID == actorID
}

func visibleProject(p model.Project, actorID string) bool {
	return p.Scope == model.ScopeTeam || p.OwnerID == "" || p.OwnerID == actorID
}

func (h *Hub) taskSnapshot(scope model.Scope, actorID string) protocol.TasksSnapshot {
	tasks := h.tasks.Filter(func(t model.Task) bool {
		return t.Scope == scope && visibleTask(t, actorID)
	})
	return protocol.TasksSnapshot{Scope: string(scope), Tasks: nonNilTasks(codec.TaskRecords(tasks))}
}

func (h *Hub) projectSnapshot(scope model.Scope, actorID string) protocol.ProjectsSnapshot {
	projects := h.projects.Filter(func(p model.Project) bool {
		return p.Scope == scope && visibleProject(p, actorID)
	})
	return protocol.ProjectsSnapshot{Scope: string(scope), Projects: nonNilProjects(codec.ProjectRecords(projects))}
}

func (h *Hub) sendTasks(s Session, scope model.Scope) {
	h.send(s.ClientID, protocol.MethodTasksSnapshot, h.taskSnapshot(scope, s.ActorID))
}

func (h *Hub) sendProjects(s Session, scope model.Scope) {
	h.send(s.ClientID, protocol.MethodProjectsSnapshot, h.projectSnapshot(scope, s.ActorID))
}

// broadcastTasks pushes scope's task collection to every client. Team
// snapshots go to everyone at once; personal ones are cut per actor.
func (h *Hub) broadcastTasks(ctx context.Context, scope model.Scope) {
	if scope == model.ScopeTeam {
		snap := h.taskSnapshot(scope, "")
		h.transport.Broadcast(protocol.MethodTasksSnapshot, snap)
		h.broadcasts.Add(1)
		h.metrics.Broadcast(ctx, "tasks", string(scope), len(h.sessions))
		return
	}
	for _, s := range h.sortedSessions() {
		h.sendTasks(s, scope)
	}
	h.broadcasts.Add(1)
	h.metrics.Broadcast(ctx, "tasks", string(scope), len(h.sessions))
}

func (h *Hub) broadcastProjects(ctx context.Context, scope model.Scope) {
	if scope == model.ScopeTeam {
		snap := h.projectSnapshot(scope, "")
		h.transport.Broadcast(protocol.MethodProjectsSnapshot, snap)
		h.broadcasts.Add(1)
		h.metrics.Broadcast(ctx, "projects", string(scope), len(h.sessions))
		return
	}
	for _, s := range h.sortedSessions() {
		h.sendProjects(s, scope)
	}
	h.broadcasts.Add(1)
	h.metrics.Broadcast(ctx, "projects", string(scope), len(h.sessions))
}

// send delivers to one client. An unavailable client is skipped.
func (h *Hub) send(clientID, method string, params any) {
	if err := h.transport.SendToClient(clientID, method, params); err != nil {
		h.logger.Debug("send skipped", "client_id", clientID, "method", method, "error", err)
	}
}

func (h *Hub) ack(req request, action, id string) {
	h.send(req.ClientID, protocol.MethodTaskAck, protocol.TaskAck{Action: action, ID: id, Success: true})
}

// notify sends a notice to every session of actorID.
func (h *Hub) notify(actorID, code, projectID, subject string) {
	for _, s := range h.sessionsOf(actorID) {
		h.send(s.ClientID, protocol.MethodNotice, protocol.Notice{Code: code, ProjectID: projectID, Subject: subject})
	}
}

// reviewers returns the online sessions allowed to see join requests for
// p: its owner and its LEAD members.
func (h *Hub) reviewers(p model.Project, exclude string) []Session {
	var out []Session
	for _, s := range h.sortedSessions() {
		if s.ActorID != exclude && isReviewer(p, s.ActorID) {
			out = append(out, s)
		}
	}
	return out
}

func isReviewer(p model.Project, actorID string) bool {
	if p.IsOwner(actorID) {
		return true
	}
	role, ok := p.MemberRole(actorID)
	return ok && role == model.RoleLead
}

// sendPendingReviews replays outstanding join requests to a reviewer who
// just came online.
func (h *Hub) sendPendingReviews(s Session) {
	for _, p := range h.projects.ByScope(model.ScopeTeam) {
		applicants := h.pending[p.ID]
		if len(applicants) == 0 || !isReviewer(p, s.ActorID) {
			continue
		}
		ids := make([]string, 0, len(applicants))
		for id := range applicants {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if id == s.ActorID {
				continue
			}
			h.send(s.ClientID, protocol.MethodJoinPending, protocol.JoinPending{
				ProjectID: p.ID, ProjectName: p.Name, ApplicantID: id, ApplicantName: applicants[id],
			})
		}
	}
}

func nonNilTasks(in []codec.TaskRecord) []codec.TaskRecord {
	if in == nil {
		return []codec.TaskRecord{}
	}
	return in
}

func nonNilProjects(in []codec.ProjectRecord) []codec.ProjectRecord {
	if in == nil {
		return []codec.ProjectRecord{}
	}
	return in
}
