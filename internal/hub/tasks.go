package hub

import (
	"context"
	"slices"

	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/permission"
	"github.com/basket/tasksync/internal/protocol"
)

// taskProject resolves the project t belongs to as seen by actorID. Team
// tasks without a project fall back to the default team project. It
// returns nil when nothing usable is found.
func (h *Hub) taskProject(t model.Task, actorID string) *model.Project {
	id := t.ProjectID
	if id == "" {
		if t.Scope != model.ScopeTeam {
			return nil
		}
		id = model.DefaultTeamProjectID
	}
	p, ok := h.projects.Get(id)
	if !ok || p.Scope != t.Scope || !visibleProject(p, actorID) {
		return nil
	}
	return &p
}

// claim makes an operator the owner of an unowned team project on first
// touch. It reports whether the project changed.
func (h *Hub) claim(ctx context.Context, req request, p *model.Project) bool {
	if !req.Operator || p == nil || p.Scope != model.ScopeTeam || !p.Unclaimed() {
		return false
	}
	p.OwnerID = req.ActorID
	p.AddMember(req.ActorID, model.RoleProjectManager, req.ActorName)
	h.projects.Update(*p)
	h.logger.Info("project claimed", "project_id", p.ID, "actor", req.ActorID)
	h.commit(ctx, model.ScopeTeam, false, true)
	return true
}

// lookupTask returns the task with id if actorID can see it.
func (h *Hub) lookupTask(ctx context.Context, req request, id string) (model.Task, bool) {
	t, ok := h.tasks.Get(id)
	if !ok || !visibleTask(t, req.ActorID) {
		h.drop(ctx, req, "unknown task "+id)
		return model.Task{}, false
	}
	return t, true
}

func (h *Hub) taskRole(ctx context.Context, req request, t model.Task) (permission.Role, permission.Context) {
	project := h.taskProject(t, req.ActorID)
	h.claim(ctx, req, project)
	return permission.ResolveRole(req.ActorID, req.Operator, project), permission.TaskContext(t, req.ActorID, project)
}

func (h *Hub) taskAdd(ctx context.Context, req request) {
	p, ok := decode[protocol.TaskParams](ctx, h, req)
	if !ok {
		return
	}
	task := p.Task.Task()
	task.ID = h.newID()
	task.CreatedAt = model.TruncateMillis(h.now())
	task.CreatorID = req.ActorID
	task.AssigneeID = ""
	task.AssigneeName = ""
	task.Subtasks = h.withSubtaskIDs(task.Subtasks)

	project := h.taskProject(task, req.ActorID)
	if project == nil {
		task.ProjectID = ""
		if def, ok := h.projects.Get(defaultProjectID(task.Scope)); ok && def.Scope == task.Scope {
			task.ProjectID = def.ID
			project = &def
		}
	}
	h.claim(ctx, req, project)

	pctx := permission.Context{View: permission.ViewPersonal}
	if task.Scope == model.ScopeTeam {
		pctx.View = permission.ViewTeamAll
	}
	if project != nil {
		pctx.IsMember = project.IsMember(req.ActorID)
	}
	role := permission.ResolveRole(req.ActorID, req.Operator, project)
	if !h.check(ctx, req, permission.OpAddTask, role, pctx, task.ID) {
		return
	}

	h.tasks.Add(task)
	h.accept(ctx, req)
	h.ack(req, protocol.AckAdd, task.ID)
	h.commit(ctx, task.Scope, true, false)
}

func (h *Hub) taskUpdate(ctx context.Context, req request) {
	p, ok := decode[protocol.TaskParams](ctx, h, req)
	if !ok {
		return
	}
	existing, ok := h.lookupTask(ctx, req, p.Task.ID)
	if !ok {
		return
	}
	incoming := p.Task.Task()

	next := existing.Clone()
	next.Title = incoming.Title
	next.Description = incoming.Description
	next.Priority = incoming.Priority
	next.Tags = incoming.Tags
	next.DueAt = incoming.DueAt
	next.Subtasks = h.withSubtaskIDs(incoming.Subtasks)
	edited := !sameContent(existing, next)
	toggled := incoming.Completed != existing.Completed
	next.Completed = incoming.Completed

	role, pctx := h.taskRole(ctx, req, existing)
	if !edited && !toggled {
		// An unchanged record is acked only to actors that could change it.
		if permission.CanPerform(permission.OpEditTask, role, pctx) ||
			permission.CanPerform(permission.OpToggleComplete, role, pctx) {
			h.ack(req, protocol.AckUpdate, existing.ID)
			return
		}
		h.check(ctx, req, permission.OpEditTask, role, pctx, existing.ID)
		return
	}
	if edited && !h.check(ctx, req, permission.OpEditTask, role, pctx, existing.ID) {
		return
	}
	if toggled && !h.check(ctx, req, permission.OpToggleComplete, role, pctx, existing.ID) {
		return
	}

	h.tasks.Update(next)
	h.accept(ctx, req)
	h.ack(req, protocol.AckUpdate, next.ID)
	h.commit(ctx, next.Scope, true, false)
}

func (h *Hub) taskDelete(ctx context.Context, req request) {
	p, ok := decode[protocol.TaskIDParams](ctx, h, req)
	if !ok {
		return
	}
	existing, ok := h.lookupTask(ctx, req, p.ID)
	if !ok {
		return
	}
	role, pctx := h.taskRole(ctx, req, existing)
	if !h.check(ctx, req, permission.OpDeleteTask, role, pctx, existing.ID) {
		return
	}
	h.tasks.Delete(existing.ID)
	h.accept(ctx, req)
	h.ack(req, protocol.AckDelete, existing.ID)
	h.commit(ctx, existing.Scope, true, false)
}

func (h *Hub) taskToggle(ctx context.Context, req request) {
	p, ok := decode[protocol.TaskIDParams](ctx, h, req)
	if !ok {
		return
	}
	existing, ok := h.lookupTask(ctx, req, p.ID)
	if !ok {
		return
	}
	role, pctx := h.taskRole(ctx, req, existing)
	if !h.check(ctx, req, permission.OpToggleComplete, role, pctx, existing.ID) {
		return
	}
	existing.Completed = !existing.Completed
	h.tasks.Update(existing)
	h.accept(ctx, req)
	h.ack(req, protocol.AckToggle, existing.ID)
	h.commit(ctx, existing.Scope, true, false)
}

// assignOperation picks the operation gating a change of t's assignee to
// assigneeID and the context it is checked in. It reports false when the
// change is a no-op.
func assignOperation(t model.Task, actorID, assigneeID string, isMember bool) (permission.Operation, permission.Context, bool) {
	pctx := permission.Context{
		Completed:    t.Completed,
		Assigned:     t.Assigned(),
		AssigneeSelf: t.AssignedTo(actorID),
		IsMember:     isMember,
	}
	switch {
	case assigneeID == t.AssigneeID:
		return "", pctx, false
	case assigneeID == "":
		pctx.View = permission.ViewTeamAll
		if t.AssignedTo(actorID) {
			pctx.View = permission.ViewTeamAssigned
		}
		return permission.OpAbandonTask, pctx, true
	case assigneeID == actorID && !t.Assigned():
		pctx.View = permission.ViewTeamUnassigned
		pctx.Assigned = false
		pctx.AssigneeSelf = false
		return permission.OpClaimTask, pctx, true
	default:
		pctx.View = permission.ViewTeamAll
		return permission.OpAssignOthers, pctx, true
	}
}

// applyAssignee checks and applies an assignee change on t in place. It
// reports whether t changed and whether the change was denied.
func (h *Hub) applyAssignee(ctx context.Context, req request, t *model.Task, assigneeID string) (changed, denied bool) {
	project := h.taskProject(*t, req.ActorID)
	h.claim(ctx, req, project)
	isMember := project != nil && project.IsMember(req.ActorID)
	op, pctx, needed := assignOperation(*t, req.ActorID, assigneeID, isMember)
	if !needed {
		return false, false
	}
	role := permission.ResolveRole(req.ActorID, req.Operator, project)
	if !h.check(ctx, req, op, role, pctx, t.ID) {
		return false, true
	}
	t.AssigneeID = assigneeID
	t.AssigneeName = ""
	if assigneeID != "" {
		t.AssigneeName = h.nameOf(assigneeID)
	}
	return true, false
}

func (h *Hub) taskAssign(ctx context.Context, req request) {
	p, ok := decode[protocol.TaskAssignParams](ctx, h, req)
	if !ok {
		return
	}
	existing, ok := h.lookupTask(ctx, req, p.ID)
	if !ok {
		return
	}
	if existing.Scope != model.ScopeTeam {
		h.drop(ctx, req, "assignment needs a team task")
		return
	}
	changed, _ := h.applyAssignee(ctx, req, &existing, p.AssigneeID)
	if !changed {
		return
	}
	h.tasks.Update(existing)
	h.accept(ctx, req)
	h.commit(ctx, model.ScopeTeam, true, false)
}

func (h *Hub) taskReplace(ctx context.Context, req request) {
	p, ok := decode[protocol.TaskReplaceParams](ctx, h, req)
	if !ok {
		return
	}
	scope := model.ParseScope(p.Scope)
	incoming := make([]model.Task, 0, len(p.Tasks))
	for _, rec := range p.Tasks {
		t := rec.Task()
		t.Scope = scope
		incoming = append(incoming, t)
	}
	if scope == model.ScopePersonal {
		h.replacePersonal(ctx, req, incoming)
		return
	}
	if req.Operator {
		h.replaceTeam(ctx, req, incoming)
		return
	}
	h.mergeTeam(ctx, req, incoming)
}

// replacePersonal swaps the actor's own personal tasks for incoming. Other
// actors' personal tasks are kept as they are.
func (h *Hub) replacePersonal(ctx context.Context, req request, incoming []model.Task) {
	next := h.tasks.Filter(func(t model.Task) bool {
		return t.Scope == model.ScopePersonal && !visibleTask(t, req.ActorID)
	})
	for _, t := range incoming {
		if t.ID == "" {
			t.ID = h.newID()
		}
		if existing, ok := h.tasks.Get(t.ID); ok {
			if !visibleTask(existing, req.ActorID) || existing.Scope != model.ScopePersonal {
				h.drop(ctx, req, "foreign task "+t.ID)
				continue
			}
			t.CreatorID = existing.CreatorID
			t.CreatedAt = existing.CreatedAt
		} else {
			t.CreatorID = req.ActorID
			if t.CreatedAt.IsZero() {
				t.CreatedAt = model.TruncateMillis(h.now())
			}
		}
		t.AssigneeID = ""
		t.AssigneeName = ""
		t.Subtasks = h.withSubtaskIDs(t.Subtasks)
		next = append(next, t)
	}
	h.tasks.ReplaceScope(model.ScopePersonal, next)
	h.accept(ctx, req)
	h.commit(ctx, model.ScopePersonal, true, false)
}

// replaceTeam swaps the whole team collection. Only operators get here.
// Ids that already name a personal task are dropped.
func (h *Hub) replaceTeam(ctx context.Context, req request, incoming []model.Task) {
	next := make([]model.Task, 0, len(incoming))
	for _, t := range incoming {
		if t.ID == "" {
			t.ID = h.newID()
		}
		if existing, ok := h.tasks.Get(t.ID); ok && existing.Scope != model.ScopeTeam {
			h.drop(ctx, req, "foreign task "+t.ID)
			continue
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = model.TruncateMillis(h.now())
		}
		t.Subtasks = h.withSubtaskIDs(t.Subtasks)
		next = append(next, t)
	}
	h.audit.Record(ctx, auditAllow(req, "REPLACE_TEAM_TASKS", string(model.ScopeTeam)))
	h.tasks.ReplaceScope(model.ScopeTeam, next)
	h.accept(ctx, req)
	h.commit(ctx, model.ScopeTeam, true, false)
}

// mergeTeam applies only completion and assignee differences, each
// checked on its own. If anything was refused the actor gets the
// authoritative snapshot back.
func (h *Hub) mergeTeam(ctx context.Context, req request, incoming []model.Task) {
	changed, denied := false, false
	for _, want := range incoming {
		current, ok := h.tasks.Get(want.ID)
		if !ok || current.Scope != model.ScopeTeam {
			continue
		}
		dirty := false
		if want.Completed != current.Completed {
			role, pctx := h.taskRole(ctx, req, current)
			if h.check(ctx, req, permission.OpToggleComplete, role, pctx, current.ID) {
				current.Completed = want.Completed
				dirty = true
			} else {
				denied = true
			}
		}
		if want.AssigneeID != current.AssigneeID {
			ok, refused := h.applyAssignee(ctx, req, &current, want.AssigneeID)
			dirty = dirty || ok
			denied = denied || refused
		}
		if dirty {
			h.tasks.Update(current)
			changed = true
		}
	}
	if changed {
		h.accept(ctx, req)
		h.commit(ctx, model.ScopeTeam, true, false)
	}
	if denied && !changed {
		h.sendTasks(req.Session, model.ScopeTeam)
	}
}

func (h *Hub) taskSync(ctx context.Context, req request) {
	p, ok := decode[protocol.SyncParams](ctx, h, req)
	if !ok {
		return
	}
	for _, scope := range syncScopes(p.Scope) {
		h.sendTasks(req.Session, scope)
	}
}

func syncScopes(raw string) []model.Scope {
	if raw == "" {
		return model.Scopes
	}
	return []model.Scope{model.ParseScope(raw)}
}

// withSubtaskIDs gives every subtask without an id a fresh one.
func (h *Hub) withSubtaskIDs(subs []model.Task) []model.Task {
	for i := range subs {
		if subs[i].ID == "" {
			subs[i].ID = h.newID()
		}
		subs[i].Subtasks = h.withSubtaskIDs(subs[i].Subtasks)
	}
	return subs
}

// sameContent compares the user-editable fields of two tasks, ignoring
// completion of the task itself.
func sameContent(a, b model.Task) bool {
	if a.Title != b.Title || a.Description != b.Description || a.Priority != b.Priority {
		return false
	}
	if !slices.Equal(model.NormalizeTags(a.Tags), model.NormalizeTags(b.Tags)) {
		return false
	}
	if (a.DueAt == nil) != (b.DueAt == nil) || (a.DueAt != nil && !a.DueAt.Equal(*b.DueAt)) {
		return false
	}
	return slices.EqualFunc(a.Subtasks, b.Subtasks, func(x, y model.Task) bool {
		return x.ID == y.ID && x.Completed == y.Completed && sameContent(x, y)
	})
}
