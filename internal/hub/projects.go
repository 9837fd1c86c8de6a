package hub

import (
	"context"
	"strings"

	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/permission"
	"github.com/basket/tasksync/internal/protocol"
)

// lookupProject returns the project with id if actorID can see it.
func (h *Hub) lookupProject(ctx context.Context, req request, id string) (model.Project, bool) {
	p, ok := h.projects.Get(id)
	if !ok || !visibleProject(p, req.ActorID) {
		h.drop(ctx, req, "unknown project "+id)
		return model.Project{}, false
	}
	return p, true
}

// lookupTeamProject is lookupProject restricted to team projects, which
// are the only ones with a meaningful roster.
func (h *Hub) lookupTeamProject(ctx context.Context, req request, id string) (model.Project, bool) {
	p, ok := h.lookupProject(ctx, req, id)
	if !ok {
		return p, false
	}
	if p.Scope != model.ScopeTeam {
		h.drop(ctx, req, "roster change on personal project "+id)
		return p, false
	}
	return p, true
}

func (h *Hub) projectAdd(ctx context.Context, req request) {
	p, ok := decode[protocol.ProjectParams](ctx, h, req)
	if !ok {
		return
	}
	project := p.Project.Project()
	project.ID = h.newID()
	project.CreatedAt = model.TruncateMillis(h.now())
	if project.Scope == model.ScopeTeam {
		project.Members = map[string]model.ProjectRole{}
		project.MemberNames = map[string]string{}
	}
	project.OwnerID = req.ActorID
	project.AddMember(req.ActorID, model.RoleProjectManager, req.ActorName)

	h.audit.Record(ctx, auditAllow(req, "ADD_PROJECT", project.ID))
	h.projects.Add(project)
	h.accept(ctx, req)
	h.commit(ctx, project.Scope, false, true)
}

// authorizeProject gates edit and delete: owner rules for personal
// projects, the permission table for team ones.
func (h *Hub) authorizeProject(ctx context.Context, req request, op permission.Operation, p *model.Project) bool {
	if p.Scope != model.ScopeTeam {
		return h.checkOwner(ctx, req, op, *p)
	}
	h.claim(ctx, req, p)
	role := permission.ResolveRole(req.ActorID, req.Operator, p)
	pctx := permission.Context{View: permission.ViewTeamAll, IsMember: p.IsMember(req.ActorID)}
	return h.check(ctx, req, op, role, pctx, p.ID)
}

func (h *Hub) projectUpdate(ctx context.Context, req request) {
	p, ok := decode[protocol.ProjectParams](ctx, h, req)
	if !ok {
		return
	}
	existing, ok := h.lookupProject(ctx, req, p.Project.ID)
	if !ok {
		return
	}
	if !h.authorizeProject(ctx, req, permission.OpEditProject, &existing) {
		return
	}
	if name := strings.TrimSpace(p.Project.Name); name != "" {
		existing.Name = name
	}
	if p.Project.Color != nil {
		existing.SetColor(*p.Project.Color)
	}
	if p.Project.AllowMemberCreate != nil {
		existing.AllowMemberCreate = *p.Project.AllowMemberCreate
	}
	h.projects.Update(existing)
	h.accept(ctx, req)
	h.commit(ctx, existing.Scope, false, true)
}

// projectDelete removes the project together with the tasks filed under it
// that the actor can see. Other actors' personal tasks are never touched.
func (h *Hub) projectDelete(ctx context.Context, req request) {
	p, ok := decode[protocol.ProjectIDParams](ctx, h, req)
	if !ok {
		return
	}
	existing, ok := h.lookupProject(ctx, req, p.ProjectID)
	if !ok {
		return
	}
	if !h.authorizeProject(ctx, req, permission.OpDeleteProject, &existing) {
		return
	}
	h.projects.Delete(existing.ID)
	delete(h.pending, existing.ID)
	removed := 0
	for _, t := range h.tasks.Filter(func(t model.Task) bool {
		return t.Scope == existing.Scope && t.ProjectID == existing.ID && visibleTask(t, req.ActorID)
	}) {
		h.tasks.Delete(t.ID)
		removed++
	}
	if removed > 0 {
		h.logger.Info("project tasks removed", "project_id", existing.ID, "count", removed)
	}
	h.accept(ctx, req)
	h.commit(ctx, existing.Scope, removed > 0, true)
}

func (h *Hub) memberAdd(ctx context.Context, req request) {
	p, ok := decode[protocol.MemberAddParams](ctx, h, req)
	if !ok {
		return
	}
	project, ok := h.lookupTeamProject(ctx, req, p.ProjectID)
	if !ok {
		return
	}
	h.claim(ctx, req, &project)
	role := permission.ResolveRole(req.ActorID, req.Operator, &project)
	if !h.check(ctx, req, permission.OpAddMember, role, permission.MemberContext(project, req.ActorID, p.MemberID), project.ID) {
		return
	}

	memberID, name := strings.TrimSpace(p.MemberID), strings.TrimSpace(p.MemberName)
	if memberID == "" {
		resolved, found := h.resolveName(name)
		if !found {
			h.drop(ctx, req, "unknown member name "+name)
			return
		}
		memberID = resolved
		name = h.nameOf(memberID)
	}
	if project.IsMember(memberID) {
		return
	}
	if name == "" {
		name = h.names[memberID]
	}
	project.AddMember(memberID, model.RoleMember, name)
	delete(h.pending[project.ID], memberID)
	h.projects.Update(project)
	h.accept(ctx, req)
	h.commit(ctx, model.ScopeTeam, false, true)
}

// memberRemove drops a roster entry. Removing the owner leaves the project
// unowned so an operator can claim it again.
func (h *Hub) memberRemove(ctx context.Context, req request) {
	p, ok := decode[protocol.MemberParams](ctx, h, req)
	if !ok {
		return
	}
	project, ok := h.lookupTeamProject(ctx, req, p.ProjectID)
	if !ok {
		return
	}
	if !project.IsMember(p.MemberID) {
		h.drop(ctx, req, "not a member "+p.MemberID)
		return
	}
	h.claim(ctx, req, &project)
	role := permission.ResolveRole(req.ActorID, req.Operator, &project)
	if !h.check(ctx, req, permission.OpRemoveMember, role, permission.MemberContext(project, req.ActorID, p.MemberID), project.ID) {
		return
	}
	project.RemoveMember(p.MemberID)
	if project.IsOwner(p.MemberID) {
		project.OwnerID = ""
	}
	h.projects.Update(project)
	h.accept(ctx, req)
	h.commit(ctx, model.ScopeTeam, false, true)
}

// parseRoleChange maps a requested role to a roster role. Only LEAD and
// MEMBER can be granted; ownership is never transferred this way.
func parseRoleChange(raw string) (model.ProjectRole, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LEAD", "ADMIN":
		return model.RoleLead, true
	case "MEMBER":
		return model.RoleMember, true
	default:
		return 0, false
	}
}

func (h *Hub) memberRole(ctx context.Context, req request) {
	p, ok := decode[protocol.MemberRoleParams](ctx, h, req)
	if !ok {
		return
	}
	next, ok := parseRoleChange(p.Role)
	if !ok {
		h.drop(ctx, req, "unsupported role "+p.Role)
		return
	}
	project, ok := h.lookupTeamProject(ctx, req, p.ProjectID)
	if !ok {
		return
	}
	current, listed := project.MemberRole(p.MemberID)
	if !listed {
		h.drop(ctx, req, "not a member "+p.MemberID)
		return
	}
	h.claim(ctx, req, &project)
	role := permission.ResolveRole(req.ActorID, req.Operator, &project)
	if !h.check(ctx, req, permission.OpChangeMemberRole, role, permission.MemberContext(project, req.ActorID, p.MemberID), project.ID) {
		return
	}
	if current == next {
		return
	}
	project.AddMember(p.MemberID, next, "")
	h.projects.Update(project)
	h.accept(ctx, req)
	h.commit(ctx, model.ScopeTeam, false, true)
}

// joinRequest records a pending request and tells online reviewers.
func (h *Hub) joinRequest(ctx context.Context, req request) {
	p, ok := decode[protocol.ProjectIDParams](ctx, h, req)
	if !ok {
		return
	}
	project, ok := h.projects.Get(p.ProjectID)
	if !ok || project.Scope != model.ScopeTeam {
		h.notify(req.ActorID, protocol.NoticeJoinInvalidProject, p.ProjectID, "")
		h.drop(ctx, req, "join: invalid project "+p.ProjectID)
		return
	}
	if project.IsMember(req.ActorID) {
		h.notify(req.ActorID, protocol.NoticeJoinAlreadyMember, project.ID, project.Name)
		return
	}

	name := req.ActorName
	if name == "" {
		name = h.nameOf(req.ActorID)
	}
	if h.pending[project.ID] == nil {
		h.pending[project.ID] = make(map[string]string)
	}
	h.pending[project.ID][req.ActorID] = name

	reviewers := h.reviewers(project, req.ActorID)
	for _, s := range reviewers {
		h.send(s.ClientID, protocol.MethodJoinPending, protocol.JoinPending{
			ProjectID: project.ID, ProjectName: project.Name, ApplicantID: req.ActorID, ApplicantName: name,
		})
	}
	code := protocol.NoticeJoinSent
	if len(reviewers) == 0 {
		code = protocol.NoticeJoinNoReviewer
	}
	h.notify(req.ActorID, code, project.ID, project.Name)
	h.logger.Info("join requested", "project_id", project.ID, "actor", req.ActorID, "reviewers", len(reviewers))
}

func (h *Hub) joinDecide(ctx context.Context, req request) {
	p, ok := decode[protocol.JoinDecideParams](ctx, h, req)
	if !ok {
		return
	}
	project, ok := h.projects.Get(p.ProjectID)
	if !ok || project.Scope != model.ScopeTeam {
		h.notify(req.ActorID, protocol.NoticeJoinInvalidProject, p.ProjectID, "")
		h.drop(ctx, req, "join: invalid project "+p.ProjectID)
		return
	}
	if p.ApplicantID == req.ActorID {
		h.notify(req.ActorID, protocol.NoticeJoinCannotSelf, project.ID, project.Name)
		h.drop(ctx, req, "join: self approval")
		return
	}
	h.claim(ctx, req, &project)
	role := permission.ResolveRole(req.ActorID, req.Operator, &project)
	if !h.check(ctx, req, permission.OpAddMember, role, permission.MemberContext(project, req.ActorID, p.ApplicantID), project.ID) {
		h.notify(req.ActorID, protocol.NoticeJoinNoPermission, project.ID, project.Name)
		return
	}
	applicants := h.pending[project.ID]
	name, pending := applicants[p.ApplicantID]
	delete(applicants, p.ApplicantID)
	if project.IsMember(p.ApplicantID) {
		h.notify(req.ActorID, protocol.NoticeJoinAlreadyMember, project.ID, h.nameOf(p.ApplicantID))
		return
	}
	if !pending {
		h.notify(req.ActorID, protocol.NoticeJoinNotPending, project.ID, h.nameOf(p.ApplicantID))
		return
	}

	if !p.Accept {
		h.notify(p.ApplicantID, protocol.NoticeJoinDenied, project.ID, project.Name)
		h.notify(req.ActorID, protocol.NoticeJoinRejected, project.ID, name)
		return
	}
	project.AddMember(p.ApplicantID, model.RoleMember, name)
	h.projects.Update(project)
	h.accept(ctx, req)
	h.commit(ctx, model.ScopeTeam, false, true)
	h.notify(p.ApplicantID, protocol.NoticeJoinAccepted, project.ID, project.Name)
	h.notify(req.ActorID, protocol.NoticeJoinApproved, project.ID, name)
}

func (h *Hub) projectSync(ctx context.Context, req request) {
	p, ok := decode[protocol.SyncParams](ctx, h, req)
	if !ok {
		return
	}
	for _, scope := range syncScopes(p.Scope) {
		h.sendProjects(req.Session, scope)
	}
}
