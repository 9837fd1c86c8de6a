// Package permission decides whether an actor may perform an operation.
//
// CanPerform is a pure function of (operation, role, context) and is the
// only place the rules live. ResolveRole is the only place an actor's role
// is derived from a project.
package permission

import (
	"github.com/basket/tasksync/internal/model"
)

// Role is the effective role of an actor for one decision.
type Role int

const (
	RoleMember Role = iota + 1
	RoleLead
	RoleProjectManager
	RoleOperator
)

func (r Role) String() string {
	switch r {
	case RoleOperator:
		return "OP"
	case RoleProjectManager:
		return "PROJECT_MANAGER"
	case RoleLead:
		return "LEAD"
	default:
		return "MEMBER"
	}
}

// managerial reports PROJECT_MANAGER or LEAD.
func (r Role) managerial() bool {
	return r == RoleProjectManager || r == RoleLead
}

// ViewScope is the lens the actor is acting through.
type ViewScope int

const (
	ViewPersonal ViewScope = iota
	ViewTeamUnassigned
	ViewTeamAll
	ViewTeamAssigned
)

func (v ViewScope) String() string {
	switch v {
	case ViewTeamUnassigned:
		return "TEAM_UNASSIGNED"
	case ViewTeamAll:
		return "TEAM_ALL"
	case ViewTeamAssigned:
		return "TEAM_ASSIGNED"
	default:
		return "PERSONAL"
	}
}

// Operation names a permission-checked action.
type Operation string

const (
	OpAddTask          Operation = "ADD_TASK"
	OpDeleteTask       Operation = "DELETE_TASK"
	OpEditTask         Operation = "EDIT_TASK"
	OpToggleComplete   Operation = "TOGGLE_COMPLETE"
	OpClaimTask        Operation = "CLAIM_TASK"
	OpAbandonTask      Operation = "ABANDON_TASK"
	OpAssignOthers     Operation = "ASSIGN_OTHERS"
	OpEditProject      Operation = "EDIT_PROJECT"
	OpDeleteProject    Operation = "DELETE_PROJECT"
	OpAddMember        Operation = "ADD_MEMBER"
	OpRemoveMember     Operation = "REMOVE_MEMBER"
	OpChangeMemberRole Operation = "CHANGE_MEMBER_ROLE"
)

// IsTaskOp reports whether op acts on a task.
func (op Operation) IsTaskOp() bool {
	switch op {
	case OpAddTask, OpDeleteTask, OpEditTask, OpToggleComplete,
		OpClaimTask, OpAbandonTask, OpAssignOthers:
		return true
	default:
		return false
	}
}

// Context carries the facts a decision depends on.
type Context struct {
	View          ViewScope
	Completed     bool // target task is completed
	Assigned      bool // target task has an assignee
	AssigneeSelf  bool // target task's assignee is the actor
	TargetSelf    bool // member operation targets the actor
	TargetManager bool // member operation targets a PROJECT_MANAGER
	IsMember      bool // actor belongs to the relevant project
}

// CanPerform evaluates the permission table.
func CanPerform(op Operation, role Role, ctx Context) bool {
	// Nobody removes themselves, operators included.
	if op == OpRemoveMember && ctx.TargetSelf {
		return false
	}
	if role == RoleOperator {
		return true
	}
	personal := ctx.View == ViewPersonal
	if op.IsTaskOp() && !personal && !ctx.IsMember {
		return false
	}

	switch op {
	case OpEditTask:
		return canEditTask(role, ctx)
	case OpDeleteTask:
		if personal && ctx.Completed {
			return true
		}
		if personal {
			return canEditTask(role, ctx)
		}
		return role.managerial()
	case OpToggleComplete:
		if personal || role.managerial() {
			return true
		}
		return ctx.View == ViewTeamAssigned && ctx.AssigneeSelf
	case OpAddTask:
		return personal || role.managerial()
	case OpClaimTask:
		if personal || ctx.Completed {
			return false
		}
		if role.managerial() {
			return !ctx.Assigned
		}
		return ctx.View == ViewTeamUnassigned && !ctx.Assigned
	case OpAbandonTask:
		if personal || ctx.Completed {
			return false
		}
		if role.managerial() {
			return true
		}
		return ctx.View == ViewTeamAssigned && ctx.AssigneeSelf
	case OpAssignOthers:
		if personal || ctx.Completed {
			return false
		}
		return role.managerial()
	case OpEditProject, OpDeleteProject:
		return role == RoleProjectManager
	case OpAddMember:
		return role.managerial()
	case OpRemoveMember, OpChangeMemberRole:
		switch role {
		case RoleProjectManager:
			return !ctx.TargetSelf
		case RoleLead:
			return !ctx.TargetSelf && !ctx.TargetManager
		default:
			return false
		}
	default:
		return false
	}
}

func canEditTask(role Role, ctx Context) bool {
	if ctx.Completed {
		return false
	}
	if ctx.View == ViewPersonal {
		return true
	}
	return role.managerial()
}

// ResolveRole derives the actor's role for project. Operators are OP
// everywhere; the owner is PROJECT_MANAGER; roster entries map to their
// role; everyone else, including actors with no project, is MEMBER.
func ResolveRole(actorID string, isOperator bool, project *model.Project) Role {
	if isOperator {
		return RoleOperator
	}
	if project == nil {
		return RoleMember
	}
	if project.IsOwner(actorID) {
		return RoleProjectManager
	}
	if r, ok := project.MemberRole(actorID); ok {
		return FromProjectRole(r)
	}
	return RoleMember
}

// FromProjectRole lifts a roster role into an evaluation role.
func FromProjectRole(r model.ProjectRole) Role {
	switch r {
	case model.RoleProjectManager:
		return RoleProjectManager
	case model.RoleLead:
		return RoleLead
	default:
		return RoleMember
	}
}

// TaskView derives the view scope an actor acts through for task.
func TaskView(task model.Task, actorID string) ViewScope {
	switch {
	case task.Scope != model.ScopeTeam:
		return ViewPersonal
	case task.AssignedTo(actorID):
		return ViewTeamAssigned
	case !task.Assigned():
		return ViewTeamUnassigned
	default:
		return ViewTeamAll
	}
}

// TaskContext builds the decision context for actorID acting on task
// within project (nil when the task has no resolvable project).
func TaskContext(task model.Task, actorID string, project *model.Project) Context {
	ctx := Context{
		View:         TaskView(task, actorID),
		Completed:    task.Completed,
		Assigned:     task.Assigned(),
		AssigneeSelf: task.AssignedTo(actorID),
	}
	if project != nil {
		ctx.IsMember = project.IsMember(actorID)
	}
	return ctx
}

// MemberContext builds the decision context for a roster operation by
// actorID against targetID.
func MemberContext(project model.Project, actorID, targetID string) Context {
	ctx := Context{
		View:       ViewTeamAll,
		TargetSelf: actorID == targetID,
		IsMember:   project.IsMember(actorID),
	}
	if project.IsOwner(targetID) {
		ctx.TargetManager = true
	} else if r, ok := project.MemberRole(targetID); ok && r == model.RoleProjectManager {
		ctx.TargetManager = true
	}
	return ctx
}
