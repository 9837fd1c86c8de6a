package model

import (
	"sort"
	"strings"
	"time"
)

// DefaultColor is the 24-bit RGB colour given to projects that carry none.
const DefaultColor uint32 = 0xFFFFFF

// Names of the bootstrap projects created on first start.
const (
	DefaultPersonalProjectName = "Personal"
	DefaultTeamProjectName     = "Team"

	DefaultPersonalProjectID = "default-personal"
	DefaultTeamProjectID     = "default-team"
)

// ProjectRole is a member's standing inside one project.
type ProjectRole int

const (
	RoleMember ProjectRole = iota + 1
	RoleLead
	RoleProjectManager
)

// Level returns the numeric privilege level (MEMBER=1, LEAD=2, PROJECT_MANAGER=3).
func (r ProjectRole) Level() int {
	if r < RoleMember || r > RoleProjectManager {
		return int(RoleMember)
	}
	return int(r)
}

// AtLeast reports whether r is at or above other.
func (r ProjectRole) AtLeast(other ProjectRole) bool {
	return r.Level() >= other.Level()
}

func (r ProjectRole) String() string {
	switch r {
	case RoleProjectManager:
		return "PROJECT_MANAGER"
	case RoleLead:
		return "LEAD"
	default:
		return "MEMBER"
	}
}

// ParseProjectRole decodes a role name, including the legacy OWNER and
// ADMIN names. Anything unrecognised is MEMBER.
func ParseProjectRole(raw string) ProjectRole {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PROJECT_MANAGER", "OWNER":
		return RoleProjectManager
	case "LEAD", "ADMIN":
		return RoleLead
	default:
		return RoleMember
	}
}

// Project groups tasks and carries the membership roster used for team
// permissions. OwnerID is empty for an unclaimed bootstrap project.
type Project struct {
	ID                string
	Name              string
	Color             uint32
	Scope             Scope
	OwnerID           string
	CreatedAt         time.Time
	AllowMemberCreate bool
	Members           map[string]ProjectRole
	MemberNames       map[string]string
}

// NewProject returns a project with the documented defaults applied.
func NewProject(id, name string, scope Scope, ownerID string, createdAt time.Time) Project {
	return Project{
		ID:                id,
		Name:              name,
		Color:             DefaultColor,
		Scope:             scope,
		OwnerID:           ownerID,
		CreatedAt:         TruncateMillis(createdAt),
		AllowMemberCreate: true,
		Members:           map[string]ProjectRole{},
		MemberNames:       map[string]string{},
	}
}

// SetColor stores the colour masked to 24 bits.
func (p *Project) SetColor(c uint32) {
	p.Color = c & 0xFFFFFF
}

// IsOwner reports whether actorID owns the project.
func (p Project) IsOwner(actorID string) bool {
	return actorID != "" && p.OwnerID == actorID
}

// Unclaimed reports whether nobody owns the project yet.
func (p Project) Unclaimed() bool {
	return p.OwnerID == ""
}

// IsMember reports whether actorID is the owner or listed in the roster.
func (p Project) IsMember(actorID string) bool {
	if actorID == "" {
		return false
	}
	if p.IsOwner(actorID) {
		return true
	}
	_, ok := p.Members[actorID]
	return ok
}

// MemberRole returns actorID's roster role.
func (p Project) MemberRole(actorID string) (ProjectRole, bool) {
	role, ok := p.Members[actorID]
	return role, ok
}

// AddMember inserts or overwrites a roster entry. An empty name keeps any
// cached name.
func (p *Project) AddMember(actorID string, role ProjectRole, name string) {
	if p.Members == nil {
		p.Members = map[string]ProjectRole{}
	}
	if p.MemberNames == nil {
		p.MemberNames = map[string]string{}
	}
	p.Members[actorID] = role
	if name != "" {
		p.MemberNames[actorID] = name
	}
}

// RemoveMember drops actorID from the roster and the name cache.
func (p *Project) RemoveMember(actorID string) bool {
	if _, ok := p.Members[actorID]; !ok {
		return false
	}
	delete(p.Members, actorID)
	delete(p.MemberNames, actorID)
	return true
}

// SetMemberName updates the cached display name and reports whether it changed.
func (p *Project) SetMemberName(actorID, name string) bool {
	if name == "" {
		return false
	}
	if p.MemberNames == nil {
		p.MemberNames = map[string]string{}
	}
	if p.MemberNames[actorID] == name {
		return false
	}
	p.MemberNames[actorID] = name
	return true
}

// MemberName returns the cached display name, falling back to the id.
func (p Project) MemberName(actorID string) string {
	if name := p.MemberNames[actorID]; name != "" {
		return name
	}
	return actorID
}

// MemberIDs returns roster ids in sorted order.
func (p Project) MemberIDs() []string {
	ids := make([]string, 0, len(p.Members))
	for id := range p.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of p.
func (p Project) Clone() Project {
	out := p
	out.Members = make(map[string]ProjectRole, len(p.Members))
	for k, v := range p.Members {
		out.Members[k] = v
	}
	out.MemberNames = make(map[string]string, len(p.MemberNames))
	for k, v := range p.MemberNames {
		out.MemberNames[k] = v
	}
	return out
}
