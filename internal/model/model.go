// Package model defines the shared task and project entities.
package model

import (
	"slices"
	"strings"
	"time"
)

// Scope partitions entities into per-actor and shared collections.
type Scope string

const (
	ScopePersonal Scope = "PERSONAL"
	ScopeTeam     Scope = "TEAM"
)

// Scopes lists every scope in flush order.
var Scopes = []Scope{ScopePersonal, ScopeTeam}

// ParseScope maps a wire name to a Scope. Unknown or empty names are PERSONAL.
func ParseScope(raw string) Scope {
	if strings.EqualFold(strings.TrimSpace(raw), string(ScopeTeam)) {
		return ScopeTeam
	}
	return ScopePersonal
}

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	return s == ScopePersonal || s == ScopeTeam
}

// Priority is ordered LOW < MEDIUM < HIGH.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

var priorityNames = [...]string{"LOW", "MEDIUM", "HIGH"}

// Display colours as 0xAARRGGBB.
var priorityColors = [...]uint32{0xFF55FFFF, 0xFFFFFF00, 0xFFFF5555}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityHigh {
		return priorityNames[PriorityMedium]
	}
	return priorityNames[p]
}

// Color returns the priority's ARGB display colour.
func (p Priority) Color() uint32 {
	if p < PriorityLow || p > PriorityHigh {
		return priorityColors[PriorityMedium]
	}
	return priorityColors[p]
}

// ParsePriority maps a wire name to a Priority; unknown names are MEDIUM.
func ParsePriority(raw string) Priority {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LOW":
		return PriorityLow
	case "HIGH":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Task is a single work item. Optional identities are empty when absent.
type Task struct {
	ID           string
	Title        string
	Description  string
	Completed    bool
	Priority     Priority
	Tags         []string
	CreatedAt    time.Time
	DueAt        *time.Time
	Subtasks     []Task
	Scope        Scope
	ProjectID    string
	CreatorID    string
	AssigneeID   string
	AssigneeName string
}

// Assigned reports whether the task has an assignee.
func (t Task) Assigned() bool {
	return t.AssigneeID != ""
}

// AssignedTo reports whether actorID is the task's assignee.
func (t Task) AssignedTo(actorID string) bool {
	return actorID != "" && t.AssigneeID == actorID
}

// SetTags replaces the tag set, dropping blanks and duplicates.
func (t *Task) SetTags(tags []string) {
	t.Tags = NormalizeTags(tags)
}

// AddTag inserts tag if it is not already present.
func (t *Task) AddTag(tag string) {
	t.Tags = NormalizeTags(append(t.Tags, tag))
}

// HasTag reports whether tag is in the set.
func (t Task) HasTag(tag string) bool {
	_, found := slices.BinarySearch(t.Tags, strings.TrimSpace(tag))
	return found
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	out := t
	if t.Tags != nil {
		out.Tags = slices.Clone(t.Tags)
	}
	if t.DueAt != nil {
		due := *t.DueAt
		out.DueAt = &due
	}
	if t.Subtasks != nil {
		out.Subtasks = make([]Task, len(t.Subtasks))
		for i, sub := range t.Subtasks {
			out.Subtasks[i] = sub.Clone()
		}
	}
	return out
}

// NormalizeTags returns a sorted, de-duplicated copy with blanks removed.
// It returns nil for an empty result.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		out = append(out, tag)
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// TruncateMillis drops sub-millisecond precision so timestamps survive a
// round trip through the millisecond wire format unchanged.
func TruncateMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}
