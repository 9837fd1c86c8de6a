// Package codec converts tasks and projects to and from their versioned
// JSON records. The same records are used on disk and on the wire.
//
// Decoding is forward compatible: fields a record does not carry take their
// documented defaults (scope PERSONAL, priority MEDIUM, no due date, colour
// 0xFFFFFF, member creation allowed) and unknown fields are ignored.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/tasksync/internal/model"
)

// SchemaVersion is the record layout written by this build.
const SchemaVersion = 1

// ErrUnsupportedVersion is returned for data written by a newer schema.
var ErrUnsupportedVersion = errors.New("unsupported schema version")

// CheckVersion accepts any version up to SchemaVersion. Zero means the
// data predates explicit versioning and is read as version 1.
func CheckVersion(v int) error {
	if v > SchemaVersion || v < 0 {
		return fmt.Errorf("%w: %d (supported <= %d)", ErrUnsupportedVersion, v, SchemaVersion)
	}
	return nil
}

// TaskRecord is the serialized form of model.Task.
type TaskRecord struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Completed    bool         `json:"completed,omitempty"`
	Priority     string       `json:"priority,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	CreatedAt    int64        `json:"createdAt,omitempty"`
	DueAt        *int64       `json:"dueAt,omitempty"`
	Subtasks     []TaskRecord `json:"subtasks,omitempty"`
	Scope        string       `json:"scope,omitempty"`
	ProjectID    string       `json:"projectId,omitempty"`
	CreatorID    string       `json:"creatorId,omitempty"`
	AssigneeID   string       `json:"assigneeId,omitempty"`
	AssigneeName string       `json:"assigneeName,omitempty"`
}

// ProjectRecord is the serialized form of model.Project. Members maps
// actor id to role name.
type ProjectRecord struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Color             *uint32           `json:"color,omitempty"`
	Scope             string            `json:"scope,omitempty"`
	OwnerID           string            `json:"ownerId,omitempty"`
	CreatedAt         int64             `json:"createdAt,omitempty"`
	AllowMemberCreate *bool             `json:"allowMemberCreate,omitempty"`
	Members           map[string]string `json:"members,omitempty"`
	MemberNames       map[string]string `json:"memberNames,omitempty"`
}

// FromTask builds the record for t.
func FromTask(t model.Task) TaskRecord {
	rec := TaskRecord{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Completed:    t.Completed,
		Priority:     t.Priority.String(),
		Tags:         model.NormalizeTags(t.Tags),
		CreatedAt:    millis(t.CreatedAt),
		Scope:        string(t.Scope),
		ProjectID:    t.ProjectID,
		CreatorID:    t.CreatorID,
		AssigneeID:   t.AssigneeID,
		AssigneeName: t.AssigneeName,
	}
	if t.DueAt != nil {
		due := t.DueAt.UnixMilli()
		rec.DueAt = &due
	}
	if len(t.Subtasks) > 0 {
		rec.Subtasks = make([]TaskRecord, len(t.Subtasks))
		for i, sub := range t.Subtasks {
			rec.Subtasks[i] = FromTask(sub)
		}
	}
	return rec
}

// Task rebuilds the entity, applying defaults for absent fields.
func (r TaskRecord) Task() model.Task {
	t := model.Task{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Completed:    r.Completed,
		Priority:     model.ParsePriority(r.Priority),
		Tags:         model.NormalizeTags(r.Tags),
		CreatedAt:    fromMillis(r.CreatedAt),
		Scope:        model.ParseScope(r.Scope),
		ProjectID:    r.ProjectID,
		CreatorID:    r.CreatorID,
		AssigneeID:   r.AssigneeID,
		AssigneeName: r.AssigneeName,
	}
	if r.DueAt != nil {
		due := time.UnixMilli(*r.DueAt)
		t.DueAt = &due
	}
	if len(r.Subtasks) > 0 {
		t.Subtasks = make([]model.Task, len(r.Subtasks))
		for i, sub := range r.Subtasks {
			t.Subtasks[i] = sub.Task()
		}
	}
	return t
}

// FromProject builds the record for p.
func FromProject(p model.Project) ProjectRecord {
	color := p.Color & 0xFFFFFF
	allow := p.AllowMemberCreate
	rec := ProjectRecord{
		ID:                p.ID,
		Name:              p.Name,
		Color:             &color,
		Scope:             string(p.Scope),
		OwnerID:           p.OwnerID,
		CreatedAt:         millis(p.CreatedAt),
		AllowMemberCreate: &allow,
	}
	if len(p.Members) > 0 {
		rec.Members = make(map[string]string, len(p.Members))
		for id, role := range p.Members {
			rec.Members[id] = role.String()
		}
	}
	if len(p.MemberNames) > 0 {
		rec.MemberNames = make(map[string]string, len(p.MemberNames))
		for id, name := range p.MemberNames {
			rec.MemberNames[id] = name
		}
	}
	return rec
}

// Project rebuilds the entity, applying defaults for absent fields.
func (r ProjectRecord) Project() model.Project {
	p := model.NewProject(r.ID, r.Name, model.ParseScope(r.Scope), r.OwnerID, fromMillis(r.CreatedAt))
	if r.Color != nil {
		p.SetColor(*r.Color)
	}
	if r.AllowMemberCreate != nil {
		p.AllowMemberCreate = *r.AllowMemberCreate
	}
	for id, role := range r.Members {
		p.Members[id] = model.ParseProjectRole(role)
	}
	for id, name := range r.MemberNames {
		if name != "" {
			p.MemberNames[id] = name
		}
	}
	return p
}

// MarshalTask encodes t as a JSON record.
func MarshalTask(t model.Task) ([]byte, error) {
	b, err := json.Marshal(FromTask(t))
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return b, nil
}

// UnmarshalTask decodes a JSON record.
func UnmarshalTask(data []byte) (model.Task, error) {
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	if rec.ID == "" {
		return model.Task{}, errors.New("unmarshal task: missing id")
	}
	return rec.Task(), nil
}

// MarshalProject encodes p as a JSON record.
func MarshalProject(p model.Project) ([]byte, error) {
	b, err := json.Marshal(FromProject(p))
	if err != nil {
		return nil, fmt.Errorf("marshal project %s: %w", p.ID, err)
	}
	return b, nil
}

// UnmarshalProject decodes a JSON record.
func UnmarshalProject(data []byte) (model.Project, error) {
	var rec ProjectRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Project{}, fmt.Errorf("unmarshal project: %w", err)
	}
	if rec.ID == "" {
		return model.Project{}, errors.New("unmarshal project: missing id")
	}
	return rec.Project(), nil
}

// TaskRecords converts a slice of tasks, preserving order.
func TaskRecords(tasks []model.Task) []TaskRecord {
	out := make([]TaskRecord, len(tasks))
	for i, t := range tasks {
		out[i] = FromTask(t)
	}
	return out
}

// ProjectRecords converts a slice of projects, preserving order.
func ProjectRecords(projects []model.Project) []ProjectRecord {
	out := make([]ProjectRecord, len(projects))
	for i, p := range projects {
		out[i] = FromProject(p)
	}
	return out
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
