// Package client is the client side of the sync protocol: a websocket
// connection to the server and the local replica that snapshots are
// reconciled into.
package client

import (
	"reflect"
	"sync"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/codec"
	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/protocol"
	"github.com/basket/tasksync/internal/store"
)

// Diff counts what one snapshot changed locally.
type Diff struct {
	Added   int
	Updated int
	Removed int
}

// Empty reports whether the snapshot changed nothing.
func (d Diff) Empty() bool { return d.Added == 0 && d.Updated == 0 && d.Removed == 0 }

// Replica is one client's local copy of the collections it can see.
// The server is authoritative: a snapshot replaces the local scope
// wholesale. Safe for concurrent use.
type Replica struct {
	mu       sync.Mutex
	tasks    *store.Store[model.Task]
	projects *store.Store[model.Project]
	bus      *bus.Bus
}

// NewReplica returns an empty replica. eventBus may be nil.
func NewReplica(eventBus *bus.Bus) *Replica {
	return &Replica{
		tasks:    store.NewTaskStore(nil),
		projects: store.NewProjectStore(nil),
		bus:      eventBus,
	}
}

// ApplyTasks reconciles a task snapshot into the replica.
func (r *Replica) ApplyTasks(snap protocol.TasksSnapshot) Diff {
	scope := model.ParseScope(snap.Scope)
	remote := make([]model.Task, 0, len(snap.Tasks))
	for _, rec := range snap.Tasks {
		t := rec.Task()
		t.Scope = scope
		remote = append(remote, t)
	}

	r.mu.Lock()
	d := reconcile(r.tasks, scope, remote, func(t model.Task) string { return t.ID })
	r.mu.Unlock()

	r.publish(bus.TopicSnapshotApplied, bus.SnapshotEvent{
		Kind: "tasks", Scope: string(scope), Added: d.Added, Updated: d.Updated, Removed: d.Removed,
	})
	return d
}

// ApplyProjects reconciles a project snapshot into the replica.
func (r *Replica) ApplyProjects(snap protocol.ProjectsSnapshot) Diff {
	scope := model.ParseScope(snap.Scope)
	remote := make([]model.Project, 0, len(snap.Projects))
	for _, rec := range snap.Projects {
		p := rec.Project()
		p.Scope = scope
		remote = append(remote, p)
	}

	r.mu.Lock()
	d := reconcile(r.projects, scope, remote, func(p model.Project) string { return p.ID })
	r.mu.Unlock()

	r.publish(bus.TopicSnapshotApplied, bus.SnapshotEvent{
		Kind: "projects", Scope: string(scope), Added: d.Added, Updated: d.Updated, Removed: d.Removed,
	})
	return d
}

// reconcile makes scope's contents equal remote: unseen ids are added,
// vanished ids removed, and the rest replaced by the remote version.
func reconcile[T any](s *store.Store[T], scope model.Scope, remote []T, id func(T) string) Diff {
	var d Diff
	local := make(map[string]T)
	for _, v := range s.ByScope(scope) {
		local[id(v)] = v
	}
	seen := make(map[string]bool, len(remote))
	for _, v := range remote {
		key := id(v)
		seen[key] = true
		prev, ok := local[key]
		switch {
		case !ok:
			d.Added++
		case !reflect.DeepEqual(prev, v):
			d.Updated++
		}
	}
	for key := range local {
		if !seen[key] {
			d.Removed++
		}
	}
	s.ReplaceScope(scope, remote)
	return d
}

// Tasks returns the local tasks of scope in server order.
func (r *Replica) Tasks(scope model.Scope) []model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.ByScope(scope)
}

// Projects returns the local projects of scope.
func (r *Replica) Projects(scope model.Scope) []model.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projects.ByScope(scope)
}

func (r *Replica) Task(id string) (model.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.Get(id)
}

func (r *Replica) Project(id string) (model.Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projects.Get(id)
}

// editTask applies fn to the local task id and returns the prior value
// for rollback.
func (r *Replica) editTask(id string, fn func(*model.Task)) (model.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.tasks.Get(id)
	if !ok {
		return model.Task{}, false
	}
	next := prev.Clone()
	fn(&next)
	r.tasks.Update(next)
	return prev, true
}

func (r *Replica) editProject(id string, fn func(*model.Project)) (model.Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.projects.Get(id)
	if !ok {
		return model.Project{}, false
	}
	next := prev.Clone()
	fn(&next)
	r.projects.Update(next)
	return prev, true
}

// restoreTask puts back a value saved by editTask. A snapshot that
// removed the task in between wins.
func (r *Replica) restoreTask(prev model.Task) {
	r.mu.Lock()
	_, ok := r.tasks.Update(prev)
	r.mu.Unlock()
	if ok {
		r.publish(bus.TopicRolledBack, bus.RollbackEvent{Kind: "task", ID: prev.ID})
	}
}

func (r *Replica) restoreProject(prev model.Project) {
	r.mu.Lock()
	_, ok := r.projects.Update(prev)
	r.mu.Unlock()
	if ok {
		r.publish(bus.TopicRolledBack, bus.RollbackEvent{Kind: "project", ID: prev.ID})
	}
}

func (r *Replica) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

// Records returns the replica's tasks of scope in wire form.
func (r *Replica) Records(scope model.Scope) []codec.TaskRecord {
	return codec.TaskRecords(r.Tasks(scope))
}
