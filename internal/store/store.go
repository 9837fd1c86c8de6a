// Package store holds the authoritative in-memory entity collections.
//
// A Store keeps entities in insertion order keyed by id. Every mutation
// returns the Change it caused and, when a bus is attached, publishes it.
// Reads hand out clones so callers never alias stored state.
//
// Store is not safe for concurrent use; it is owned by one goroutine.
package store

import (
	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/model"
)

// ChangeType classifies a Change.
type ChangeType string

const (
	Added   ChangeType = "ADDED"
	Updated ChangeType = "UPDATED"
	Removed ChangeType = "REMOVED"
	Cleared ChangeType = "CLEARED"
	Batch   ChangeType = "BATCH"
)

// Change describes one mutation. Entity is set for ADDED, UPDATED and
// REMOVED; Entities holds the new contents after a BATCH.
type Change[T any] struct {
	Collection string
	Type       ChangeType
	ID         string
	Entity     T
	Entities   []T
}

// Accessors tells a Store how to read ids and scopes and how to copy values.
type Accessors[T any] struct {
	ID    func(T) string
	Scope func(T) model.Scope
	Clone func(T) T
}

// Store is an insertion-ordered collection of T.
type Store[T any] struct {
	name  string
	topic string
	acc   Accessors[T]
	bus   *bus.Bus

	order []string
	items map[string]T
}

// New creates an empty store. topic may be empty to skip publishing.
func New[T any](name, topic string, acc Accessors[T], eventBus *bus.Bus) *Store[T] {
	return &Store[T]{
		name:  name,
		topic: topic,
		acc:   acc,
		bus:   eventBus,
		items: make(map[string]T),
	}
}

// NewTaskStore returns a store of tasks publishing on bus.TopicTasksChanged.
func NewTaskStore(eventBus *bus.Bus) *Store[model.Task] {
	return New("tasks", bus.TopicTasksChanged, Accessors[model.Task]{
		ID:    func(t model.Task) string { return t.ID },
		Scope: func(t model.Task) model.Scope { return t.Scope },
		Clone: model.Task.Clone,
	}, eventBus)
}

// NewProjectStore returns a store of projects publishing on bus.TopicProjectsChanged.
func NewProjectStore(eventBus *bus.Bus) *Store[model.Project] {
	return New("projects", bus.TopicProjectsChanged, Accessors[model.Project]{
		ID:    func(p model.Project) string { return p.ID },
		Scope: func(p model.Project) model.Scope { return p.Scope },
		Clone: model.Project.Clone,
	}, eventBus)
}

// Name returns the collection name.
func (s *Store[T]) Name() string { return s.name }

// Len returns the number of entities.
func (s *Store[T]) Len() int { return len(s.order) }

// Get returns a copy of the entity with id.
func (s *Store[T]) Get(id string) (T, bool) {
	v, ok := s.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	return s.acc.Clone(v), true
}

// Has reports whether id is present.
func (s *Store[T]) Has(id string) bool {
	_, ok := s.items[id]
	return ok
}

// All returns copies of every entity in insertion order.
func (s *Store[T]) All() []T {
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.acc.Clone(s.items[id]))
	}
	return out
}

// Filter returns copies of the entities matching keep, in insertion order.
func (s *Store[T]) Filter(keep func(T) bool) []T {
	var out []T
	for _, id := range s.order {
		v := s.items[id]
		if keep(v) {
			out = append(out, s.acc.Clone(v))
		}
	}
	return out
}

// ByScope returns the entities belonging to scope.
func (s *Store[T]) ByScope(scope model.Scope) []T {
	return s.Filter(func(v T) bool { return s.acc.Scope(v) == scope })
}

// Add inserts v. Adding an id that already exists replaces the value but
// keeps its original position.
func (s *Store[T]) Add(v T) Change[T] {
	id := s.acc.ID(v)
	if _, exists := s.items[id]; !exists {
		s.order = append(s.order, id)
	}
	s.items[id] = s.acc.Clone(v)
	return s.emit(Change[T]{Type: Added, ID: id, Entity: s.acc.Clone(v)})
}

// Update replaces an existing entity. It reports false and changes nothing
// when the id is unknown.
func (s *Store[T]) Update(v T) (Change[T], bool) {
	id := s.acc.ID(v)
	if _, exists := s.items[id]; !exists {
		return Change[T]{}, false
	}
	s.items[id] = s.acc.Clone(v)
	return s.emit(Change[T]{Type: Updated, ID: id, Entity: s.acc.Clone(v)}), true
}

// Delete removes the entity with id, reporting false if it was absent.
func (s *Store[T]) Delete(id string) (Change[T], bool) {
	v, exists := s.items[id]
	if !exists {
		return Change[T]{}, false
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.emit(Change[T]{Type: Removed, ID: id, Entity: v}), true
}

// Clear removes everything.
func (s *Store[T]) Clear() Change[T] {
	s.order = nil
	s.items = make(map[string]T)
	return s.emit(Change[T]{Type: Cleared})
}

// ReplaceAll swaps the whole contents for items, in the given order.
func (s *Store[T]) ReplaceAll(items []T) Change[T] {
	s.order = make([]string, 0, len(items))
	s.items = make(map[string]T, len(items))
	for _, v := range items {
		s.insert(v)
	}
	return s.emit(Change[T]{Type: Batch, Entities: s.All()})
}

// ReplaceScope swaps the entities of one scope for items and leaves the
// other scopes untouched. Surviving ids keep their positions; new ids are
// appended in the order given. An item whose id already belongs to another
// scope, or whose own scope differs, is skipped.
func (s *Store[T]) ReplaceScope(scope model.Scope, items []T) Change[T] {
	incoming := make(map[string]T, len(items))
	for _, v := range items {
		id := s.acc.ID(v)
		if s.acc.Scope(v) != scope {
			continue
		}
		if existing, ok := s.items[id]; ok && s.acc.Scope(existing) != scope {
			continue
		}
		incoming[id] = v
	}
	kept := s.order[:0:0]
	for _, id := range s.order {
		existing := s.items[id]
		if s.acc.Scope(existing) != scope {
			kept = append(kept, id)
			continue
		}
		if v, ok := incoming[id]; ok {
			s.items[id] = s.acc.Clone(v)
			kept = append(kept, id)
			delete(incoming, id)
			continue
		}
		delete(s.items, id)
	}
	s.order = kept
	for _, v := range items {
		if _, pending := incoming[s.acc.ID(v)]; pending {
			s.insert(v)
			delete(incoming, s.acc.ID(v))
		}
	}
	return s.emit(Change[T]{Type: Batch, Entities: s.ByScope(scope)})
}

func (s *Store[T]) insert(v T) {
	id := s.acc.ID(v)
	if _, exists := s.items[id]; !exists {
		s.order = append(s.order, id)
	}
	s.items[id] = s.acc.Clone(v)
}

func (s *Store[T]) emit(c Change[T]) Change[T] {
	c.Collection = s.name
	if s.bus != nil && s.topic != "" {
		s.bus.Publish(s.topic, c)
	}
	return c
}
