package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/codec"
	"github.com/basket/tasksync/internal/model"
)

const (
	kindTask    = "task"
	kindProject = "project"
)

// LoadScope reads every task and project stored under scope, in saved order.
// Rows that fail to decode or carry a newer schema version are skipped and
// logged; the rest of the collection still loads.
func (s *Store) LoadScope(ctx context.Context, scope model.Scope) ([]model.Task, []model.Project, error) {
	taskRows, err := s.loadRows(ctx, kindTask, scope)
	if err != nil {
		return nil, nil, err
	}
	projectRows, err := s.loadRows(ctx, kindProject, scope)
	if err != nil {
		return nil, nil, err
	}

	tasks := make([]model.Task, 0, len(taskRows))
	for _, row := range taskRows {
		if err := codec.CheckVersion(row.version); err != nil {
			s.logger.Warn("skipping task record", "scope", scope, "id", row.id, "error", err)
			continue
		}
		t, err := codec.UnmarshalTask([]byte(row.payload))
		if err != nil {
			s.logger.Warn("skipping task record", "scope", scope, "id", row.id, "error", err)
			continue
		}
		t.Scope = scope
		tasks = append(tasks, t)
	}

	projects := make([]model.Project, 0, len(projectRows))
	for _, row := range projectRows {
		if err := codec.CheckVersion(row.version); err != nil {
			s.logger.Warn("skipping project record", "scope", scope, "id", row.id, "error", err)
			continue
		}
		p, err := codec.UnmarshalProject([]byte(row.payload))
		if err != nil {
			s.logger.Warn("skipping project record", "scope", scope, "id", row.id, "error", err)
			continue
		}
		p.Scope = scope
		projects = append(projects, p)
	}
	return tasks, projects, nil
}

type entityRow struct {
	id      string
	version int
	payload string
}

func (s *Store) loadRows(ctx context.Context, kind string, scope model.Scope) ([]entityRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schema_version, payload FROM entities
		WHERE kind = ? AND scope = ?
		ORDER BY position ASC;
	`, kind, string(scope))
	if err != nil {
		return nil, fmt.Errorf("load %s rows: %w", kind, err)
	}
	defer rows.Close()

	var out []entityRow
	for rows.Next() {
		var r entityRow
		if err := rows.Scan(&r.id, &r.version, &r.payload); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", kind, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", kind, err)
	}
	return out, nil
}

// SaveScope replaces the stored collections of scope with tasks and
// projects in a single transaction. A completed or failed write is
// published as a bus.FlushEvent.
func (s *Store) SaveScope(ctx context.Context, scope model.Scope, tasks []model.Task, projects []model.Project) error {
	start := time.Now()
	err := retryOnBusy(ctx, 3, func() error {
		return s.saveScopeOnce(ctx, scope, tasks, projects)
	})

	ev := bus.FlushEvent{
		Scope:    string(scope),
		Tasks:    len(tasks),
		Projects: len(projects),
		Duration: time.Since(start),
	}
	if err != nil {
		ev.Err = err.Error()
		s.publish(bus.TopicFlushFailed, ev)
		return fmt.Errorf("save scope %s: %w", scope, err)
	}
	s.publish(bus.TopicFlushCompleted, ev)
	return nil
}

func (s *Store) saveScopeOnce(ctx context.Context, scope model.Scope, tasks []model.Task, projects []model.Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE scope = ?;`, string(scope)); err != nil {
		return fmt.Errorf("clear scope: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entities (kind, scope, id, position, schema_version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range tasks {
		payload, err := codec.MarshalTask(t)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, kindTask, string(scope), t.ID, i, codec.SchemaVersion, string(payload)); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	for i, p := range projects {
		payload, err := codec.MarshalProject(p)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, kindProject, string(scope), p.ID, i, codec.SchemaVersion, string(payload)); err != nil {
			return fmt.Errorf("insert project %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CollectionCounts returns the number of stored rows per kind and scope,
// keyed "task/PERSONAL", "project/TEAM" and so on.
func (s *Store) CollectionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, scope, COUNT(*) FROM entities GROUP BY kind, scope;
	`)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind, scope string
		var n int
		if err := rows.Scan(&kind, &scope, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[kind+"/"+scope] = n
	}
	return counts, rows.Err()
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	TraceID  string
	Actor    string
	Action   string
	Target   string
	Role     string
	Decision string
	Reason   string
}

// RecordAudit appends an audit row.
func (s *Store) RecordAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, actor, action, target, role, decision, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, nullIfEmpty(e.TraceID), e.Actor, e.Action, e.Target, e.Role, e.Decision, e.Reason)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// RecentAudit returns up to limit audit rows, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(trace_id, ''), COALESCE(actor, ''), action, COALESCE(target, ''),
			COALESCE(role, ''), decision, COALESCE(reason, '')
		FROM audit_log ORDER BY audit_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.TraceID, &e.Actor, &e.Action, &e.Target, &e.Role, &e.Decision, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) publish(topic string, ev bus.FlushEvent) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

func nullIfEmpty(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
