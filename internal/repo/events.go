package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"foreman/internal/domain"
)

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom returns events newest first, strictly below cursor when set.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, nil, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, nil, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// AgentEventsAfter returns events past cursor that concern the agent: its
// own record, tasks it is assigned to and approvals it requested.
func (r Repo) AgentEventsAfter(ctx context.Context, tx *sql.Tx, agentID string, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, tx, `SELECT `+eventColumns+` FROM events WHERE id>? AND (
  (entity_kind='agent' AND entity_id=?)
  OR (entity_kind='task' AND entity_id IN (SELECT task_id FROM task_assignees WHERE agent_id=?))
  OR (entity_kind='approval' AND entity_id IN (SELECT id FROM approvals WHERE requestor_id=?))
) ORDER BY id ASC LIMIT ?`, cursor, agentID, agentID, agentID, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SinkCursor returns the last event delivered to sink, or ErrNotFound for a
// sink that has never delivered.
func (r Repo) SinkCursor(ctx context.Context, sink string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM sink_cursors WHERE sink=?`, sink).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetSinkCursor(ctx context.Context, sink string, id int64, at string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sink_cursors(sink,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(sink) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, sink, id, at)
	return err
}
