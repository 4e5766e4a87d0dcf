// Package tables holds the relational layout shared by the durable backends:
// the assignments and schedules tables, hydration into a domain.Snapshot, and
// replay of a transaction change log as row upserts and deletes.
package tables

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"labqueue/pkg/domain"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Dialect captures the SQL differences between backends.
type Dialect struct {
	Name string
	ddl  []string
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
	// encodeTime converts a timestamp to the driver representation.
	encodeTime func(t time.Time) any
}

// legacyTimeLayout is the "YYYY-MM-DD HH:MM:SS" form written by older tooling.
const legacyTimeLayout = "2006-01-02 15:04:05"

// SQLite stores timestamps as RFC3339 text.
var SQLite = Dialect{
	Name: "sqlite",
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS assignments (
			load_id INTEGER PRIMARY KEY,
			id INTEGER NOT NULL,
			testing_area TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Backlog',
			priority INTEGER NOT NULL DEFAULT 100,
			assigned_date TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			load_id INTEGER PRIMARY KEY,
			id INTEGER NOT NULL,
			load_start TEXT,
			load_end TEXT,
			reactor TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_backlog ON assignments(testing_area, status, priority)`,
	},
	placeholder: func(int) string { return "?" },
	encodeTime:  func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
}

// Postgres uses native timestamptz columns and numbered placeholders.
var Postgres = Dialect{
	Name: "postgres",
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS assignments (
			load_id BIGINT PRIMARY KEY,
			id BIGINT NOT NULL,
			testing_area TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Backlog',
			priority INTEGER NOT NULL DEFAULT 100,
			assigned_date TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			load_id BIGINT PRIMARY KEY,
			id BIGINT NOT NULL,
			load_start TIMESTAMPTZ,
			load_end TIMESTAMPTZ,
			reactor TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_backlog ON assignments(testing_area, status, priority)`,
	},
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	encodeTime:  func(t time.Time) any { return t.UTC() },
}

// DDL returns the schema statements for d.
func (d Dialect) DDL() []string {
	return append([]string(nil), d.ddl...)
}

// EnsureSchema creates both tables if missing.
func EnsureSchema(ctx context.Context, db Execer, d Dialect) error {
	for _, stmt := range d.ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func (d Dialect) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.placeholder(i + 1)
	}
	return strings.Join(parts, ",")
}

func (d Dialect) upsertAssignmentSQL() string {
	return `INSERT INTO assignments (load_id, id, testing_area, status, priority, assigned_date) VALUES (` +
		d.placeholders(6) + `) ON CONFLICT (load_id) DO UPDATE SET id=excluded.id, testing_area=excluded.testing_area, ` +
		`status=excluded.status, priority=excluded.priority, assigned_date=excluded.assigned_date`
}

func (d Dialect) upsertScheduleSQL() string {
	return `INSERT INTO schedules (load_id, id, load_start, load_end, reactor) VALUES (` +
		d.placeholders(5) + `) ON CONFLICT (load_id) DO UPDATE SET id=excluded.id, load_start=excluded.load_start, ` +
		`load_end=excluded.load_end, reactor=excluded.reactor`
}

func (d Dialect) deleteSQL(table string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE load_id = %s`, table, d.placeholder(1))
}

func (d Dialect) nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.encodeTime(*t)
}

// Apply replays a change log against db. Creates and updates become upserts
// keyed on load_id; deletes remove the row.
func Apply(ctx context.Context, db Execer, d Dialect, changes []domain.Change) error {
	for _, change := range changes {
		if err := applyChange(ctx, db, d, change); err != nil {
			return err
		}
	}
	return nil
}

func applyChange(ctx context.Context, db Execer, d Dialect, change domain.Change) error {
	switch change.Entity {
	case domain.EntityAssignment:
		if change.Action == domain.ActionDelete {
			before, ok := change.Before.(domain.Assignment)
			if !ok {
				return fmt.Errorf("delete assignment: unexpected payload %T", change.Before)
			}
			if _, err := db.ExecContext(ctx, d.deleteSQL("assignments"), int64(before.LoadID)); err != nil {
				return fmt.Errorf("delete assignment %d: %w", before.LoadID, err)
			}
			return nil
		}
		after, ok := change.After.(domain.Assignment)
		if !ok {
			return fmt.Errorf("upsert assignment: unexpected payload %T", change.After)
		}
		_, err := db.ExecContext(ctx, d.upsertAssignmentSQL(),
			int64(after.LoadID), after.ID, string(after.TestingArea), string(after.Status),
			int64(after.Priority), d.encodeTime(after.AssignedDate))
		if err != nil {
			return fmt.Errorf("upsert assignment %d: %w", after.LoadID, err)
		}
	case domain.EntitySchedule:
		if change.Action == domain.ActionDelete {
			before, ok := change.Before.(domain.Schedule)
			if !ok {
				return fmt.Errorf("delete schedule: unexpected payload %T", change.Before)
			}
			if _, err := db.ExecContext(ctx, d.deleteSQL("schedules"), int64(before.LoadID)); err != nil {
				return fmt.Errorf("delete schedule %d: %w", before.LoadID, err)
			}
			return nil
		}
		after, ok := change.After.(domain.Schedule)
		if !ok {
			return fmt.Errorf("upsert schedule: unexpected payload %T", change.After)
		}
		var reactor any
		if after.Reactor != nil {
			reactor = *after.Reactor
		}
		_, err := db.ExecContext(ctx, d.upsertScheduleSQL(),
			int64(after.LoadID), after.ID, d.nullableTime(after.LoadStart), d.nullableTime(after.LoadEnd), reactor)
		if err != nil {
			return fmt.Errorf("upsert schedule %d: %w", after.LoadID, err)
		}
	default:
		return fmt.Errorf("unsupported entity %q", change.Entity)
	}
	return nil
}

// Load hydrates a snapshot from both tables.
func Load(ctx context.Context, db Queryer) (domain.Snapshot, error) {
	var snapshot domain.Snapshot
	assignments, err := loadAssignments(ctx, db)
	if err != nil {
		return snapshot, err
	}
	schedules, err := loadSchedules(ctx, db)
	if err != nil {
		return snapshot, err
	}
	snapshot.Assignments = assignments
	snapshot.Schedules = schedules
	return snapshot, nil
}

func loadAssignments(ctx context.Context, db Queryer) ([]domain.Assignment, error) {
	rows, err := db.QueryContext(ctx, `SELECT load_id, id, testing_area, status, priority, assigned_date FROM assignments ORDER BY load_id`)
	if err != nil {
		return nil, fmt.Errorf("select assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Assignment
	for rows.Next() {
		var loadID, id, area, status, priority, assigned any
		if err := rows.Scan(&loadID, &id, &area, &status, &priority, &assigned); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a := domain.Assignment{
			LoadID:      domain.LoadID(asInt64(loadID)),
			ID:          asInt64(id),
			TestingArea: domain.TestingArea(asString(area)),
			Status:      domain.Status(asString(status)),
			Priority:    int(asInt64(priority)),
		}
		ts, err := asTime(assigned)
		if err != nil {
			return nil, fmt.Errorf("assignment %d assigned_date: %w", a.LoadID, err)
		}
		if ts != nil {
			a.AssignedDate = *ts
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func loadSchedules(ctx context.Context, db Queryer) ([]domain.Schedule, error) {
	rows, err := db.QueryContext(ctx, `SELECT load_id, id, load_start, load_end, reactor FROM schedules ORDER BY load_id`)
	if err != nil {
		return nil, fmt.Errorf("select schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Schedule
	for rows.Next() {
		var loadID, id, start, end, reactor any
		if err := rows.Scan(&loadID, &id, &start, &end, &reactor); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s := domain.Schedule{LoadID: domain.LoadID(asInt64(loadID)), ID: asInt64(id)}
		if s.LoadStart, err = asTime(start); err != nil {
			return nil, fmt.Errorf("schedule %d load_start: %w", s.LoadID, err)
		}
		if s.LoadEnd, err = asTime(end); err != nil {
			return nil, fmt.Errorf("schedule %d load_end: %w", s.LoadID, err)
		}
		if reactor != nil {
			r := asString(reactor)
			s.Reactor = &r
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		var out int64
		_, _ = fmt.Sscan(string(n), &out)
		return out
	case string:
		var out int64
		_, _ = fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asTime(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		u := t.UTC()
		return &u, nil
	case string, []byte:
		raw := strings.TrimSpace(asString(t))
		if raw == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339Nano, legacyTimeLayout, time.DateOnly} {
			if parsed, err := time.Parse(layout, raw); err == nil {
				u := parsed.UTC()
				return &u, nil
			}
		}
		return nil, fmt.Errorf("unrecognised timestamp %q", raw)
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
