package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/dispatch/internal/sqldb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	code                  TEXT NOT NULL UNIQUE,
	name                  TEXT NOT NULL,
	description           TEXT NOT NULL,
	owner                 TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL,
	priority_score        REAL NOT NULL DEFAULT 5.0,
	failure_count         INTEGER NOT NULL DEFAULT 0,
	required_capabilities TEXT NOT NULL DEFAULT '[]',
	confidence_threshold  REAL NOT NULL DEFAULT 0.8,
	parent_task_id        INTEGER REFERENCES tasks(id),
	depends_on            TEXT NOT NULL DEFAULT '[]',
	estimated_effort      INTEGER NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL,
	claimed_at            DATETIME,
	progress_at           DATETIME,
	done_at               DATETIME,
	version               INTEGER NOT NULL DEFAULT 1
);`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                    BIGSERIAL PRIMARY KEY,
	code                  TEXT NOT NULL UNIQUE,
	name                  TEXT NOT NULL,
	description           TEXT NOT NULL,
	owner                 TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL,
	priority_score        DOUBLE PRECISION NOT NULL DEFAULT 5.0,
	failure_count         INTEGER NOT NULL DEFAULT 0,
	required_capabilities TEXT NOT NULL DEFAULT '[]',
	confidence_threshold  DOUBLE PRECISION NOT NULL DEFAULT 0.8,
	parent_task_id        BIGINT REFERENCES tasks(id),
	depends_on            TEXT NOT NULL DEFAULT '[]',
	estimated_effort      BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	claimed_at            TIMESTAMPTZ,
	progress_at           TIMESTAMPTZ,
	done_at               TIMESTAMPTZ,
	version               BIGINT NOT NULL DEFAULT 1
);`

const (
	stateOwnerIndex = `CREATE INDEX IF NOT EXISTS idx_tasks_state_owner ON tasks (state, owner)`
	priorityIndex   = `CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks (priority_score DESC, failure_count, id)`
	parentIndex     = `CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_task_id)`
)

const taskColumns = `id, code, name, description, owner, state, priority_score, failure_count,
	required_capabilities, confidence_threshold, parent_task_id, depends_on, estimated_effort,
	created_at, updated_at, claimed_at, progress_at, done_at, version`

// SQLStore persists tasks in SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, d, err := sqldb.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(context.Background(), db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and ensures the tasks table exists.
// Close closes db.
func NewSQLStore(ctx context.Context, db *sql.DB, d sqldb.Dialect) (*SQLStore, error) {
	if err := sqldb.Migrate(ctx, db, d.Pick(sqliteSchema, postgresSchema), stateOwnerIndex, priorityIndex, parentIndex); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// Close releases the underlying database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the connection so the session and handoff stores can share it.
func (s *SQLStore) DB() (*sql.DB, sqldb.Dialect) { return s.db, s.dialect }

// Insert persists a new task and sets its ID and Version.
func (s *SQLStore) Insert(ctx context.Context, t *Task) (*Task, error) {
	c := t.Clone()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	c.Version = 1

	caps, deps := encodeLists(c)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO tasks
			(code, name, description, owner, state, priority_score, failure_count,
			 required_capabilities, confidence_threshold, parent_task_id, depends_on, estimated_effort,
			 created_at, updated_at, claimed_at, progress_at, done_at, version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING id`),
		c.Code, c.Name, c.Description, c.Owner, string(c.State), c.PriorityScore, c.FailureCount,
		caps, c.ConfidenceThreshold, nullID(c.ParentTaskID), deps, int64(c.EstimatedEffort),
		c.CreatedAt, c.UpdatedAt,
		sqldb.NullTime(c.ClaimedAt), sqldb.NullTime(c.ProgressAt), sqldb.NullTime(c.DoneAt),
		c.Version,
	).Scan(&c.ID)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return nil, DuplicateCodeError(c.Code)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return c, nil
}

// Get retrieves a task by ID.
func (s *SQLStore) Get(ctx context.Context, id int64) (*Task, bool, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	return scanOne(row)
}

// GetByCode retrieves a task by code.
func (s *SQLStore) GetByCode(ctx context.Context, code string) (*Task, bool, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE code = ?`), code)
	return scanOne(row)
}

// CompareAndSet writes next when the row still carries version expect.
func (s *SQLStore) CompareAndSet(ctx context.Context, next *Task, expect int64) (*Task, error) {
	c := next.Clone()
	c.UpdatedAt = time.Now().UTC()
	caps, deps := encodeLists(c)

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE tasks SET
			name=?, description=?, owner=?, state=?, priority_score=?, failure_count=?,
			required_capabilities=?, confidence_threshold=?, parent_task_id=?, depends_on=?, estimated_effort=?,
			updated_at=?, claimed_at=?, progress_at=?, done_at=?, version=version+1
		WHERE id=? AND version=?`),
		c.Name, c.Description, c.Owner, string(c.State), c.PriorityScore, c.FailureCount,
		caps, c.ConfidenceThreshold, nullID(c.ParentTaskID), deps, int64(c.EstimatedEffort),
		c.UpdatedAt, sqldb.NullTime(c.ClaimedAt), sqldb.NullTime(c.ProgressAt), sqldb.NullTime(c.DoneAt),
		c.ID, expect,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update task rows affected: %w", err)
	}
	if rows == 0 {
		_, ok, err := s.Get(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, NotFoundError(c.ID)
		}
		return nil, ErrStale
	}
	stored, ok, err := s.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NotFoundError(c.ID)
	}
	return stored, nil
}

// List returns tasks matching the filter. The capability predicate is
// evaluated after the query since capability sets are stored as JSON.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if f.Owner != "" {
		q.WriteString(" AND owner=?")
		args = append(args, f.Owner)
	}
	if f.Unassigned {
		q.WriteString(" AND owner=''")
	}
	if len(f.States) > 0 {
		q.WriteString(" AND state IN (" + strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",") + ")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	if f.MinPriority != nil {
		q.WriteString(" AND priority_score>=?")
		args = append(args, *f.MinPriority)
	}
	if f.MaxPriority != nil {
		q.WriteString(" AND priority_score<=?")
		args = append(args, *f.MaxPriority)
	}
	if f.CreatedAfter != nil {
		q.WriteString(" AND created_at>=?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		q.WriteString(" AND created_at<?")
		args = append(args, f.CreatedBefore.UTC())
	}
	if f.ParentTaskID != nil {
		q.WriteString(" AND parent_task_id=?")
		args = append(args, *f.ParentTaskID)
	}
	switch f.OrderBy {
	case OrderPriority:
		q.WriteString(" ORDER BY priority_score DESC, failure_count ASC, id ASC")
	case OrderUpdated:
		q.WriteString(" ORDER BY updated_at DESC, id ASC")
	default:
		q.WriteString(" ORDER BY id ASC")
	}
	pushPaging := f.Capabilities == nil
	if pushPaging && f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
		if f.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", f.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if f.Match(t) {
			tasks = append(tasks, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if pushPaging {
		if f.Limit <= 0 && f.Offset > 0 {
			return page(tasks, f.Offset, 0), nil
		}
		return tasks, nil
	}
	return page(tasks, f.Offset, f.Limit), nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row scanner) (*Task, bool, error) {
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var state, capsJSON, depsJSON string
	var parent sql.NullInt64
	var effort int64
	var claimedAt, progressAt, doneAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Code, &t.Name, &t.Description, &t.Owner, &state, &t.PriorityScore, &t.FailureCount,
		&capsJSON, &t.ConfidenceThreshold, &parent, &depsJSON, &effort,
		&t.CreatedAt, &t.UpdatedAt, &claimedAt, &progressAt, &doneAt, &t.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.State = State(state)
	t.EstimatedEffort = time.Duration(effort)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if parent.Valid {
		p := parent.Int64
		t.ParentTaskID = &p
	}
	if err := json.Unmarshal([]byte(capsJSON), &t.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("scan task %d capabilities: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("scan task %d dependencies: %w", t.ID, err)
	}
	if len(t.RequiredCapabilities) == 0 {
		t.RequiredCapabilities = nil
	}
	if len(t.DependsOn) == 0 {
		t.DependsOn = nil
	}
	t.ClaimedAt = sqldb.TimePtr(claimedAt)
	t.ProgressAt = sqldb.TimePtr(progressAt)
	t.DoneAt = sqldb.TimePtr(doneAt)
	return &t, nil
}

func encodeLists(t *Task) (caps, deps string) {
	c, _ := json.Marshal(nonNil(t.RequiredCapabilities))
	d, _ := json.Marshal(nonNil(t.DependsOn))
	return string(c), string(d)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
