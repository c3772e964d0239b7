package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/dispatch/internal/sqldb"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS work_sessions (
	id            TEXT PRIMARY KEY,
	task_id       BIGINT NOT NULL,
	worker        TEXT NOT NULL,
	started_at    %[1]s NOT NULL,
	ended_at      %[1]s,
	interruptions TEXT NOT NULL DEFAULT '[]'
)`

const (
	activeIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
		ON work_sessions (worker, task_id) WHERE ended_at IS NULL`
	taskIndex = `CREATE INDEX IF NOT EXISTS idx_sessions_task ON work_sessions (task_id, started_at)`
)

const sessionColumns = `id, task_id, worker, started_at, ended_at, interruptions`

// SQLStore persists sessions in SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLStore ensures the sessions table exists on db. It does not take
// ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, d sqldb.Dialect) (*SQLStore, error) {
	schema := fmt.Sprintf(sessionSchema, d.Pick("DATETIME", "TIMESTAMPTZ"))
	if err := sqldb.Migrate(ctx, db, schema, activeIndex, taskIndex); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// Create inserts a session. The partial unique index rejects a second
// active session for the pair.
func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	in, err := json.Marshal(nonNil(sess.Interruptions))
	if err != nil {
		return fmt.Errorf("encode interruptions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO work_sessions (`+sessionColumns+`) VALUES (?,?,?,?,?,?)`),
		sess.ID, sess.TaskID, sess.Worker, sess.StartedAt.UTC(), sqldb.NullTime(sess.EndedAt), string(in),
	)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return fmt.Errorf("worker %s task %d: %w", sess.Worker, sess.TaskID, ErrActiveSession)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Save overwrites the mutable columns of a session.
func (s *SQLStore) Save(ctx context.Context, sess *Session) error {
	in, err := json.Marshal(nonNil(sess.Interruptions))
	if err != nil {
		return fmt.Errorf("encode interruptions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE work_sessions SET ended_at=?, interruptions=? WHERE id=?`),
		sqldb.NullTime(sess.EndedAt), string(in), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		return notFound(sess.ID)
	}
	return nil
}

// Get retrieves a session by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+sessionColumns+` FROM work_sessions WHERE id=?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return sess, err
}

// Active returns the open session for the pair.
func (s *SQLStore) Active(ctx context.Context, worker string, taskID int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+sessionColumns+`
		FROM work_sessions WHERE worker=? AND task_id=? AND ended_at IS NULL`), worker, taskID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s task %d: %w", worker, taskID, ErrNotFound)
	}
	return sess, err
}

// ListByTask returns the sessions of a task, oldest first.
func (s *SQLStore) ListByTask(ctx context.Context, taskID int64) ([]*Session, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM work_sessions WHERE task_id=? ORDER BY started_at, id`, taskID)
}

// ListActiveByWorker returns the open sessions of a worker.
func (s *SQLStore) ListActiveByWorker(ctx context.Context, worker string) ([]*Session, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM work_sessions WHERE worker=? AND ended_at IS NULL ORDER BY started_at, id`, worker)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var sess Session
	var ended sql.NullTime
	var in string
	if err := sc.Scan(&sess.ID, &sess.TaskID, &sess.Worker, &sess.StartedAt, &ended, &in); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = sess.StartedAt.UTC()
	sess.EndedAt = sqldb.TimePtr(ended)
	if err := json.Unmarshal([]byte(in), &sess.Interruptions); err != nil {
		return nil, fmt.Errorf("decode interruptions: %w", err)
	}
	if len(sess.Interruptions) == 0 {
		sess.Interruptions = nil
	}
	return &sess, nil
}

func nonNil(in []Interruption) []Interruption {
	if in == nil {
		return []Interruption{}
	}
	return in
}
