package handoff

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/dispatch/internal/sqldb"
)

const packageSchema = `
CREATE TABLE IF NOT EXISTS handoff_packages (
	id                TEXT PRIMARY KEY,
	task_id           BIGINT NOT NULL,
	task_code         TEXT NOT NULL,
	from_worker       TEXT NOT NULL,
	target_capability TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL,
	confidence        %[2]s NOT NULL,
	limitations       TEXT NOT NULL DEFAULT '[]',
	next_steps        TEXT NOT NULL DEFAULT '[]',
	artifacts         TEXT NOT NULL DEFAULT '[]',
	status            TEXT NOT NULL,
	accepted_by       TEXT NOT NULL DEFAULT '',
	review_note       TEXT NOT NULL DEFAULT '',
	created_at        %[1]s NOT NULL,
	resolved_at       %[1]s
)`

const (
	openIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_handoff_open
		ON handoff_packages (task_id) WHERE status IN ('pending', 'needs_review')`
	packageTaskIndex = `CREATE INDEX IF NOT EXISTS idx_handoff_task ON handoff_packages (task_id, created_at)`
)

const packageColumns = `id, task_id, task_code, from_worker, target_capability, summary, confidence,
	limitations, next_steps, artifacts, status, accepted_by, review_note, created_at, resolved_at`

// SQLStore persists handoff packages in SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLStore ensures the handoff table exists on db. It does not take
// ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, d sqldb.Dialect) (*SQLStore, error) {
	schema := fmt.Sprintf(packageSchema, d.Pick("DATETIME", "TIMESTAMPTZ"), d.Pick("REAL", "DOUBLE PRECISION"))
	if err := sqldb.Migrate(ctx, db, schema, openIndex, packageTaskIndex); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Create(ctx context.Context, p *Package) error {
	lim, next, arts := encode(p.Limitations), encode(p.NextSteps), encode(p.Artifacts)
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO handoff_packages (`+packageColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.TaskID, p.TaskCode, p.FromWorker, p.TargetCapability, p.Summary, p.Confidence,
		lim, next, arts, string(p.Status), p.AcceptedBy, p.ReviewNote, p.CreatedAt.UTC(), sqldb.NullTime(p.ResolvedAt),
	)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return fmt.Errorf("task %d: %w", p.TaskID, ErrOpenPackage)
		}
		return fmt.Errorf("insert handoff: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Package, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+packageColumns+` FROM handoff_packages WHERE id=?`), id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return p, err
}

func (s *SQLStore) Open(ctx context.Context, taskID int64) (*Package, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+packageColumns+`
		FROM handoff_packages WHERE task_id=? AND status IN ('pending', 'needs_review')`), taskID)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	return p, err
}

func (s *SQLStore) ListOpen(ctx context.Context) ([]*Package, error) {
	return s.query(ctx, `SELECT `+packageColumns+` FROM handoff_packages
		WHERE status IN ('pending', 'needs_review') ORDER BY created_at, id`)
}

func (s *SQLStore) ListByTask(ctx context.Context, taskID int64) ([]*Package, error) {
	return s.query(ctx, `SELECT `+packageColumns+` FROM handoff_packages WHERE task_id=? ORDER BY created_at, id`, taskID)
}

// Transition is a conditional update on the stored status.
func (s *SQLStore) Transition(ctx context.Context, next *Package, from Status) (*Package, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE handoff_packages SET status=?, accepted_by=?, review_note=?, resolved_at=?
		WHERE id=? AND status=?`),
		string(next.Status), next.AcceptedBy, next.ReviewNote, sqldb.NullTime(next.ResolvedAt),
		next.ID, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("update handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update handoff rows affected: %w", err)
	}
	if n == 0 {
		cur, err := s.Get(ctx, next.ID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("handoff %s is %s: %w", next.ID, cur.Status, ErrResolved)
	}
	return s.Get(ctx, next.ID)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]*Package, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	defer rows.Close()

	var out []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPackage(sc scanner) (*Package, error) {
	var p Package
	var status, lim, next, arts string
	var resolved sql.NullTime
	err := sc.Scan(&p.ID, &p.TaskID, &p.TaskCode, &p.FromWorker, &p.TargetCapability, &p.Summary, &p.Confidence,
		&lim, &next, &arts, &status, &p.AcceptedBy, &p.ReviewNote, &p.CreatedAt, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan handoff: %w", err)
	}
	p.Status = Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.ResolvedAt = sqldb.TimePtr(resolved)
	for _, col := range []struct {
		name string
		raw  string
		dst  *[]string
	}{
		{"limitations", lim, &p.Limitations},
		{"next_steps", next, &p.NextSteps},
		{"artifacts", arts, &p.Artifacts},
	} {
		list, err := decode(col.raw)
		if err != nil {
			return nil, fmt.Errorf("scan handoff %s %s: %w", p.ID, col.name, err)
		}
		*col.dst = list
	}
	return &p, nil
}

func encode(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decode(s string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
