package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "flowpulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore backs both the sqlite and postgres drivers.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) ListScheduled(ctx context.Context) ([]Workflow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, name, schedule, updated_at FROM workflows WHERE schedule IS NOT NULL ORDER BY id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	if s == nil || s.db == nil {
		return Workflow{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, schedule, updated_at FROM workflows WHERE id = ?`), strings.TrimSpace(id))
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, ErrNotFound
	}
	return w, err
}

func (s *sqlStore) PutWorkflow(ctx context.Context, w Workflow) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	w.ID = strings.TrimSpace(w.ID)
	if w.ID == "" {
		return errors.New("workflow id required")
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO workflows(id, name, schedule, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, schedule=excluded.schedule, updated_at=excluded.updated_at`),
		w.ID, w.Name, nullableExpr(w.Schedule), w.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) SetSchedule(ctx context.Context, id string, expr *string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflows SET schedule = ?, updated_at = ? WHERE id = ?`),
		nullableExpr(expr), time.Now().UnixMilli(), strings.TrimSpace(id),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) AppendDispatch(ctx context.Context, r DispatchRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO dispatches(id, workflow_id, trigger_kind, execution_id, status_code, err, at, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`),
		r.ID, r.WorkflowID, r.Trigger, nullStr(r.ExecutionID), r.StatusCode, nullStr(r.Error), r.At.UnixMilli(), r.TookMS,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (Workflow, error) {
	var (
		w        Workflow
		schedule sql.NullString
		updated  int64
	)
	if err := r.Scan(&w.ID, &w.Name, &schedule, &updated); err != nil {
		return Workflow{}, err
	}
	if schedule.Valid {
		v := schedule.String
		w.Schedule = &v
	}
	if updated > 0 {
		w.UpdatedAt = time.UnixMilli(updated)
	}
	return w, nil
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func nullableExpr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
