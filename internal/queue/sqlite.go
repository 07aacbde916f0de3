package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"ratequeue/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex

// Migrate brings the schema up to date.
func Migrate(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(gooseLogger{log: log})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct{ log zerolog.Logger }

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// SQLiteRepository stores executions in SQLite. Args are stored as JSON.
type SQLiteRepository[A any] struct{ db *sql.DB }

func NewSQLiteRepository[A any](db *sql.DB) *SQLiteRepository[A] {
	return &SQLiteRepository[A]{db: db}
}

// DB returns the underlying database connection.
func (r *SQLiteRepository[A]) DB() *sql.DB { return r.db }

const selectColumns = `SELECT id,args,executed_at,is_executed FROM executions`

func (r *SQLiteRepository[A]) GetOneByID(ctx context.Context, id domain.ExecutionID) (domain.Execution[A], error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id=?`, string(id))
	e, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution[A]{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

func (r *SQLiteRepository[A]) GetMany(ctx context.Context, q Query) ([]domain.Execution[A], error) {
	where, args := whereClause(q.Filters)
	dir := "ASC"
	if q.Order == Desc {
		dir = "DESC"
	}
	stmt := selectColumns + where + fmt.Sprintf(` ORDER BY executed_at %s, seq %s`, dir, dir)
	switch {
	case q.Limit > 0:
		stmt += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	case q.Offset > 0:
		stmt += ` LIMIT -1 OFFSET ?`
		args = append(args, q.Offset)
	}

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Execution[A]{}
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository[A]) Count(ctx context.Context, f Filters) (int, error) {
	where, args := whereClause(f)
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`+where, args...).Scan(&n)
	return n, err
}

func (r *SQLiteRepository[A]) CreateOne(ctx context.Context, e domain.Execution[A]) error {
	payload, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO executions (id,args,executed_at,is_executed,created_at,updated_at)
VALUES (?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO NOTHING`, string(e.ID), payload, e.ExecutedAt.UnixNano(), e.IsExecuted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}
	return nil
}

func (r *SQLiteRepository[A]) UpdateOne(ctx context.Context, e domain.Execution[A]) error {
	payload, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE executions SET args=?,executed_at=?,is_executed=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, payload, e.ExecutedAt.UnixNano(), e.IsExecuted, string(e.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, e.ID)
	}
	return nil
}

func (r *SQLiteRepository[A]) DeleteOneByID(ctx context.Context, id domain.ExecutionID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM executions WHERE id=?`, string(id))
	return err
}

type scanner interface{ Scan(dest ...any) error }

func (r *SQLiteRepository[A]) scan(s scanner) (domain.Execution[A], error) {
	var (
		e        domain.Execution[A]
		id       string
		payload  []byte
		at       int64
		executed bool
	)
	if err := s.Scan(&id, &payload, &at, &executed); err != nil {
		return domain.Execution[A]{}, err
	}
	if err := json.Unmarshal(payload, &e.Args); err != nil {
		return domain.Execution[A]{}, fmt.Errorf("decode args of %s: %w", id, err)
	}
	e.ID = domain.ExecutionID(id)
	e.ExecutedAt = time.Unix(0, at).UTC()
	e.IsExecuted = executed
	return e, nil
}

func whereClause(f Filters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.IsExecuted != nil {
		conds = append(conds, "is_executed=?")
		args = append(args, *f.IsExecuted)
	}
	if tf := f.ExecutedAt; tf != nil {
		if tf.Exact != nil {
			conds = append(conds, "executed_at=?")
			args = append(args, tf.Exact.UnixNano())
		} else {
			if !tf.From.IsZero() {
				conds = append(conds, "executed_at>=?")
				args = append(args, tf.From.UnixNano())
			}
			if !tf.Until.IsZero() {
				conds = append(conds, "executed_at<=?")
				args = append(args, tf.Until.UnixNano())
			}
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
