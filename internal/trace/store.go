package trace

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// retainSessions bounds how many sessions are kept; older ones cascade away.
const retainSessions = 500

// ErrNotFound is returned when a session or unit does not exist.
var ErrNotFound = errors.New("trace not found")

// Store persists sessions, units and spans to PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to connStr and ensures the schema exists.
func Open(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trace schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession inserts a session and trims history past the retention cap.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO sessions (id, user_id, business_id, business_type, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.UserID, sess.BusinessID, sess.BusinessType, sess.StartedAt.UTC())
	batch.Queue(`DELETE FROM sessions WHERE started_at < (
		SELECT started_at FROM sessions ORDER BY started_at DESC OFFSET $1 LIMIT 1)`,
		retainSessions-1)
	return s.pool.SendBatch(ctx, batch).Close()
}

// EndSession stamps ended_at.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE sessions SET ended_at = $2 WHERE id = $1`, id, at.UTC())
}

// CreateUnit inserts a running unit.
func (s *Store) CreateUnit(ctx context.Context, u Unit) error {
	return s.exec(ctx, `INSERT INTO units (id, session_id, started_at, status) VALUES ($1, $2, $3, $4)`,
		u.ID, u.SessionID, u.StartedAt.UTC(), StatusRunning)
}

// FinishUnit records a unit's outcome.
func (s *Store) FinishUnit(ctx context.Context, u Unit) error {
	return s.exec(ctx, `UPDATE units
		SET duration_ms = $2, transcript = $3, handlers = $4, response = $5, status = $6
		WHERE id = $1`,
		u.ID, u.DurationMs, u.Transcript, u.Handlers, u.Response, u.Status)
}

// CreateSpan inserts a span.
func (s *Store) CreateSpan(ctx context.Context, sp Span) error {
	return s.exec(ctx, `INSERT INTO spans (id, unit_id, name, started_at, duration_ms, input, output, status, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sp.ID, sp.UnitID, sp.Name, sp.StartedAt.UTC(), sp.DurationMs, sp.Input, sp.Output, sp.Status, sp.Error)
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	_, err := s.pool.Exec(ctx, sql, args...)
	return err
}

const sessionCols = `SELECT s.id, s.user_id, s.business_id, s.business_type, s.started_at, s.ended_at,
	(SELECT COUNT(*) FROM units u WHERE u.session_id = s.id) AS unit_count
	FROM sessions s`

const unitCols = `SELECT u.id, u.session_id, u.started_at, u.duration_ms, u.transcript, u.handlers, u.response, u.status,
	(SELECT COUNT(*) FROM spans sp WHERE sp.unit_id = u.id) AS span_count
	FROM units u`

// ListSessions returns sessions newest first plus the total count.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, _ := s.pool.Query(ctx, sessionCols+` ORDER BY s.started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	sessions, err := pgx.CollectRows(rows, pgx.RowToStructByName[Session])
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// GetSession returns a session with its units in start order.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Unit, error) {
	rows, _ := s.pool.Query(ctx, sessionCols+` WHERE s.id = $1`, id)
	sess, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Session])
	if err != nil {
		return nil, nil, notFound(err)
	}
	rows, _ = s.pool.Query(ctx, unitCols+` WHERE u.session_id = $1 ORDER BY u.started_at`, id)
	units, err := pgx.CollectRows(rows, pgx.RowToStructByName[Unit])
	if err != nil {
		return nil, nil, err
	}
	return sess, units, nil
}

// GetUnit returns a unit with its spans in start order.
func (s *Store) GetUnit(ctx context.Context, sessionID, unitID string) (*Unit, []Span, error) {
	rows, _ := s.pool.Query(ctx, unitCols+` WHERE u.id = $1 AND u.session_id = $2`, unitID, sessionID)
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Unit])
	if err != nil {
		return nil, nil, notFound(err)
	}
	rows, _ = s.pool.Query(ctx, `SELECT id, unit_id, name, started_at, duration_ms, input, output, status, error_msg
		FROM spans WHERE unit_id = $1 ORDER BY started_at`, unitID)
	spans, err := pgx.CollectRows(rows, pgx.RowToStructByName[Span])
	if err != nil {
		return nil, nil, err
	}
	return u, spans, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
