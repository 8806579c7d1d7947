package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool  *pgxpool.Pool
	codec payloadCodec
}

// NewPostgresStore connects to PostgreSQL and migrates the schema.
// compressThreshold has the same meaning as WithCompressionThreshold.
func NewPostgresStore(ctx context.Context, dsn string, compressThreshold int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{pool: pool, codec: payloadCodec{threshold: compressThreshold}}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_sessions (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			meta JSONB,
			owner_user_id TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_sessions_kind ON run_sessions(kind, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_sessions_status ON run_sessions(status)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			channel TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BYTEA,
			payload_encoding TEXT NOT NULL DEFAULT 'json',
			ts BIGINT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateRunSession persists a new run session row.
func (s *PostgresStore) CreateRunSession(ctx context.Context, session *domain.RunSession) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	var meta, owner *string
	if len(session.Meta) > 0 {
		m := string(session.Meta)
		meta = &m
	}
	if session.OwnerUserID != "" {
		owner = &session.OwnerUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_sessions (run_id, kind, meta, owner_user_id, status, created_at, updated_at) VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)`,
		session.RunID, string(session.Kind), meta, owner, string(session.Status), session.CreatedAt, session.UpdatedAt)
	return err
}

// GetRunSession retrieves a run session by ID. It returns nil, nil when absent.
func (s *PostgresStore) GetRunSession(ctx context.Context, runID string) (*domain.RunSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, kind, meta::text, owner_user_id, status, created_at, updated_at FROM run_sessions WHERE run_id = $1`,
		runID)
	session, err := scanPgRunSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListRunSessions lists sessions, newest first, optionally filtered by kind.
func (s *PostgresStore) ListRunSessions(ctx context.Context, kind domain.SessionKind) ([]domain.RunSession, error) {
	query := `SELECT run_id, kind, meta::text, owner_user_id, status, created_at, updated_at FROM run_sessions`
	var args []any
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC`
	return s.queryRunSessions(ctx, query, args...)
}

// ListRunSessionsByStatus lists sessions in the given status, oldest first.
func (s *PostgresStore) ListRunSessionsByStatus(ctx context.Context, status domain.RunStatus) ([]domain.RunSession, error) {
	return s.queryRunSessions(ctx,
		`SELECT run_id, kind, meta::text, owner_user_id, status, created_at, updated_at FROM run_sessions WHERE status = $1 ORDER BY created_at ASC`,
		string(status))
}

func (s *PostgresStore) queryRunSessions(ctx context.Context, query string, args ...any) ([]domain.RunSession, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.RunSession
	for rows.Next() {
		session, err := scanPgRunSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanPgRunSession(row pgx.Row) (*domain.RunSession, error) {
	var session domain.RunSession
	var kind, status string
	var meta, owner *string
	if err := row.Scan(&session.RunID, &kind, &meta, &owner, &status, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.Kind = domain.SessionKind(kind)
	session.Status = domain.RunStatus(status)
	if meta != nil {
		session.Meta = json.RawMessage(*meta)
	}
	if owner != nil {
		session.OwnerUserID = *owner
	}
	return &session, nil
}

// UpdateRunSessionStatus updates the status of a run session.
func (s *PostgresStore) UpdateRunSessionStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE run_sessions SET status = $1, updated_at = now() WHERE run_id = $2`,
		string(status), runID)
	return err
}

// AppendSessionEvent durably appends one event. A duplicate (run_id, seq) fails.
func (s *PostgresStore) AppendSessionEvent(ctx context.Context, runID string, seq int64, channel, eventType string, payload json.RawMessage) (*domain.SessionEvent, error) {
	event := &domain.SessionEvent{
		RunID:   runID,
		Seq:     seq,
		Channel: channel,
		Type:    eventType,
		Payload: payload,
	}
	data, encoding := s.codec.encode(payload)
	// ts never goes below the run's latest event, even if the wall clock steps back.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO session_events (run_id, seq, channel, type, payload, payload_encoding, ts)
		VALUES ($1, $2, $3, $4, $5, $6, GREATEST($7, COALESCE((SELECT ts FROM session_events WHERE run_id = $1 ORDER BY seq DESC LIMIT 1), 0)))
		RETURNING ts`,
		runID, seq, channel, eventType, []byte(data), encoding, time.Now().UnixMilli()).Scan(&event.Ts)
	if err != nil {
		return nil, fmt.Errorf("failed to append event %s/%d: %w", runID, seq, err)
	}
	return event, nil
}

// GetNextSequenceNumber returns max(seq)+1 for the run, or 1 when it has no events.
func (s *PostgresStore) GetNextSequenceNumber(ctx context.Context, runID string) (int64, error) {
	var next int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE run_id = $1`,
		runID).Scan(&next)
	return next, err
}

// GetSessionEventsSince returns events with seq > afterSeq in ascending order.
func (s *PostgresStore) GetSessionEventsSince(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.SessionEvent, error) {
	query := `SELECT run_id, seq, channel, type, payload, payload_encoding, ts FROM session_events WHERE run_id = $1 AND seq > $2 ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.SessionEvent{}
	for rows.Next() {
		var event domain.SessionEvent
		var data []byte
		var encoding string
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Channel, &event.Type, &data, &encoding, &event.Ts); err != nil {
			return nil, err
		}
		if event.Payload, err = s.codec.decode(data, encoding); err != nil {
			return nil, fmt.Errorf("event %s/%d: %w", runID, event.Seq, err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
