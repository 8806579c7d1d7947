package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fwdslsh/dispatch/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	codec payloadCodec
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithCompressionThreshold stores payloads of at least n bytes zstd-compressed.
func WithCompressionThreshold(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		s.codec.threshold = n
	}
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !inMemory {
		dsn = withSQLiteParams(dsn)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// withSQLiteParams adds per-connection pragmas understood by go-sqlite3.
func withSQLiteParams(dsn string) string {
	params := []string{"_foreign_keys=on", "_busy_timeout=5000", "_journal_mode=WAL"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var missing []string
	for _, p := range params {
		key := p[:strings.Index(p, "=")]
		if !strings.Contains(dsn, key) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	return dsn + sep + strings.Join(missing, "&")
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_sessions (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			meta TEXT,
			owner_user_id TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_sessions_kind ON run_sessions(kind, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_sessions_status ON run_sessions(status)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB,
			payload_encoding TEXT NOT NULL DEFAULT 'json',
			ts INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRunSession persists a new run session row.
func (s *SQLiteStore) CreateRunSession(ctx context.Context, session *domain.RunSession) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_sessions (run_id, kind, meta, owner_user_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.RunID, session.Kind, nullStringBytes(session.Meta), nullString(session.OwnerUserID),
		session.Status, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetRunSession retrieves a run session by ID. It returns nil, nil when absent.
func (s *SQLiteStore) GetRunSession(ctx context.Context, runID string) (*domain.RunSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, kind, meta, owner_user_id, status, created_at, updated_at FROM run_sessions WHERE run_id = ?`,
		runID)
	session, err := scanRunSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListRunSessions lists sessions, newest first, optionally filtered by kind.
func (s *SQLiteStore) ListRunSessions(ctx context.Context, kind domain.SessionKind) ([]domain.RunSession, error) {
	query := `SELECT run_id, kind, meta, owner_user_id, status, created_at, updated_at FROM run_sessions`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryRunSessions(ctx, query, args...)
}

// ListRunSessionsByStatus lists sessions in the given status, oldest first.
func (s *SQLiteStore) ListRunSessionsByStatus(ctx context.Context, status domain.RunStatus) ([]domain.RunSession, error) {
	return s.queryRunSessions(ctx,
		`SELECT run_id, kind, meta, owner_user_id, status, created_at, updated_at FROM run_sessions WHERE status = ? ORDER BY created_at ASC`,
		status)
}

func (s *SQLiteStore) queryRunSessions(ctx context.Context, query string, args ...interface{}) ([]domain.RunSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.RunSession
	for rows.Next() {
		session, err := scanRunSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunSession(row rowScanner) (*domain.RunSession, error) {
	var session domain.RunSession
	var meta, owner sql.NullString
	if err := row.Scan(&session.RunID, &session.Kind, &meta, &owner, &session.Status, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	if meta.Valid {
		session.Meta = json.RawMessage(meta.String)
	}
	if owner.Valid {
		session.OwnerUserID = owner.String
	}
	return &session, nil
}

// UpdateRunSessionStatus updates the status of a run session.
func (s *SQLiteStore) UpdateRunSessionStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_sessions SET status = ?, updated_at = ? WHERE run_id = ?`,
		status, time.Now().UTC(), runID)
	return err
}

// AppendSessionEvent durably appends one event. A duplicate (run_id, seq) fails.
func (s *SQLiteStore) AppendSessionEvent(ctx context.Context, runID string, seq int64, channel, eventType string, payload json.RawMessage) (*domain.SessionEvent, error) {
	event := &domain.SessionEvent{
		RunID:   runID,
		Seq:     seq,
		Channel: channel,
		Type:    eventType,
		Payload: payload,
	}
	data, encoding := s.codec.encode(payload)
	// ts never goes below the run's latest event, even if the wall clock steps back.
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO session_events (run_id, seq, channel, type, payload, payload_encoding, ts)
		VALUES (?, ?, ?, ?, ?, ?, MAX(?, COALESCE((SELECT ts FROM session_events WHERE run_id = ? ORDER BY seq DESC LIMIT 1), 0)))
		RETURNING ts`,
		runID, seq, channel, eventType, data, encoding, time.Now().UnixMilli(), runID).Scan(&event.Ts)
	if err != nil {
		return nil, fmt.Errorf("failed to append event %s/%d: %w", runID, seq, err)
	}
	return event, nil
}

// GetNextSequenceNumber returns max(seq)+1 for the run, or 1 when it has no events.
func (s *SQLiteStore) GetNextSequenceNumber(ctx context.Context, runID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE run_id = ?`,
		runID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// GetSessionEventsSince returns events with seq > afterSeq in ascending order.
func (s *SQLiteStore) GetSessionEventsSince(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.SessionEvent, error) {
	query := `SELECT run_id, seq, channel, type, payload, payload_encoding, ts FROM session_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
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

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
