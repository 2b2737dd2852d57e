// Package eventstore keeps an audit timeline of selection commits and
// playback commands per runtime session in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/config"
	_ "modernc.org/sqlite"
)

// Retention modes accepted in config.EventStoreConfig.
const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// ErrNoSession is returned when an event names no session.
var ErrNoSession = errors.New("event session id must not be empty")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    spec_name TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    actor TEXT,
    kind TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

const (
	upsertSession = `INSERT INTO sessions(session_id, spec_name, created_at) VALUES(?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET spec_name = excluded.spec_name`

	insertEvent = `INSERT INTO events(session_id, actor, kind, payload, created_at) VALUES(?, ?, ?, ?, ?)`

	selectEvents = `SELECT id, session_id, actor, kind, payload, created_at FROM events
		WHERE session_id = ? AND (? = '' OR kind = ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`

	selectSessions = `SELECT s.session_id, s.spec_name, s.created_at, COUNT(e.id) FROM sessions s
		LEFT JOIN events e ON e.session_id = s.session_id
		GROUP BY s.session_id ORDER BY s.created_at DESC LIMIT ?`

	deleteOldEvents   = `DELETE FROM events WHERE created_at < ?`
	deleteOldSessions = `DELETE FROM sessions WHERE created_at < ?`

	deleteExtraSessions = `DELETE FROM sessions WHERE session_id IN (
		SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?)`
)

const defaultLimit = 100

// Event is one entry of a session timeline. Actor is the selection authority
// or control surface that caused it.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Actor     string          `json:"actor"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session summarises one runtime session.
type Session struct {
	ID        string    `json:"session_id"`
	SpecName  string    `json:"spec_name"`
	CreatedAt time.Time `json:"created_at"`
	Events    int       `json:"events"`
}

// PruneStats counts the rows removed by Prune.
type PruneStats struct {
	Events   int64
	Sessions int64
}

// Store is a SQLite-backed timeline. In ephemeral mode it has no database and
// every operation is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file and schema, then applies retention.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "eventstore")), clock: time.Now}
	if cfg.RetentionMode == RetentionEphemeral {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event schema: %w", err)
	}
	s.db = db

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("event store vacuum failed", slogError(err))
		}
	}
	stats, err := s.Prune(ctx)
	if err != nil {
		s.log.Warn("event store prune on start failed", slogError(err))
	} else if stats.Events > 0 || stats.Sessions > 0 {
		s.log.Info("event store pruned", slog.Int64("events", stats.Events), slog.Int64("sessions", stats.Sessions))
	}
	return s, nil
}

func (s *Store) disabled() bool { return s.db == nil }

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	return s.db.PingContext(ctx)
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, specName string) error {
	if s.disabled() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, upsertSession, sessionID, specName, s.clock().UTC()); err != nil {
		return fmt.Errorf("append session %s: %w", sessionID, err)
	}
	return nil
}

// AppendEvent writes evt, stamping it with the store clock when unset.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.SessionID == "" {
		return ErrNoSession
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx, insertEvent, evt.SessionID, evt.Actor, evt.Kind, []byte(evt.Payload), evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Kind, err)
	}
	return nil
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were recorded. An empty kind matches every event.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID, kind string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx, selectEvents, sessionID, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			actor   sql.NullString
			payload []byte
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &actor, &e.Kind, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Actor = actor.String
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the newest sessions first with their event counts.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx, selectSessions, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			ss      Session
			spec    sql.NullString
			created string
		)
		if err := rows.Scan(&ss.ID, &spec, &created, &ss.Events); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ss.SpecName = spec.String
		ss.CreatedAt = parseTime(created)
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

// Prune drops events and sessions older than the retention window, then all
// but the newest MaxSessions sessions. Events of dropped sessions cascade.
func (s *Store) Prune(ctx context.Context) (PruneStats, error) {
	var stats PruneStats
	if s.disabled() {
		return stats, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin prune: %w", err)
	}

	if days := s.cfg.RetentionDays; days > 0 {
		cutoff := s.clock().Add(-time.Duration(days) * 24 * time.Hour).UTC()
		n, err := execCount(ctx, tx, deleteOldEvents, cutoff)
		if err != nil {
			_ = tx.Rollback()
			return PruneStats{}, err
		}
		stats.Events += n
		if n, err = execCount(ctx, tx, deleteOldSessions, cutoff); err != nil {
			_ = tx.Rollback()
			return PruneStats{}, err
		}
		stats.Sessions += n
	}
	if s.cfg.MaxSessions > 0 {
		n, err := execCount(ctx, tx, deleteExtraSessions, s.cfg.MaxSessions)
		if err != nil {
			_ = tx.Rollback()
			return PruneStats{}, err
		}
		stats.Sessions += n
	}
	if err := tx.Commit(); err != nil {
		return PruneStats{}, fmt.Errorf("commit prune: %w", err)
	}
	return stats, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// parseTime reads timestamps as database/sql renders them into strings.
func parseTime(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	return time.Time{}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
