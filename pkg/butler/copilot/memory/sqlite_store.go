// Package memory – sqlite_store.go persists sessions, turns, summaries and
// facts in a single SQLite database. History is append-only; the only
// replace-in-place rows are facts (keyed by participant, channel and key) and
// a session's last_active timestamp.
package memory

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

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// SQLiteStore is the durable store behind the ConversationStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens or creates the butler database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With("component", "memory"),
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// DB exposes the underlying handle so other components (audit log) can share
// the database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			channel     TEXT NOT NULL,
			participant TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			last_active TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS turns (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tokens     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS summaries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id    TEXT NOT NULL REFERENCES sessions(id),
			content       TEXT NOT NULL,
			first_turn_id INTEGER NOT NULL,
			last_turn_id  INTEGER NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS facts (
			participant TEXT NOT NULL,
			channel     TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			UNIQUE(participant, channel, key) ON CONFLICT REPLACE
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_pair ON sessions(channel, participant, last_active);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_facts_participant ON facts(participant, channel);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------- Sessions ----------

// GetOrCreateSession returns the most recent session for (channel,
// participant), creating one if none exists. last_active is always touched.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, channel, participant string) (string, error) {
	now := formatTime(time.Now())

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM sessions
		WHERE channel = ? AND participant = ?
		ORDER BY last_active DESC
		LIMIT 1`, channel, participant).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.New().String()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, channel, participant, created_at, last_active)
			VALUES (?, ?, ?, ?, ?)`, id, channel, participant, now, now); err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		s.logger.Info("session created", "session", id, "channel", channel, "participant", participant)
		return id, nil
	case err != nil:
		return "", fmt.Errorf("find session: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active = ? WHERE id = ?`, now, id); err != nil {
		return "", fmt.Errorf("touch session: %w", err)
	}
	return id, nil
}

// GetSession loads a session row.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess                  Session
		createdAt, lastActive string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel, participant, created_at, last_active
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Channel, &sess.Participant, &createdAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActive = parseTime(lastActive)
	return &sess, nil
}

// ---------- Turns ----------

// AppendTurn writes a new turn and returns its sequence id.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, role Role, content []ContentBlock, tokens int) (int64, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("encode turn content: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, role, content, tokens, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(role), string(data), tokens, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	return res.LastInsertId()
}

// LoadTurns returns every turn of the session in sequence order.
func (s *SQLiteStore) LoadTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tokens, created_at
		FROM turns WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t                    Turn
			role, raw, createdAt string
		)
		if err := rows.Scan(&t.ID, &role, &raw, &t.Tokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &t.Content); err != nil {
			s.logger.Warn("undecodable turn content, keeping raw text", "turn", t.ID, "error", err)
			t.Content = []ContentBlock{TextBlock(raw)}
		}
		t.SessionID = sessionID
		t.Role = Role(role)
		t.CreatedAt = parseTime(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ---------- Summaries ----------

// LoadSummaries returns the session's summaries in creation order.
func (s *SQLiteStore) LoadSummaries(ctx context.Context, sessionID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, first_turn_id, last_turn_id, created_at
		FROM summaries WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum       Summary
			createdAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Content, &sum.FirstTurnID, &sum.LastTurnID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.SessionID = sessionID
		sum.CreatedAt = parseTime(createdAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SaveSummary persists a summary for [first, last].
func (s *SQLiteStore) SaveSummary(ctx context.Context, sessionID, content string, first, last int64) error {
	if first > last {
		return fmt.Errorf("invalid summary range [%d,%d]", first, last)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (session_id, content, first_turn_id, last_turn_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, content, first, last, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// ---------- Facts ----------

// SetFact stores or replaces a fact.
func (s *SQLiteStore) SetFact(ctx context.Context, participant, channel, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (participant, channel, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		participant, channel, key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save fact: %w", err)
	}
	return nil
}

// DeleteFact removes a fact and reports whether it existed.
func (s *SQLiteStore) DeleteFact(ctx context.Context, participant, channel, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM facts WHERE participant = ? AND channel = ? AND key = ?`,
		participant, channel, key)
	if err != nil {
		return false, fmt.Errorf("delete fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFacts returns the participant's facts on a channel ordered by key.
// An empty channel lists facts from every channel.
func (s *SQLiteStore) ListFacts(ctx context.Context, participant, channel string) ([]Fact, error) {
	query := `SELECT participant, channel, key, value, updated_at FROM facts WHERE participant = ?`
	args := []any{participant}
	if channel != "" {
		query += ` AND channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var (
			f         Fact
			updatedAt string
		)
		if err := rows.Scan(&f.Participant, &f.Channel, &f.Key, &f.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.UpdatedAt = parseTime(updatedAt)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// ---------- helpers ----------

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
