// Package copilot – audit.go records every tool dispatch in the audit_log
// table of the butler database. Old rows are pruned by the maintenance
// scheduler.
package copilot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays is how long rows are kept. Zero keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a cron expression for the prune job.
	PruneSchedule string `yaml:"prune_schedule"`
}

// DefaultAuditConfig returns the default audit settings.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:       true,
		RetentionDays: 30,
		PruneSchedule: "0 3 * * *",
	}
}

// Audit result values.
const (
	AuditSuccess = "success"
	AuditError   = "error"
	AuditDenied  = "denied"
	AuditBlocked = "blocked"
)

// AuditEntry is one dispatched tool call.
type AuditEntry struct {
	ID        int64
	Sender    string
	Channel   string
	Action    string
	Args      string
	Risk      string
	Approved  bool
	Result    string
	CreatedAt time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// SQLiteAuditLog writes audit entries to SQLite. It shares the *sql.DB of the
// conversation store.
type SQLiteAuditLog struct {
	db     *sql.DB
	logger *slog.Logger
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sender     TEXT NOT NULL,
	channel    TEXT NOT NULL,
	action     TEXT NOT NULL,
	args       TEXT NOT NULL DEFAULT '',
	risk       TEXT NOT NULL DEFAULT '',
	approved   INTEGER NOT NULL DEFAULT 0,
	result     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

// NewSQLiteAuditLog creates the audit table if needed.
func NewSQLiteAuditLog(db *sql.DB, logger *slog.Logger) (*SQLiteAuditLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &SQLiteAuditLog{db: db, logger: logger.With("component", "audit")}, nil
}

// Record inserts one entry.
func (a *SQLiteAuditLog) Record(ctx context.Context, e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	approved := 0
	if e.Approved {
		approved = 1
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (sender, channel, action, args, risk, approved, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Sender, e.Channel, e.Action, e.Args, e.Risk, approved, e.Result,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Prune deletes entries older than retention and returns how many were removed.
func (a *SQLiteAuditLog) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		a.logger.Info("audit log pruned", "removed", n)
	}
	return n, nil
}

// Recent returns the newest n entries, newest first.
func (a *SQLiteAuditLog) Recent(ctx context.Context, n int) ([]AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, sender, channel, action, args, risk, approved, result, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			approved int
			created  string
		)
		if err := rows.Scan(&e.ID, &e.Sender, &e.Channel, &e.Action, &e.Args, &e.Risk, &approved, &e.Result, &created); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.Approved = approved != 0
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}
