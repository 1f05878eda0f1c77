// Package ledger persists the append-only spend ledger and the audit log
// in a single SQLite database under the profile directory.
package ledger

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
	_ "modernc.org/sqlite"

	"github.com/hitoha-ai/kessai/internal/model"
)

// ErrNotPending is returned by Transition when the entry is absent or has
// already reached a terminal status. Status transitions happen exactly once.
var ErrNotPending = errors.New("ledger: entry is not pending")

// AuditSink receives append-only action events. Implementations are
// best-effort from the caller's perspective: a failure to log must never
// fail the operation being logged.
type AuditSink interface {
	LogAction(ctx context.Context, kind string, metadata map[string]any) error
}

// Store is the SQLite-backed spend ledger and audit log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file (and parent directory) if needed and
// initializes the schema. WAL mode keeps concurrent readers cheap.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create database directory: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS spend_entries (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		merchant TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_spend_status_time ON spend_entries(status, created_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		metadata TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Append inserts a new pending entry. Entries enter the ledger pending;
// any other initial status is a programming error.
func (s *Store) Append(ctx context.Context, e model.SpendEntry) error {
	if e.Status != model.SpendPending {
		return fmt.Errorf("ledger: new entries must be pending, got %q", e.Status)
	}
	query := `
	INSERT INTO spend_entries (id, created_at, amount, currency, merchant, status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	now := e.Timestamp.Unix()
	_, err := s.db.ExecContext(ctx, query,
		e.ID.String(), now, e.Amount, e.Currency, e.Merchant, string(e.Status), now)
	if err != nil {
		return fmt.Errorf("ledger: append entry: %w", err)
	}
	return nil
}

// Transition moves a pending entry to a terminal status, exactly once.
// The WHERE clause on status makes the transition atomic: a second call
// for the same entry affects zero rows and returns ErrNotPending.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, to model.SpendStatus) error {
	if !to.Terminal() {
		return fmt.Errorf("ledger: transition target must be terminal, got %q", to)
	}
	query := `UPDATE spend_entries SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(to), time.Now().Unix(), id.String(), string(model.SpendPending))
	if err != nil {
		return fmt.Errorf("ledger: transition entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotPending
	}
	return nil
}

// ApprovedTotalSince sums approved entries with a timestamp at or after
// since. Pending, rejected, and failed entries never count.
func (s *Store) ApprovedTotalSince(ctx context.Context, since time.Time) (int64, error) {
	query := `
	SELECT COALESCE(SUM(amount), 0) FROM spend_entries
	WHERE status = ? AND created_at >= ?`

	var total int64
	err := s.db.QueryRowContext(ctx, query, string(model.SpendApproved), since.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: approved total: %w", err)
	}
	return total, nil
}

// Entry loads one ledger entry by ID, or nil when absent.
func (s *Store) Entry(ctx context.Context, id uuid.UUID) (*model.SpendEntry, error) {
	query := `
	SELECT id, created_at, amount, currency, merchant, status
	FROM spend_entries WHERE id = ?`

	var (
		rawID     string
		createdAt int64
		rawStatus string
		e         model.SpendEntry
	)
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(
		&rawID, &createdAt, &e.Amount, &e.Currency, &e.Merchant, &rawStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load entry: %w", err)
	}

	e.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse entry id: %w", err)
	}
	e.Status, err = model.ParseSpendStatus(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	e.Timestamp = time.Unix(createdAt, 0).UTC()
	return &e, nil
}

// LogAction appends an audit event with bounded retries. Failures are
// logged and returned but callers treat the sink as fire-and-forget.
func (s *Store) LogAction(ctx context.Context, kind string, metadata map[string]any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("ledger: marshal audit metadata: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		_, lastErr = s.db.ExecContext(ctx,
			`INSERT INTO audit_log (created_at, kind, metadata) VALUES (?, ?, ?)`,
			time.Now().Unix(), kind, string(data))
		if lastErr == nil {
			return nil
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("ledger: audit write cancelled: %w", lastErr)
		}
	}
	s.logger.Warn("ledger: audit write failed after retries", "kind", kind, "error", lastErr)
	return fmt.Errorf("ledger: audit write failed: %w", lastErr)
}

// AuditEvents returns the most recent audit events, newest first.
func (s *Store) AuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT created_at, kind, metadata FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			createdAt int64
			ev        AuditEvent
			raw       string
		)
		if err := rows.Scan(&createdAt, &ev.Kind, &raw); err != nil {
			return nil, fmt.Errorf("ledger: scan audit event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := json.Unmarshal([]byte(raw), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("ledger: parse audit metadata: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate audit events: %w", err)
	}
	return events, nil
}

// AuditEvent is one row of the audit log.
type AuditEvent struct {
	CreatedAt time.Time      `json:"created_at"`
	Kind      string         `json:"kind"`
	Metadata  map[string]any `json:"metadata"`
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("ledger: close database: %w", err)
	}
	return nil
}
