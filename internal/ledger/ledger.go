// Package ledger persists the write-once record of processed messages.
package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaFS embed.FS

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

// ErrDuplicateEntry is returned by Record when the message id already
// has a committed row. The first record wins; callers treat this as
// "already processed", not as a failure.
var ErrDuplicateEntry = errors.New("ledger: message already recorded")

// ErrNotRecorded is returned by Get for an unknown message id.
var ErrNotRecorded = errors.New("ledger: message not recorded")

// ErrCorrupt wraps storage errors that mean the database file is not
// usable at all, as opposed to a transient failure.
var ErrCorrupt = errors.New("ledger: store corrupt")

// Outcome classifies a recorded entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Entry is one processed-message record.
type Entry struct {
	MessageID    string
	ActionKind   string
	ActionDetail string
	Outcome      Outcome
	FailReason   string
	AppliedAt    time.Time
}

// Ledger provides database operations on the processed-message record.
type Ledger struct {
	db     *sql.DB
	dbPath string
}

// isSQLiteError checks if err is a sqlite3.Error with a message
// containing substr. Type-asserting via errors.As first is more robust
// than strings.Contains on err.Error(). Handles both value and pointer
// forms of the driver error.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// markCorrupt maps unreadable-database errors to ErrCorrupt and leaves
// everything else untouched.
func markCorrupt(err error) error {
	if isSQLiteError(err, "not a database") || isSQLiteError(err, "database disk image is malformed") {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

// Open opens or creates the ledger database at the given path and
// ensures the schema exists.
func Open(dbPath string) (*Ledger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + defaultSQLiteParams
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, markCorrupt(fmt.Errorf("ping database: %w", err))
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, markCorrupt(fmt.Errorf("execute schema: %w", err))
	}

	return &Ledger{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.dbPath
}

// Record inserts one entry. The write is durable before Record returns.
// Inserting a message id that already has a row returns
// ErrDuplicateEntry and leaves the existing row untouched.
func (l *Ledger) Record(e Entry) error {
	if e.MessageID == "" {
		return fmt.Errorf("ledger: empty message id")
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomeFailed:
	default:
		return fmt.Errorf("ledger: invalid outcome %q", e.Outcome)
	}
	appliedAt := e.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}

	_, err := l.db.Exec(`
		INSERT INTO processed_messages
			(message_id, action_kind, action_detail, outcome, fail_reason, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.ActionKind, e.ActionDetail, string(e.Outcome), e.FailReason, appliedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrDuplicateEntry
		}
		return markCorrupt(fmt.Errorf("record %s: %w", e.MessageID, err))
	}
	return nil
}

// Has reports whether the message id already has a committed row.
func (l *Ledger) Has(messageID string) (bool, error) {
	var one int
	err := l.db.QueryRow(
		`SELECT 1 FROM processed_messages WHERE message_id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, markCorrupt(fmt.Errorf("check %s: %w", messageID, err))
	}
	return true, nil
}

// Get returns the entry for a message id, or ErrNotRecorded.
func (l *Ledger) Get(messageID string) (*Entry, error) {
	row := l.db.QueryRow(`
		SELECT message_id, action_kind, action_detail, outcome, fail_reason, applied_at
		FROM processed_messages WHERE message_id = ?`, messageID)

	var e Entry
	var outcome string
	err := row.Scan(&e.MessageID, &e.ActionKind, &e.ActionDetail, &outcome, &e.FailReason, &e.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotRecorded
	}
	if err != nil {
		return nil, markCorrupt(fmt.Errorf("get %s: %w", messageID, err))
	}
	e.Outcome = Outcome(outcome)
	return &e, nil
}

// ListUnprocessed returns the subset of ids with no committed row,
// preserving input order. Queries run in chunks to stay within SQLite's
// parameter limit.
func (l *Ledger) ListUnprocessed(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(ids))
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "?"
			args[j] = id
		}
		query := fmt.Sprintf(
			`SELECT message_id FROM processed_messages WHERE message_id IN (%s)`,
			strings.Join(placeholders, ","))
		rows, err := l.db.Query(query, args...)
		if err != nil {
			return nil, markCorrupt(fmt.Errorf("filter processed: %w", err))
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			seen[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	var out []string
	for _, id := range ids {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT message_id, action_kind, action_detail, outcome, fail_reason, applied_at
		FROM processed_messages
		ORDER BY applied_at DESC, message_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, markCorrupt(fmt.Errorf("list recent: %w", err))
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var outcome string
		if err := rows.Scan(&e.MessageID, &e.ActionKind, &e.ActionDetail, &outcome, &e.FailReason, &e.AppliedAt); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats holds ledger counters for status reporting.
type Stats struct {
	Total     int64
	Succeeded int64
	Failed    int64
}

// Stats counts recorded entries by outcome.
func (l *Ledger) Stats() (Stats, error) {
	var s Stats
	err := l.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0)
		FROM processed_messages`).Scan(&s.Total, &s.Succeeded, &s.Failed)
	if err != nil {
		return Stats{}, markCorrupt(fmt.Errorf("ledger stats: %w", err))
	}
	return s, nil
}
