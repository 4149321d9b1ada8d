package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

// SQLJournal implements domain.Journal on a SQLCipher database.
// With a nil key the database is a plain SQLite file.
type SQLJournal struct {
	db     *sql.DB
	dbPath string
}

// NewSQLJournal opens (or creates) the journal at dbPath.
// The key, when given, is used as the SQLCipher passphrase.
func NewSQLJournal(dbPath string, key []byte) (*SQLJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := dbPath + "?_busy_timeout=5000"
	if len(key) > 0 {
		dsn += fmt.Sprintf("&_pragma_key=x'%s'&_pragma_cipher_page_size=4096", hex.EncodeToString(key))
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// Faults from several triggers record concurrently; SQLite takes one writer
	db.SetMaxOpenConns(1)

	// Verify the key works by touching the database
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	j := &SQLJournal{db: db, dbPath: dbPath}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal tables: %w", err)
	}

	return j, nil
}

func (j *SQLJournal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		targets TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS events_run ON events (run_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends an event.
func (j *SQLJournal) Record(ev domain.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := j.db.Exec(`
		INSERT INTO events (run_id, kind, subject, targets, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, string(ev.Kind), ev.Subject, strings.Join(ev.Targets, ","), ev.Detail, ev.At.UnixNano(),
	)
	return err
}

// Events returns all events of a run in insertion order.
func (j *SQLJournal) Events(runID string) ([]domain.Event, error) {
	rows, err := j.db.Query(`
		SELECT run_id, kind, subject, targets, detail, at
		FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev      domain.Event
			kind    string
			targets string
			at      int64
		)
		if err := rows.Scan(&ev.RunID, &kind, &ev.Subject, &targets, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.Kind = domain.EventKind(kind)
		if targets != "" {
			ev.Targets = strings.Split(targets, ",")
		}
		ev.At = time.Unix(0, at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Runs summarizes all recorded runs, oldest first.
func (j *SQLJournal) Runs() ([]domain.RunSummary, error) {
	rows, err := j.db.Query(`
		SELECT run_id, MIN(at), MAX(at),
			SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END)
		FROM events GROUP BY run_id ORDER BY MIN(at)`,
		string(domain.EventFaultInjected), string(domain.EventDaemonExited))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunSummary
	for rows.Next() {
		var (
			s          domain.RunSummary
			first, end int64
		)
		if err := rows.Scan(&s.RunID, &first, &end, &s.Faults, &s.Exits); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, first)
		s.LastEvent = time.Unix(0, end)
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

// GetJournalPath returns the database file path.
func (j *SQLJournal) GetJournalPath() string {
	return j.dbPath
}

// Close releases the database connection.
func (j *SQLJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// NopJournal discards everything. Used when journaling is disabled.
type NopJournal struct{}

func (NopJournal) Record(domain.Event) error             { return nil }
func (NopJournal) Events(string) ([]domain.Event, error) { return nil, nil }
func (NopJournal) Runs() ([]domain.RunSummary, error)    { return nil, nil }
func (NopJournal) Close() error                          { return nil }

// Ensure both journals implement domain.Journal.
var _ domain.Journal = (*SQLJournal)(nil)
var _ domain.Journal = NopJournal{}
