// Package journal is the append-only event log shared by provisioning,
// teardown and the monitor. Entry points record what they did; nothing is
// ever updated in place.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default journal location.
const DefaultPath = "/var/lib/sanctl/journal.db"

// Event categories.
const (
	CategoryProvision = "provision"
	CategoryTeardown  = "teardown"
	CategoryMonitor   = "monitor"
)

// Event is one recorded outcome.
type Event struct {
	ID        int64     `json:"id"`
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	MountPath string    `json:"mount_path,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal wraps the SQLite connection.
type Journal struct {
	conn *sql.DB
	path string
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configuring journal: %w", err)
	}

	j := &Journal{conn: conn, path: path}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.conn.Close()
}

func (j *Journal) migrate() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			category TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT,
			mount_path TEXT,
			detail TEXT,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
		CREATE INDEX IF NOT EXISTS idx_events_mount ON events(mount_path);
	`)
	return err
}

// Record appends one event. Extra structured context goes into the
// detail column as JSON.
func (j *Journal) Record(category, action, target, mountPath string, details map[string]any) error {
	var detail string
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detail = string(b)
		}
	}
	_, err := j.conn.Exec(`
		INSERT INTO events (category, action, target, mount_path, detail)
		VALUES (?, ?, ?, ?, ?)
	`, category, action, target, mountPath, detail)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// Recent returns the latest events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.conn.Query(`
		SELECT id, category, action, target, mount_path, detail, timestamp
		FROM events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var target, mountPath, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Category, &ev.Action, &target, &mountPath, &detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Target = target.String
		ev.MountPath = mountPath.String
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MountPaths returns every mount path the journal has ever seen a
// provisioning event for. Teardown uses this to recognize managed paths.
func (j *Journal) MountPaths() ([]string, error) {
	rows, err := j.conn.Query(`
		SELECT DISTINCT mount_path FROM events
		WHERE mount_path != '' AND category = ?
	`, CategoryProvision)
	if err != nil {
		return nil, fmt.Errorf("querying mount paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
