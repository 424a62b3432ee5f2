package sessionstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates the registry database at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Several aifo processes may touch the registry at once.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Init creates the schema tables.
func (s *SQLiteStore) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		network    TEXT NOT NULL DEFAULT '',
		proxy_url  TEXT NOT NULL DEFAULT '',
		socket_dir TEXT NOT NULL DEFAULT '',
		workspace  TEXT NOT NULL DEFAULT '',
		pid        INTEGER NOT NULL DEFAULT 0,
		sidecars   TEXT NOT NULL DEFAULT '[]',
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record inserts or replaces a session.
func (s *SQLiteStore) Record(sess Session) error {
	sidecars, err := json.Marshal(sess.Sidecars)
	if err != nil {
		return err
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, network, proxy_url, socket_dir, workspace, pid, sidecars, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   network = excluded.network,
		   proxy_url = excluded.proxy_url,
		   socket_dir = excluded.socket_dir,
		   workspace = excluded.workspace,
		   pid = excluded.pid,
		   sidecars = excluded.sidecars`,
		sess.ID, sess.Network, sess.ProxyURL, sess.SocketDir, sess.Workspace, sess.PID,
		string(sidecars), sess.StartedAt.UTC(),
	)
	return err
}

const selectColumns = `SELECT id, network, proxy_url, socket_dir, workspace, pid, sidecars, started_at FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess     Session
		sidecars string
	)
	if err := row.Scan(&sess.ID, &sess.Network, &sess.ProxyURL, &sess.SocketDir,
		&sess.Workspace, &sess.PID, &sidecars, &sess.StartedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sidecars), &sess.Sidecars); err != nil {
		return nil, fmt.Errorf("decode sidecars for %s: %w", sess.ID, err)
	}
	return &sess, nil
}

// Get returns the session with the given id.
func (s *SQLiteStore) Get(id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// List returns all recorded sessions, oldest first.
func (s *SQLiteStore) List() ([]Session, error) {
	rows, err := s.db.Query(selectColumns + ` ORDER BY started_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// Remove deletes a session. Unknown ids are not an error.
func (s *SQLiteStore) Remove(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}
