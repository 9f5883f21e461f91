package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".jobline"
	defaultDBName = "jobline.db"
)

type Config struct {
	Workspace string
	// BusyTimeoutMS is handed to SQLite so a second process waits for the
	// write lock instead of failing immediately.
	BusyTimeoutMS int
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

const defaultReadConns = 4

func dsn(cfg Config, pragmas ...string) string {
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	q := fmt.Sprintf("_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", busy)
	for _, p := range pragmas {
		q += "&" + p
	}
	return fmt.Sprintf("file:%s?%s", dbPath(cfg.Workspace), q)
}

// Open opens the SQLite database in WAL mode with foreign keys on. The pool
// is capped at one connection and transactions take the write lock at BEGIN,
// so a read-modify-write of a job never interleaves with another writer.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn(cfg, "_pragma=journal_mode(WAL)", "_txlock=immediate"))
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath(cfg.Workspace), err)
	}
	return conn, nil
}

// OpenReader opens a query-only pool on the workspace database for list and
// view reads. Under WAL its snapshots do not wait on the writer. Open the
// writer first so the file exists and is in WAL mode.
func OpenReader(cfg Config) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(cfg, "_pragma=query_only(1)"))
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(defaultReadConns)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open reader %s: %w", dbPath(cfg.Workspace), err)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
