package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("storage: row not found")

var safeIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent checks that a SQL identifier (table/column name) is safe.
func validIdent(s string) bool {
	return len(s) > 0 && len(s) <= 64 && safeIdentRe.MatchString(s)
}

// DB wraps the peer's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates calls.db in dir and makes sure the schema exists.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_logs (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id  TEXT NOT NULL,
			caller_id        TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'missed',
			type             TEXT NOT NULL DEFAULT 'audio',
			started_at       TEXT NOT NULL,
			ended_at         TEXT,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS call_logs_conversation
			ON call_logs (conversation_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_logs table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// Insert adds a row and returns its generated id. Columns are written in
// sorted order so identical records produce identical statements.
func (d *DB) Insert(ctx context.Context, table string, data map[string]any) (int64, error) {
	if !validIdent(table) {
		return 0, fmt.Errorf("invalid table name: %s", table)
	}
	cols, args, err := columns(data)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, errors.New("insert: no columns")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Update applies patch to the row with the given id and bumps updated_at.
func (d *DB) Update(ctx context.Context, table string, id int64, patch map[string]any) error {
	if !validIdent(table) {
		return fmt.Errorf("invalid table name: %s", table)
	}
	cols, args, err := columns(patch)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	set := "updated_at = CURRENT_TIMESTAMP"
	for _, c := range cols {
		set += ", " + c + " = ?"
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, set)
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s id %d: %w", table, id, ErrNotFound)
	}
	return nil
}

func columns(data map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(data))
	for c := range data {
		if !validIdent(c) {
			return nil, nil, fmt.Errorf("invalid column name: %s", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = data[c]
	}
	return cols, args, nil
}
