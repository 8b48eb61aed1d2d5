package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Task lifecycle states. A task moves draft -> published or
// draft -> deleted_by_user exactly once.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusDeleted   = "deleted_by_user"
)

// Writable task columns. UpdateField refuses anything not listed here.
var taskColumns = map[string]bool{
	"user_id":       true,
	"user_name":     true,
	"created_at":    true,
	"full_text":     true,
	"files_json":    true,
	"weeek_task_id": true,
	"sost":          true,
}

type Store struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the task database under dataDir and applies the
// additive schema migration: columns introduced by newer versions are added
// if missing, existing data is never touched.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tasks.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	s := &Store{conn: conn, path: dbPath}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			task_id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			user_name TEXT,
			created_at TEXT,
			full_text TEXT,
			files_json TEXT,
			weeek_task_id TEXT,
			sost TEXT DEFAULT 'draft'
		)
	`)
	if err != nil {
		return err
	}
	return s.migrate()
}

// migrate adds columns that older database files predate. Purely additive.
func (s *Store) migrate() error {
	rows, err := s.conn.Query(`PRAGMA table_info(tasks)`)
	if err != nil {
		return err
	}
	existing := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			_ = rows.Close()
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	// The cursor must be released before ALTER TABLE runs on this connection.
	if err := rows.Close(); err != nil {
		return err
	}

	for column := range taskColumns {
		if existing[column] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE tasks ADD COLUMN %s TEXT`, column)
		if column == "sost" {
			stmt += ` DEFAULT 'draft'`
		}
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s: %w", column, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Path() string {
	return s.path
}

// CreateTask inserts an empty draft row and returns its id.
func (s *Store) CreateTask(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `INSERT INTO tasks DEFAULT VALUES`)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// UpdateField sets exactly one column, last write wins. The column name is
// validated against the schema allow-list.
func (s *Store) UpdateField(ctx context.Context, taskID int64, field string, value any) error {
	if !taskColumns[field] {
		return fmt.Errorf("unknown task column: %s", field)
	}
	query := fmt.Sprintf(`UPDATE tasks SET %s = ? WHERE task_id = ?`, field)
	if _, err := s.conn.ExecContext(ctx, query, value, taskID); err != nil {
		return fmt.Errorf("update task %d %s: %w", taskID, field, err)
	}
	return nil
}

// ReadField returns the value of one column, with ok=false when the row does
// not exist or the column is NULL.
func (s *Store) ReadField(ctx context.Context, taskID int64, field string) (string, bool, error) {
	if !taskColumns[field] {
		return "", false, fmt.Errorf("unknown task column: %s", field)
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE task_id = ?`, field)
	var value sql.NullString
	err := s.conn.QueryRowContext(ctx, query, taskID).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read task %d %s: %w", taskID, field, err)
	}
	if !value.Valid {
		return "", false, nil
	}
	return value.String, true, nil
}

// MarkDeleted moves the task into its terminal cancelled state.
func (s *Store) MarkDeleted(ctx context.Context, taskID int64) error {
	return s.UpdateField(ctx, taskID, "sost", StatusDeleted)
}
