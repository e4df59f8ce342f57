package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/utils"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	source_url TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	part_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	percent INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_parts (
	task_id TEXT NOT NULL,
	cid INTEGER NOT NULL,
	part_number INTEGER NOT NULL,
	url TEXT NOT NULL,
	output_path TEXT,
	PRIMARY KEY (task_id, cid),
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Record is a persisted task row.
type Record struct {
	ID        string
	Title     string
	SourceURL string
	Priority  int
	PartCount int
	Status    utils.TaskStatus
	Percent   int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a write-through record of task state for operators. Nothing reads it back into
// the in-memory engine.
type Store struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, now: time.Now, log: utils.GetLogger("store")}
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		s.log.Warn().Err(err).Msg("could not apply sqlite pragmas")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveTask(ctx context.Context, id string, req utils.Request, status utils.TaskStatus, createdAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, title, source_url, priority, part_count, status, percent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		id, req.Title, req.SourceURL, req.Priority, req.PartCount(), string(status), createdAt.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("error saving task: %w", err)
	}
	for _, p := range req.Parts {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO task_parts (task_id, cid, part_number, url, output_path) VALUES (?, ?, ?, ?, ?)`,
			id, p.StableID(), p.PartNumber, p.URL, p.OutputPath)
		if err != nil {
			return fmt.Errorf("error saving part: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) SaveProgress(ctx context.Context, taskID string, percent int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET percent = ?, updated_at = ? WHERE id = ?`,
		percent, s.now().UnixMilli(), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, taskID)
}

func (s *Store) UpdateStatus(ctx context.Context, taskID string, status utils.TaskStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, s.now().UnixMilli(), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, taskID)
}

func requireRow(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}

const selectRecord = `SELECT id, title, source_url, priority, part_count, status, percent, error, created_at, updated_at FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var source, errMsg sql.NullString
	var status string
	var created, updated int64
	if err := row.Scan(&r.ID, &r.Title, &source, &r.Priority, &r.PartCount, &status, &r.Percent, &errMsg, &created, &updated); err != nil {
		return Record{}, err
	}
	r.SourceURL = source.String
	r.Error = errMsg.String
	r.Status = utils.TaskStatus(status)
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}

func (s *Store) Get(ctx context.Context, taskID string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return r, err
}

// List returns tasks newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status utils.TaskStatus) ([]Record, error) {
	query, args := selectRecord+` ORDER BY created_at DESC, id`, []any{}
	if status != "" {
		query, args = selectRecord+` WHERE status = ? ORDER BY created_at DESC, id`, []any{string(status)}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Parts returns the part URLs and output paths recorded for a task, in part order.
func (s *Store) Parts(ctx context.Context, taskID string) ([]utils.Part, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cid, part_number, url, output_path FROM task_parts WHERE task_id = ? ORDER BY part_number`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parts []utils.Part
	for rows.Next() {
		var p utils.Part
		var out sql.NullString
		if err := rows.Scan(&p.DatabaseID, &p.PartNumber, &p.URL, &out); err != nil {
			return nil, err
		}
		p.OutputPath = out.String
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (s *Store) Delete(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_parts WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return err
	}
	return tx.Commit()
}
