package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/segmetric/segmetric/internal/types"
)

// SQLite is a single file archive for machines without a database server.
type SQLite struct {
	conn *sql.DB
	mu   sync.Mutex
}

// NewSQLite opens (creating if needed) the archive file at path.
func NewSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &SQLite{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func (db *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_key TEXT NOT NULL,
		command TEXT NOT NULL,
		input_path TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		state TEXT NOT NULL,
		frames INTEGER NOT NULL,
		empty_frames INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		source TEXT NOT NULL,
		instance INTEGER NOT NULL,
		artifact TEXT NOT NULL,
		vals TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_measurements_run ON measurements(run_id, table_name);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func (db *SQLite) Close(ctx context.Context) {
	db.conn.Close()
}

// SaveRun stores a run and its rows in one transaction. Values are kept as JSON arrays.
func (db *SQLite) SaveRun(ctx context.Context, run RunRecord, tables map[string][]types.MeasurementRow) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_key, command, input_path, output_dir, state, frames, empty_frames, skipped, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.Key, run.Command, run.Input, run.OutputDir, run.State, run.Frames, run.Empty, run.Skipped,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurements (run_id, table_name, source, instance, artifact, vals) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, name := range sortedTables(tables) {
		for _, r := range tables[name] {
			vals, err := json.Marshal(r.Values)
			if err != nil {
				return 0, err
			}
			if _, err := stmt.ExecContext(ctx, id, name, r.Source, r.Instance, r.Name, string(vals)); err != nil {
				return 0, err
			}
		}
	}
	return id, tx.Commit()
}

func (db *SQLite) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.id, r.run_key, r.command, r.input_path, r.output_dir, r.state, r.frames, r.empty_frames, r.skipped,
			r.started_at, r.finished_at, COUNT(m.id)
		FROM runs r LEFT JOIN measurements m ON m.run_id = r.id
		GROUP BY r.id
		ORDER BY r.id DESC
		LIMIT ?
	`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished time.Time
		if err := rows.Scan(&r.ID, &r.Key, &r.Command, &r.Input, &r.OutputDir, &r.State, &r.Frames, &r.Empty, &r.Skipped,
			&started, &finished, &r.Rows); err != nil {
			return nil, err
		}
		r.StartedAt, r.FinishedAt = started, finished
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *SQLite) Measurements(ctx context.Context, runID int64, table string) ([]types.MeasurementRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT source, instance, artifact, vals FROM measurements
		WHERE run_id = ? AND table_name = ?
		ORDER BY id
	`, runID, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MeasurementRow
	for rows.Next() {
		var r types.MeasurementRow
		var vals string
		if err := rows.Scan(&r.Source, &r.Instance, &r.Name, &vals); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vals), &r.Values); err != nil {
			return nil, fmt.Errorf("corrupt values for run %d: %w", runID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops the archive tables and recreates them empty.
func (db *SQLite) Reset(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.conn.ExecContext(ctx, `
		DROP TABLE IF EXISTS measurements;
		DROP TABLE IF EXISTS runs;
	`); err != nil {
		return err
	}
	return db.migrate()
}
