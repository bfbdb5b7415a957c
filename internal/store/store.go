package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmetric/segmetric/internal/types"
)

// Store manages the PostgreSQL connection for the run archive.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the archive tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			id BIGSERIAL PRIMARY KEY,
			run_key TEXT NOT NULL,
			command TEXT NOT NULL,
			input_path TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			state TEXT NOT NULL,
			frames INT NOT NULL,
			empty_frames INT NOT NULL,
			skipped INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS measurements (
			id BIGSERIAL PRIMARY KEY,
			run_id BIGINT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			table_name TEXT NOT NULL,
			source TEXT NOT NULL,
			instance INT NOT NULL,
			artifact TEXT NOT NULL,
			vals DOUBLE PRECISION[] NOT NULL
		);
		CREATE INDEX IF NOT EXISTS measurements_run_id_idx ON measurements (run_id, table_name);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveRun stores a run and all of its rows in one transaction. Rows go through COPY.
func (s *Store) SaveRun(ctx context.Context, run RunRecord, tables map[string][]types.MeasurementRow) (int64, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO runs (run_key, command, input_path, output_dir, state, frames, empty_frames, skipped, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, run.Key, run.Command, run.Input, run.OutputDir, run.State, run.Frames, run.Empty, run.Skipped, run.StartedAt, run.FinishedAt).Scan(&id)
	if err != nil {
		return 0, err
	}

	var rows [][]any
	for _, name := range sortedTables(tables) {
		for _, r := range tables[name] {
			rows = append(rows, []any{id, name, r.Source, r.Instance, r.Name, r.Values})
		}
	}
	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"measurements"},
			[]string{"run_id", "table_name", "source", "instance", "artifact", "vals"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to copy measurements: %w", err)
		}
	}
	return id, tx.Commit(ctx)
}

// ListRuns returns the newest runs first along with their row counts.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT r.id, r.run_key, r.command, r.input_path, r.output_dir, r.state, r.frames, r.empty_frames, r.skipped,
			r.started_at, r.finished_at, COUNT(m.id)
		FROM runs r LEFT JOIN measurements m ON m.run_id = r.id
		GROUP BY r.id
		ORDER BY r.id DESC
		LIMIT $1
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

// Measurements returns one table of a run in insertion order.
func (s *Store) Measurements(ctx context.Context, runID int64, table string) ([]types.MeasurementRow, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT source, instance, artifact, vals FROM measurements
		WHERE run_id = $1 AND table_name = $2
		ORDER BY id
	`, runID, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MeasurementRow
	for rows.Next() {
		var r types.MeasurementRow
		if err := rows.Scan(&r.Source, &r.Instance, &r.Name, &r.Values); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all application tables and recreates them empty.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS measurements CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
	`)
	if err != nil {
		return err
	}
	return initSchema(ctx, s.conn)
}
