package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmetric/segmetric/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func sampleRun() (RunRecord, map[string][]types.MeasurementRow) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := RunRecord{
		Key: "abc123", Command: "segment", Input: "/data/boats", OutputDir: "/data/boats",
		State: "completed", Frames: 2, Empty: 1, StartedAt: start, FinishedAt: start.Add(3 * time.Second),
	}
	tables := map[string][]types.MeasurementRow{
		"bbox": {
			{Source: "a.jpg", Instance: 0, Values: []float64{40, 80.5}},
			{Source: "a.jpg", Instance: 1, Values: []float64{10, 10}},
		},
		"masks": {
			{Source: "a.jpg", Instance: 0, Name: "a_mask_0.png", Values: []float64{3081}},
			{Source: "a.jpg", Instance: -1, Name: "a_masks.png", Values: []float64{3162}},
		},
	}
	return run, tables
}

// exerciseArchive runs the same scenario against any backend.
func exerciseArchive(t *testing.T, ctx context.Context, a Archive) {
	run, tables := sampleRun()
	id, err := a.SaveRun(ctx, run, tables)
	require.NoError(t, err)
	assert.Positive(t, id)

	run.Command = "bbox"
	id2, err := a.SaveRun(ctx, run, map[string][]types.MeasurementRow{"bbox": tables["bbox"][:1]})
	require.NoError(t, err)
	assert.Greater(t, id2, id)

	runs, err := a.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, id2, runs[0].ID, "newest first")
	assert.Equal(t, 1, runs[0].Rows)
	assert.Equal(t, 4, runs[1].Rows)
	assert.Equal(t, "segment", runs[1].Command)
	assert.Equal(t, 1, runs[1].Empty)
	assert.True(t, runs[1].StartedAt.Equal(run.StartedAt), "started_at round trips")

	limited, err := a.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	masks, err := a.Measurements(ctx, id, "masks")
	require.NoError(t, err)
	assert.Equal(t, tables["masks"], masks)
	bbox, err := a.Measurements(ctx, id, "bbox")
	require.NoError(t, err)
	assert.Equal(t, tables["bbox"], bbox)

	require.NoError(t, a.Reset(ctx))
	runs, err = a.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	// Still usable after a reset
	_, err = a.SaveRun(ctx, run, nil)
	require.NoError(t, err)
}

func TestSQLiteArchive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	a, err := Open(ctx, "sqlite://"+path)
	require.NoError(t, err)
	defer a.Close(ctx)
	exerciseArchive(t, ctx, a)

	// Reopening keeps the data
	a.Close(ctx)
	b, err := Open(ctx, path)
	require.NoError(t, err)
	defer b.Close(ctx)
	runs, err := b.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestIsSQLite(t *testing.T) {
	assert.True(t, IsSQLite("sqlite:///tmp/x"))
	assert.True(t, IsSQLite("runs.db"))
	assert.False(t, IsSQLite("postgres://user:pw@localhost:5432/segmetric"))
}

// TestStoreIntegration runs the archive scenario against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		cli, err := testcontainers.NewDockerClientWithOpts(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()
		_, err = cli.Ping(ctx)
		return err
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("segmetric_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	a, err := Open(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer a.Close(ctx)
	exerciseArchive(t, ctx, a)
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
