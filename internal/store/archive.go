// Package store archives finished runs and their measurement rows in a database.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/segmetric/segmetric/internal/types"
)

// RunRecord is one archived run.
type RunRecord struct {
	ID         int64
	Key        string // stable hash of the input path
	Command    string
	Input      string
	OutputDir  string
	State      string
	Frames     int
	Empty      int
	Skipped    int
	Rows       int // filled in by ListRuns
	StartedAt  time.Time
	FinishedAt time.Time
}

// Archive is implemented by the PostgreSQL and SQLite backends.
type Archive interface {
	SaveRun(ctx context.Context, run RunRecord, tables map[string][]types.MeasurementRow) (int64, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Measurements(ctx context.Context, runID int64, table string) ([]types.MeasurementRow, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

var (
	_ Archive = (*Store)(nil)
	_ Archive = (*SQLite)(nil)
)

// IsSQLite reports whether url names a SQLite file rather than a PostgreSQL server.
func IsSQLite(url string) bool {
	return strings.HasPrefix(url, "sqlite://") || strings.HasSuffix(url, ".db") || strings.HasSuffix(url, ".sqlite")
}

// Open connects to the archive at url: "sqlite://path", "path.db" or a PostgreSQL URL.
func Open(ctx context.Context, url string) (Archive, error) {
	if IsSQLite(url) {
		return NewSQLite(strings.TrimPrefix(url, "sqlite://"))
	}
	return New(ctx, url)
}

func sortedTables(tables map[string][]types.MeasurementRow) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
