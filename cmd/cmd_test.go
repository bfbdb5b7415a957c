package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmetric/segmetric/internal/framesource"
	"github.com/segmetric/segmetric/internal/measure"
	"github.com/segmetric/segmetric/internal/store"
	"github.com/segmetric/segmetric/internal/table"
	"github.com/segmetric/segmetric/internal/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImageCommand(opts *Options) *cobra.Command {
	c := &cobra.Command{Use: "test"}
	addImageFlags(c, opts)
	return c
}

func TestToConfigPrefersChangedFlags(t *testing.T) {
	t.Setenv("SEGMETRIC_MODEL", "/models/env.pt")
	t.Setenv("SEGMETRIC_CONFIDENCE", "0.7")

	var opts Options
	c := newImageCommand(&opts)
	require.NoError(t, c.Flags().Set("input", "/data/in"))
	require.NoError(t, c.Flags().Set("confidence", "0.25"))

	cfg := toConfig(c, opts)
	assert.Equal(t, "/data/in", cfg.InputPath)
	assert.Equal(t, 0.25, cfg.Confidence, "flag wins over environment")
	assert.Equal(t, "/models/env.pt", cfg.ModelPath, "unchanged flag falls back to environment")
	assert.Empty(t, cfg.OutputDir)
}

func TestValidateImageFlags(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.pt")
	require.NoError(t, os.WriteFile(model, []byte("weights"), 0644))
	notDir := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(notDir, nil, 0644))

	tests := []struct {
		name    string
		flags   map[string]string
		wantErr bool
	}{
		{name: "valid", flags: map[string]string{"input": dir, "model": model}},
		{name: "missing input", flags: map[string]string{"input": filepath.Join(dir, "nope"), "model": model}, wantErr: true},
		{name: "input is a file", flags: map[string]string{"input": notDir, "model": model}, wantErr: true},
		{name: "missing model", flags: map[string]string{"input": dir, "model": filepath.Join(dir, "nope.pt")}, wantErr: true},
		{name: "confidence out of range", flags: map[string]string{"input": dir, "model": model, "confidence": "1.5"}, wantErr: true},
		{name: "bad timeout", flags: map[string]string{"input": dir, "model": model, "worker-timeout": "soon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts Options
			c := newImageCommand(&opts)
			for k, v := range tt.flags {
				require.NoError(t, c.Flags().Set(k, v))
			}
			cfg, err := validateImageFlags(c, &opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, dir, cfg.OutputDir, "output defaults to the input folder")
		})
	}
}

func writeTables(t *testing.T, dir string, bbox, contours []types.MeasurementRow) {
	t.Helper()
	require.NoError(t, table.FromRows("", measure.BBoxColumns, bbox).Write(filepath.Join(dir, table.BBoxFile)))
	require.NoError(t, table.FromRows("Mask", measure.ContourColumns, contours).Write(filepath.Join(dir, table.ContourFile)))
}

func TestMergeTables(t *testing.T) {
	dir := t.TempDir()
	writeTables(t, dir,
		[]types.MeasurementRow{
			{Source: "a.jpg", Instance: 0, Values: []float64{4, 8}},
			{Source: "a.jpg", Instance: 1, Values: []float64{2, 2}},
		},
		[]types.MeasurementRow{
			{Source: "a.jpg", Instance: 1, Name: "a_mask_1.png", Values: []float64{3}},
			{Source: "a.jpg", Instance: 0, Name: "a_mask_0.png", Values: []float64{30}},
			{Source: "a.jpg", Instance: types.CombinedInstance, Name: "a_masks.png", Values: []float64{33}},
		})

	require.NoError(t, mergeTables(dir, table.Options{}))

	merged, err := table.Read(filepath.Join(dir, table.MergedFile))
	require.NoError(t, err)
	assert.Equal(t, 2, merged.Len())
	assert.Equal(t, "Total_Contour_Area", merged.Header[len(merged.Header)-1])
}

func TestMergeTablesMismatchWritesNothing(t *testing.T) {
	dir := t.TempDir()
	writeTables(t, dir,
		[]types.MeasurementRow{
			{Source: "a.jpg", Instance: 0, Values: []float64{4, 8}},
			{Source: "a.jpg", Instance: 1, Values: []float64{2, 2}},
		},
		[]types.MeasurementRow{
			{Source: "a.jpg", Instance: 0, Name: "a_mask_0.png", Values: []float64{30}},
		})

	err := mergeTables(dir, table.Options{})
	var mismatch *table.RowCountMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.NoFileExists(t, filepath.Join(dir, table.MergedFile))

	require.NoError(t, mergeTables(dir, table.Options{Partial: true}))
	merged, err := table.Read(filepath.Join(dir, table.MergedFile))
	require.NoError(t, err)
	assert.Equal(t, 1, merged.Len())
}

func TestGeneratedFiles(t *testing.T) {
	dir := t.TempDir()
	keep := []string{"boat.jpg", "boat_masks.jpg", "notes_bbox.txt", "clip.mp4"}
	remove := []string{"boat_predicted.png", "boat_predicted-2.png", "boat_mask_0.png", "boat_masks.png",
		"boat_bbox.png", "clip_output.avi", table.BBoxFile, table.ContourFile, table.MergedFile, table.VideoFile}
	for _, name := range append(keep, remove...) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub_bbox.png"), 0755))

	files, err := generatedFiles(dir)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.ElementsMatch(t, remove, names)
}

func TestConfirm(t *testing.T) {
	assert.True(t, confirm(strings.NewReader("y\n"), "ok?"))
	assert.True(t, confirm(strings.NewReader(" YES \n"), "ok?"))
	assert.False(t, confirm(strings.NewReader("\n"), "ok?"))
	assert.False(t, confirm(strings.NewReader(""), "ok?"))
}

type countingRun struct {
	skips, cancels atomic.Int32
}

func (c *countingRun) SkipCurrent() { c.skips.Add(1) }
func (c *countingRun) Cancel()      { c.cancels.Add(1) }

func TestReadControls(t *testing.T) {
	r := &countingRun{}
	readControls(strings.NewReader("s\n\nskip\nx\nq\ns\n"), r)
	assert.Equal(t, int32(2), r.skips.Load(), "input after quit is ignored")
	assert.Equal(t, int32(1), r.cancels.Load())
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	printRuns(&buf, nil)
	assert.Contains(t, buf.String(), "No runs")

	buf.Reset()
	printRuns(&buf, []store.RunRecord{{ID: 7, Command: "segment", State: "completed", Frames: 3, Rows: 9, Input: "/data", FinishedAt: time.Now()}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], "segment")
	assert.Contains(t, lines[2], "completed")
}

func TestExportWritesArchivedTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.NewSQLite(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer db.Close(ctx)

	id, err := db.SaveRun(ctx, store.RunRecord{Command: "masks", State: "completed", StartedAt: time.Now(), FinishedAt: time.Now()},
		map[string][]types.MeasurementRow{
			"masks": {{Source: "a.jpg", Instance: 0, Name: "a_mask_0.png", Values: []float64{12.5}}},
		})
	require.NoError(t, err)

	out := filepath.Join(dir, "export")
	require.NoError(t, runExport(ctx, db, id, out))

	tbl, err := table.Read(filepath.Join(out, table.ContourFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"Source", "Instance", "Mask", "Total_Contour_Area"}, tbl.Header)
	assert.Equal(t, []string{"a.jpg", "0", "a_mask_0.png", "12.5"}, tbl.Records[0])
	assert.NoFileExists(t, filepath.Join(out, table.BBoxFile))
}

func TestExportWithoutArchive(t *testing.T) {
	err := runExport(context.Background(), nil, 1, t.TempDir())
	assert.ErrorIs(t, err, errNoArchive)
}

func TestVideoInputHelpListsAcceptedExtensions(t *testing.T) {
	usage := videoCmd.Flags().Lookup("input").Usage
	exts := regexp.MustCompile(`\.[a-z0-9]+`).FindAllString(usage, -1)
	require.NotEmpty(t, exts)
	for _, ext := range exts {
		assert.True(t, framesource.IsVideoFile("clip"+ext), "help mentions %s but it is not accepted", ext)
	}
}
