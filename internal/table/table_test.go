package table

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmetric/segmetric/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plain(rows int, cols ...string) *Table {
	t := &Table{Header: cols}
	for i := 0; i < rows; i++ {
		rec := make([]string, len(cols))
		for j := range cols {
			rec[j] = fmt.Sprintf("%s%d", cols[j], i)
		}
		t.Records = append(t.Records, rec)
	}
	return t
}

func TestFromRowsAndRoundTrip(t *testing.T) {
	rows := []types.MeasurementRow{
		{Source: "boat.jpg", Instance: 0, Name: "boat_mask_0.png", Values: []float64{1234.5}},
		{Source: "boat.jpg", Instance: types.CombinedInstance, Name: "boat_masks.png", Values: []float64{2000}},
	}
	tbl := FromRows("Mask", []string{"Total_Contour_Area"}, rows)
	assert.Equal(t, []string{"Source", "Instance", "Mask", "Total_Contour_Area"}, tbl.Header)
	assert.Equal(t, []string{"boat.jpg", "-1", "boat_masks.png", "2000"}, tbl.Records[1])

	path := filepath.Join(t.TempDir(), ContourFile)
	require.NoError(t, tbl.Write(path))
	back, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, tbl, back)

	// No temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMergePositional(t *testing.T) {
	a := plain(5, "Image", "BBox_Width", "BBox_Height")
	b := plain(5, "Mask", "Total_Contour_Area")

	out, err := MergePositional(a, b)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Len())
	assert.Len(t, out.Header, len(a.Header)+1)
	assert.Equal(t, "Total_Contour_Area", out.Header[3])
	assert.Equal(t, []string{"Image2", "BBox_Width2", "BBox_Height2", "Total_Contour_Area2"}, out.Records[2])
	// Inputs are not aliased
	assert.Len(t, a.Records[0], 3)
}

func TestMergePositionalMismatch(t *testing.T) {
	_, err := MergePositional(plain(5, "A", "B"), plain(4, "C", "D"))
	var mismatch *RowCountMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 5, mismatch.A)
	assert.Equal(t, 4, mismatch.B)
}

func bboxTable(rows ...types.MeasurementRow) *Table {
	return FromRows("", []string{"BBox_Width", "BBox_Height"}, rows)
}

func contourTable(rows ...types.MeasurementRow) *Table {
	return FromRows("Mask", []string{"Total_Contour_Area"}, rows)
}

func TestMergeKeyedIgnoresOrderAndWholeFrameRows(t *testing.T) {
	a := bboxTable(
		types.MeasurementRow{Source: "a.jpg", Instance: 0, Values: []float64{40, 80}},
		types.MeasurementRow{Source: "a.jpg", Instance: 1, Values: []float64{10, 10}},
		types.MeasurementRow{Source: "b.jpg", Instance: 0, Values: []float64{5, 6}},
	)
	b := contourTable(
		types.MeasurementRow{Source: "a.jpg", Instance: 1, Name: "a_mask_1.png", Values: []float64{81}},
		types.MeasurementRow{Source: "a.jpg", Instance: 0, Name: "a_mask_0.png", Values: []float64{3081}},
		types.MeasurementRow{Source: "a.jpg", Instance: -1, Name: "a_masks.png", Values: []float64{3162}},
		types.MeasurementRow{Source: "b.jpg", Instance: 0, Name: "b_mask_0.png", Values: []float64{20}},
		types.MeasurementRow{Source: "b.jpg", Instance: -1, Name: "b_masks.png", Values: []float64{20}},
	)

	out, report, err := MergeKeyed(a, b, false)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Len())
	assert.Equal(t, []string{"Source", "Instance", "BBox_Width", "BBox_Height", "Total_Contour_Area"}, out.Header)
	assert.Equal(t, []string{"a.jpg", "0", "40", "80", "3081"}, out.Records[0])
	assert.Equal(t, []string{"a.jpg", "1", "10", "10", "81"}, out.Records[1])
	assert.Equal(t, 2, report.Excluded)
	assert.Empty(t, report.Unmatched)
}

func TestMergeKeyedDivergence(t *testing.T) {
	a := bboxTable(
		types.MeasurementRow{Source: "a.jpg", Instance: 0, Values: []float64{1, 1}},
		types.MeasurementRow{Source: "a.jpg", Instance: 1, Values: []float64{2, 2}},
	)
	b := contourTable(
		types.MeasurementRow{Source: "a.jpg", Instance: 0, Name: "a_mask_0.png", Values: []float64{9}},
	)

	_, _, err := MergeKeyed(a, b, false)
	var mismatch *RowCountMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []string{"a.jpg#1"}, mismatch.Unmatched)
	assert.Equal(t, 2, mismatch.A)
	assert.Equal(t, 1, mismatch.B)

	out, report, err := MergeKeyed(a, b, true)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())
	assert.Equal(t, []string{"a.jpg#1"}, report.Unmatched)
}

func TestMergeKeyedDuplicateKey(t *testing.T) {
	row := types.MeasurementRow{Source: "a.jpg", Instance: 0, Values: []float64{1, 1}}
	_, _, err := MergeKeyed(bboxTable(row, row), bboxTable(row), false)
	assert.ErrorContains(t, err, "duplicate key")
}

func TestMergeKeyedUnmatchedDuplicateKey(t *testing.T) {
	a := bboxTable(
		types.MeasurementRow{Source: "a.jpg", Instance: 0, Values: []float64{1, 1}},
		types.MeasurementRow{Source: "b.jpg", Instance: 3, Values: []float64{2, 2}},
		types.MeasurementRow{Source: "b.jpg", Instance: 3, Values: []float64{2, 2}},
	)
	b := contourTable(types.MeasurementRow{Source: "a.jpg", Instance: 0, Name: "a_mask_0.png", Values: []float64{5}})

	for _, partial := range []bool{false, true} {
		_, _, err := MergeKeyed(a, b, partial)
		assert.ErrorContains(t, err, "table A: duplicate key b.jpg#3", "partial=%v", partial)
	}
}

func TestMergeAutoMode(t *testing.T) {
	keyed := bboxTable(types.MeasurementRow{Source: "a.jpg", Instance: 0, Values: []float64{1, 2}})
	_, report, err := Merge(keyed, contourTable(types.MeasurementRow{Source: "a.jpg", Instance: 0, Values: []float64{3}}), Options{})
	require.NoError(t, err)
	assert.Equal(t, Keyed, report.Mode)

	_, report, err = Merge(plain(2, "Image", "W"), plain(2, "Mask", "Area"), Options{})
	require.NoError(t, err)
	assert.Equal(t, Positional, report.Mode)

	_, _, err = Merge(keyed, plain(1, "Mask", "Area"), Options{Mode: Keyed})
	assert.Error(t, err)
}

func TestMergeFiles(t *testing.T) {
	dir := t.TempDir()
	aPath, bPath, outPath := filepath.Join(dir, BBoxFile), filepath.Join(dir, ContourFile), filepath.Join(dir, MergedFile)

	require.NoError(t, plain(5, "Image", "BBox_Width", "BBox_Height").Write(aPath))
	require.NoError(t, plain(5, "Mask", "Total_Contour_Area").Write(bPath))
	report, err := MergeFiles(aPath, bPath, outPath, Options{Mode: Positional})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Rows)

	merged, err := Read(outPath)
	require.NoError(t, err)
	assert.Equal(t, 5, merged.Len())
	assert.Len(t, merged.Header, 4)
}

func TestMergeFilesMismatchWritesNothing(t *testing.T) {
	dir := t.TempDir()
	aPath, bPath, outPath := filepath.Join(dir, "a.csv"), filepath.Join(dir, "b.csv"), filepath.Join(dir, MergedFile)

	require.NoError(t, plain(5, "Image", "W").Write(aPath))
	require.NoError(t, plain(4, "Mask", "Area").Write(bPath))

	_, err := MergeFiles(aPath, bPath, outPath, Options{})
	var mismatch *RowCountMismatchError
	require.ErrorAs(t, err, &mismatch)

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr), "merged output must not exist")
	// Inputs are untouched and still readable
	a, err := Read(aPath)
	require.NoError(t, err)
	assert.Equal(t, 5, a.Len())
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Read(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = Read(empty)
	assert.Error(t, err)
}
