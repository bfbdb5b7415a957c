// Package table reads, writes and merges measurement tables stored as CSV.
package table

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/segmetric/segmetric/internal/types"
)

// Key columns carried by every measurement table.
const (
	SourceColumn   = "Source"
	InstanceColumn = "Instance"
)

// File names of the tables a run produces.
const (
	BBoxFile    = "all_bbox_data.csv"
	ContourFile = "all_contour_areas.csv"
	MergedFile  = "merged_dataframe.csv"
	VideoFile   = "video_bbox_data.csv"
)

// Table is a header plus string records, in file order.
type Table struct {
	Header  []string
	Records [][]string
}

// FromRows lays rows out as Source, Instance, [nameColumn,] values...
func FromRows(nameColumn string, valueColumns []string, rows []types.MeasurementRow) *Table {
	t := &Table{Header: []string{SourceColumn, InstanceColumn}}
	if nameColumn != "" {
		t.Header = append(t.Header, nameColumn)
	}
	t.Header = append(t.Header, valueColumns...)

	for _, r := range rows {
		rec := []string{r.Source, strconv.Itoa(r.Instance)}
		if nameColumn != "" {
			rec = append(rec, r.Name)
		}
		for i := range valueColumns {
			v := ""
			if i < len(r.Values) {
				v = strconv.FormatFloat(r.Values[i], 'f', -1, 64)
			}
			rec = append(rec, v)
		}
		t.Records = append(t.Records, rec)
	}
	return t
}

// Len is the number of data rows.
func (t *Table) Len() int { return len(t.Records) }

// Column returns the index of a header, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Read loads a CSV file. The first record is the header.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return &Table{Header: all[0], Records: all[1:]}, nil
}

// Write stores the table atomically: readers never observe a half written file.
func (t *Table) Write(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(t.Header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(t.Records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
