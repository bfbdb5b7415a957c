package table

import (
	"errors"
	"fmt"
	"strconv"
)

// RowCountMismatchError means two tables no longer describe the same instances.
type RowCountMismatchError struct {
	A, B      int
	Unmatched []string // keys present on one side only (keyed merges)
}

func (e *RowCountMismatchError) Error() string {
	if len(e.Unmatched) == 0 {
		return fmt.Sprintf("row count mismatch: table A has %d rows, table B has %d", e.A, e.B)
	}
	return fmt.Sprintf("row mismatch: table A has %d instance rows, table B has %d, %d keys unmatched (first: %s)",
		e.A, e.B, len(e.Unmatched), e.Unmatched[0])
}

// Mode selects how rows are paired.
type Mode int

const (
	// Auto joins on Source and Instance when both tables carry them, positionally otherwise.
	Auto Mode = iota
	Keyed
	Positional
)

// Options control a merge.
type Options struct {
	Mode Mode
	// Partial writes the inner join instead of failing when keys diverge.
	Partial bool
}

// Report describes a successful merge.
type Report struct {
	Mode      Mode
	Rows      int
	Excluded  int      // whole-frame rows left out of a keyed join
	Unmatched []string // only set for partial merges
}

var errNoColumns = errors.New("table has no columns")

// MergePositional pairs rows by position: all columns of a plus the last column of b.
func MergePositional(a, b *Table) (*Table, error) {
	if len(a.Header) == 0 || len(b.Header) == 0 {
		return nil, errNoColumns
	}
	if a.Len() != b.Len() {
		return nil, &RowCountMismatchError{A: a.Len(), B: b.Len()}
	}
	last := len(b.Header) - 1
	out := &Table{Header: appendCopy(a.Header, b.Header[last])}
	for i, rec := range a.Records {
		out.Records = append(out.Records, appendCopy(rec, field(b.Records[i], last)))
	}
	return out, nil
}

// MergeKeyed joins on (Source, Instance). Whole-frame rows are excluded from both sides.
// Output keeps a's row order and columns plus the last column of b.
func MergeKeyed(a, b *Table, partial bool) (*Table, *Report, error) {
	if len(a.Header) == 0 || len(b.Header) == 0 {
		return nil, nil, errNoColumns
	}
	aKeys, err := keyColumns(a)
	if err != nil {
		return nil, nil, fmt.Errorf("table A: %w", err)
	}
	bKeys, err := keyColumns(b)
	if err != nil {
		return nil, nil, fmt.Errorf("table B: %w", err)
	}

	report := &Report{Mode: Keyed}
	last := len(b.Header) - 1
	index := map[string][]string{}
	var bOrder []string
	for _, rec := range b.Records {
		key, whole := recordKey(rec, bKeys)
		if whole {
			report.Excluded++
			continue
		}
		if _, dup := index[key]; dup {
			return nil, nil, fmt.Errorf("table B: duplicate key %s", key)
		}
		index[key] = rec
		bOrder = append(bOrder, key)
	}

	out := &Table{Header: appendCopy(a.Header, b.Header[last])}
	used := map[string]bool{}
	seenA := map[string]bool{}
	aRows := 0
	var unmatched []string
	for _, rec := range a.Records {
		key, whole := recordKey(rec, aKeys)
		if whole {
			report.Excluded++
			continue
		}
		aRows++
		if seenA[key] {
			return nil, nil, fmt.Errorf("table A: duplicate key %s", key)
		}
		seenA[key] = true
		match, ok := index[key]
		if !ok {
			unmatched = append(unmatched, key)
			continue
		}
		used[key] = true
		out.Records = append(out.Records, appendCopy(rec, field(match, last)))
	}
	for _, key := range bOrder {
		if !used[key] {
			unmatched = append(unmatched, key)
		}
	}

	if len(unmatched) > 0 {
		if !partial {
			return nil, nil, &RowCountMismatchError{A: aRows, B: len(index), Unmatched: unmatched}
		}
		report.Unmatched = unmatched
	}
	report.Rows = out.Len()
	return out, report, nil
}

// Merge picks the join strategy from opts.
func Merge(a, b *Table, opts Options) (*Table, *Report, error) {
	mode := opts.Mode
	if mode == Auto {
		mode = Positional
		if hasKeys(a) && hasKeys(b) {
			mode = Keyed
		}
	}
	if mode == Keyed {
		return MergeKeyed(a, b, opts.Partial)
	}
	out, err := MergePositional(a, b)
	if err != nil {
		return nil, nil, err
	}
	return out, &Report{Mode: Positional, Rows: out.Len()}, nil
}

// MergeFiles merges two CSV files into outPath. Nothing is written when the merge fails.
func MergeFiles(aPath, bPath, outPath string, opts Options) (*Report, error) {
	a, err := Read(aPath)
	if err != nil {
		return nil, err
	}
	b, err := Read(bPath)
	if err != nil {
		return nil, err
	}
	out, report, err := Merge(a, b, opts)
	if err != nil {
		return nil, err
	}
	if err := out.Write(outPath); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	return report, nil
}

func hasKeys(t *Table) bool {
	_, err := keyColumns(t)
	return err == nil
}

func keyColumns(t *Table) ([2]int, error) {
	s, i := t.Column(SourceColumn), t.Column(InstanceColumn)
	if s < 0 || i < 0 {
		return [2]int{}, fmt.Errorf("missing %s/%s key columns", SourceColumn, InstanceColumn)
	}
	return [2]int{s, i}, nil
}

// recordKey returns the join key and whether the row describes a whole frame.
func recordKey(rec []string, cols [2]int) (string, bool) {
	source, inst := field(rec, cols[0]), field(rec, cols[1])
	if n, err := strconv.Atoi(inst); err == nil && n < 0 {
		return "", true
	}
	return source + "#" + inst, false
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func appendCopy(rec []string, extra string) []string {
	out := make([]string, 0, len(rec)+1)
	out = append(out, rec...)
	return append(out, extra)
}
