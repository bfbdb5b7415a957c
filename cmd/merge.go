package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmetric/segmetric/internal/table"
	"github.com/segmetric/segmetric/internal/utils"
	"github.com/spf13/cobra"
)

var (
	mergeDir        string
	mergeA          string
	mergeB          string
	mergeOutput     string
	mergePositional bool
	mergePartial    bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge the bbox and contour area tables into merged_dataframe.csv",
	Long: "Joins two measurement tables on (Source, Instance). Whole-frame rows are left out.\n" +
		"With --positional, rows are paired by position and the row counts must match.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMerge(cmd.Context())
	},
}

func init() {
	mergeCmd.Flags().StringVarP(&mergeDir, "dir", "d", ".", "Folder holding the tables")
	mergeCmd.Flags().StringVar(&mergeA, "bbox", "", "First table (default: <dir>/"+table.BBoxFile+")")
	mergeCmd.Flags().StringVar(&mergeB, "contours", "", "Second table, its last column is appended (default: <dir>/"+table.ContourFile+")")
	mergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "", "Merged table (default: <dir>/"+table.MergedFile+")")
	mergeCmd.Flags().BoolVar(&mergePositional, "positional", false, "Pair rows by position instead of by key")
	mergeCmd.Flags().BoolVar(&mergePartial, "partial", false, "Write the matching rows instead of failing when keys diverge")
	rootCmd.AddCommand(mergeCmd)
}

func validateMergeFlags() error {
	if mergeA == "" {
		mergeA = filepath.Join(mergeDir, table.BBoxFile)
	}
	if mergeB == "" {
		mergeB = filepath.Join(mergeDir, table.ContourFile)
	}
	if mergeOutput == "" {
		mergeOutput = filepath.Join(mergeDir, table.MergedFile)
	}
	for _, p := range []string{mergeA, mergeB} {
		if _, err := os.Stat(p); err != nil {
			utils.ShowError("Input table is missing", err, nil)
			return err
		}
	}
	if mergePositional && mergePartial {
		err := errors.New("--partial only applies to keyed merges")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	return nil
}

func runMerge(ctx context.Context) error {
	if err := validateMergeFlags(); err != nil {
		return err
	}
	opts := table.Options{Partial: mergePartial}
	if mergePositional {
		opts.Mode = table.Positional
	}
	report, err := table.MergeFiles(mergeA, mergeB, mergeOutput, opts)
	if err != nil {
		var mismatch *table.RowCountMismatchError
		if errors.As(err, &mismatch) {
			utils.ShowError("Tables describe different instances, nothing was written", err, nil)
		} else {
			utils.ShowError("Merge failed", err, nil)
		}
		return err
	}
	if len(report.Unmatched) > 0 {
		Log.Warnf("Merge left out %d unmatched instances (first: %s)", len(report.Unmatched), report.Unmatched[0])
	}
	fmt.Fprintf(os.Stderr, "📊 Merged %d rows into %s\n", report.Rows, mergeOutput)
	return nil
}
