package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/segmetric/segmetric/internal/measure"
	"github.com/segmetric/segmetric/internal/runner"
	"github.com/segmetric/segmetric/internal/store"
	"github.com/segmetric/segmetric/internal/table"
	"github.com/segmetric/segmetric/internal/utils"
	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Write the tables of an archived run back to CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.ShowError("Invalid run id", err, nil)
			return err
		}
		return runExport(cmd.Context(), DB, id, exportOutput)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", ".", "Folder to write the tables to")
	rootCmd.AddCommand(exportCmd)
}

// tableLayout describes how an archived stage table is laid out on disk.
type tableLayout struct {
	file    string
	name    string
	columns []string
}

var exportLayouts = map[string]tableLayout{
	runner.StageBBox:  {file: table.BBoxFile, columns: measure.BBoxColumns},
	runner.StageMasks: {file: table.ContourFile, name: "Mask", columns: measure.ContourColumns},
	runner.StageVideo: {file: table.VideoFile, columns: measure.BBoxColumns},
}

func runExport(ctx context.Context, db store.Archive, id int64, dir string) error {
	if db == nil {
		utils.ShowError("Cannot export", errNoArchive, nil)
		return errNoArchive
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		utils.ShowError("Unable to create output folder", err, nil)
		return err
	}

	written := 0
	for stage, layout := range exportLayouts {
		rows, err := db.Measurements(ctx, id, stage)
		if err != nil {
			utils.ShowError(fmt.Sprintf("Failed to read %s rows of run %d", stage, id), err, nil)
			return err
		}
		if len(rows) == 0 {
			continue
		}
		path := filepath.Join(dir, layout.file)
		if err := table.FromRows(layout.name, layout.columns, rows).Write(path); err != nil {
			utils.ShowError("Failed to write table", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "📄 %s: %d rows\n", path, len(rows))
		written++
	}
	if written == 0 {
		fmt.Fprintf(os.Stderr, "❌ Run %d has no measurement rows.\n", id)
	}
	return nil
}
