package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmetric/segmetric/internal/artifact"
	"github.com/segmetric/segmetric/internal/config"
	"github.com/segmetric/segmetric/internal/framesource"
	"github.com/segmetric/segmetric/internal/runner"
	"github.com/segmetric/segmetric/internal/table"
	"github.com/segmetric/segmetric/internal/utils"
	"github.com/spf13/cobra"
)

var (
	segmentOpts    Options
	segmentRepeat  int
	segmentNoMerge bool
	segmentPartial bool
)

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Predict, extract masks and measure boxes for a folder of images, then merge the tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSegment(cmd.Context(), cmd, segmentOpts)
	},
}

func init() {
	addImageFlags(segmentCmd, &segmentOpts)
	segmentCmd.Flags().IntVar(&segmentRepeat, "repeat", 1, "Run the same pipeline this many times (each run resets the previous one)")
	segmentCmd.Flags().BoolVar(&segmentNoMerge, "no-merge", false, "Skip merging the bbox and contour tables")
	segmentCmd.Flags().BoolVar(&segmentPartial, "partial", false, "Write the matching rows instead of failing when the tables diverge")
	rootCmd.AddCommand(segmentCmd)
}

// addImageFlags registers the flags of the image folder commands.
func addImageFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.InputPath, "input", "i", "", "Folder of .jpg/.jpeg/.png images")
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", "", "Output folder (default: the input folder)")
	addModelFlags(cmd, opts)
	cmd.MarkFlagRequired("input")
}

func validateImageFlags(cmd *cobra.Command, opts *Options) (config.Config, error) {
	cfg := toConfig(cmd, *opts)
	if err := cfg.ValidateImages(); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return cfg, err
	}
	if err := cfg.PrepareOutput(); err != nil {
		utils.ShowError("Unable to create output folder", err, nil)
		return cfg, err
	}
	return cfg, nil
}

// imageStages builds the stages for one of the image commands.
func imageStages(command string, w *artifact.Writer) []runner.Stage {
	switch command {
	case "predict":
		return []runner.Stage{runner.NewPredictStage(w)}
	case "masks":
		return []runner.Stage{&runner.MaskStage{Writer: w, Log: Log}}
	case "bbox":
		return []runner.Stage{&runner.BBoxStage{Writer: w}}
	}
	return []runner.Stage{runner.NewPredictStage(w), &runner.MaskStage{Writer: w, Log: Log}, &runner.BBoxStage{Writer: w}}
}

// newImageJob validates flags, starts the model and builds the job. The caller closes the detector.
func newImageJob(ctx context.Context, cmd *cobra.Command, command string, opts Options) (*job, func(), error) {
	cfg, err := validateImageFlags(cmd, &opts)
	if err != nil {
		return nil, nil, err
	}
	det, err := startDetector(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	writer := artifact.NewWriter(artifact.NewNamer(cfg.OutputDir), Log, runMetrics)
	open := func(context.Context) (framesource.Source, error) {
		return framesource.OpenImageFolder(cfg.InputPath)
	}
	j, err := newJob(command, cfg, det, writer, open, false, imageStages(command, writer)...)
	if err != nil {
		det.Close()
		return nil, nil, err
	}
	fmt.Fprintf(os.Stderr, "📂 %s: %s -> %s\n", command, cfg.InputPath, cfg.OutputDir)
	return j, func() { det.Close() }, nil
}

func runSegment(ctx context.Context, cmd *cobra.Command, opts Options) error {
	if segmentRepeat < 1 {
		err := fmt.Errorf("must be >= 1, got %d", segmentRepeat)
		utils.ShowError("Invalid repeat count", err, nil)
		return err
	}
	j, closeDetector, err := newImageJob(ctx, cmd, "segment", opts)
	if err != nil {
		return err
	}
	defer closeDetector()

	var summary runner.Summary
	for i := 0; i < segmentRepeat; i++ {
		if i > 0 {
			if err := j.run.Reset(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "🔁 Repeat %d/%d\n", i+1, segmentRepeat)
		}
		summary, err = j.execute(ctx)
		if err != nil {
			return err
		}
		if summary.State != runner.Completed {
			return nil
		}
	}

	if segmentNoMerge {
		return nil
	}
	return mergeTables(j.cfg.OutputDir, table.Options{Partial: segmentPartial})
}

// mergeTables merges the bbox and contour tables of dir into the merged table.
func mergeTables(dir string, opts table.Options) error {
	a := filepath.Join(dir, table.BBoxFile)
	b := filepath.Join(dir, table.ContourFile)
	out := filepath.Join(dir, table.MergedFile)
	report, err := table.MergeFiles(a, b, out, opts)
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
	mode := "keyed"
	if report.Mode == table.Positional {
		mode = "positional"
	}
	fmt.Fprintf(os.Stderr, "📊 Merged %d rows (%s) into %s\n", report.Rows, mode, out)
	return nil
}
