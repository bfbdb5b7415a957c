package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmetric/segmetric/internal/artifact"
	"github.com/segmetric/segmetric/internal/framesource"
	"github.com/segmetric/segmetric/internal/runner"
	"github.com/segmetric/segmetric/internal/utils"
	"github.com/spf13/cobra"
)

var (
	cameraOpts   Options
	cameraDevice int
	cameraWidth  int
	cameraHeight int
	cameraRecord string
)

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Run live segmentation on a capture device",
	Long: "Frames are annotated and shown on the preview server (see --preview-addr).\n" +
		"Use --record to also save the raw stream. Type 'q' + Enter or press Ctrl+C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCamera(cmd.Context(), cmd, cameraOpts)
	},
}

func init() {
	cameraCmd.Flags().IntVar(&cameraDevice, "device", 0, "Capture device index")
	cameraCmd.Flags().IntVar(&cameraWidth, "width", 640, "Requested frame width")
	cameraCmd.Flags().IntVar(&cameraHeight, "height", 480, "Requested frame height")
	cameraCmd.Flags().StringVar(&cameraRecord, "record", "", "Save the raw camera stream to this file")
	addModelFlags(cameraCmd, &cameraOpts)
	rootCmd.AddCommand(cameraCmd)
}

func runCamera(ctx context.Context, cmd *cobra.Command, opts Options) error {
	cfg := toConfig(cmd, opts)
	if err := cfg.ValidateModel(); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if cameraWidth <= 0 || cameraHeight <= 0 {
		err := fmt.Errorf("frame size must be positive, got %dx%d", cameraWidth, cameraHeight)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if hub == nil {
		fmt.Fprintln(os.Stderr, "⚠️  No --preview-addr given, frames will not be shown")
	}

	det, err := startDetector(ctx, cfg)
	if err != nil {
		return err
	}
	defer det.Close()

	dir := "."
	if cameraRecord != "" {
		dir = filepath.Dir(cameraRecord)
	}
	writer := artifact.NewWriter(artifact.NewNamer(dir), Log, runMetrics)
	stages := []runner.Stage{&runner.PredictStage{Writer: writer}}
	if cameraRecord != "" {
		stages = append(stages, &runner.RecordStage{Writer: writer, File: filepath.Base(cameraRecord)})
	}
	open := func(context.Context) (framesource.Source, error) {
		return framesource.OpenCamera(cameraDevice, cameraWidth, cameraHeight)
	}
	j, err := newJob("camera", cfg, det, writer, open, true, stages...)
	if err != nil {
		return err
	}
	_, err = j.executeWithControls(ctx, os.Stdin)
	return err
}
