package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/segmetric/segmetric/internal/artifact"
	"github.com/segmetric/segmetric/internal/config"
	"github.com/segmetric/segmetric/internal/framesource"
	"github.com/segmetric/segmetric/internal/runner"
	"github.com/segmetric/segmetric/internal/utils"
	"github.com/spf13/cobra"
)

var (
	videoOpts       Options
	videoNoControls bool
)

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "Annotate a video (or a folder of videos) and write per-frame box sizes",
	Long: "Writes <name>_output.avi next to each input and video_bbox_data.csv with one row per box.\n" +
		"While running, type 's' + Enter to skip the rest of the current video or 'q' + Enter to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runVideo(cmd.Context(), cmd, videoOpts)
	},
}

func init() {
	videoCmd.Flags().StringVarP(&videoOpts.InputPath, "input", "i", "", "Video file or folder of .mp4/.avi files")
	videoCmd.Flags().StringVarP(&videoOpts.OutputDir, "output", "o", "", "Output folder (default: next to the input)")
	videoCmd.Flags().IntVarP(&videoOpts.ResizeFactor, "resize", "r", 1, "Divide the output video size by this factor (1-4)")
	videoCmd.Flags().BoolVar(&videoNoControls, "no-controls", false, "Do not read skip/quit commands from stdin")
	addModelFlags(videoCmd, &videoOpts)
	videoCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(videoCmd)
}

func validateVideoFlags(cmd *cobra.Command, opts *Options) (config.Config, error) {
	cfg := toConfig(cmd, *opts)
	if err := cfg.ValidateVideo(); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return cfg, err
	}
	if err := cfg.PrepareOutput(); err != nil {
		utils.ShowError("Unable to create output folder", err, nil)
		return cfg, err
	}
	return cfg, nil
}

func runVideo(ctx context.Context, cmd *cobra.Command, opts Options) error {
	cfg, err := validateVideoFlags(cmd, &opts)
	if err != nil {
		return err
	}
	det, err := startDetector(ctx, cfg)
	if err != nil {
		return err
	}
	defer det.Close()

	writer := artifact.NewWriter(artifact.NewNamer(cfg.OutputDir), Log, runMetrics)
	open := func(ctx context.Context) (framesource.Source, error) {
		src, err := framesource.OpenVideo(ctx, cfg.InputPath)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "🎞️  %d video(s), %d frames\n", len(src.Files()), src.Total())
		return src, nil
	}
	j, err := newJob("video", cfg, det, writer, open, false, runner.NewVideoStage(writer, cfg.ResizeFactor))
	if err != nil {
		return err
	}

	if videoNoControls {
		_, err = j.execute(ctx)
		return err
	}
	fmt.Fprintln(os.Stderr, "⌨️  Type 's' + Enter to skip the current video, 'q' + Enter to stop.")
	_, err = j.executeWithControls(ctx, os.Stdin)
	return err
}
