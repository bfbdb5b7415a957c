package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	predictOpts Options
	masksOpts   Options
	bboxOpts    Options
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Save an annotated <name>_predicted.png for every image",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runImages(cmd.Context(), cmd, "predict", predictOpts)
	},
}

var masksCmd = &cobra.Command{
	Use:   "masks",
	Short: "Save instance masks and write their contour areas to all_contour_areas.csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runImages(cmd.Context(), cmd, "masks", masksOpts)
	},
}

var bboxCmd = &cobra.Command{
	Use:   "bbox",
	Short: "Save numbered box images and write box sizes to all_bbox_data.csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runImages(cmd.Context(), cmd, "bbox", bboxOpts)
	},
}

func init() {
	addImageFlags(predictCmd, &predictOpts)
	addImageFlags(masksCmd, &masksOpts)
	addImageFlags(bboxCmd, &bboxOpts)
	rootCmd.AddCommand(predictCmd, masksCmd, bboxCmd)
}

func runImages(ctx context.Context, cmd *cobra.Command, command string, opts Options) error {
	j, closeDetector, err := newImageJob(ctx, cmd, command, opts)
	if err != nil {
		return err
	}
	defer closeDetector()
	_, err = j.execute(ctx)
	return err
}
