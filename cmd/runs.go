package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/segmetric/segmetric/internal/store"
	"github.com/segmetric/segmetric/internal/utils"
	"github.com/spf13/cobra"
)

var runsLimit int

var errNoArchive = errors.New("no run archive configured (use --db or set SEGMETRIC_DB)")

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List archived runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			utils.ShowError("Cannot list runs", errNoArchive, nil)
			return errNoArchive
		}
		runs, err := DB.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			utils.ShowError("Failed to list runs", err, nil)
			return err
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
	rootCmd.AddCommand(runsCmd)
}

func printRuns(out io.Writer, runs []store.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs archived yet.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMAND\tSTATE\tFRAMES\tROWS\tINPUT\tFINISHED")
	fmt.Fprintln(w, "--\t-------\t-----\t------\t----\t-----\t--------")

	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Command, r.State, r.Frames, r.Rows, r.Input, r.FinishedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
