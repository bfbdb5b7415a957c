package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/segmetric/segmetric/internal/table"
	"github.com/segmetric/segmetric/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetArchive bool
	resetOutputs string
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the run archive and/or generated output files",
	Long: "Without flags, only the run archive is cleared. Use --outputs <dir> to delete the images,\n" +
		"videos and tables a previous run generated in that folder. Inputs are never touched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !resetArchive && resetOutputs == "" {
			resetArchive = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetArchive {
			if DB == nil {
				utils.ShowError("Cannot clear the archive", errNoArchive, nil)
				return errNoArchive
			}
			if resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all archived runs?") {
				fmt.Println("🗑️  Clearing run archive...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset archive", err, nil)
					return err
				}
			}
		}

		if resetOutputs != "" {
			files, err := generatedFiles(resetOutputs)
			if err != nil {
				utils.ShowError("Failed to read output folder", err, nil)
				return err
			}
			if len(files) == 0 {
				fmt.Println("Nothing to delete.")
			} else if resetYes || confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete %d generated files in %s?", len(files), resetOutputs)) {
				fmt.Println("🗑️  Clearing generated files...")
				for _, f := range files {
					removeFile(f)
				}
			}
		}

		fmt.Println("✨ Reset complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetArchive, "archive", false, "Clear the run archive")
	resetCmd.Flags().StringVar(&resetOutputs, "outputs", "", "Delete generated images, videos and tables from this folder")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

// generatedPattern matches artifact names, including the "-N" suffix added on reruns.
var generatedPattern = regexp.MustCompile(`(_predicted|_mask_\d+|_masks|_bbox|_output)(-\d+)?\.(png|avi)$`)

var generatedTables = map[string]bool{
	table.BBoxFile:    true,
	table.ContourFile: true,
	table.MergedFile:  true,
	table.VideoFile:   true,
}

// generatedFiles lists the files in dir that a pipeline run writes.
func generatedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if generatedTables[e.Name()] || generatedPattern.MatchString(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func confirm(r io.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	res, _ := br.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
