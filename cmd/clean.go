package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidq/internal/output"
	"github.com/tanq16/vidq/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [DIR]",
		Short: "Remove leftover temporary part files",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			} else if cfg, err := loadConfig(cmd); err == nil {
				dir = cfg.OutputDir
			}
			if err := utils.Clean(dir); err != nil {
				output.PrintError("Error cleaning up temporary files: " + err.Error())
				os.Exit(1)
			}
			output.PrintSuccess("Temporary files cleaned up")
		},
	}
}
