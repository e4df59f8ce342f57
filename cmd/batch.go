package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidq/internal/output"
	"github.com/tanq16/vidq/internal/scheduler"
)

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			jobs, err := scheduler.ReadBatch(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			if len(jobs) == 0 {
				output.PrintError("No valid jobs found in the batch file")
				os.Exit(1)
			}
			if err := runJobs(cmd, jobs); err != nil {
				os.Exit(1)
			}
		},
	}
}
