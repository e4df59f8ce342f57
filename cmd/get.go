package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidq/internal/engine"
	"github.com/tanq16/vidq/internal/output"
	"github.com/tanq16/vidq/internal/scheduler"
)

func newGetCmd() *cobra.Command {
	var title, merge string
	var priority int

	cmd := &cobra.Command{
		Use:   "get [URL]... [OPTIONS]",
		Short: "Download one or more sources (http, https, s3 or m3u8)",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var jobs []scheduler.Job
			for _, link := range args {
				jobs = append(jobs, scheduler.Job{Link: link, Priority: priority})
			}
			if len(jobs) == 1 {
				jobs[0].Title = title
				jobs[0].Merge = merge
			}
			if err := runJobs(cmd, jobs); err != nil {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Title for the download (single source only)")
	cmd.Flags().StringVar(&merge, "merge", "", "Merge all parts into this file (single source only)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Queue priority, lower values start first")
	return cmd
}

// runJobs runs jobs to completion with a live terminal display.
func runJobs(cmd *cobra.Command, jobs []scheduler.Job) error {
	quietLogs()
	display := output.NewManager(os.Stdout)
	e, _, err := newEngine(cmd, engine.WithObserver(display))
	if err != nil {
		output.PrintError(err.Error())
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	e.Start(ctx)
	display.StartDisplay()

	_, runErr := scheduler.Run(ctx, e, display, jobs, workers)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		output.PrintWarning("Shutdown incomplete: " + err.Error())
	}
	display.Close()
	return runErr
}
