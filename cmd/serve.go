package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidq/internal/output"
	"github.com/tanq16/vidq/internal/scheduler"
	"github.com/tanq16/vidq/internal/server"
)

func newServeCmd() *cobra.Command {
	var listen, batchFile string
	var watchInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve [OPTIONS]",
		Short: "Run the engine with an HTTP API and a websocket event stream",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			e, cfg, err := newEngine(cmd)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			e.Start(ctx)
			output.PrintHeader("vidq engine running")
			output.PrintDetail("  api:        http://" + listen + "/api/tasks")
			output.PrintDetail("  events:     ws://" + listen + "/ws")
			output.PrintDetail("  output dir: " + cfg.OutputDir)

			if batchFile != "" {
				output.PrintDetail("  watching:   " + batchFile)
				go scheduler.Watch(ctx, e, batchFile, watchInterval)
			}

			srvErr := server.New(listen, e).Run(ctx)
			if srvErr != nil {
				output.PrintError("Server stopped: " + srvErr.Error())
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				output.PrintWarning("Shutdown incomplete: " + err.Error())
			}
			if srvErr != nil {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "localhost:8080", "Address for the HTTP API")
	cmd.Flags().StringVar(&batchFile, "batch", "", "YAML batch file to watch for new downloads")
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 10*time.Second, "How often the batch file is re-read")
	return cmd
}
