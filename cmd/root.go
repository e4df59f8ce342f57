package cmd

import (
	"fmt"
	"io"
	u "net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/engine"
	"github.com/tanq16/vidq/internal/utils"
)

var (
	configPath    string
	debug         bool
	logFile       string
	outputDir     string
	maxConcurrent int
	workers       int
	timeout       time.Duration
	userAgent     string
	proxyURL      string
	headers       []string
	bandwidth     int64
)

var VidqVersion = "dev"

var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:     "vidq",
	Short:   "vidq is a download orchestration engine for video sources",
	Version: VidqVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logFile == "" {
			utils.InitLogger(debug)
			return nil
		}
		closer, err := utils.InitFileLogger(debug, logFile)
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write JSON logs to this file instead of the terminal")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "Output directory")
	rootCmd.PersistentFlags().IntVarP(&maxConcurrent, "max-concurrent", "m", 0, "Maximum concurrent downloads")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 4, "Number of sources resolved in parallel")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 0, "Connection timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", "", "User agent")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.PersistentFlags().Int64Var(&bandwidth, "limit-rate", 0, "Bandwidth limit in bytes per second shared by all downloads")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// loadConfig reads --config and applies the flags the user set on top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.OutputDir = outputDir
	}
	if flags.Changed("max-concurrent") {
		cfg.Queue.MaxConcurrent = maxConcurrent
	}
	if flags.Changed("timeout") {
		cfg.HTTP.Timeout = timeout
	}
	if flags.Changed("user-agent") {
		cfg.HTTP.UserAgent = userAgent
	}
	if flags.Changed("limit-rate") {
		cfg.HTTP.BandwidthLimit = bandwidth
	}
	if flags.Changed("proxy") {
		// credentials embedded in the proxy URL go to the client separately
		parsed, err := u.Parse(proxyURL)
		if err == nil && parsed.User != nil {
			cfg.HTTP.ProxyUsername = parsed.User.Username()
			if password, set := parsed.User.Password(); set {
				cfg.HTTP.ProxyPassword = password
			}
			parsed.User = nil
			proxyURL = parsed.String()
		}
		cfg.HTTP.ProxyURL = proxyURL
	}
	if len(headers) > 0 {
		if cfg.HTTP.Headers == nil {
			cfg.HTTP.Headers = map[string]string{}
		}
		for k, v := range utils.ParseHeaderArgs(headers) {
			cfg.HTTP.Headers[k] = v
		}
	}
	return cfg, cfg.Validate()
}

// quietLogs keeps info logs from tearing through the live display.
func quietLogs() {
	if !debug && logFile == "" {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

func newEngine(cmd *cobra.Command, opts ...engine.Option) (*engine.Engine, config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	e, err := engine.New(cfg, opts...)
	return e, cfg, err
}
