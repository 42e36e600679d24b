package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kleeedolinux/gobansocket/debug"
	"github.com/kleeedolinux/gobansocket/internal/config"
)

// Version information set at build time.
var (
	commit = "none"
	date   = "unknown"
)

type globalFlags struct {
	configPath string
	debug      bool
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "gobansocket",
		Short: "Game socket worker, proxy client and termination server",
		Long: `gobansocket runs the game socket inside an isolated worker and talks to
it through a drop-in proxy.

  worker    serve the socket host protocol on stdin/stdout
  serve     run a local termination server
  connect   connect through a worker and report latency`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "log wire-level traces")

	rootCmd.AddCommand(
		workerCmd(flags),
		serveCmd(flags),
		connectCmd(flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// setup loads the config and installs the default logger. Logs always go
// to stderr, since the worker command owns stdout.
func setup(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, _, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger(cfg, flags.debug)
	return cfg, logger, nil
}

func newLogger(cfg *config.Config, debugFlag bool) *slog.Logger {
	level := cfg.LogLevel()
	if debugFlag {
		level = slog.LevelDebug
		debug.Enable()
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Log.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	debug.SetLogger(logger)
	return logger
}
