package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kleeedolinux/gobansocket/internal/config"
	"github.com/kleeedolinux/gobansocket/socket"
	"github.com/kleeedolinux/gobansocket/tuning"
	"github.com/kleeedolinux/gobansocket/worker"
)

func connectCmd(flags *globalFlags) *cobra.Command {
	var (
		auth  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "connect [url]",
		Short: "Connect through a socket worker and report latency",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, v, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, flags.debug)

			url := cfg.Socket.URL
			if len(args) == 1 {
				url = args[0]
			}

			var spawner worker.Spawner = worker.InProcessSpawner{Logger: logger}
			if cfg.Worker.Mode == "process" {
				spawner = worker.ProcessSpawner{Command: cfg.Worker.Command, Stderr: os.Stderr}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			proxy, err := worker.Dial(ctx, url, cfg.Socket.Options,
				worker.WithSpawner(spawner),
				worker.WithScript(worker.ScriptConfig{
					BundledURL: cfg.Worker.BundledURL,
					BaseURL:    cfg.Worker.BaseURL,
					PageOrigin: cfg.Worker.PageOrigin,
					Version:    cfg.Worker.Version,
				}),
				worker.WithProxyOptions(
					worker.WithLogger(logger),
					worker.WithFatalNotifier(func(err error) {
						fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s (%v)\n", worker.FatalMessage, err)
						stop()
					}),
				),
			)
			if err != nil {
				return err
			}
			defer proxy.Close()

			tuning.Attach(proxy, tuning.WithLogger(logger))

			proxy.On(socket.EventConnect, func(...json.RawMessage) {
				fmt.Printf("\033[32m✓\033[0m connected to %s\n", url)
			})
			proxy.On(socket.EventDisconnect, func(...json.RawMessage) {
				fmt.Println("  disconnected")
			})
			proxy.On(socket.EventLatency, func(args ...json.RawMessage) {
				var latency, drift float64
				socket.DecodeArg(args, 0, &latency)
				socket.DecodeArg(args, 1, &drift)
				opts := proxy.Options()
				fmt.Printf("  latency %.0fms  drift %.0fms  ping_interval %d  timeout_delay %d\n",
					latency, drift, opts.PingInterval, opts.TimeoutDelay)
			})
			proxy.On(socket.EventError, func(args ...json.RawMessage) {
				var desc string
				socket.DecodeArg(args, 0, &desc)
				fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m socket error: %s\n", desc)
			})

			if auth != "" {
				if !json.Valid([]byte(auth)) {
					return fmt.Errorf("--auth must be valid JSON")
				}
				proxy.Authenticate(json.RawMessage(auth))
			}

			if watch && flags.configPath != "" {
				config.WatchOptions(v, cfg.Socket.Options, proxy.SetOptions, logger)
			}

			<-ctx.Done()
			proxy.Disconnect()
			return nil
		},
	}

	cmd.Flags().StringVar(&auth, "auth", "", "authentication payload as JSON")
	cmd.Flags().BoolVar(&watch, "watch", false, "apply socket option changes from the config file live")

	return cmd
}
