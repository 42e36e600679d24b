package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kleeedolinux/gobansocket/socket"
	"github.com/kleeedolinux/gobansocket/worker"
)

func workerCmd(flags *globalFlags) *cobra.Command {
	var script string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Host the game socket over stdin/stdout",
		Long: `Run the worker side of the socket proxy protocol. Commands are read as
newline-delimited JSON from stdin; events, callbacks and property
snapshots are written to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger = logger.With("script", script, "version", worker.Version)
			logger.Debug("socket worker starting")

			conn := worker.NewStreamConn(os.Stdin, os.Stdout, nil)
			defer conn.Close()

			host := worker.NewHost(conn,
				worker.ClientFactory(socket.WithLogger(logger)),
				worker.WithHostLogger(logger))
			return host.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&script, "script", "", "script location this worker was started for")

	return cmd
}
