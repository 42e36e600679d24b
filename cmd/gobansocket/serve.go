package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kleeedolinux/gobansocket/termination"
	"github.com/kleeedolinux/gobansocket/worker"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local termination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Server.Listen
			}

			opts := []termination.ServerOption{
				termination.WithLogger(logger),
				termination.WithHostInfo(map[string]any{"version": worker.Version}),
			}
			if cfg.Server.MaxConnections > 0 {
				opts = append(opts, termination.WithMaxConcurrency(cfg.Server.MaxConnections))
			}
			server := termination.NewServer(opts...)

			httpServer := &http.Server{
				Addr:              listen,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("termination server listening", "addr", listen)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			server.Shutdown(shutdownCtx)
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from config)")

	return cmd
}
