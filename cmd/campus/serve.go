package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation while serving its state over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.Validate(); err != nil {
				return err
			}
			if port == 0 {
				port = cfg.Server.Port
			}
			if port == 0 {
				port = 8080
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           a.handler().Router(),
				ReadHeaderTimeout: 10 * time.Second,
				// Event streams end with the process context.
				BaseContext: func(net.Listener) context.Context { return ctx },
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("campus world listening", zap.Int("port", port))
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			simDone := runInBackground(ctx, a)
			for {
				select {
				case err := <-simDone:
					if err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("simulation stopped", zap.Error(err))
					} else if err == nil {
						logger.Info("simulation finished, still serving")
					}
					simDone = nil
				case err := <-serveErr:
					stop()
					if simDone != nil {
						<-simDone
					}
					return fmt.Errorf("http server: %w", err)
				case <-ctx.Done():
					logger.Info("shutting down campus world")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					err := srv.Shutdown(shutdownCtx)
					if simDone != nil {
						<-simDone
					}
					return err
				}
			}
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port, overriding server.port")
	return cmd
}
