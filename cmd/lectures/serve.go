package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UniQw/uniqw-lectures/internal/app"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string
	var triggerStages string
	var workerStages string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API.

--trigger accepts queue-trigger deliveries for the listed stages on
POST /stages/{stage}. --workers also consumes the listed stage queues in
this process, which is convenient for local development.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := ctx.ensureApp(signalCtx, false)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.HTTP.Addr
			}

			stages, err := selectStages(triggerStages, workerStages)
			if err != nil {
				return err
			}
			if err := a.RegisterStages(stages); err != nil {
				return err
			}
			if workerStages != "" {
				consumed, err := app.ParseStages(workerStages)
				if err != nil {
					return err
				}
				srv := a.QueueServer(consumed)
				srv.Start()
				defer srv.Stop()
			}

			return serveHTTP(signalCtx, addr, a.HTTPHandler(), a.Log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to http.addr)")
	cmd.Flags().StringVar(&triggerStages, "trigger", "", "Comma-separated stages accepted on /stages/{stage}")
	cmd.Flags().StringVar(&workerStages, "workers", "", "Comma-separated stage queues to consume in-process")
	return cmd
}

// selectStages merges the stage lists that need a registered runner. Empty
// lists select nothing here.
func selectStages(lists ...string) ([]string, error) {
	var out []string
	for _, list := range lists {
		if list == "" {
			continue
		}
		stages, err := app.ParseStages(list)
		if err != nil {
			return nil, err
		}
		for _, s := range stages {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	logger.Info("api server listening", zap.String("address", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	logger.Info("api server stopped")
	return nil
}
