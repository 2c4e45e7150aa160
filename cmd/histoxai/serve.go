package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"histoxai/internal/httpapi"
	"histoxai/internal/manager"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load every model and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address, e.g. :8000")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := a.newManager()
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close models")
		}
	}()
	// An empty registry is a configuration error; refuse to start.
	if _, err := mgr.Models(ctx); err != nil {
		if manager.IsNoModelsLoaded(err) {
			a.log.Error().Str("models_dir", a.cfg.ModelsDir).Msg("no models loaded")
		}
		return err
	}

	httpapi.SetLogger(a.log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(a.cfg.HTTP.MaxBodyBytes)
	httpapi.SetRequestTimeoutSeconds(a.cfg.HTTP.RequestTimeoutSeconds)
	httpapi.SetCORSOptions(a.cfg.HTTP.CORSOrigins, nil, nil)

	var assistant httpapi.Assistant
	if svc := a.newAssistant(); svc != nil {
		assistant = svc
	}
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           httpapi.NewMux(mgr, assistant),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.Addr).Str("models_dir", a.cfg.ModelsDir).Msg("histoxai listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
