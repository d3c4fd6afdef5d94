package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/gateway"
	"github.com/dskow/bank-gateway/internal/logging"
	"github.com/dskow/bank-gateway/internal/tlsutil"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Gateway.Routes),
		"public_paths", len(cfg.Gateway.PublicPaths),
		"discovery", cfg.Discovery.Provider,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"tracing_enabled", cfg.Tracing.Enabled,
		"tls_enabled", cfg.Server.TLS.Enabled,
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	reloader := config.NewReloader(configPath, cfg, logger)

	gw, err := gateway.New(cfg, gateway.Options{Logger: logger, Config: reloader})
	if err != nil {
		return err
	}

	reloader.OnReload(gw.Apply)
	reloader.Start()
	defer reloader.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.Server.TLS.Enabled {
		certs, err := tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		defer certs.Stop()
		srv.TLSConfig = tlsutil.ServerConfig(cfg.Server.TLS, certs)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting gateway", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		if cfg.Server.TLS.Enabled {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			gw.Close(context.Background()) //nolint:errcheck
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	shutdownErr := srv.Shutdown(shutdownCtx)
	closeErr := gw.Close(shutdownCtx)
	if err := errors.Join(shutdownErr, closeErr); err != nil {
		logger.Error("forced shutdown", "error", err)
		return err
	}

	logger.Info("gateway stopped gracefully")
	return nil
}
