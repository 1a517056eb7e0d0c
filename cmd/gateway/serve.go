package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-doc-gateway/internal/config"
	httpapi "github.com/tbourn/go-doc-gateway/internal/http"
	"github.com/tbourn/go-doc-gateway/internal/observability"
	"github.com/tbourn/go-doc-gateway/internal/sysutil"
)

const shutdownTimeout = 15 * time.Second

var serveFlags struct {
	port     string
	logLevel string
	store    string
	cache    string
	ginMode  string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP gateway",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.port, "port", "", "listen port (overrides PORT)")
	f.StringVar(&serveFlags.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	f.StringVar(&serveFlags.store, "store", "", "document store backend: couch|sqlite (overrides STORE_BACKEND)")
	f.StringVar(&serveFlags.cache, "cache", "", "cache backend: redis|memory (overrides CACHE_BACKEND)")
	f.StringVar(&serveFlags.ginMode, "gin-mode", "", "debug|release|test (overrides GIN_MODE)")
}

// loadConfig reads dotenv files and the environment, then applies flags.
func loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	cfg.Port = sysutil.FirstNonEmpty(serveFlags.port, cfg.Port)
	cfg.LogLevel = sysutil.FirstNonEmpty(serveFlags.logLevel, cfg.LogLevel)
	cfg.Store.Backend = sysutil.FirstNonEmpty(serveFlags.store, cfg.Store.Backend)
	cfg.Cache.Backend = sysutil.FirstNonEmpty(serveFlags.cache, cfg.Cache.Backend)
	cfg.GinMode = sysutil.FirstNonEmpty(serveFlags.ginMode, cfg.GinMode)
	return cfg, cfg.Validate()
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version,
		attribute.String("db.name", cfg.DBName),
		attribute.String("gateway.store", cfg.Store.Backend),
	)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, app.deps, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.Store.Backend).
			Str("cache", cfg.Cache.Backend).
			Bool("cache_enabled", cfg.Cache.Enabled).
			Bool("anonymize", cfg.Anonymize).
			Str("version", version).
			Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return nil
}
