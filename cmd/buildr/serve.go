package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyruslayo/buildr/internal/auth"
	"github.com/cyruslayo/buildr/internal/config"
	"github.com/cyruslayo/buildr/internal/feed"
	"github.com/cyruslayo/buildr/internal/mcpserver"
	"github.com/cyruslayo/buildr/internal/reconcile"
	"github.com/cyruslayo/buildr/internal/server"
	"github.com/cyruslayo/buildr/internal/state"
	"github.com/cyruslayo/buildr/internal/store"
	"github.com/cyruslayo/buildr/internal/wizard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the draft API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}

			if err := cfg.ValidateServer(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	users, err := auth.ParseUsers(cfg.AuthUsers)
	if err != nil {
		return fmt.Errorf("parsing AUTH_USERS: %w", err)
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	if err != nil {
		return err
	}

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	broker, closeBroker := openBroker(cfg, logger)
	defer closeBroker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := feed.NewHub(broker, feed.NewMetrics(reg), logger)

	svc := reconcile.NewService(repo, reconcile.Options{
		AllowedFields: wizard.Default().FieldNames(),
		Notifier:      hub,
		Metrics:       reconcile.NewMetrics(reg),
	}, logger)

	deps := server.Deps{
		Service:  svc,
		Issuer:   issuer,
		Users:    users,
		Feed:     hub,
		Gatherer: reg,
		Logger:   logger,
	}

	if cfg.EnableMCP {
		deps.MCP = mcpserver.NewHandler(svc, Version)
	}

	httpServer := server.NewHTTPServer(cfg.ListenAddr, server.NewRouter(deps))

	logger.Info("buildr server starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("backend", cfg.DraftBackend),
		slog.Bool("redis", cfg.RedisAddr != ""),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Int("users", len(users)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("change feed: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openRepository opens the configured record store. The returned func
// releases it.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (reconcile.Repository, func(), error) {
	if cfg.DraftBackend == config.BackendMySQL {
		db, err := store.NewMySQL(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}

		if err := store.ApplyMigrations(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}

		logger.Info("draft records in mysql")

		return store.NewDrafts(db), func() { db.Close() }, nil
	}

	var (
		st  *state.State
		err error
	)

	if cfg.BoltPath != "" {
		st, err = state.LoadAt(cfg.BoltPath)
	} else {
		st, err = state.Load()
	}

	if err != nil {
		return nil, nil, fmt.Errorf("opening draft database: %w", err)
	}

	logger.Info("draft records in bolt", slog.Int("drafts", st.DraftCount()))

	return st, func() { st.Close() }, nil
}

// openBroker fans feed events through Redis when it is configured and
// keeps them in-process otherwise.
func openBroker(cfg *config.Config, logger *slog.Logger) (feed.Broker, func()) {
	if cfg.RedisAddr == "" {
		return feed.NewLocalBroker(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return feed.NewRedisBroker(rdb, feed.DefaultChannel, logger), func() { rdb.Close() }
}
