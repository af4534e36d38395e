package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/morphik-org/morphik-core/pkg/agent"
	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/cache"
	"github.com/morphik-org/morphik-core/pkg/config"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/query"
	"github.com/morphik-org/morphik-core/pkg/ratelimit"
	"github.com/morphik-org/morphik-core/pkg/retrieval"
	"github.com/morphik-org/morphik-core/pkg/server"
	"github.com/morphik-org/morphik-core/pkg/tools"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cacheBackend, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer cacheBackend.Close()

	provider, err := llms.New(cfg.Completion.Provider())
	if err != nil {
		return fmt.Errorf("configure completion provider: %w", err)
	}

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return fmt.Errorf("configure token service: %w", err)
	}

	docs := retrieval.New(store, provider)

	toolDeps := tools.Deps{Store: store, Retriever: docs.ToolRetriever()}
	if cfg.Tools.GraphMode == tools.GraphModeAPI {
		toolDeps.GraphClient = tools.NewHTTPGraphClient(cfg.Tools.GraphAPIBase, tokens, nil)
	}
	registry, err := tools.NewRegistry(tools.Options{GraphMode: cfg.Tools.GraphMode}, toolDeps)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	orchestrator := agent.New(provider, registry, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		DebugDir:      cfg.Agent.DebugDir,
	})

	history := query.NewHistory(cacheBackend, store, cfg.Cache.TTL.Std(), logger)

	// Quotas only bite in cloud mode; self-hosted deployments run
	// unmetered but still record usage.
	var limiter *ratelimit.Limiter
	if cfg.IsCloud() {
		limiter = ratelimit.New(ratelimit.NewMemoryStore(), cfg.Quotas.Limits, cfg.Quotas.Enabled)
	}

	pipeline := query.NewPipeline(docs, history, limiter, store, cfg.Agent.DebugDir, logger)

	srv := server.New(cfg, server.Deps{
		Store:        store,
		Tokens:       tokens,
		Pipeline:     pipeline,
		Orchestrator: orchestrator,
		History:      history,
		Retrieval:    docs.HTTPRetrieval(),
		Logger:       logger,
	})

	logger.Info("starting morphik-core",
		"mode", cfg.Mode,
		"storage", cfg.Storage.Driver,
		"cache", cfg.Cache.Backend,
		"model", cfg.Completion.Model)
	return srv.Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		// Default() carries no secret; a server cannot verify tokens
		// without one.
		cfg.Auth.JWTSecret = os.Getenv("MORPHIK_JWT_SECRET")
		if cfg.Auth.JWTSecret == "" {
			return nil, fmt.Errorf("no config file given and MORPHIK_JWT_SECRET is unset")
		}
		return cfg, nil
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (database.Store, error) {
	policy := database.AccessPolicy{CloudMode: cfg.IsCloud()}

	switch cfg.Storage.Driver {
	case "memory":
		return database.NewMemoryStore(policy), nil
	case "postgres", "sqlite":
		driver := cfg.Storage.Driver
		if driver == "sqlite" {
			driver = "sqlite3"
		}
		db, err := sql.Open(driver, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Storage.Driver, err)
		}
		store, err := database.NewSQLStore(db, cfg.Storage.Driver, policy)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize %s store: %w", cfg.Storage.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewMemoryCache(), nil
	case "redis":
		c, err := cache.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
