package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	minitime "github.com/minitime/minitime"
	"github.com/minitime/minitime/checkpoint"
	cppostgres "github.com/minitime/minitime/checkpoint/postgres"
	cpsqlite "github.com/minitime/minitime/checkpoint/sqlite"
	"github.com/minitime/minitime/internal/auth"
	"github.com/minitime/minitime/internal/config"
	"github.com/minitime/minitime/internal/httpapi"
	"github.com/minitime/minitime/internal/userdata"
	"github.com/minitime/minitime/observer"
	"github.com/minitime/minitime/provider/openaicompat"
)

func main() {
	ctx := context.Background()

	// 1. Config + logging
	cfg, err := config.Load(os.Getenv("MINITIME_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var tracer minitime.Tracer
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx, "minitime-agent")
		if err != nil {
			log.Fatal(err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}

	// 2. Model provider
	provider := openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
		openaicompat.WithLogger(logger))

	// 3. Checkpoint store
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// 4. Tool providers
	registry := minitime.NewRegistry(logger)
	specs := make([]minitime.ProviderSpec, 0, len(cfg.Tools.Groups))
	for _, group := range cfg.Tools.Groups {
		specs = append(specs, minitime.ProviderSpec{
			Group:   group,
			Command: cfg.Tools.ToolboxCommand,
			Args:    []string{group},
			Env:     []string{"MINITIME_CONFIG=" + os.Getenv("MINITIME_CONFIG")},
		})
	}
	if err := registry.Launch(ctx, specs); err != nil {
		log.Fatal(err)
	}
	defer registry.Close()

	// 5. Agent runtime
	profiles := userdata.New(filepath.Join(cfg.Server.DataDir, "users"), logger)
	prompts := minitime.NewPromptBuilder(registry.Names(), profiles)
	invoker := minitime.NewInvoker(registry, logger, tracer)
	exec := minitime.NewExecutor(provider, registry, invoker, prompts, store,
		minitime.WithLogger(logger),
		minitime.WithTracer(tracer),
		minitime.WithMaxIterations(cfg.Agent.MaxIterations),
		minitime.WithVision(cfg.LLM.Vision))
	sessions := minitime.NewSessionManager(exec, logger)

	// 6. HTTP surface
	authn, err := auth.New(cfg.Server.UsersFile, cfg.Server.InternalToken)
	if err != nil {
		log.Fatal(err)
	}
	api := httpapi.NewServer(sessions, registry, authn, cfg.LLM.TTSEndpoint, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("agent listening", "addr", addr, "tools", len(registry.Names()))
	log.Fatal(http.ListenAndServe(addr, api.Router()))
}

func openStore(ctx context.Context, cfg config.Config) (checkpoint.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := cppostgres.New(pool)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		store := cpsqlite.New(cfg.Storage.SQLitePath)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
}
