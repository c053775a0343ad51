package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	minitime "github.com/minitime/minitime"
	"github.com/minitime/minitime/internal/config"
	"github.com/minitime/minitime/oasis"
	"github.com/minitime/minitime/observer"
	"github.com/minitime/minitime/provider/openaicompat"
)

func main() {
	cfg, err := config.Load(os.Getenv("MINITIME_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var tracer minitime.Tracer
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(context.Background(), "minitime-forum")
		if err != nil {
			log.Fatal(err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}

	provider := openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
		openaicompat.WithLogger(logger))

	roster, err := oasis.NewRoster(cfg.Forum.ExpertsFile, cfg.Forum.CustomDir)
	if err != nil {
		log.Fatal(err)
	}

	agentURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	server := oasis.NewServer(roster, provider, agentURL, cfg.Server.InternalToken, logger, tracer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Forum.Port)
	logger.Info("forum listening", "addr", addr)
	log.Fatal(http.ListenAndServe(addr, server.Router()))
}
