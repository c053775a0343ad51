package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/minitime/minitime/cron"
	"github.com/minitime/minitime/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("MINITIME_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	agentURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	sched := cron.NewScheduler(agentURL, cfg.Server.InternalToken, cron.WithLogger(logger))
	go sched.Run(context.Background())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Cron.Port)
	logger.Info("cron listening", "addr", addr)
	log.Fatal(http.ListenAndServe(addr, cron.NewServer(sched).Router()))
}
