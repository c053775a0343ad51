// toolbox is the tool-provider subprocess. The agent launches one
// instance per group; the group name is the single argument. Tools are
// served over stdin/stdout, so logs go to stderr only.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minitime/minitime/internal/config"
	"github.com/minitime/minitime/toolprovider/commander"
	"github.com/minitime/minitime/toolprovider/filemanager"
	"github.com/minitime/minitime/toolprovider/forum"
	"github.com/minitime/minitime/toolprovider/push"
	"github.com/minitime/minitime/toolprovider/scheduler"
	"github.com/minitime/minitime/toolprovider/search"
	"github.com/minitime/minitime/toolrpc"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: toolbox <group>")
		os.Exit(2)
	}
	group := os.Args[1]

	cfg, err := config.Load(os.Getenv("MINITIME_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tools, err := groupTools(group, cfg)
	if err != nil {
		log.Fatal(err)
	}

	srv := toolrpc.NewServer(logger)
	for _, t := range tools {
		srv.Register(t)
	}
	if err := srv.Serve(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func groupTools(group string, cfg config.Config) ([]toolrpc.Tool, error) {
	switch group {
	case "filemanager":
		return filemanager.New(cfg.Tools.WorkspaceDir).Tools(), nil
	case "commander":
		return commander.New(cfg.Tools.WorkspaceDir, cfg.Tools.AllowedCommands, "").Tools(), nil
	case "search":
		return search.New().Tools(), nil
	case "scheduler":
		return scheduler.New(cfg.Cron.URL).Tools(), nil
	case "forum":
		return forum.New(cfg.Forum.URL).Tools(), nil
	case "push":
		p, err := push.New(filepath.Join(cfg.Server.DataDir, "push.json"), "")
		if err != nil {
			return nil, err
		}
		return p.Tools(), nil
	default:
		return nil, fmt.Errorf("unknown tool group %q", group)
	}
}
