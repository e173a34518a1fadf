package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/obstack/obsync/config"
	"github.com/obstack/obsync/internal/server"
	"github.com/obstack/obsync/store"
)

func main() {
	var configPath string
	var debug bool
	flag.StringVar(&configPath, "config", "obsync.yaml", "path to server config")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The daemon fronts the in-memory reference store; deployments that
	// embed a different store wire it through server.New directly.
	srv := server.New(cfg, store.NewMemory(), logger)
	if err := srv.Serve(ctx); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shut down")
}
