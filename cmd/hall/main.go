package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hall-labs/hall/internal/account"
	"github.com/hall-labs/hall/internal/hall"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite database (users, accounts, sessions)")
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hall %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("HALL_CONFIG_PATH")
	}

	cfg, err := hall.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	store, err := account.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("hall starting",
		"version", version,
		"db", cfg.DatabasePath,
		"listen", cfg.Listen,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := hall.New(ctx, store, cfg)
	if err != nil {
		slog.Error("failed to assemble hall", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("hall error", "error", err)
		os.Exit(1)
	}

	slog.Info("hall stopped")
}
