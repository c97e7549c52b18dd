package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/lox/crashout/internal/engine"
	"github.com/lox/crashout/internal/server"
	sqlitestore "github.com/lox/crashout/internal/storage/sqlite"
)

var CLI struct {
	Config       string   `short:"c" default:"crash-server.hcl" help:"Path to HCL configuration file"`
	Addr         string   `short:"a" help:"Server address to bind to (overrides config)"`
	LogLevel     string   `short:"l" help:"Log level (overrides config)"`
	DB           string   `help:"SQLite database path (overrides config)"`
	CreatePlayer []string `placeholder:"ID:NAME:BALANCE" help:"Provision a player before starting (repeatable)"`
}

func main() {
	kctx := kong.Parse(&CLI)

	cfg, err := server.LoadConfig(CLI.Config)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		kctx.Exit(1)
	}

	if CLI.Addr != "" {
		if host, port, splitErr := net.SplitHostPort(CLI.Addr); splitErr == nil {
			cfg.Server.Address = host
			cfg.Server.Port, _ = strconv.Atoi(port)
		} else {
			cfg.Server.Address = CLI.Addr
		}
	}
	if CLI.LogLevel != "" {
		cfg.Server.LogLevel = CLI.LogLevel
	}
	if CLI.DB != "" {
		cfg.Storage.Path = CLI.DB
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		kctx.Exit(1)
	}

	logger := log.New(os.Stderr)
	switch cfg.Server.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "info":
		logger.SetLevel(log.InfoLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	store, err := sqlitestore.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("Failed to open storage", "path", cfg.Storage.Path, "error", err)
		kctx.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx := setupSignalHandler(logger)

	for _, spec := range CLI.CreatePlayer {
		id, name, balance, err := parsePlayerSpec(spec)
		if err != nil {
			logger.Error("Invalid --create-player value", "value", spec, "error", err)
			kctx.Exit(1)
		}
		if err := store.CreatePlayer(ctx, id, name, balance); err != nil {
			logger.Error("Failed to create player", "player", id, "error", err)
			kctx.Exit(1)
		}
		logger.Info("Player provisioned", "player", name, "id", id, "balance", balance)
	}

	srv := server.NewServer(cfg.ListenAddr(), logger)
	eng := engine.New(cfg.EngineConfig(), engine.Deps{
		Balances:  store,
		Broadcast: srv,
		History:   store,
		Clock:     quartz.NewReal(),
		Logger:    logger,
	})
	srv.SetEngine(eng)

	logger.Info("Starting crash server",
		"addr", cfg.ListenAddr(),
		"seedCommitment", eng.SeedCommitment())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop()
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", "error", err)
		kctx.Exit(1)
	}
	logger.Info("Server stopped")
}

// setupSignalHandler creates a context that is cancelled on interrupt signals
func setupSignalHandler(logger *log.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down gracefully", "signal", sig.String())
		cancel()
	}()

	return ctx
}

// parsePlayerSpec splits an "id:name:balance" provisioning flag.
func parsePlayerSpec(spec string) (id, name string, balance float64, err error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("expected ID:NAME:BALANCE")
	}
	balance, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid balance %q: %w", parts[2], err)
	}
	return parts[0], parts[1], balance, nil
}
