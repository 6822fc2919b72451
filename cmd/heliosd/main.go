// Package main is the entry point for the Helios RPC server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heliosrpc/helios/internal/auth"
	"github.com/heliosrpc/helios/internal/buildinfo"
	"github.com/heliosrpc/helios/internal/config"
	"github.com/heliosrpc/helios/internal/server"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file (optional)")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "no .env file loaded from %s: %v\n", *envPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.RuntimeInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("heliosd - real-time RPC and pub/sub server")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the server")
	fmt.Println("  version   Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting heliosd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"listen_port", cfg.Listen.Port,
		"socket_path", cfg.Listen.SocketPath,
		"bus_enabled", cfg.Bus.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled,
	)

	hooks := auth.Hooks{}
	srv := server.New(cfg, hooks, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bus.Enabled {
		if err := srv.ConnectBus(ctx); err != nil {
			logger.Error("failed to connect cluster bus", "error", err)
		}
	}

	srv.Start()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port),
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Stop(shutdownCtx)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("heliosd stopped")
}
