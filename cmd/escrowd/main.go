package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moltbunker/escrowd/internal/api"
	"github.com/moltbunker/escrowd/internal/config"
	"github.com/moltbunker/escrowd/internal/daemon"
	"github.com/moltbunker/escrowd/internal/logging"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "Path to config file")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides config)")
	enableAuth := flag.Bool("auth", true, "Enable API authentication")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("escrowd", api.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flags win over the file only when given explicitly.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.API.HTTPAddr = *httpAddr
		case "auth":
			cfg.API.AuthEnabled = *enableAuth
		case "log-level":
			cfg.Daemon.LogLevel = *logLevel
		}
	})

	if err := logging.Setup(os.Stdout, cfg.Daemon.LogLevel, cfg.Daemon.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}
	if !cfg.API.AuthEnabled {
		logging.Warn("API authentication disabled; X-Wallet-Address is trusted as the caller",
			logging.Component("daemon"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := daemon.NewNode(ctx, cfg, daemon.Options{})
	if err != nil {
		logging.Error("failed to create node", logging.Err(err), logging.Component("daemon"))
		os.Exit(1)
	}
	if err := node.Start(ctx); err != nil {
		logging.Error("failed to start node", logging.Err(err), logging.Component("daemon"))
		os.Exit(1)
	}

	<-ctx.Done()
	logging.Info("Shutting down...", logging.Component("daemon"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("Error during shutdown", logging.Err(err), logging.Component("daemon"))
		os.Exit(1)
	}
	logging.Info("Shutdown complete", logging.Component("daemon"))
}
