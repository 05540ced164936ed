// Package main is the CLI entrypoint for WireChat, a federated line-oriented
// chat server. Invoked as "wirechat <listen-port> [<peers-file>]" it loads
// configuration, opens the TCP listener, dials the peers listed in the
// bootstrap file, optionally starts the WebSocket gateway and HTTP status
// endpoint, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wirechat/wirechat/internal/api"
	"github.com/wirechat/wirechat/internal/config"
	"github.com/wirechat/wirechat/internal/directory"
	"github.com/wirechat/wirechat/internal/gateway"
	"github.com/wirechat/wirechat/internal/server"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const configFile = "wirechat.toml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("WireChat — Federated Line-Oriented Chat Server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  wirechat <listen-port> [<peers-file>]")
	fmt.Println("  wirechat version")
	fmt.Println("  wirechat help")
	fmt.Println()
	fmt.Println("Arguments:")
	fmt.Println("  listen-port  TCP port for client and federation connections")
	fmt.Println("  peers-file   optional file with one host:port per line, each")
	fmt.Println("               dialed as an outbound federation link at startup")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file: wirechat.toml in the working directory (optional)")
}

// runServe starts the full server: loads config, opens the listener, dials
// bootstrap peers, starts the optional gateway and status listeners, and
// waits for a shutdown signal.
func runServe() error {
	port64, err := strconv.ParseUint(os.Args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("listen port %q is not a 16-bit unsigned integer: %w", os.Args[1], err)
	}
	port := uint16(port64)

	peersFile := ""
	if len(os.Args) >= 3 {
		peersFile = os.Args[2]
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting WireChat",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	dialTimeout, err := cfg.Federation.DialTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing dial timeout: %w", err)
	}

	dir := directory.New(logger)

	srv := server.New(server.Config{
		Host:        cfg.Listen.Host,
		Port:        port,
		DialTimeout: dialTimeout,
		Directory:   dir,
		Logger:      logger,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	// Shutdown broadcast: every session selects on this context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if peersFile != "" {
		if err := srv.DialPeers(ctx, peersFile); err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)

	// Optional WebSocket gateway.
	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway.Listen, srv, logger)
		go func() {
			if err := gw.Start(ctx); err != nil {
				errCh <- fmt.Errorf("gateway: %w", err)
			}
		}()
	}

	// Optional HTTP status endpoint.
	var status *api.Server
	if cfg.Status.Enabled {
		status = api.New(cfg.Status.Listen, dir, version, logger)
		go func() {
			if err := status.Start(); err != nil {
				errCh <- fmt.Errorf("status endpoint: %w", err)
			}
		}()
	}

	// Serve blocks until the shutdown signal cancels ctx and every session
	// has exited.
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()

	select {
	case err := <-errCh:
		stop()
		<-serveDone
		return err
	case err := <-serveDone:
		if err != nil {
			return err
		}
	}

	// Stop the auxiliary listeners with a bounded grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if gw != nil {
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
	}
	if status != nil {
		if err := status.Shutdown(shutdownCtx); err != nil {
			logger.Error("status endpoint shutdown error", slog.String("error", err.Error()))
		}
	}

	logger.Info("WireChat stopped")
	return nil
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("WireChat %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
