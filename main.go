// agentdeck is the execution backend daemon: it owns the agent CLI
// subprocesses and exposes the command registry and event hub to clients
// over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck/backend"
	"github.com/agentdeck/agentdeck/server"
	"github.com/agentdeck/agentdeck/startup"
)

var version = "dev"

type config struct {
	port    string
	token   string
	workDir string
	devMode bool
	noQR    bool
}

// loadConfig resolves flags with environment fallbacks. getenv is injected
// so resolution is testable without mutating the process environment.
func loadConfig(args []string, getenv func(string) string) (config, error) {
	fs := flag.NewFlagSet("agentdeck", flag.ContinueOnError)
	portFlag := fs.Int("port", 0, "listen port (default 8080, env AGENTDECK_PORT)")
	tokenFlag := fs.String("auth-token", "", "authentication token (required, env AGENTDECK_TOKEN)")
	devModeFlag := fs.Bool("dev", false, "enable development mode")
	noQRFlag := fs.Bool("no-qr", false, "skip the pairing QR code")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := config{devMode: *devModeFlag, noQR: *noQRFlag}

	cfg.port = "8080"
	if *portFlag != 0 {
		cfg.port = strconv.Itoa(*portFlag)
	} else if envPort := getenv("AGENTDECK_PORT"); envPort != "" {
		cfg.port = envPort
	}

	cfg.token = *tokenFlag
	if cfg.token == "" {
		cfg.token = getenv("AGENTDECK_TOKEN")
	}
	if cfg.token == "" {
		return config{}, errors.New("auth token is required (use --auth-token flag or AGENTDECK_TOKEN env)")
	}

	workDir := getenv("AGENTDECK_WORKDIR")
	if workDir == "" {
		workDir = "."
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return config{}, fmt.Errorf("resolve work directory: %w", err)
	}
	cfg.workDir = absWorkDir

	if getenv("AGENTDECK_DEV") == "true" {
		cfg.devMode = true
	}
	return cfg, nil
}

func main() {
	versionFlag := false
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			versionFlag = true
		}
	}
	if versionFlag {
		fmt.Printf("agentdeck %s\n", version)
		return
	}

	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.devMode {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	b := backend.New()
	procs := backend.NewProcTable(b)

	watcher := backend.NewWatcher(b.Hub(), cfg.workDir)
	if err := watcher.Start(); err != nil {
		slog.Error("failed to start workspace watcher", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: server.New(cfg.token, b, cfg.devMode).Handler(),
	}

	shutdownDone := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		watcher.Stop()
		procs.Shutdown()
		close(shutdownDone)
	}()

	localURL := "http://localhost:" + cfg.port
	startup.PrintBanner(startup.BannerOptions{
		Version:    version,
		LocalURL:   localURL,
		ConnectURL: localURL,
	})
	if !cfg.noQR {
		startup.PrintQRCode(localURL + "/#token=" + cfg.token)
		fmt.Println()
	}
	startup.PrintFooter()

	slog.Info("daemon starting", "port", cfg.port, "workDir", cfg.workDir, "devMode", cfg.devMode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("daemon stopped")
}
