// Command ketchd runs the download engine as a long-lived daemon,
// exposing it over the REST+event surface in internal/api. Grounded on
// the teacher's main.go wiring order (logger, then storage, then the
// core engine, then the control server), trimmed to the pieces this
// engine actually has: no GUI shell, no system tray, no MCP mode.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/linroid/ketch"
	"github.com/linroid/ketch/internal/api"
)

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "directory for the task database and logs")
	addr := flag.String("addr", "127.0.0.1:4280", "control server listen address")
	userAgent := flag.String("user-agent", "", "HTTP User-Agent for outbound requests")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "ketchd: creating data dir:", err)
		os.Exit(1)
	}

	logger, err := ketch.NewLogger(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ketchd: initializing logger:", err)
		os.Exit(1)
	}

	store, err := ketch.OpenStore(filepath.Join(*dataDir, "ketch.db"))
	if err != nil {
		logger.Error("failed to open task store", "error", err)
		os.Exit(1)
	}

	cfg := ketch.DefaultConfig()
	httpEngine := ketch.NewHttpEngine(*userAgent)
	engine := ketch.New(cfg, store, httpEngine, logger)

	if err := engine.Start(); err != nil {
		logger.Error("failed to rehydrate persisted tasks", "error", err)
		os.Exit(1)
	}

	server := api.New(engine, logger)

	waitForSignal(func() {
		logger.Info("shutdown signal received, closing engine")
		if err := engine.Close(); err != nil {
			logger.Error("error while closing engine", "error", err)
		}
		os.Exit(0)
	})

	logger.Info("ketchd starting", "addr", *addr, "data_dir", *dataDir)
	if err := server.ListenAndServe(*addr); err != nil {
		logger.Error("control server exited", "error", err)
		os.Exit(1)
	}
}

// waitForSignal mirrors the teacher's core.WaitForSignals: it blocks for
// SIGINT/SIGTERM on its own goroutine and invokes onSignal once.
func waitForSignal(onSignal func()) {
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		onSignal()
	}()
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ketch")
	}
	return "./ketch-data"
}
