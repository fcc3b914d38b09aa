// Package main runs the fieldsync engine as a local daemon: SQLite-backed
// store and sync queue, reconciliation controller, backend push listener,
// and a loopback diagnostics server for the embedding application.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agridesk/fieldsync/internal/api"
	"github.com/agridesk/fieldsync/internal/connectivity"
	"github.com/agridesk/fieldsync/internal/logging"
	"github.com/agridesk/fieldsync/internal/media"
	"github.com/agridesk/fieldsync/internal/push"
	"github.com/agridesk/fieldsync/internal/reconcile"
	"github.com/agridesk/fieldsync/internal/status"
	"github.com/agridesk/fieldsync/internal/store"
	"github.com/agridesk/fieldsync/internal/syncqueue"
)

func main() {
	var (
		dataDir       = flag.String("data", defaultDataDir(), "data directory for the local database and media")
		backendURL    = flag.String("backend", "http://localhost:8080", "backend API base URL")
		pushURL       = flag.String("push", "", "backend push WebSocket URL (empty disables push)")
		authToken     = flag.String("token", os.Getenv("FIELDSYNC_TOKEN"), "bearer token for the backend")
		listenAddr    = flag.String("listen", "127.0.0.1:8091", "diagnostics server listen address")
		sweepInterval = flag.Duration("sweep-interval", time.Hour, "cache sweep interval")
		debug         = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logging.Init(os.Stdout, level)

	if err := run(*dataDir, *backendURL, *pushURL, *authToken, *listenAddr, *sweepInterval); err != nil {
		logging.Error("Daemon exited with error", err)
		os.Exit(1)
	}
}

func run(dataDir, backendURL, pushURL, authToken, listenAddr string, sweepInterval time.Duration) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	st, err := store.Open(dataDir, store.DefaultSchema())
	if err != nil {
		return err
	}
	defer st.Close()

	queue := syncqueue.New(st)

	httpConfig := api.DefaultHTTPConfig(backendURL)
	httpConfig.AuthToken = authToken
	client := api.NewHTTPClient(httpConfig)

	// The daemon starts offline; the embedding application reports the real
	// link state through POST /connectivity.
	monitor := connectivity.NewMonitor(connectivity.StateOffline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller := reconcile.NewController(st, queue, client, monitor, nil, reconcile.LogBroadcaster{}, nil)
	controller.Start(ctx)
	defer controller.Stop()

	intake, err := media.NewIntake(filepath.Join(dataDir, "media"), controller)
	if err != nil {
		return err
	}

	var listener *push.Listener
	if pushURL != "" {
		pushConfig := push.DefaultConfig(pushURL)
		pushConfig.AuthToken = authToken
		listener = push.NewListener(pushConfig, controller, monitor)
		listener.Start(ctx)
		defer listener.Stop()
	}

	go sweepLoop(ctx, st, sweepInterval)

	server := &http.Server{
		Addr:    listenAddr,
		Handler: status.NewServer(st, queue, controller, monitor, intake).Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Diagnostics server listening", map[string]interface{}{"addr": listenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// sweepLoop evicts expired cache entries periodically. Read-time expiry keeps
// correctness either way; the sweep just reclaims disk.
func sweepLoop(ctx context.Context, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted, err := st.CacheSweep(ctx)
			if err != nil {
				logging.Warn("Cache sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if evicted > 0 {
				logging.Info("Cache sweep", map[string]interface{}{"evicted": evicted})
			}
		case <-ctx.Done():
			return
		}
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("FIELDSYNC_DATA"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".fieldsync")
}
