package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/easync/internal/config"
	"github.com/zjrosen/easync/internal/eas"
	"github.com/zjrosen/easync/internal/engine"
	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
	"github.com/zjrosen/easync/internal/tracing"
	"github.com/zjrosen/easync/internal/watcher"
)

// shutdownGrace bounds how long the daemon waits for workers on exit.
const shutdownGrace = 30 * time.Second

func runDaemon(cmd *cobra.Command, _ []string) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Logging is enabled via --debug or EASYNC_DEBUG; without either the
	// logger still records warnings and errors.
	debug := cfg.Debug || os.Getenv("EASYNC_DEBUG") != ""
	cleanup, err := log.Init(cfg.ResolvedLogPath())
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	if !debug {
		log.SetMinLevel(log.LevelWarn)
	}
	log.Info(log.CatConfig, "Daemon starting", "debug", debug, "dataDir", cfg.DataDir)

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	ephemeral, _ := cmd.Flags().GetBool("ephemeral")
	db, err := openDatabase(ephemeral)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.New(db)
	defer st.Close()

	if _, err := config.Reconcile(st, cfg.Accounts); err != nil {
		return fmt.Errorf("reconciling accounts: %w", err)
	}

	transport := eas.NewTransport()
	eng := engine.New(st, transport, engine.Options{
		DataDir:        cfg.DataDir,
		BackgroundData: cfg.Sync.BackgroundData,
		MasterAutoSync: cfg.Sync.MasterAutoSync,
		SyncContacts:   cfg.Sync.Contacts,
		SyncCalendar:   cfg.Sync.Calendar,
		Tracer:         tracer.Tracer(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopWatcher := watchConfig(st, eng)
	defer stopWatcher()

	engineDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(engineDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info(log.CatConfig, "Shutting down", "signal", sig.String())

	cancel()
	select {
	case <-engineDone:
	case <-time.After(shutdownGrace):
		log.Warn(log.CatEngine, "Workers did not stop in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "Shutting down tracing", err)
	}

	return nil
}

func openDatabase(ephemeral bool) (*sql.DB, error) {
	if ephemeral {
		db, err := store.OpenMemoryDB()
		if err != nil {
			return nil, fmt.Errorf("opening in-memory database: %w", err)
		}
		return db, nil
	}
	db, err := store.OpenDB(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// watchConfig reloads the account list when the config file changes and
// pushes the result into the store and engine. The returned stop
// function tears the watcher down.
func watchConfig(st *store.Store, eng *engine.Engine) func() {
	path := configFilePath()
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		log.ErrorErr(log.CatConfig, "Creating config watcher", err)
		return func() {}
	}
	changes, err := w.Start()
	if err != nil {
		log.ErrorErr(log.CatConfig, "Watching config file", err, "path", path)
		return func() { _ = w.Stop() }
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				reloadConfig(st, eng)
			}
		}
	}()

	return func() {
		close(done)
		_ = w.Stop()
	}
}

// reloadConfig re-reads the config file and reconciles accounts.
// Accounts with edited hosts or credentials get their holds cleared and
// workers restarted.
func reloadConfig(st *store.Store, eng *engine.Engine) {
	log.Info(log.CatConfig, "Config file changed, reloading")
	initConfig()

	hostChanged, err := config.Reconcile(st, cfg.Accounts)
	if err != nil {
		log.ErrorErr(log.CatConfig, "Reconciling accounts", err)
		return
	}
	for _, id := range hostChanged {
		eng.HostChanged(id)
	}
	eng.Kick("config reloaded")
}
