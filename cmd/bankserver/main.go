// Command bankserver runs the long-lived bank server: it listens on a
// well-known FIFO for client batches, serialises every account mutation
// through a single arbiter, and keeps a durable transaction log that is
// replayed on every restart.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/eridani-labs/bankd/internal/audit"
	"github.com/eridani-labs/bankd/internal/config"
	"github.com/eridani-labs/bankd/internal/dispatcher"
	"github.com/eridani-labs/bankd/internal/fifo"
	"github.com/eridani-labs/bankd/internal/ingress"
	"github.com/eridani-labs/bankd/internal/ledger"
	"github.com/eridani-labs/bankd/internal/teller"
	"github.com/eridani-labs/bankd/internal/wire"
	"github.com/eridani-labs/bankd/internal/walog"
	"github.com/eridani-labs/bankd/pkg/logging"
)

var version = "0.1.0-dev"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.bankd", "Data directory for config, audit db and lock file")
		logLevel    = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <BankName> <ServerFifoName>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("bankserver %s\n", version)
		os.Exit(0)
	}

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	bankName := flag.Arg(0)
	serverFifoName := flag.Arg(1)

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	log = logging.New(&logging.Config{Level: cfg.Log.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	lockPath := filepath.Join(cfg.DataDir, bankName+".lock")
	dbLock, err := fifo.AcquireDBLock(lockPath)
	if err != nil {
		log.Fatal("another server instance holds this bank's lock", "bank", bankName, "error", err)
	}
	defer dbLock.Release()

	logPath := bankName + ".bankLog"
	store, existed, err := walog.Open(logPath)
	if err != nil {
		log.Fatal("failed to open transaction log", "error", err)
	}
	defer store.Close()

	db := ledger.New(store)
	if existed {
		accounts, err := walog.Replay(logPath)
		if err != nil {
			log.Fatal("failed to replay transaction log", "error", err)
		}
		for _, acc := range accounts {
			db.Restore(acc.ID, acc.Balance)
		}
		log.Info("previous log found, restored accounts", "count", len(accounts))
	} else {
		log.Info("no previous log found, starting fresh")
	}

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.Open(audit.Config{DBPath: cfg.Audit.DBPath})
		if err != nil {
			log.Warn("failed to open audit store, continuing without it", "error", err)
		} else {
			defer auditStore.Close()
		}
	}

	serverFifoPath := "/tmp/" + serverFifoName
	reader, err := ingress.Open(serverFifoPath)
	if err != nil {
		log.Fatal("failed to open server fifo", "path", serverFifoPath, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	startTime := time.Now()

	disp := dispatcher.New(ctx, db, dispatcher.Config{
		MaxConcurrentTellers: cfg.Teller.MaxConcurrentTellers,
		Timeouts: teller.Timeouts{
			ClientFIFOOpen: cfg.Teller.ClientFIFOOpen,
			ArbiterReply:   cfg.Teller.ArbiterReply,
		},
		Audit: auditStore,
	})

	printBanner(log, bankName, serverFifoName, existed)

	var shutdownOnce sync.Once
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handle := func(ctx context.Context, batchID string, batch []wire.Request) {
			if err := disp.Dispatch(ctx, batchID, batch); err != nil {
				log.Error("batch dispatch failed", "batch_id", batchID, "error", err)
			}
		}
		if err := reader.Run(ctx, handle); err != nil {
			log.Error("ingress loop exited with error", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("status", "active_accounts", len(db.ActiveAccounts()), "uptime", time.Since(startTime).Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownOnce.Do(func() {
		log.Info("shutting down...")
		cancel()

		shutdownDeadline := time.After(dispatcher.GracePeriod)
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-shutdownDeadline:
			log.Warn("timed out waiting for ingress loop to drain")
		}

		var snapshot []struct {
			ID      string
			Balance int
		}
		for _, acc := range db.ActiveAccounts() {
			snapshot = append(snapshot, struct {
				ID      string
				Balance int
			}{ID: acc.ID, Balance: acc.Balance})
		}
		if err := store.Snapshot(snapshot); err != nil {
			log.Error("failed to write shutdown snapshot", "error", err)
		}

		if err := reader.Close(); err != nil {
			log.Error("failed to remove server fifo", "error", err)
		}

		fmt.Printf("%s says \"Bye\"...\n", bankName)
	})
}

func printBanner(log *logging.Logger, bankName, serverFifoName string, restored bool) {
	log.Info("=================================================")
	log.Infof("  bankserver %s", version)
	log.Infof("  Bank: %s", bankName)
	log.Infof("  Server FIFO: /tmp/%s", serverFifoName)
	if restored {
		log.Info("  Previous logs found; accounts restored.")
	} else {
		log.Info("  No previous log found; starting fresh.")
	}
	log.Info("=================================================")
}
