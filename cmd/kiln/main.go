package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/diag"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/engine/steal"
	"github.com/seantiz/kiln/internal/launch"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadFile("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"host_mode", cfg.HostMode,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var launcher launch.Launcher
	switch cfg.HostMode {
	case config.HostModeInProcess:
		launcher = &launch.InProcess{
			NewEngine:         func() engine.Engine { return steal.New() },
			HeartbeatInterval: cfg.HeartbeatInterval,
			AttachTimeout:     cfg.AttachTimeout,
			Logger:            logger,
		}
	default:
		launcher = &launch.Exec{Binary: cfg.HostBinary, Logger: logger}
	}

	broker := diag.NewBroker()
	manager := pool.NewManager(pool.Config{
		WorkerCount:      cfg.Workers,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		CheckInterval:    cfg.CheckInterval,
		InitTimeout:      cfg.InitTimeout,
		TerminateGrace:   cfg.TerminateGrace,
		BreakerFailures:  uint32(cfg.BreakerFailures),
		BreakerCooldown:  cfg.BreakerCooldown,
	}, launcher, db, broker, logger)

	srv := api.NewServer(cfg.ListenAddr, db, manager, broker, steal.New().Operations(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runErr := srv.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		logger.Error("pool shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
