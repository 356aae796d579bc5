package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	appcfg "github.com/kapu/chess-arena/internal/config"
	"github.com/kapu/chess-arena/internal/matchmaker"
	"github.com/kapu/chess-arena/internal/obslog"
	"github.com/kapu/chess-arena/internal/store"
	"github.com/kapu/chess-arena/internal/transport"
)

func main() {
	_ = godotenv.Load()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	fast, err := store.NewFastStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("fast store init error: %v", err)
	}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		repo, err = store.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("repository init error: %v", err)
		}
	} else {
		obslog.L().Warn("no DATABASE_URL configured, using in-memory durable tier")
		repo = store.NewMemoryRepository()
	}

	migrator := store.NewMigrator(fast, repo)
	coord := matchmaker.NewCoordinator(matchmaker.Config{
		Fast:         fast,
		Archive:      repo,
		Migrator:     migrator,
		InitialClock: cfg.InitialClock,
		TickInterval: cfg.ClockTick,
		GracePeriod:  cfg.GracePeriod,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Rehydrate(ctx, fast); err != nil {
		obslog.L().Warn("rehydrate error", zap.Error(err))
	}

	store.NewSweeper(fast, repo, cfg.SweepInterval, cfg.SweepBatch).Start(ctx)
	coord.StartReaper(ctx, cfg.ReaperInterval)

	srv := transport.NewServer(cfg.ListenAddr, coord)
	go func() {
		if err := srv.Start(); err != nil {
			obslog.L().Fatal("ws server error", zap.Error(err))
		}
	}()
	obslog.L().Info("ws_listen", zap.String("addr", cfg.ListenAddr))

	health := transport.NewHealthServer(cfg.HealthAddr, coord)
	go func() {
		if err := health.Start(); err != nil {
			obslog.L().Warn("health server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	obslog.L().Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = health.Shutdown(shutdownCtx)
	coord.Shutdown(shutdownCtx)
	_ = fast.Close()
	_ = repo.Close()
}
