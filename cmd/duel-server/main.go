package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	appcfg "github.com/snaphunt/duel-server/internal/config"
	"github.com/snaphunt/duel-server/internal/duel"
	"github.com/snaphunt/duel-server/internal/httpapi"
	"github.com/snaphunt/duel-server/internal/matchqueue"
	"github.com/snaphunt/duel-server/internal/objective"
	"github.com/snaphunt/duel-server/internal/obslog"
	"github.com/snaphunt/duel-server/internal/reaper"
	"github.com/snaphunt/duel-server/internal/reward"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	duels, err := duel.NewManager(cfg.RedisURL)
	if err != nil {
		log.Fatalf("duel manager init error: %v", err)
	}
	duels.SetRetention(cfg.MatchRetention)

	// History and rewards need Postgres; without DATABASE_URL the rewards
	// fall back to an in-memory store and no history is written.
	var closers []func() error
	if cfg.DatabaseURL != "" {
		repo, err := duel.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("history repo init error: %v", err)
		}
		duels.AttachRepository(repo)
		closers = append(closers, repo.Close)

		rewards, err := reward.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("reward repo init error: %v", err)
		}
		duels.AttachRewards(rewards)
		closers = append(closers, rewards.Close)
	} else {
		obslog.L().Warn("database_url_missing", zap.String("mode", "in-memory rewards, no history"))
		duels.AttachRewards(reward.NewMemStore())
	}

	catalog, err := objective.New(cfg.ObjectivesPath)
	if err != nil {
		log.Fatalf("objective catalog error: %v", err)
	}
	obslog.L().Info("objective_catalog", zap.Int("count", catalog.Len()))

	queue := matchqueue.NewManager(duels.Client(), duels, catalog)

	sweeper, err := reaper.New(queue, duels, reaper.Config{
		Interval:     cfg.ReaperInterval,
		QueueTimeout: cfg.QueueTimeout,
		MatchTimeout: cfg.MatchTimeout,
	})
	if err != nil {
		log.Fatalf("reaper init error: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		log.Fatalf("reaper start error: %v", err)
	}

	api := httpapi.NewServer(queue, duels)
	watch := httpapi.NewWatchServer(duels, cfg.WatchInterval)

	errCh := make(chan error, 2)
	go func() { errCh <- api.Serve(cfg.ListenAddr) }()
	go func() { errCh <- watch.Serve(cfg.WatchAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		obslog.L().Info("shutdown_signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		obslog.L().Error("listener_failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = sweeper.Stop()
	_ = api.Shutdown(shutdownCtx)
	_ = watch.Shutdown(shutdownCtx)
	for _, closeFn := range closers {
		_ = closeFn()
	}
	_ = duels.Close()
}
