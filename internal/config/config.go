package config

import (
	"errors"
	"os"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string
	WatchAddr  string

	RedisURL    string
	DatabaseURL string

	// Reaper timeouts. A queue entry older than QueueTimeout is dropped; an
	// ACTIVE match older than MatchTimeout is expired. MatchTimeout defaults
	// to five minutes, roughly twice the expected photo-objective completion
	// time; a longer value only delays cleanup of abandoned duels.
	QueueTimeout   time.Duration
	MatchTimeout   time.Duration
	ReaperInterval time.Duration

	// WatchInterval bounds how stale a pushed match snapshot can be.
	WatchInterval time.Duration

	// Countdown shown to clients before the capture phase unlocks.
	Countdown time.Duration

	// MatchRetention is how long terminal matches stay readable in Redis.
	MatchRetention time.Duration

	// Optional override for the embedded objective catalog.
	ObjectivesPath string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:     ":8080",
		WatchAddr:      ":8081",
		QueueTimeout:   2 * time.Minute,
		MatchTimeout:   5 * time.Minute,
		ReaperInterval: 30 * time.Second,
		WatchInterval:  time.Second,
		Countdown:      3 * time.Second,
		MatchRetention: 24 * time.Hour,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("WATCH_ADDR")); v != "" {
		cfg.WatchAddr = v
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.ObjectivesPath = strings.TrimSpace(os.Getenv("OBJECTIVES_PATH"))

	if err := loadDuration(&cfg.QueueTimeout, "QUEUE_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.MatchTimeout, "MATCH_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.ReaperInterval, "REAPER_INTERVAL"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.WatchInterval, "WATCH_INTERVAL"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.Countdown, "DUEL_COUNTDOWN"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.MatchRetention, "MATCH_RETENTION"); err != nil {
		return nil, err
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.QueueTimeout <= 0 || cfg.MatchTimeout <= 0 || cfg.ReaperInterval <= 0 {
		return nil, errors.New("timeouts must be positive")
	}

	return cfg, nil
}

func loadDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.New(key + " is not a valid duration")
	}
	*dst = d
	return nil
}
