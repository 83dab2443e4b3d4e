package duel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult records a terminal duel. Write-once: a terminal match never
// changes, so conflicts on match_id are skipped rather than updated.
func (r *Repository) SaveResult(ctx context.Context, g *Match, method string) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}

	duration := g.UpdatedAt.Sub(g.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	const q = `INSERT INTO duel_matches (
	    match_id, player_a, player_b, status, winner, result_method,
	    objective_title, objective_target, reward_xp, reward_coins,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	  ) ON CONFLICT (match_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, q,
		g.ID,
		g.PlayerAID, g.PlayerBID,
		string(g.Status), g.Winner, strings.TrimSpace(method),
		g.Objective.Title, g.Objective.Target,
		g.Objective.RewardXP, g.Objective.RewardCoins,
		g.CreatedAt, g.UpdatedAt, duration,
	)
	if err != nil {
		return fmt.Errorf("insert duel result: %w", err)
	}
	return nil
}

// GetResult loads a persisted duel result by match ID, or nil when absent.
func (r *Repository) GetResult(ctx context.Context, matchID string) (*Match, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	const q = `SELECT
	    match_id, player_a, player_b, status, winner,
	    objective_title, objective_target, reward_xp, reward_coins,
	    started_at, ended_at
	  FROM duel_matches WHERE match_id = $1`

	var (
		g      Match
		status string
	)
	err := r.db.QueryRowContext(ctx, q, matchID).Scan(
		&g.ID,
		&g.PlayerAID, &g.PlayerBID,
		&status, &g.Winner,
		&g.Objective.Title, &g.Objective.Target,
		&g.Objective.RewardXP, &g.Objective.RewardCoins,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select duel result: %w", err)
	}
	g.Status = Status(status)
	return &g, nil
}
