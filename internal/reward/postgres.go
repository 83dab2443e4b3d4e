package reward

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

// Grant records the victory reward for a match and credits the winner's
// profile. The grant row is keyed by match_id, so a re-delivered resolution
// event can never double-credit: the second insert hits the conflict and the
// profile update is skipped.
func (r *Repository) Grant(ctx context.Context, matchID, userID string, xp, coins int) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("reward repository not initialized")
	}
	if strings.TrimSpace(matchID) == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("invalid grant arguments")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reward tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertGrant = `
		INSERT INTO duel_rewards (match_id, user_id, xp, coins, granted_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (match_id) DO NOTHING
		RETURNING match_id`

	var granted sql.NullString
	err = tx.QueryRowContext(ctx, insertGrant, matchID, userID, xp, coins).Scan(&granted)
	if err == sql.ErrNoRows || (err == nil && !granted.Valid) {
		return ErrAlreadyGranted
	}
	if err != nil {
		return fmt.Errorf("insert duel reward: %w", err)
	}

	const upsertProfile = `
		INSERT INTO player_profiles (user_id, xp, coins, duel_wins, updated_at, created_at)
		VALUES ($1, $2, $3, 1, NOW(), NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET
			xp = player_profiles.xp + EXCLUDED.xp,
			coins = player_profiles.coins + EXCLUDED.coins,
			duel_wins = player_profiles.duel_wins + 1,
			updated_at = NOW()`

	if _, err := tx.ExecContext(ctx, upsertProfile, userID, xp, coins); err != nil {
		return fmt.Errorf("credit player profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reward tx: %w", err)
	}
	return nil
}
