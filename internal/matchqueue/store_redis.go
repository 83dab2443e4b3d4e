package matchqueue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// The waiting pool is a single sorted set scored by enqueue time in unix
// milliseconds, so FIFO order falls out of the score order and staleness
// sweeps are a range removal.
const keyQueue = "duel:queue"

type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Key returns the queue key for WATCH transactions.
func (s *Store) Key() string { return keyQueue }

// Add inserts the user with the given enqueue time. NX keeps the original
// entry (and its FIFO position) when the user is already queued.
func (s *Store) Add(ctx context.Context, userID string, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	return s.rdb.ZAddNX(ctx, keyQueue, redis.Z{Score: float64(at.UnixMilli()), Member: userID}).Err()
}

// Remove deletes the user's entry. Returns false when the user was not queued.
func (s *Store) Remove(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, keyQueue, strings.TrimSpace(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Rank returns the user's zero-based FIFO position and enqueue time.
func (s *Store) Rank(ctx context.Context, userID string) (int64, time.Time, bool, error) {
	userID = strings.TrimSpace(userID)
	rank, err := s.rdb.ZRank(ctx, keyQueue, userID).Result()
	if err == redis.Nil {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}
	score, err := s.rdb.ZScore(ctx, keyQueue, userID).Result()
	if err == redis.Nil {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return rank, time.UnixMilli(int64(score)), true, nil
}

// Len returns the number of waiting users.
func (s *Store) Len(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyQueue).Result()
}

// RemoveStaleBefore drops every entry enqueued at or before the cutoff.
func (s *Store) RemoveStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)
	return s.rdb.ZRemRangeByScore(ctx, keyQueue, "-inf", max).Result()
}
