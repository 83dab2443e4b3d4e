package matchqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/snaphunt/duel-server/internal/duel"
	"github.com/snaphunt/duel-server/internal/obslog"
)

// pairAttempts bounds the WATCH retry loop for racing enqueues. Every
// enqueue contends on the one queue key, so retries back off with jitter to
// spread colliding callers apart instead of re-colliding in lockstep.
const pairAttempts = 10

// ObjectivePicker supplies the shared objective for a fresh pairing.
type ObjectivePicker interface {
	Pick() duel.Objective
}

type EnqueueResult struct {
	// Paired is true when the call itself formed a match.
	Paired     bool
	Match      *duel.Match
	EnqueuedAt time.Time
}

type QueueStatus struct {
	Queued     bool
	Rank       int64
	EnqueuedAt time.Time
	Waiting    time.Duration
}

type Manager struct {
	rdb        *redis.Client
	store      *Store
	duels      *duel.Manager
	objectives ObjectivePicker
}

func NewManager(rdb *redis.Client, duels *duel.Manager, objectives ObjectivePicker) *Manager {
	return &Manager{rdb: rdb, store: NewStore(rdb), duels: duels, objectives: objectives}
}

// Enqueue enrolls the user for matchmaking. When another user is already
// waiting, the longest-waiting one is paired with the caller and a new
// ACTIVE match is written in the same transaction that removes both queue
// entries; otherwise the caller becomes a waiting entry. Re-enqueueing while
// already queued keeps the original entry and position.
func (m *Manager) Enqueue(ctx context.Context, userID string) (*EnqueueResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, duel.ErrInvalidArgs
	}

	for attempt := 0; attempt < pairAttempts; attempt++ {
		var res *EnqueueResult
		err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
			// Active-match guard. Every pairing commit writes the watched
			// queue key, so a pairing that involves this user between the
			// check and Exec fails this transaction and re-runs the check.
			if g, err := m.duels.GetActiveMatchByUser(ctx, userID); err != nil {
				return err
			} else if g != nil {
				return duel.ErrAlreadyInMatch
			}

			// The two oldest entries cover every case: the oldest waiter
			// that is not the caller is the pairing partner.
			entries, err := tx.ZRangeWithScores(ctx, m.store.Key(), 0, 1).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			var (
				opponent   string
				selfScore  float64
				selfQueued bool
			)
			for _, e := range entries {
				member, _ := e.Member.(string)
				if member == userID {
					selfQueued = true
					selfScore = e.Score
					continue
				}
				if opponent == "" {
					opponent = member
				}
			}

			if opponent == "" {
				now := time.Now()
				pipe := tx.TxPipeline()
				pipe.ZAddNX(ctx, m.store.Key(), redis.Z{Score: float64(now.UnixMilli()), Member: userID})
				if _, err := pipe.Exec(ctx); err != nil {
					return err
				}
				at := now
				if selfQueued {
					at = time.UnixMilli(int64(selfScore))
				}
				res = &EnqueueResult{Paired: false, EnqueuedAt: at}
				return nil
			}

			match, err := m.duels.BuildMatch(opponent, userID, m.objectives.Pick())
			if err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.ZRem(ctx, m.store.Key(), opponent, userID)
			if err := m.duels.WriteMatch(ctx, pipe, match); err != nil {
				return err
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			res = &EnqueueResult{Paired: true, Match: match, EnqueuedAt: match.CreatedAt}
			return nil
		}, m.store.Key())

		if errors.Is(err, redis.TxFailedErr) {
			// A concurrent enqueue changed the pool; re-read and retry.
			time.Sleep(pairBackoff(attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		if res.Paired {
			obslog.L().Info("queue_pair",
				zap.String("match_id", res.Match.ID),
				zap.String("player_a", res.Match.PlayerAID),
				zap.String("player_b", res.Match.PlayerBID),
				zap.String("objective", res.Match.Objective.Title),
			)
		} else {
			obslog.L().Info("queue_enqueue", zap.String("user_id", userID))
		}
		return res, nil
	}
	return nil, fmt.Errorf("enqueue contention not settled for user %s", userID)
}

func pairBackoff(attempt int) time.Duration {
	base := time.Duration(attempt+1) * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(2*time.Millisecond)))
}

// Cancel removes the user's queue entry and reports whether an entry was
// actually removed. A user who was never queued, or who was paired before
// the cancel landed, gets a silent no-op; pairing is authoritative and the
// client simply observes the match instead.
func (m *Manager) Cancel(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, duel.ErrInvalidArgs
	}
	removed, err := m.store.Remove(ctx, userID)
	if err != nil {
		return false, err
	}
	obslog.L().Info("queue_cancel", zap.String("user_id", userID), zap.Bool("removed", removed))
	return removed, nil
}

// Status reports the user's waiting position for client polling.
func (m *Manager) Status(ctx context.Context, userID string) (*QueueStatus, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, duel.ErrInvalidArgs
	}
	rank, at, queued, err := m.store.Rank(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !queued {
		return &QueueStatus{}, nil
	}
	return &QueueStatus{Queued: true, Rank: rank, EnqueuedAt: at, Waiting: time.Since(at)}, nil
}

// ReapStale drops entries that waited longer than timeout without pairing,
// so abandoned searchers stop aging at the head of the FIFO.
func (m *Manager) ReapStale(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	n, err := m.store.RemoveStaleBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obslog.L().Info("queue_reap", zap.Int64("removed", n))
	}
	return n, nil
}
