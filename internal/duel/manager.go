package duel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/snaphunt/duel-server/internal/obslog"
	"github.com/snaphunt/duel-server/internal/reward"
)

const defaultRetention = 24 * time.Hour

// claimAttempts bounds the CAS retry loop. A retry only happens when another
// writer touched the match between our read and our commit, and every such
// write moves the match to a terminal state, so two passes normally suffice.
const claimAttempts = 3

type Manager struct {
	rdb       *redis.Client
	repo      *Repository
	rewards   reward.Granter
	retention time.Duration
}

func NewManager(redisURL string) (*Manager, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for duel manager")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Manager{rdb: rdb, retention: defaultRetention}, nil
}

func (m *Manager) Close() error {
	if m == nil || m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}

// Client exposes the underlying Redis client for components that share the
// same store (matchmaking queue, health checks).
func (m *Manager) Client() *redis.Client { return m.rdb }

// SetRetention overrides how long terminal matches stay readable.
func (m *Manager) SetRetention(d time.Duration) {
	if m != nil && d > 0 {
		m.retention = d
	}
}

// AttachRepository wires a database repository for persisting duel results.
func (m *Manager) AttachRepository(r *Repository) {
	if m != nil {
		m.repo = r
	}
}

// AttachRewards wires the reward granter called for each resolved duel.
func (m *Manager) AttachRewards(g reward.Granter) {
	if m != nil {
		m.rewards = g
	}
}

// BuildMatch validates participants and constructs a new ACTIVE match
// without persisting it. The matchmaking queue writes the returned match
// inside its own pairing transaction via WriteMatch.
func (m *Manager) BuildMatch(playerA, playerB string, obj Objective) (*Match, error) {
	playerA = strings.TrimSpace(playerA)
	playerB = strings.TrimSpace(playerB)
	if playerA == "" || playerB == "" {
		return nil, ErrInvalidArgs
	}
	if playerA == playerB {
		return nil, ErrSelfMatch
	}
	now := time.Now()
	return &Match{
		ID:        "duel-" + uuid.NewString(),
		PlayerAID: playerA,
		PlayerBID: playerB,
		Status:    StatusActive,
		Objective: obj,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// WriteMatch appends all writes for a new match to the caller's pipeline:
// the match record, both per-user indexes, and the active index. The caller
// owns transactionality; queue pairing runs this inside a WATCH transaction
// so no other enqueue can observe a half-created match.
func (m *Manager) WriteMatch(ctx context.Context, pipe redis.Pipeliner, g *Match) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	pipe.Set(ctx, matchKey(g.ID), raw, m.retention)
	pipe.SAdd(ctx, idxUserKey(g.PlayerAID), g.ID)
	pipe.Expire(ctx, idxUserKey(g.PlayerAID), m.retention)
	pipe.SAdd(ctx, idxUserKey(g.PlayerBID), g.ID)
	pipe.Expire(ctx, idxUserKey(g.PlayerBID), m.retention)
	pipe.SAdd(ctx, idxActiveKey(), g.ID)
	return nil
}

// CreateMatch builds and persists a match directly. Production pairing goes
// through the matchmaking queue; this path serves tests and tooling.
func (m *Manager) CreateMatch(ctx context.Context, playerA, playerB string, obj Objective) (*Match, error) {
	if m == nil || m.rdb == nil {
		return nil, fmt.Errorf("duel manager not initialized")
	}
	g, err := m.BuildMatch(playerA, playerB, obj)
	if err != nil {
		return nil, err
	}
	pipe := m.rdb.TxPipeline()
	if err := m.WriteMatch(ctx, pipe, g); err != nil {
		return nil, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	obslog.L().Info("duel_create",
		zap.String("match_id", g.ID),
		zap.String("player_a", g.PlayerAID),
		zap.String("player_b", g.PlayerBID),
		zap.String("objective", g.Objective.Title),
	)
	return g, nil
}

// GetActiveMatchByUser returns the user's ACTIVE match, or nil.
func (m *Manager) GetActiveMatchByUser(ctx context.Context, userID string) (*Match, error) {
	if m == nil || m.rdb == nil {
		return nil, fmt.Errorf("duel manager not initialized")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	ids, err := m.rdb.SMembers(ctx, idxUserKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var list []*Match
	for _, id := range ids {
		g, gerr := m.get(ctx, id)
		if gerr == nil && g != nil && g.Status == StatusActive {
			list = append(list, g)
		}
	}
	if len(list) == 0 {
		return nil, nil
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return list[0], nil
}

// GetCurrentMatchByUser returns the user's ACTIVE match if one exists,
// otherwise the most recently updated match still within retention. Clients
// poll this to observe both pairing and resolution.
func (m *Manager) GetCurrentMatchByUser(ctx context.Context, userID string) (*Match, error) {
	if m == nil || m.rdb == nil {
		return nil, fmt.Errorf("duel manager not initialized")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	ids, err := m.rdb.SMembers(ctx, idxUserKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var active, latest *Match
	for _, id := range ids {
		g, gerr := m.get(ctx, id)
		if gerr != nil || g == nil {
			continue
		}
		if g.Status == StatusActive && (active == nil || g.UpdatedAt.After(active.UpdatedAt)) {
			active = g
		}
		if latest == nil || g.UpdatedAt.After(latest.UpdatedAt) {
			latest = g
		}
	}
	if active != nil {
		return active, nil
	}
	return latest, nil
}

// LoadMatch returns the match by ID, or nil when unknown or past retention.
func (m *Manager) LoadMatch(ctx context.Context, id string) (*Match, error) {
	return m.get(ctx, id)
}

// ClaimVictory resolves the match in favor of claimantID, but only if the
// match is still ACTIVE at the moment of the write. The transition is a
// WATCH-guarded compare-and-set: when both participants claim concurrently,
// exactly one commit succeeds and the other observes the already-written
// winner and gets ErrAlreadyResolved.
func (m *Manager) ClaimVictory(ctx context.Context, matchID, claimantID string) (*Match, error) {
	if m == nil || m.rdb == nil {
		return nil, fmt.Errorf("duel manager not initialized")
	}
	matchID = strings.TrimSpace(matchID)
	claimantID = strings.TrimSpace(claimantID)
	if matchID == "" || claimantID == "" {
		return nil, ErrInvalidArgs
	}

	key := matchKey(matchID)
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var resolved *Match
		err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrMatchNotFound
			}
			if err != nil {
				return err
			}
			var cur Match
			if jerr := json.Unmarshal(raw, &cur); jerr != nil {
				return jerr
			}
			if !cur.HasParticipant(claimantID) {
				return ErrNotParticipant
			}
			switch cur.Status {
			case StatusResolved:
				return ErrAlreadyResolved
			case StatusExpired:
				return ErrMatchExpired
			}

			cur.Status = StatusResolved
			cur.Winner = claimantID
			cur.UpdatedAt = time.Now()

			pipe := tx.TxPipeline()
			newRaw, _ := json.Marshal(&cur)
			pipe.Set(ctx, key, newRaw, m.retention)
			pipe.SRem(ctx, idxActiveKey(), cur.ID)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			resolved = &cur
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Another transition committed first; the next pass reads the
			// terminal state and reports the proper outcome.
			continue
		}
		if err != nil {
			return nil, err
		}

		obslog.L().Info("duel_claim",
			zap.String("match_id", resolved.ID),
			zap.String("winner", resolved.Winner),
			zap.String("loser", resolved.OpponentOf(resolved.Winner)),
		)
		m.grantReward(ctx, resolved)
		m.persistIfFinal(ctx, resolved, "claim")
		return resolved, nil
	}
	return nil, fmt.Errorf("claim conflict not settled for match %s", matchID)
}

// ExpireMatch moves an ACTIVE match to EXPIRED with no winner. Same
// compare-and-set discipline as ClaimVictory: a sweep racing a legitimate
// claim observes RESOLVED and backs off.
func (m *Manager) ExpireMatch(ctx context.Context, matchID string) (*Match, error) {
	if m == nil || m.rdb == nil {
		return nil, fmt.Errorf("duel manager not initialized")
	}
	key := matchKey(matchID)
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var expired *Match
		err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrMatchNotFound
			}
			if err != nil {
				return err
			}
			var cur Match
			if jerr := json.Unmarshal(raw, &cur); jerr != nil {
				return jerr
			}
			switch cur.Status {
			case StatusResolved:
				return ErrAlreadyResolved
			case StatusExpired:
				return ErrMatchExpired
			}

			cur.Status = StatusExpired
			cur.Winner = ""
			cur.UpdatedAt = time.Now()

			pipe := tx.TxPipeline()
			newRaw, _ := json.Marshal(&cur)
			pipe.Set(ctx, key, newRaw, m.retention)
			pipe.SRem(ctx, idxActiveKey(), cur.ID)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			expired = &cur
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}

		obslog.L().Info("duel_expire",
			zap.String("match_id", expired.ID),
			zap.Duration("age", time.Since(expired.CreatedAt)),
		)
		m.persistIfFinal(ctx, expired, "timeout")
		return expired, nil
	}
	return nil, fmt.Errorf("expire conflict not settled for match %s", matchID)
}

// ExpireOverdue expires every ACTIVE match older than olderThan. Per-match
// failures are logged and skipped so one bad record cannot stall the sweep.
func (m *Manager) ExpireOverdue(ctx context.Context, olderThan time.Duration) (int, error) {
	if m == nil || m.rdb == nil {
		return 0, fmt.Errorf("duel manager not initialized")
	}
	ids, err := m.rdb.SMembers(ctx, idxActiveKey()).Result()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	expired := 0
	for _, id := range ids {
		g, gerr := m.get(ctx, id)
		if gerr != nil {
			obslog.L().Warn("duel_sweep_load_error", zap.String("match_id", id), zap.Error(gerr))
			continue
		}
		if g == nil || g.Terminal() {
			// Record gone past retention or already settled; drop the stale
			// index entry.
			_ = m.rdb.SRem(ctx, idxActiveKey(), id).Err()
			continue
		}
		if g.CreatedAt.After(cutoff) {
			continue
		}
		if _, eerr := m.ExpireMatch(ctx, id); eerr != nil {
			if errors.Is(eerr, ErrAlreadyResolved) || errors.Is(eerr, ErrMatchExpired) {
				continue
			}
			obslog.L().Warn("duel_sweep_expire_error", zap.String("match_id", id), zap.Error(eerr))
			continue
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) grantReward(ctx context.Context, g *Match) {
	if m.rewards == nil || g == nil || g.Winner == "" {
		return
	}
	err := m.rewards.Grant(ctx, g.ID, g.Winner, g.Objective.RewardXP, g.Objective.RewardCoins)
	if err != nil && !errors.Is(err, reward.ErrAlreadyGranted) {
		obslog.L().Error("duel_reward_grant_error",
			zap.String("match_id", g.ID),
			zap.String("winner", g.Winner),
			zap.Error(err),
		)
		return
	}
	obslog.L().Info("duel_reward_grant",
		zap.String("match_id", g.ID),
		zap.String("winner", g.Winner),
		zap.Int("xp", g.Objective.RewardXP),
		zap.Int("coins", g.Objective.RewardCoins),
	)
}

// persistIfFinal saves the terminal match to the repository if available.
func (m *Manager) persistIfFinal(ctx context.Context, g *Match, method string) {
	if m == nil || m.repo == nil || g == nil || !g.Terminal() {
		return
	}
	if err := m.repo.SaveResult(ctx, g, method); err != nil {
		obslog.L().Error("duel_result_persist_error", zap.String("match_id", g.ID), zap.Error(err))
		return
	}
	obslog.L().Info("duel_result_persist", zap.String("match_id", g.ID), zap.String("method", method))
}

func (m *Manager) get(ctx context.Context, id string) (*Match, error) {
	raw, err := m.rdb.Get(ctx, matchKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g Match
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func matchKey(id string) string { return "duel:match:" + strings.TrimSpace(id) }

func idxUserKey(userID string) string { return "duel:index:user:" + strings.TrimSpace(userID) }

func idxActiveKey() string { return "duel:index:active" }

// ParseRedisURL converts a redis:// or rediss:// URL into client options.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
