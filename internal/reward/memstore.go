package reward

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Profile is the in-memory tally of a player's earnings.
type Profile struct {
	UserID   string
	XP       int
	Coins    int
	DuelWins int
	Updated  time.Time
}

type grantRecord struct {
	userID    string
	xp, coins int
	at        time.Time
}

// MemStore is a development-only Granter used when no database is configured.
type MemStore struct {
	mu       sync.RWMutex
	grants   map[string]grantRecord // matchID -> grant
	profiles map[string]*Profile
}

func NewMemStore() *MemStore {
	return &MemStore{
		grants:   make(map[string]grantRecord),
		profiles: make(map[string]*Profile),
	}
}

func (m *MemStore) Grant(ctx context.Context, matchID, userID string, xp, coins int) error {
	matchID = strings.TrimSpace(matchID)
	userID = strings.TrimSpace(userID)
	if matchID == "" || userID == "" {
		return ErrAlreadyGranted
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.grants[matchID]; exists {
		return ErrAlreadyGranted
	}
	m.grants[matchID] = grantRecord{userID: userID, xp: xp, coins: coins, at: time.Now()}

	p := m.profiles[userID]
	if p == nil {
		p = &Profile{UserID: userID}
		m.profiles[userID] = p
	}
	p.XP += xp
	p.Coins += coins
	p.DuelWins++
	p.Updated = time.Now()
	return nil
}

// Granted reports whether a reward was issued for the match.
func (m *MemStore) Granted(matchID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.grants[matchID]
	return ok
}

// Profile returns a copy of the user's tally, or nil.
func (m *MemStore) Profile(userID string) *Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.profiles[userID]; ok && p != nil {
		cp := *p
		return &cp
	}
	return nil
}
