package duel

import "time"

// Status represents a duel lifecycle state. Transitions only move forward:
// ACTIVE is the initial state, RESOLVED and EXPIRED are terminal.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusResolved Status = "RESOLVED"
	StatusExpired  Status = "EXPIRED"
)

// Objective is the shared quest target both participants must satisfy.
// Assigned once at match creation; identical for both players.
type Objective struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Target      string `json:"target" yaml:"target"`
	RewardXP    int    `json:"reward_xp" yaml:"reward_xp"`
	RewardCoins int    `json:"reward_coins" yaml:"reward_coins"`
}

// Match is the persisted state of a duel. Participant order carries no
// meaning; PlayerA is simply whoever waited longer at pairing time.
type Match struct {
	ID        string    `json:"id"`
	PlayerAID string    `json:"player_a_id"`
	PlayerBID string    `json:"player_b_id"`
	Status    Status    `json:"status"`
	Objective Objective `json:"objective"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Winner    string    `json:"winner,omitempty"`
}

// HasParticipant reports whether userID is one of the two players.
func (m *Match) HasParticipant(userID string) bool {
	return userID != "" && (m.PlayerAID == userID || m.PlayerBID == userID)
}

// OpponentOf returns the other participant, or "" if userID is not in the match.
func (m *Match) OpponentOf(userID string) string {
	switch userID {
	case m.PlayerAID:
		return m.PlayerBID
	case m.PlayerBID:
		return m.PlayerAID
	default:
		return ""
	}
}

// Terminal reports whether the match has reached a final state.
func (m *Match) Terminal() bool {
	return m.Status == StatusResolved || m.Status == StatusExpired
}

var (
	ErrInvalidArgs = errf("invalid arguments")
	ErrSelfMatch   = errf("cannot duel yourself")
	// The user already participates in an ACTIVE match.
	ErrAlreadyInMatch = errf("user already in an active match")
	// The opponent's claim landed first. A loss, not a failure.
	ErrAlreadyResolved = errf("match already resolved")
	ErrMatchExpired    = errf("match expired")
	ErrMatchNotFound   = errf("match not found")
	ErrNotParticipant  = errf("user is not a participant of this match")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
