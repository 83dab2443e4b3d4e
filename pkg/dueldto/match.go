package dueldto

import "time"

type ObjectiveView struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Target      string `json:"target"`
	RewardXP    int    `json:"reward_xp"`
	RewardCoins int    `json:"reward_coins"`
}

// MatchSnapshot is the wire view of a duel as seen by one participant.
type MatchSnapshot struct {
	MatchID    string        `json:"match_id"`
	OpponentID string        `json:"opponent_id"`
	Status     string        `json:"status"`
	Objective  ObjectiveView `json:"objective"`
	Winner     string        `json:"winner,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
