package dueldto

import "time"

type EnqueueRequest struct {
	UserID string `json:"user_id"`
}

type EnqueueResponse struct {
	Paired     bool           `json:"paired"`
	Match      *MatchSnapshot `json:"match,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at,omitempty"`
}

type CancelRequest struct {
	UserID string `json:"user_id"`
}

type CancelResponse struct {
	Removed bool `json:"removed"`
}

type ClaimRequest struct {
	UserID  string `json:"user_id"`
	MatchID string `json:"match_id"`
}

type ClaimResponse struct {
	Won     bool           `json:"won"`
	Expired bool           `json:"expired"`
	Match   *MatchSnapshot `json:"match,omitempty"`
}

type ActiveMatchResponse struct {
	Match *MatchSnapshot `json:"match,omitempty"`
}

type QueueStatusResponse struct {
	Queued     bool      `json:"queued"`
	Rank       int64     `json:"rank"`
	EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
	Waiting    string    `json:"waiting,omitempty"`
}
