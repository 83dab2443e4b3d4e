package reward

import (
	"context"
	"errors"
)

// ErrAlreadyGranted is returned when a reward for the match was granted
// before. Callers treat it as a benign duplicate, not a failure.
var ErrAlreadyGranted = errors.New("reward already granted for match")

// Granter issues the victory reward for a resolved duel. Implementations
// must be idempotent per matchID: granting twice for the same match is a
// no-op reported as ErrAlreadyGranted.
type Granter interface {
	Grant(ctx context.Context, matchID, userID string, xp, coins int) error
}
