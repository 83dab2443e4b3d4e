package duelclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/snaphunt/duel-server/internal/duel"
	"github.com/snaphunt/duel-server/internal/matchqueue"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSearching Phase = "searching"
	PhaseActive    Phase = "active"
	PhaseConcluded Phase = "concluded"
)

// Backend is the slice of the matchmaking and duel services the controller
// needs. matchqueue.Manager plus duel.Manager satisfy it via Service.
type Backend interface {
	Enqueue(ctx context.Context, userID string) (*matchqueue.EnqueueResult, error)
	Cancel(ctx context.Context, userID string) (bool, error)
	ClaimVictory(ctx context.Context, matchID, claimantID string) (*duel.Match, error)
	CurrentMatch(ctx context.Context, userID string) (*duel.Match, error)
}

// Service adapts the two managers into a Backend.
type Service struct {
	Queue *matchqueue.Manager
	Duels *duel.Manager
}

func (s Service) Enqueue(ctx context.Context, userID string) (*matchqueue.EnqueueResult, error) {
	return s.Queue.Enqueue(ctx, userID)
}

func (s Service) Cancel(ctx context.Context, userID string) (bool, error) {
	return s.Queue.Cancel(ctx, userID)
}

func (s Service) ClaimVictory(ctx context.Context, matchID, claimantID string) (*duel.Match, error) {
	return s.Duels.ClaimVictory(ctx, matchID, claimantID)
}

func (s Service) CurrentMatch(ctx context.Context, userID string) (*duel.Match, error) {
	return s.Duels.GetCurrentMatchByUser(ctx, userID)
}

// Outcome describes how a duel ended from this user's point of view.
type Outcome struct {
	Won     bool
	Expired bool
	Winner  string
}

// Snapshot is an immutable read of the controller state.
type Snapshot struct {
	Phase        Phase
	UserID       string
	Match        *duel.Match
	CountdownEnd time.Time
	Outcome      *Outcome
}

// Controller drives one user's journey through a duel: searching for an
// opponent, the pre-capture countdown, and conclusion. It holds no truth of
// its own beyond the phase; the match record in Redis stays authoritative,
// and Observe re-syncs against it.
type Controller struct {
	mu        sync.Mutex
	backend   Backend
	userID    string
	countdown time.Duration

	phase        Phase
	match        *duel.Match
	countdownEnd time.Time
	outcome      *Outcome
}

func NewController(backend Backend, userID string, countdown time.Duration) *Controller {
	if countdown <= 0 {
		countdown = 3 * time.Second
	}
	return &Controller{
		backend:   backend,
		userID:    userID,
		countdown: countdown,
		phase:     PhaseIdle,
	}
}

var ErrBusy = errors.New("duel already in progress")

// StartSearch joins the matchmaking queue. If pairing happens on this very
// call the controller jumps straight to active. A user who already has a
// live duel (from another device, or a cancel that lost the race) is
// re-attached to it instead of erroring out.
func (c *Controller) StartSearch(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseActive:
		return c.snapshotLocked(), ErrBusy
	case PhaseSearching:
		return c.snapshotLocked(), nil
	}

	res, err := c.backend.Enqueue(ctx, c.userID)
	if errors.Is(err, duel.ErrAlreadyInMatch) {
		g, lookupErr := c.backend.CurrentMatch(ctx, c.userID)
		if lookupErr != nil || g == nil {
			return c.snapshotLocked(), err
		}
		c.enterActiveLocked(g)
		return c.snapshotLocked(), nil
	}
	if err != nil {
		return c.snapshotLocked(), err
	}

	if res.Paired {
		c.enterActiveLocked(res.Match)
	} else {
		c.phase = PhaseSearching
		c.match = nil
		c.outcome = nil
	}
	return c.snapshotLocked(), nil
}

// CancelSearch leaves the queue. Cancelling while not searching is a no-op;
// the server side is idempotent too, so a repeat tap costs nothing. If a
// pairing won the race the removal is a harmless miss and the next Observe
// re-attaches the user to the duel.
func (c *Controller) CancelSearch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseSearching {
		return nil
	}
	if _, err := c.backend.Cancel(ctx, c.userID); err != nil {
		return err
	}
	c.phase = PhaseIdle
	return nil
}

// Observe re-syncs against the authoritative match record and advances the
// phase: a searcher whose pairing landed becomes active, an active duel that
// turned terminal becomes concluded.
func (c *Controller) Observe(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseIdle, PhaseSearching:
		// An idle user can still own a live duel: a cancel that raced a
		// pairing, or a session resumed on another device.
		g, err := c.backend.CurrentMatch(ctx, c.userID)
		if err != nil && !errors.Is(err, duel.ErrMatchNotFound) {
			return c.snapshotLocked(), err
		}
		if g != nil && g.Status == duel.StatusActive {
			c.enterActiveLocked(g)
		}
	case PhaseActive:
		g, err := c.backend.CurrentMatch(ctx, c.userID)
		if err != nil && !errors.Is(err, duel.ErrMatchNotFound) {
			return c.snapshotLocked(), err
		}
		if g != nil && g.ID == c.match.ID {
			c.match = g
			if g.Terminal() {
				c.concludeLocked(g)
			}
		}
	}
	return c.snapshotLocked(), nil
}

// Poll returns the current state without touching the backend.
func (c *Controller) Poll() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// CanCapture reports whether the pre-duel countdown has elapsed and the user
// may submit a photo.
func (c *Controller) CanCapture(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseActive && !now.Before(c.countdownEnd)
}

// ReportCompletion claims victory for this user. Losing the claim race or
// reporting into an expired duel is not an error at this layer; the
// controller concludes with the corresponding outcome.
func (c *Controller) ReportCompletion(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseActive || c.match == nil {
		return c.snapshotLocked(), duel.ErrMatchNotFound
	}

	g, err := c.backend.ClaimVictory(ctx, c.match.ID, c.userID)
	switch {
	case err == nil:
		c.match = g
		c.concludeLocked(g)
		return c.snapshotLocked(), nil
	case errors.Is(err, duel.ErrAlreadyResolved), errors.Is(err, duel.ErrMatchExpired):
		if refreshed, lookupErr := c.backend.CurrentMatch(ctx, c.userID); lookupErr == nil && refreshed != nil && refreshed.ID == c.match.ID {
			c.match = refreshed
		}
		c.concludeLocked(c.match)
		return c.snapshotLocked(), nil
	default:
		return c.snapshotLocked(), err
	}
}

// Reset returns a concluded controller to idle so the user can search again.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseConcluded {
		c.phase = PhaseIdle
		c.match = nil
		c.outcome = nil
		c.countdownEnd = time.Time{}
	}
}

func (c *Controller) enterActiveLocked(g *duel.Match) {
	c.phase = PhaseActive
	c.match = g
	c.outcome = nil
	c.countdownEnd = time.Now().Add(c.countdown)
}

func (c *Controller) concludeLocked(g *duel.Match) {
	c.phase = PhaseConcluded
	c.outcome = &Outcome{
		Won:     g.Winner == c.userID,
		Expired: g.Status == duel.StatusExpired,
		Winner:  g.Winner,
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:        c.phase,
		UserID:       c.userID,
		Match:        c.match,
		CountdownEnd: c.countdownEnd,
		Outcome:      c.outcome,
	}
}
