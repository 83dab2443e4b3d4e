package duel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/snaphunt/duel-server/internal/reward"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	url := fmt.Sprintf("redis://%s/0", mr.Addr())
	m, err := NewManager(url)
	if err != nil {
		t.Fatalf("duel.NewManager: %v", err)
	}
	return m
}

func testObjective() Objective {
	return Objective{Title: "Red Door", Target: "red door", RewardXP: 120, RewardCoins: 35}
}

func TestCreateMatchRejectsSelfPair(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateMatch(ctx, "u1", "u1", testObjective()); !errors.Is(err, ErrSelfMatch) {
		t.Fatalf("expected ErrSelfMatch, got %v", err)
	}
	if _, err := m.CreateMatch(ctx, "", "u2", testObjective()); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}

func TestClaimVictoryResolvesOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, err := m.CreateMatch(ctx, "u1", "u2", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	won, err := m.ClaimVictory(ctx, g.ID, "u1")
	if err != nil {
		t.Fatalf("ClaimVictory: %v", err)
	}
	if won.Status != StatusResolved || won.Winner != "u1" {
		t.Fatalf("unexpected state after claim: status=%s winner=%q", won.Status, won.Winner)
	}

	// The loser's claim is a benign race outcome, not a crash.
	if _, err := m.ClaimVictory(ctx, g.ID, "u2"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved for second claim, got %v", err)
	}

	// Winner is write-once.
	cur, err := m.LoadMatch(ctx, g.ID)
	if err != nil || cur == nil {
		t.Fatalf("LoadMatch: %v", err)
	}
	if cur.Winner != "u1" || cur.Status != StatusResolved {
		t.Fatalf("winner overwritten: status=%s winner=%q", cur.Status, cur.Winner)
	}
}

func TestClaimVictoryConcurrentClaimsExactlyOneWinner(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, err := m.CreateMatch(ctx, "u1", "u2", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	type outcome struct {
		claimant string
		err      error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, claimant := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_, err := m.ClaimVictory(ctx, g.ID, uid)
			results <- outcome{claimant: uid, err: err}
		}(claimant)
	}
	wg.Wait()
	close(results)

	var winners, losers []string
	for r := range results {
		switch {
		case r.err == nil:
			winners = append(winners, r.claimant)
		case errors.Is(r.err, ErrAlreadyResolved):
			losers = append(losers, r.claimant)
		default:
			t.Fatalf("claimant %s got unexpected error: %v", r.claimant, r.err)
		}
	}
	if len(winners) != 1 || len(losers) != 1 {
		t.Fatalf("expected exactly one winner and one loser, got winners=%v losers=%v", winners, losers)
	}

	cur, err := m.LoadMatch(ctx, g.ID)
	if err != nil || cur == nil {
		t.Fatalf("LoadMatch: %v", err)
	}
	if cur.Status != StatusResolved || cur.Winner != winners[0] {
		t.Fatalf("recorded winner %q does not match successful claimant %q", cur.Winner, winners[0])
	}
}

func TestClaimVictoryRejectsOutsiders(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, err := m.CreateMatch(ctx, "u1", "u2", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if _, err := m.ClaimVictory(ctx, g.ID, "intruder"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := m.ClaimVictory(ctx, "duel-missing", "u1"); !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestExpireMatchIsCAS(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, err := m.CreateMatch(ctx, "u1", "u2", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if _, err := m.ClaimVictory(ctx, g.ID, "u2"); err != nil {
		t.Fatalf("ClaimVictory: %v", err)
	}

	// A sweep racing a settled claim must observe RESOLVED and back off.
	if _, err := m.ExpireMatch(ctx, g.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved from expire on resolved match, got %v", err)
	}
	cur, _ := m.LoadMatch(ctx, g.ID)
	if cur == nil || cur.Status != StatusResolved || cur.Winner != "u2" {
		t.Fatalf("resolved match mutated by expire: %+v", cur)
	}
}

func TestExpireOverdueSkipsResolvedAndFresh(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	overdue, err := m.CreateMatch(ctx, "u1", "u2", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	settled, err := m.CreateMatch(ctx, "u3", "u4", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if _, err := m.ClaimVictory(ctx, settled.ID, "u3"); err != nil {
		t.Fatalf("ClaimVictory: %v", err)
	}

	// olderThan=0 makes every ACTIVE match overdue; only the unsettled one
	// may flip.
	n, err := m.ExpireOverdue(ctx, 0)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expiry, got %d", n)
	}

	got, _ := m.LoadMatch(ctx, overdue.ID)
	if got == nil || got.Status != StatusExpired || got.Winner != "" {
		t.Fatalf("overdue match not expired cleanly: %+v", got)
	}
	got, _ = m.LoadMatch(ctx, settled.ID)
	if got == nil || got.Status != StatusResolved || got.Winner != "u3" {
		t.Fatalf("settled match disturbed by sweep: %+v", got)
	}

	// Claims on an expired match report expiry, never resurrect it.
	if _, err := m.ClaimVictory(ctx, overdue.ID, "u1"); !errors.Is(err, ErrMatchExpired) {
		t.Fatalf("expected ErrMatchExpired, got %v", err)
	}
}

func TestExpireOverdueKeepsYoungMatches(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, err := m.CreateMatch(ctx, "u1", "u2", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	n, err := m.ExpireOverdue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh match expired, count=%d", n)
	}
	got, _ := m.LoadMatch(ctx, g.ID)
	if got == nil || got.Status != StatusActive {
		t.Fatalf("fresh match not active anymore: %+v", got)
	}
}

func TestGetActiveMatchByUser(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if g, err := m.GetActiveMatchByUser(ctx, "u1"); err != nil || g != nil {
		t.Fatalf("expected no match, got %v / %v", g, err)
	}

	created, err := m.CreateMatch(ctx, "u1", "u2", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	for _, uid := range []string{"u1", "u2"} {
		g, err := m.GetActiveMatchByUser(ctx, uid)
		if err != nil || g == nil || g.ID != created.ID {
			t.Fatalf("GetActiveMatchByUser(%s): %v / %v", uid, g, err)
		}
	}

	if _, err := m.ClaimVictory(ctx, created.ID, "u1"); err != nil {
		t.Fatalf("ClaimVictory: %v", err)
	}
	if g, err := m.GetActiveMatchByUser(ctx, "u1"); err != nil || g != nil {
		t.Fatalf("resolved match still reported active: %v / %v", g, err)
	}
	// The resolved match remains observable as the current one.
	g, err := m.GetCurrentMatchByUser(ctx, "u2")
	if err != nil || g == nil || g.Status != StatusResolved || g.Winner != "u1" {
		t.Fatalf("GetCurrentMatchByUser after resolve: %+v / %v", g, err)
	}
}

func TestClaimVictoryGrantsRewardOnce(t *testing.T) {
	m := newTestManager(t)
	rewards := reward.NewMemStore()
	m.AttachRewards(rewards)
	ctx := context.Background()

	g, err := m.CreateMatch(ctx, "u1", "u2", testObjective())
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if _, err := m.ClaimVictory(ctx, g.ID, "u2"); err != nil {
		t.Fatalf("ClaimVictory: %v", err)
	}
	if _, err := m.ClaimVictory(ctx, g.ID, "u1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	if !rewards.Granted(g.ID) {
		t.Fatalf("winner reward not granted")
	}
	p := rewards.Profile("u2")
	if p == nil || p.XP != 120 || p.Coins != 35 || p.DuelWins != 1 {
		t.Fatalf("unexpected winner profile: %+v", p)
	}
	if rewards.Profile("u1") != nil {
		t.Fatalf("loser was rewarded")
	}
}
