package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/snaphunt/duel-server/internal/duel"
	"github.com/snaphunt/duel-server/internal/matchqueue"
	"github.com/snaphunt/duel-server/pkg/dueldto"
)

type fixedPicker struct{ obj duel.Objective }

func (p fixedPicker) Pick() duel.Objective { return p.obj }

func newTestClient(t *testing.T) (*fasthttp.Client, *duel.Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	duels, err := duel.NewManager(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("duel.NewManager: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	picker := fixedPicker{obj: duel.Objective{Title: "Neon Sign", Target: "neon sign", RewardXP: 90, RewardCoins: 25}}
	queue := matchqueue.NewManager(rdb, duels, picker)

	srv := NewServer(queue, duels)
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = srv.srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
	return client, duels
}

func doJSON(t *testing.T, client *fasthttp.Client, method, uri string, in, out any) int {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI("http://duel" + uri)
	req.Header.SetContentType("application/json")
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req.SetBody(payload)
	}
	if err := client.DoTimeout(req, resp, 5*time.Second); err != nil {
		t.Fatalf("%s %s: %v", method, uri, err)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			t.Fatalf("decode %s %s: %v (body=%s)", method, uri, err, resp.Body())
		}
	}
	return resp.StatusCode()
}

func TestEnqueueAndPairOverHTTP(t *testing.T) {
	client, _ := newTestClient(t)

	var first dueldto.EnqueueResponse
	status := doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u1"}, &first)
	if status != fasthttp.StatusOK {
		t.Fatalf("enqueue u1: status %d", status)
	}
	if first.Paired {
		t.Fatalf("first enqueue must wait, got %+v", first)
	}

	var second dueldto.EnqueueResponse
	status = doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u2"}, &second)
	if status != fasthttp.StatusOK {
		t.Fatalf("enqueue u2: status %d", status)
	}
	if !second.Paired || second.Match == nil {
		t.Fatalf("second enqueue must pair, got %+v", second)
	}
	if second.Match.OpponentID != "u1" {
		t.Fatalf("expected opponent u1, got %q", second.Match.OpponentID)
	}
	if second.Match.Objective.Title != "Neon Sign" {
		t.Fatalf("objective missing from snapshot: %+v", second.Match)
	}
}

func TestEnqueueWhileInMatchConflicts(t *testing.T) {
	client, _ := newTestClient(t)

	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u1"}, nil)
	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u2"}, nil)

	var derr dueldto.DomainError
	status := doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u1"}, &derr)
	if status != fasthttp.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if derr.Code != "already_in_match" {
		t.Fatalf("unexpected error payload: %+v", derr)
	}
}

func TestClaimRaceOverHTTP(t *testing.T) {
	client, _ := newTestClient(t)

	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u1"}, nil)
	var paired dueldto.EnqueueResponse
	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u2"}, &paired)
	matchID := paired.Match.MatchID

	var winner dueldto.ClaimResponse
	status := doJSON(t, client, fasthttp.MethodPost, "/duel/claim", dueldto.ClaimRequest{UserID: "u2", MatchID: matchID}, &winner)
	if status != fasthttp.StatusOK || !winner.Won {
		t.Fatalf("first claim should win: status=%d resp=%+v", status, winner)
	}

	var loser dueldto.ClaimResponse
	status = doJSON(t, client, fasthttp.MethodPost, "/duel/claim", dueldto.ClaimRequest{UserID: "u1", MatchID: matchID}, &loser)
	if status != fasthttp.StatusOK {
		t.Fatalf("late claim status %d", status)
	}
	if loser.Won || loser.Expired {
		t.Fatalf("late claim must lose without expiry: %+v", loser)
	}
	if loser.Match == nil || loser.Match.Winner != "u2" {
		t.Fatalf("late claim should see the real winner: %+v", loser.Match)
	}
}

func TestClaimByOutsiderForbidden(t *testing.T) {
	client, _ := newTestClient(t)

	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u1"}, nil)
	var paired dueldto.EnqueueResponse
	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u2"}, &paired)

	var derr dueldto.DomainError
	status := doJSON(t, client, fasthttp.MethodPost, "/duel/claim", dueldto.ClaimRequest{UserID: "intruder", MatchID: paired.Match.MatchID}, &derr)
	if status != fasthttp.StatusForbidden {
		t.Fatalf("expected 403, got %d (%+v)", status, derr)
	}
}

func TestCancelReportsRemoval(t *testing.T) {
	client, _ := newTestClient(t)

	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u1"}, nil)

	var first dueldto.CancelResponse
	doJSON(t, client, fasthttp.MethodPost, "/duel/cancel", dueldto.CancelRequest{UserID: "u1"}, &first)
	if !first.Removed {
		t.Fatalf("expected removal on first cancel")
	}

	var second dueldto.CancelResponse
	status := doJSON(t, client, fasthttp.MethodPost, "/duel/cancel", dueldto.CancelRequest{UserID: "u1"}, &second)
	if status != fasthttp.StatusOK || second.Removed {
		t.Fatalf("repeat cancel must be a no-op: status=%d resp=%+v", status, second)
	}
}

func TestQueueStatusOverHTTP(t *testing.T) {
	client, _ := newTestClient(t)

	var empty dueldto.QueueStatusResponse
	doJSON(t, client, fasthttp.MethodGet, "/duel/queue/status?user_id=u1", nil, &empty)
	if empty.Queued {
		t.Fatalf("expected not queued, got %+v", empty)
	}

	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u1"}, nil)

	var queued dueldto.QueueStatusResponse
	doJSON(t, client, fasthttp.MethodGet, "/duel/queue/status?user_id=u1", nil, &queued)
	if !queued.Queued || queued.Rank != 0 {
		t.Fatalf("expected rank 0, got %+v", queued)
	}
}

func TestActiveMatchLookupOverHTTP(t *testing.T) {
	client, duels := newTestClient(t)

	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u1"}, nil)
	var paired dueldto.EnqueueResponse
	doJSON(t, client, fasthttp.MethodPost, "/duel/enqueue", dueldto.EnqueueRequest{UserID: "u2"}, &paired)

	var active dueldto.ActiveMatchResponse
	doJSON(t, client, fasthttp.MethodGet, "/duel/active?user_id=u1", nil, &active)
	if active.Match == nil || active.Match.MatchID != paired.Match.MatchID {
		t.Fatalf("expected active match for u1, got %+v", active.Match)
	}
	if active.Match.OpponentID != "u2" {
		t.Fatalf("snapshot must be from u1's point of view, got %+v", active.Match)
	}

	if _, err := duels.ClaimVictory(context.Background(), paired.Match.MatchID, "u1"); err != nil {
		t.Fatalf("ClaimVictory: %v", err)
	}

	var after dueldto.ActiveMatchResponse
	doJSON(t, client, fasthttp.MethodGet, "/duel/active?user_id=u1", nil, &after)
	if after.Match != nil {
		t.Fatalf("resolved duel must not be reported active: %+v", after.Match)
	}
}

func TestHealthz(t *testing.T) {
	client, _ := newTestClient(t)
	var body map[string]string
	status := doJSON(t, client, fasthttp.MethodGet, "/healthz", nil, &body)
	if status != fasthttp.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: status=%d body=%v", status, body)
	}
}
