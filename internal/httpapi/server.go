package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/snaphunt/duel-server/internal/duel"
	"github.com/snaphunt/duel-server/internal/matchqueue"
	"github.com/snaphunt/duel-server/internal/obslog"
	"github.com/snaphunt/duel-server/pkg/dueldto"
)

// Server exposes the matchmaking and duel operations as a JSON API.
type Server struct {
	queue *matchqueue.Manager
	duels *duel.Manager

	srv *fasthttp.Server
}

func NewServer(queue *matchqueue.Manager, duels *duel.Manager) *Server {
	s := &Server{queue: queue, duels: duels}
	s.srv = &fasthttp.Server{
		Handler:            s.route,
		Name:               "duel-server",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	return s
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(addr string) error {
	obslog.L().Info("http_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case path == "/duel/enqueue" && method == fasthttp.MethodPost:
		s.handleEnqueue(ctx)
	case path == "/duel/cancel" && method == fasthttp.MethodPost:
		s.handleCancel(ctx)
	case path == "/duel/claim" && method == fasthttp.MethodPost:
		s.handleClaim(ctx)
	case path == "/duel/active" && method == fasthttp.MethodGet:
		s.handleActive(ctx)
	case path == "/duel/queue/status" && method == fasthttp.MethodGet:
		s.handleQueueStatus(ctx)
	case path == "/healthz" && method == fasthttp.MethodGet:
		s.handleHealth(ctx)
	default:
		writeError(ctx, fasthttp.StatusNotFound, dueldto.DomainError{Code: "not_found", Message: "unknown route"})
	}
}

func (s *Server) handleEnqueue(ctx *fasthttp.RequestCtx) {
	var req dueldto.EnqueueRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if req.UserID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, dueldto.DomainError{Code: "invalid_args", Message: "user_id is required"})
		return
	}

	res, err := s.queue.Enqueue(ctx, req.UserID)
	if err != nil {
		s.writeDomainError(ctx, err)
		return
	}

	resp := dueldto.EnqueueResponse{Paired: res.Paired, EnqueuedAt: res.EnqueuedAt}
	if res.Match != nil {
		resp.Match = snapshotFor(res.Match, req.UserID)
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleCancel(ctx *fasthttp.RequestCtx) {
	var req dueldto.CancelRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if req.UserID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, dueldto.DomainError{Code: "invalid_args", Message: "user_id is required"})
		return
	}

	removed, err := s.queue.Cancel(ctx, req.UserID)
	if err != nil {
		s.writeDomainError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, dueldto.CancelResponse{Removed: removed})
}

func (s *Server) handleClaim(ctx *fasthttp.RequestCtx) {
	var req dueldto.ClaimRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if req.UserID == "" || req.MatchID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, dueldto.DomainError{Code: "invalid_args", Message: "user_id and match_id are required"})
		return
	}

	g, err := s.duels.ClaimVictory(ctx, req.MatchID, req.UserID)
	switch {
	case err == nil:
		writeJSON(ctx, fasthttp.StatusOK, dueldto.ClaimResponse{Won: true, Match: snapshotFor(g, req.UserID)})
	case errors.Is(err, duel.ErrAlreadyResolved), errors.Is(err, duel.ErrMatchExpired):
		// Losing the race and reporting into an expired duel are ordinary
		// outcomes, not request failures.
		current, loadErr := s.duels.LoadMatch(ctx, req.MatchID)
		resp := dueldto.ClaimResponse{Won: false, Expired: errors.Is(err, duel.ErrMatchExpired)}
		if loadErr == nil && current != nil {
			resp.Match = snapshotFor(current, req.UserID)
		}
		writeJSON(ctx, fasthttp.StatusOK, resp)
	default:
		s.writeDomainError(ctx, err)
	}
}

func (s *Server) handleActive(ctx *fasthttp.RequestCtx) {
	userID := string(ctx.QueryArgs().Peek("user_id"))
	if userID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, dueldto.DomainError{Code: "invalid_args", Message: "user_id is required"})
		return
	}

	g, err := s.duels.GetActiveMatchByUser(ctx, userID)
	if err != nil {
		s.writeDomainError(ctx, err)
		return
	}
	resp := dueldto.ActiveMatchResponse{}
	if g != nil {
		resp.Match = snapshotFor(g, userID)
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleQueueStatus(ctx *fasthttp.RequestCtx) {
	userID := string(ctx.QueryArgs().Peek("user_id"))
	if userID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, dueldto.DomainError{Code: "invalid_args", Message: "user_id is required"})
		return
	}

	st, err := s.queue.Status(ctx, userID)
	if err != nil {
		s.writeDomainError(ctx, err)
		return
	}
	resp := dueldto.QueueStatusResponse{Queued: st.Queued, Rank: st.Rank}
	if st.Queued {
		resp.EnqueuedAt = st.EnqueuedAt
		resp.Waiting = st.Waiting.Round(time.Second).String()
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if err := s.duels.Client().Ping(ctx).Err(); err != nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, dueldto.DomainError{Code: "redis_unavailable", Message: err.Error(), Retryable: true})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeDomainError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, duel.ErrAlreadyInMatch):
		writeError(ctx, fasthttp.StatusConflict, dueldto.DomainError{Code: "already_in_match", Message: "finish the current duel before searching again"})
	case errors.Is(err, duel.ErrSelfMatch), errors.Is(err, duel.ErrInvalidArgs):
		writeError(ctx, fasthttp.StatusBadRequest, dueldto.DomainError{Code: "invalid_args", Message: err.Error()})
	case errors.Is(err, duel.ErrNotParticipant):
		writeError(ctx, fasthttp.StatusForbidden, dueldto.DomainError{Code: "not_participant", Message: "user is not part of this duel"})
	case errors.Is(err, duel.ErrMatchNotFound):
		writeError(ctx, fasthttp.StatusNotFound, dueldto.DomainError{Code: "match_not_found", Message: "no such duel"})
	default:
		obslog.L().Error("http_internal_error", zap.Error(err))
		writeError(ctx, fasthttp.StatusBadGateway, dueldto.DomainError{Code: "backend_error", Message: "temporary backend failure", Retryable: true})
	}
}

func snapshotFor(g *duel.Match, userID string) *dueldto.MatchSnapshot {
	return &dueldto.MatchSnapshot{
		MatchID:    g.ID,
		OpponentID: g.OpponentOf(userID),
		Status:     string(g.Status),
		Objective: dueldto.ObjectiveView{
			Title:       g.Objective.Title,
			Description: g.Objective.Description,
			Target:      g.Objective.Target,
			RewardXP:    g.Objective.RewardXP,
			RewardCoins: g.Objective.RewardCoins,
		},
		Winner:    g.Winner,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
}

func decodeBody(ctx *fasthttp.RequestCtx, out any) bool {
	if err := json.Unmarshal(ctx.PostBody(), out); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, dueldto.DomainError{Code: "bad_json", Message: "request body is not valid JSON"})
		return false
	}
	return true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}

func writeError(ctx *fasthttp.RequestCtx, status int, derr dueldto.DomainError) {
	writeJSON(ctx, status, derr)
}
