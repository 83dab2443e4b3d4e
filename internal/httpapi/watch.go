package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/snaphunt/duel-server/internal/duel"
	"github.com/snaphunt/duel-server/internal/obslog"
)

// WatchServer pushes duel state over a websocket so clients see pairing and
// conclusion without polling. It runs on its own listener: the JSON API is
// fasthttp, and the websocket handshake needs a net/http ResponseWriter.
type WatchServer struct {
	duels    *duel.Manager
	interval time.Duration

	srv *http.Server
}

func NewWatchServer(duels *duel.Manager, interval time.Duration) *WatchServer {
	if interval <= 0 {
		interval = time.Second
	}
	w := &WatchServer{duels: duels, interval: interval}
	mux := http.NewServeMux()
	mux.HandleFunc("/duel/watch", w.handleWatch)
	w.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return w
}

func (w *WatchServer) Serve(addr string) error {
	w.srv.Addr = addr
	obslog.L().Info("watch_listen", zap.String("addr", addr))
	err := w.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (w *WatchServer) Shutdown(ctx context.Context) error {
	return w.srv.Shutdown(ctx)
}

// watchEvent is one websocket frame. Phase mirrors what the client should
// display: "searching" until a duel exists, then the duel snapshot until it
// turns terminal, then a final frame and close.
type watchEvent struct {
	Phase string      `json:"phase"`
	Match *duel.Match `json:"match,omitempty"`
}

func (w *WatchServer) handleWatch(rw http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(rw, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("watch_accept_error", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch loop exited")

	// The stream is write-only from our side, so CloseRead owns the read
	// half: it services control frames and cancels the context the moment
	// the client goes away, instead of leaving the loop polling for nobody.
	ctx := conn.CloseRead(r.Context())
	obslog.L().Info("watch_open", zap.String("user", userID))

	if err := w.streamMatches(ctx, conn, userID); err != nil && !errors.Is(err, context.Canceled) {
		obslog.L().Info("watch_close", zap.String("user", userID), zap.Error(err))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "duel concluded")
}

func (w *WatchServer) streamMatches(ctx context.Context, conn *websocket.Conn, userID string) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	var lastSent string
	for {
		g, err := w.duels.GetCurrentMatchByUser(ctx, userID)
		if err != nil && !errors.Is(err, duel.ErrMatchNotFound) {
			return err
		}

		ev := watchEvent{Phase: "searching"}
		if g != nil {
			ev.Match = g
			if g.Terminal() {
				ev.Phase = "concluded"
			} else {
				ev.Phase = "active"
			}
		}

		// Only push frames that changed since the last one.
		key := frameKey(ev)
		if key != lastSent {
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return err
			}
			lastSent = key
		}
		if ev.Phase == "concluded" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func frameKey(ev watchEvent) string {
	if ev.Match == nil {
		return ev.Phase
	}
	return ev.Phase + "|" + ev.Match.ID + "|" + string(ev.Match.Status) + "|" + ev.Match.Winner + "|" + ev.Match.UpdatedAt.UTC().Format(time.RFC3339Nano)
}
