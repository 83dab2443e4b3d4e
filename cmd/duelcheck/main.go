package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/valyala/fasthttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/snaphunt/duel-server/pkg/dueldto"
)

// duelcheck probes a running duel server: hits /healthz, enqueues a throwaway
// user, and watches the websocket stream for a short window.
func main() {
	baseURL := os.Getenv("DUEL_BASE_URL")
	watchURL := os.Getenv("DUEL_WATCH_URL")
	userID := os.Getenv("DUEL_CHECK_USER")

	if baseURL == "" {
		log.Fatal("DUEL_BASE_URL is required")
	}
	if userID == "" {
		userID = "duelcheck-probe"
	}

	client := &fasthttp.Client{ReadTimeout: 8 * time.Second, WriteTimeout: 8 * time.Second}

	status, body, err := client.GetTimeout(nil, baseURL+"/healthz", 5*time.Second)
	if err != nil {
		log.Fatalf("/healthz error: %v", err)
	}
	log.Printf("/healthz: status=%d body=%s", status, body)

	payload, _ := json.Marshal(dueldto.EnqueueRequest{UserID: userID})
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(baseURL + "/duel/enqueue")
	req.Header.SetContentType("application/json")
	req.SetBody(payload)
	if err := client.DoTimeout(req, resp, 5*time.Second); err != nil {
		log.Printf("/duel/enqueue error: %v", err)
	} else {
		log.Printf("/duel/enqueue: status=%d body=%s", resp.StatusCode(), resp.Body())
	}
	fasthttp.ReleaseRequest(req)
	fasthttp.ReleaseResponse(resp)

	if watchURL == "" {
		log.Println("DUEL_WATCH_URL not set; skipping watch check")
		cleanup(client, baseURL, userID)
		return
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, watchURL+"/duel/watch?user_id="+userID, nil)
	cancel()
	if err != nil {
		log.Printf("watch dial error: %v", err)
		cleanup(client, baseURL, userID)
		return
	}

	// Observe for a short window.
	readCtx, readCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer readCancel()
	for {
		var frame map[string]any
		if err := wsjson.Read(readCtx, conn, &frame); err != nil {
			log.Printf("watch stream closed: %v", err)
			break
		}
		log.Printf("watch frame: %v", frame)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	cleanup(client, baseURL, userID)
}

// cleanup removes the probe user from the queue so repeated checks do not
// accidentally pair two probes into a real duel.
func cleanup(client *fasthttp.Client, baseURL, userID string) {
	payload, _ := json.Marshal(dueldto.CancelRequest{UserID: userID})
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(baseURL + "/duel/cancel")
	req.Header.SetContentType("application/json")
	req.SetBody(payload)
	if err := client.DoTimeout(req, resp, 5*time.Second); err != nil {
		log.Printf("/duel/cancel error: %v", err)
		return
	}
	log.Printf("/duel/cancel: status=%d body=%s", resp.StatusCode(), resp.Body())
}
