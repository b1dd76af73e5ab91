package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"parapay/engine"
	"parapay/feed"
)

const wsWriteTimeout = 10 * time.Second

// handleStream upgrades to a websocket and pushes live feed events. A
// `cursor` query parameter replays the retained backlog after that sequence
// before streaming updates; the socket is write-only.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		respondError(w, r, http.StatusNotFound, engine.CodeNotFound, "live feed is not enabled", nil)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err, "request_id", requestIDFrom(r.Context()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	updates, cancel, backlog, err := s.feed.Subscribe(r.Context(), r.URL.Query().Get("cursor"))
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cancel()

	// Reads are discarded; CloseRead also surfaces client disconnects
	// through the returned context.
	ctx := conn.CloseRead(r.Context())

	for _, ev := range backlog {
		if err := writeFeedEvent(ctx, conn, ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			if err := writeFeedEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeFeedEvent(ctx context.Context, conn *websocket.Conn, ev feed.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
