package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/p2ppsr/babbage-escrow/core/events"
	"github.com/p2ppsr/babbage-escrow/core/types"
)

// payloadEvent is implemented by events that carry a typed payload.
type payloadEvent interface {
	Event() *types.Event
}

// handleStream upgrades to a websocket and forwards admitted escrow events.
// The optional contract query parameter narrows the feed to one contract.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	contract := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("contract")))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	feed, cancel := s.bus.Subscribe(s.cfg.StreamBuffer)
	defer cancel()
	// Reads are only needed to notice the peer closing.
	ctx := conn.CloseRead(r.Context())

	if err := s.streamEvents(ctx, conn, feed, contract); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, feed <-chan events.Event, contract string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-feed:
			if !ok {
				return nil
			}
			typed, ok := evt.(payloadEvent)
			if !ok || typed.Event() == nil {
				continue
			}
			payload := typed.Event()
			if contract != "" && payload.Attr("contract") != contract {
				continue
			}
			if err := s.writeEvent(ctx, conn, payload); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
