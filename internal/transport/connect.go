package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/relay-agent/runtime/internal/convmanager"
)

// wsReadLimit bounds one inbound frame; user messages are text, not file
// payloads, so this is generous without being unbounded.
const wsReadLimit = 1 << 20 // 1 MiB

// handleConnect implements spec.md §6's "Client <-> Server transport
// (WebSocket-style)": parses conversation_id/latest_event_id/providers_set,
// joins (or starts) the conversation's loop, replays its event log, then
// relays the live stream both ways until the socket closes.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("conversation_id")
	if sid == "" {
		http.Error(w, `{"error":"conversation_id is required"}`, http.StatusBadRequest)
		return
	}

	latestEventID := int64(-1)
	if v := q.Get("latest_event_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"latest_event_id must be an integer"}`, http.StatusBadRequest)
			return
		}
		latestEventID = n
	}

	var providersSet []string
	if v := q.Get("providers_set"); v != "" {
		providersSet = strings.Split(v, ",")
	}
	userID := q.Get("user_id")

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("sid", sid).Msg("transport: websocket accept failed")
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	connectionID := ulid.Make().String()

	settings := s.cfg.DefaultSettings
	if _, err := s.mgr.JoinConversation(ctx, sid, connectionID, settings, userID); err != nil {
		s.log.Warn().Err(err).Str("sid", sid).Msg("transport: join_conversation failed")
		c.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer s.mgr.DisconnectFromSession(connectionID)

	_ = providersSet // reserved: per-connection provider allow-list (spec.md §6), not yet enforced

	backlog, err := s.mgr.ReplayEvents(sid, latestEventID)
	if err != nil {
		s.log.Warn().Err(err).Str("sid", sid).Msg("transport: replay failed")
		c.Close(websocket.StatusInternalError, err.Error())
		return
	}
	for _, e := range backlog {
		if err := writeJSON(ctx, c, e); err != nil {
			return
		}
	}

	sub, ok := s.mgr.Subscription(connectionID)
	if !ok {
		c.Close(websocket.StatusInternalError, "subscription lost")
		return
	}

	done := make(chan struct{})
	go s.readLoop(ctx, c, sid, connectionID, done)

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := writeJSON(ctx, c, e); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop drains inbound client frames and forwards each to
// SendToEventStream (spec.md §6 "Inbound client messages: a user action").
func (s *Server) readLoop(ctx context.Context, c *websocket.Conn, sid, connectionID string, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if err := s.mgr.SendToEventStream(ctx, connectionID, data); err != nil {
			s.log.Warn().Err(err).Str("sid", sid).Msg("transport: send_to_event_stream failed")
			_ = writeJSON(ctx, c, map[string]string{"error": err.Error()})
		}
	}
}

func writeJSON(ctx context.Context, c *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.Write(wctx, websocket.MessageText, data)
}
