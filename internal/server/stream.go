package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/eventbus"
)

const (
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Observers only send control frames.
	maxMessageSize = 4096
	// SSE comment interval that keeps idle proxies from closing the stream.
	sseHeartbeat = 15 * time.Second
)

// filterFromQuery reads ?session=<id>&types=a,b.
func filterFromQuery(r *http.Request) (eventbus.Filter, error) {
	q := r.URL.Query()
	filter := eventbus.Filter{SessionID: strings.TrimSpace(q.Get("session"))}
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			typ := schemas.EventType(t)
			if !knownEventType(typ) {
				return eventbus.Filter{}, fmt.Errorf("unknown event type %q", t)
			}
			filter.Types = append(filter.Types, typ)
		}
	}
	return filter, nil
}

func knownEventType(t schemas.EventType) bool {
	switch t {
	case schemas.EventThinking, schemas.EventStepPlanned, schemas.EventStepExecuted,
		schemas.EventError, schemas.EventCompleted, schemas.EventCancelled, schemas.EventStateChanged:
		return true
	}
	return false
}

// endsStream reports whether ev closes a session scoped feed.
func endsStream(filter eventbus.Filter, ev schemas.AgentEvent) bool {
	return filter.SessionID != "" && ev.Type.IsTerminal()
}

// handleSSE streams events as text/event-stream. A feed scoped to one
// session ends after that session's terminal event.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondWithError(w, http.StatusInternalServerError, "Streaming is not supported by this connection.")
		return
	}
	filter, err := filterFromQuery(r)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := s.bus.Subscribe(filter)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Debug("SSE subscriber connected.", zap.String("remote_addr", r.RemoteAddr), zap.String("session_id", filter.SessionID))

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
			if endsStream(filter, ev) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// wsClient is one WebSocket observer.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *eventbus.Subscription
	filter eventbus.Filter
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	s.logger.Debug("WebSocket subscriber connected.", zap.String("remote_addr", r.RemoteAddr), zap.String("session_id", filter.SessionID))

	client := &wsClient{
		server: s,
		conn:   conn,
		sub:    s.bus.Subscribe(filter),
		filter: filter,
	}
	readDone := make(chan struct{})
	go client.readPump(readDone)
	client.writePump(r.Context(), readDone)
	<-readDone
}

// readPump drains control frames until the peer goes away. Observers have
// no commands, so data frames are discarded.
func (c *wsClient) readPump(done chan<- struct{}) {
	defer close(done)

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump(ctx context.Context, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
	}()

	writeWait := c.server.cfg.WriteTimeout
	closeWith := func(code int, text string) {
		msg := websocket.FormatCloseMessage(code, text)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}

	for {
		select {
		case <-ctx.Done():
			closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				closeWith(websocket.CloseGoingAway, "event bus closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debug("Error writing event to WebSocket", zap.Error(err))
				return
			}
			if endsStream(c.filter, ev) {
				closeWith(websocket.CloseNormalClosure, string(ev.Type))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
