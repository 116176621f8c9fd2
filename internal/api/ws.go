package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/MindfulCoach/internal/events"
)

// Websocket tuning.
const (
	wsSubscriberBuffer = 64
	wsWriteTimeout     = 10 * time.Second
	wsPongTimeout      = 60 * time.Second
	wsPingInterval     = 30 * time.Second
	wsMaxMessageSize   = 1024
)

// Frame types sent over /ws.
const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
)

// wsFrame is one message on the event stream.
type wsFrame struct {
	Type  string        `json:"type"`
	Event *events.Event `json:"event,omitempty"`
	State any           `json:"state,omitempty"`
}

// sameHostOrigin accepts non-browser clients and pages served from this host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// websocketHandler handles GET /ws. The first frame is a session snapshot;
// every bus event follows in publish order. Slow clients miss events rather
// than stall the session and can resync from GET /session.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.websocketHandler: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(wsSubscriberBuffer)
	defer s.bus.Unsubscribe(sub)

	// Reads only service control frames; any error ends the stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsMaxMessageSize)
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("Server.websocketHandler: read ended", "error", err)
				}
				return
			}
		}
	}()

	write := func(f wsFrame) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(f); err != nil {
			slog.Debug("Server.websocketHandler: write failed", "error", err)
			return false
		}
		return true
	}

	if !write(wsFrame{Type: FrameSnapshot, State: s.coach.Snapshot()}) {
		return
	}
	slog.Debug("Server.websocketHandler: client connected", "remote", r.RemoteAddr)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			if !write(wsFrame{Type: FrameEvent, Event: &e}) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
