package webchat

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// NewWSHandler upgrades GET /ws?session_id=<id> and attaches the connection to
// the builder session's pool.
func NewWSHandler(m *SessionManager, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if m == nil {
			http.Error(w, "session manager not initialized", http.StatusServiceUnavailable)
			return
		}
		id := strings.TrimSpace(req.URL.Query().Get("session_id"))
		if !ValidSessionID(id) {
			http.Error(w, "missing or invalid session_id", http.StatusBadRequest)
			return
		}
		b, err := m.GetOrCreate(id)
		if err != nil {
			log.Error().Err(err).Str("component", "webchat").Str("session_id", id).Msg("builder session unavailable")
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		attachWebSocket(b, conn)
	}
}

func attachWebSocket(b *Builder, conn *websocket.Conn) {
	b.pool.Add(conn)
	b.touch()
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("session_id", b.ID).
		Logger()
	wsLog.Info().Msg("ws connected")

	if hello, err := encodeFrame(Frame{Type: FrameHello, SessionID: b.ID, Data: b.hello()}); err == nil {
		b.pool.SendToOne(conn, hello)
	}

	go func() {
		defer func() {
			b.pool.Remove(conn)
			b.touch()
			wsLog.Info().Msg("ws disconnected")
		}()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage || !isPing(data) {
				continue
			}
			pong, err := encodeFrame(Frame{Type: FramePong, SessionID: b.ID, Data: map[string]int64{"serverTime": time.Now().UnixMilli()}})
			if err == nil {
				b.pool.SendToOne(conn, pong)
			}
		}
	}()
}

// isPing accepts a bare "ping" or a JSON {"type":"ws.ping"}.
func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ws.ping")
}
