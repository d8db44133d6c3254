package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/teller/internal/identity"
	"github.com/ashureev/teller/internal/workflow"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsReply is a server frame.
type wsReply struct {
	Type string `json:"type"`
	*workflow.Reply
	Error string `json:"error,omitempty"`
}

// ConnRegistry tracks the live chat connection of each session. A second
// connection for the same session replaces the first.
type ConnRegistry struct {
	mu     sync.Mutex
	active map[string]*websocket.Conn
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{active: make(map[string]*websocket.Conn)}
}

// Register adds a connection for a session.
func (m *ConnRegistry) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[sessionID] = conn
}

// Unregister removes conn if it is still the session's connection.
func (m *ConnRegistry) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
	}
}

// CloseSession closes the session's connection, if any. It is used as the
// expiry worker callback.
func (m *ConnRegistry) CloseSession(sessionID string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session expired")
		slog.Info("Chat connection closed", "session_id", sessionID)
	}
}

// Len returns the number of live connections.
func (m *ConnRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// WebSocketHandler serves GET /ws/chat.
type WebSocketHandler struct {
	handler        *Handler
	conns          *ConnRegistry
	originPatterns []string
}

// NewWebSocketHandler creates a chat WebSocket handler. originPatterns are
// passed to websocket.Accept; empty allows any origin.
func NewWebSocketHandler(h *Handler, conns *ConnRegistry, originPatterns []string) *WebSocketHandler {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &WebSocketHandler{handler: h, conns: conns, originPatterns: originPatterns}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	logger := h.handler.logger
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.handler.maxBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	h.readLoop(r.Context(), ws, userID, sessionID)
	logger.Info("Chat connection ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	logger := h.handler.logger
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Plain text frames are chat messages.
			msg = wsMessage{Type: "message", Content: string(data)}
		}

		var out wsReply
		switch msg.Type {
		case "message", "":
			out = h.process(ctx, userID, sessionID, msg.Content)
		case "cancel":
			reply, err := h.handler.engine.Cancel(ctx, sessionID, userID)
			out = h.result(reply, err)
		case "ping":
			out = wsReply{Type: "pong"}
		default:
			out = wsReply{Type: "error", Error: "unknown message type"}
		}

		if err := h.writeJSON(ctx, ws, out); err != nil {
			logger.Debug("WebSocket write failed", "error", err, "user_id", userID)
			return
		}
	}
}

func (h *WebSocketHandler) process(ctx context.Context, userID, sessionID, text string) wsReply {
	if strings.TrimSpace(text) == "" {
		return wsReply{Type: "error", Error: "message is required"}
	}
	if !h.handler.limiter.Allow(userID) {
		return wsReply{Type: "error", Error: "rate limit exceeded"}
	}
	reply, err := h.handler.engine.ProcessChannelMessage(ctx, sessionID, userID, text, ChannelWebSocket)
	return h.result(reply, err)
}

func (h *WebSocketHandler) result(reply workflow.Reply, err error) wsReply {
	if err != nil {
		status, message := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.handler.logger.Error("Chat message failed", "error", err)
		}
		return wsReply{Type: "error", Error: message}
	}
	return wsReply{Type: "reply", Reply: &reply}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
