package notifications

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	platformauth "github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/auth"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 45 * time.Second
)

// wsConn adapts a gorilla connection to the hub's Conn interface. Gorilla
// permits only one concurrent writer, so writes are serialized here.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// WebsocketHandler authenticates the request, upgrades it and keeps the
// connection registered with the hub until the peer goes away.
type WebsocketHandler struct {
	Hub      *Hub
	Tokens   platformauth.Manager
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewWebsocketHandler(hub *Hub, tokens platformauth.Manager, logger *slog.Logger) *WebsocketHandler {
	return &WebsocketHandler{
		Hub:    hub,
		Tokens: tokens,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Token auth makes the origin check redundant for this endpoint.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	claims, err := h.Tokens.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	conn := &wsConn{conn: raw}
	h.Hub.Register(claims.Subject, conn)
	h.Logger.Info("notification connection opened", "user_id", claims.Subject)

	done := make(chan struct{})
	go h.keepAlive(conn, done)

	raw.SetReadLimit(4 * 1024)
	_ = raw.SetReadDeadline(time.Now().Add(pongTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	// Inbound frames are drained only to observe the close; clients do not
	// speak on this channel.
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			break
		}
	}

	close(done)
	h.Hub.Unregister(conn)
	_ = raw.Close()
	h.Logger.Info("notification connection closed", "user_id", claims.Subject)
}

func (h *WebsocketHandler) keepAlive(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
