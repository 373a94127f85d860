package realtime

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mediaforge/jobs-api/internal/domain"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxClientMessageLen = 4096

	messageTypeSubscribe  = "subscribe"
	messageTypeSubscribed = "subscribed"
	messageTypePing       = "ping"
	messageTypePong       = "pong"
	messageTypeError      = "error"
)

type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type controlMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// WSConn adapts a websocket connection to Conn. Writes are serialized since
// broadcasts for different jobs may arrive from different goroutines.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *WSConn) Send(message domain.ProgressMessage) error {
	return c.writeJSON(message)
}

func (c *WSConn) Closed() bool {
	return c.closed.Load()
}

func (c *WSConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *WSConn) writeJSON(value any) error {
	if c.Closed() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(value); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

// WSHandler upgrades requests and binds each connection to the registry for
// its whole lifetime.
type WSHandler struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *log.Logger
}

func NewWSHandler(registry *Registry, allowedOrigins []string, writeTimeout time.Duration, logger *log.Logger) *WSHandler {
	return &WSHandler{
		registry:     registry,
		writeTimeout: writeTimeout,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		if h.logger != nil {
			h.logger.Printf("websocket upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		}
		return
	}

	conn := NewWSConn(raw, h.writeTimeout)
	connID := h.registry.Register(conn)
	defer func() {
		h.registry.Unregister(connID)
		_ = conn.Close()
	}()

	raw.SetReadLimit(maxClientMessageLen)
	for {
		var message clientMessage
		if err := raw.ReadJSON(&message); err != nil {
			if h.logger != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("websocket closed conn_id=%s err=%v", connID, err)
			}
			return
		}

		switch strings.ToLower(strings.TrimSpace(message.Type)) {
		case messageTypeSubscribe:
			jobID := strings.TrimSpace(message.JobID)
			if jobID == "" {
				_ = conn.writeJSON(controlMessage{Type: messageTypeError, Message: "job_id is required"})
				continue
			}
			h.registry.Subscribe(connID, jobID)
			_ = conn.writeJSON(controlMessage{Type: messageTypeSubscribed, JobID: jobID})
		case messageTypePing:
			_ = conn.writeJSON(controlMessage{Type: messageTypePong})
		default:
			_ = conn.writeJSON(controlMessage{Type: messageTypeError, Message: "unsupported message type"})
		}
	}
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || len(origins) == 0 {
			return true
		}
		for _, allowed := range origins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}
}
