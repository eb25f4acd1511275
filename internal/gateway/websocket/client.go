package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentdev/ads/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Outbound buffer; a slow consumer drops messages rather than blocking
	// the turn pipeline.
	defaultSendBuffer = 256
)

// Client is one authenticated WebSocket connection.
type Client struct {
	id            string
	userID        string
	chatSessionID string

	conn    *websocket.Conn
	server  *Server
	send    chan []byte
	limiter *rate.Limiter

	// sendMu guards closed and the send channel: turn goroutines outlive the
	// connection and must never write after close.
	sendMu sync.Mutex
	closed bool

	missedPongs atomic.Int32
	logger      *logger.Logger
}

func newClient(id, userID, chatSessionID string, conn *websocket.Conn, srv *Server, log *logger.Logger) *Client {
	buffer := srv.cfg.SendBufferSize
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	perSec := srv.cfg.MessagesPerSec
	if perSec <= 0 {
		perSec = 10
	}
	burst := srv.cfg.MessageBurst
	if burst <= 0 {
		burst = 20
	}
	return &Client{
		id:            id,
		userID:        userID,
		chatSessionID: chatSessionID,
		conn:          conn,
		server:        srv,
		send:          make(chan []byte, buffer),
		limiter:       rate.NewLimiter(rate.Limit(perSec), burst),
		logger:        log.WithField("client_id", id),
	}
}

// sessionID is the history bucket this connection writes to.
func (c *Client) sessionID() string {
	if c.chatSessionID != "" {
		return c.chatSessionID
	}
	return c.userID
}

// ReadPump pumps messages from the connection into the server dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.server.unregister(c)
		c.conn.Close()
	}()

	maxBytes := c.server.cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 512 * 1024
	}
	c.conn.SetReadLimit(maxBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.server.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		c.conn.SetReadDeadline(time.Now().Add(c.server.pongWait()))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("websocket read error")
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendJSON(errorMsg("invalid message format"))
			continue
		}
		if err := msg.validate(); err != nil {
			c.sendJSON(errorMsg(err.Error()))
			continue
		}

		// Liveness pings bypass the rate limit.
		if msg.Type != typePing && !c.limiter.Allow() {
			c.sendJSON(errorMsg("rate limit exceeded"))
			continue
		}

		c.server.handleMessage(ctx, c, &msg)
	}
}

// WritePump drains the send channel and drives liveness pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.server.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			if int(c.missedPongs.Add(1)) > c.server.maxMissedPongs() {
				c.logger.Debug("terminating unresponsive connection")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues raw for the write pump. Returns false when the client has
// disconnected or its buffer is full.
func (c *Client) trySend(raw []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

// closeSend marks the client disconnected and releases the write pump.
// Idempotent; safe to race with in-flight trySend calls.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// sendJSON queues one message, dropping it when the client is gone or the
// buffer is full.
func (c *Client) sendJSON(msg map[string]any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.logger.WithError(err).Warn("marshal outbound message")
		return
	}
	if !c.trySend(raw) {
		c.logger.Debug("dropping message for closed or congested client")
	}
}
