// Package websocket is the realtime chat front. Connections authenticate
// with the web session cookie, negotiate an ads-* subprotocol, and exchange
// JSON messages validated per type. Task and chat events from the bus are
// fanned out to connected clients with colon-separated wire names.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentdev/ads/internal/auth"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/events/bus"
	"github.com/agentdev/ads/internal/gateway"
)

// Close codes for connection admission failures.
const (
	closeOriginRejected = 4403
	closeUnauthorized   = 4401
	closeTooManyClients = 4409
)

// SessionCookie is the cookie carrying the web session token.
const SessionCookie = "ads_session"

const subprotocolV1 = "ads-v1"

// Authenticator resolves a session token to a user.
type Authenticator interface {
	ValidateToken(ctx context.Context, token, ip string) (*auth.User, *auth.Session, error)
}

// Server accepts WebSocket connections and dispatches their messages onto
// the chat pipeline.
type Server struct {
	cfg      config.WebSocketConfig
	authn    Authenticator
	chat     *gateway.Chat
	bus      bus.EventBus
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool
}

// NewServer wires the WebSocket front.
func NewServer(cfg config.WebSocketConfig, authn Authenticator, chat *gateway.Chat, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		cfg:   cfg,
		authn: authn,
		chat:  chat,
		bus:   eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is validated after the upgrade so the client receives
			// a proper close code instead of a bare HTTP 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  log,
		clients: make(map[*Client]bool),
	}
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingIntervalMs > 0 {
		return time.Duration(s.cfg.PingIntervalMs) * time.Millisecond
	}
	return 30 * time.Second
}

func (s *Server) maxMissedPongs() int {
	if s.cfg.MaxMissedPongs > 0 {
		return s.cfg.MaxMissedPongs
	}
	return 2
}

func (s *Server) pongWait() time.Duration {
	return s.pingInterval() * time.Duration(s.maxMissedPongs()+1)
}

// Run bridges bus events to clients until ctx is cancelled, then closes
// every connection.
func (s *Server) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe("task.>", func(_ context.Context, ev *bus.Event) error {
		s.broadcastEvent(ev)
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()

	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Server) addClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients {
		return false
	}
	s.clients[c] = true
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.closeSend()
}

// broadcastEvent forwards a bus event to every connected client, mapping the
// dot subject to its colon wire name.
func (s *Server) broadcastEvent(ev *bus.Event) {
	raw, err := json.Marshal(eventMsg(wireEventName(ev.Type), ev.Data))
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.trySend(raw)
	}
}

// broadcastChat sends a message to every client sharing the chat session.
func (s *Server) broadcastChat(chatSessionID string, msg map[string]any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if c.sessionID() == chatSessionID {
			c.trySend(raw)
		}
	}
}

// Handler returns the HTTP handler that upgrades connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	subprotocol, chatSessionID := negotiateSubprotocol(websocket.Subprotocols(r))
	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	if !s.originAllowed(r.Header.Get("Origin")) {
		closeWith(conn, closeOriginRejected, "origin not allowed")
		return
	}

	token := ""
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		token = cookie.Value
	}
	user, _, err := s.authn.ValidateToken(r.Context(), token, r.RemoteAddr)
	if err != nil {
		closeWith(conn, closeUnauthorized, "authentication required")
		return
	}

	client := newClient(uuid.NewString(), user.ID, chatSessionID, conn, s, s.logger)
	if !s.addClient(client) {
		closeWith(conn, closeTooManyClients, "too many clients")
		return
	}

	go client.WritePump()
	go client.ReadPump(context.Background())
}

// negotiateSubprotocol picks the first supported offer. ads-chat.{id} binds
// the connection to a shared chat session.
func negotiateSubprotocol(offers []string) (selected, chatSessionID string) {
	for _, offer := range offers {
		switch {
		case offer == subprotocolV1:
			if selected == "" {
				selected = offer
			}
		case strings.HasPrefix(offer, "ads-session."):
			if selected == "" {
				selected = offer
			}
		case strings.HasPrefix(offer, "ads-chat."):
			if selected == "" {
				selected = offer
			}
			chatSessionID = strings.TrimPrefix(offer, "ads-chat.")
		}
	}
	return selected, chatSessionID
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// handleMessage dispatches one validated message. Acks for prompt and
// command are emitted before any lock acquisition; the actual turn runs on
// its own goroutine so the read pump stays responsive.
func (s *Server) handleMessage(ctx context.Context, c *Client, msg *Inbound) {
	switch msg.Type {
	case typePing:
		c.sendJSON(pongMsg(time.Now().UnixMilli()))

	case typePrompt:
		var p PromptPayload
		json.Unmarshal(msg.Payload, &p)
		if s.ackInbound(ctx, c, msg, p.Text) {
			return
		}
		go s.runPrompt(c, p.Text)

	case typeCommand:
		var p CommandPayload
		json.Unmarshal(msg.Payload, &p)
		if s.ackInbound(ctx, c, msg, p.Text) {
			return
		}
		go s.runCommand(c, p)

	case typeInterrupt:
		s.chat.Interrupt(c.userID)

	case typeClearHistory:
		if _, err := s.chat.ClearHistory(ctx, c.userID, c.sessionID()); err != nil {
			c.sendJSON(errorMsg(err.Error()))
			return
		}
		c.sendJSON(map[string]any{"type": "history_cleared"})

	case typeTaskResume:
		var p TaskResumePayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.chat.ResumeTaskThread(ctx, c.userID); err != nil {
			c.sendJSON(errorMsg(err.Error()))
			return
		}
		c.sendJSON(map[string]any{"type": "task_resumed", "taskId": p.TaskID})
	}
}

// ackInbound durably records the message and emits the ack. Returns true
// when the message was a duplicate and must not be processed again.
func (s *Server) ackInbound(ctx context.Context, c *Client, msg *Inbound, text string) (duplicate bool) {
	if msg.ClientMessageID == "" {
		if _, err := s.chat.Ack(ctx, c.sessionID(), "", text); err != nil {
			s.logger.WithError(err).Warn("history append failed")
		}
		return false
	}
	duplicate, err := s.chat.Ack(ctx, c.sessionID(), msg.ClientMessageID, text)
	if err != nil {
		c.sendJSON(errorMsg(err.Error()))
		return true
	}
	c.sendJSON(ackMsg(msg.ClientMessageID, duplicate))
	return duplicate
}

func (s *Server) runPrompt(c *Client, text string) {
	result, err := s.chat.RunPrompt(context.Background(), c.userID, c.sessionID(), text)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.sendJSON(map[string]any{"type": "aborted"})
			return
		}
		c.sendJSON(errorMsg(err.Error()))
		return
	}
	s.broadcastChat(c.sessionID(), responseMsg(result.Response))
}

func (s *Server) runCommand(c *Client, p CommandPayload) {
	ctx := context.Background()
	res, err := s.chat.Command(ctx, c.userID, c.sessionID(), p.Text)
	if err != nil {
		c.sendJSON(errorMsg(err.Error()))
		return
	}
	if res.Silent || p.Silent {
		c.sendJSON(responseMsg(res.Text))
		return
	}
	s.broadcastChat(c.sessionID(), responseMsg(res.Text))
}
