package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/dealcoach/server/domain"
	"github.com/dealcoach/server/domain/entities"
	"github.com/dealcoach/server/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBufferSize = 256

	endCallTimeout = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// CallController is the part of the relay the dashboard drives
type CallController interface {
	StartCall(sessionID string) (string, error)
	IsActive(sessionID string) bool
	SimulateSpeech(sessionID, speaker, text string) error
	InboundAudio(sessionID, payload string) error
	EndCall(ctx context.Context, sessionID string, durationSeconds *int) (entities.CallSummary, error)
}

var _ usecase.Emitter = (*Hub)(nil)

// Hub tracks dashboard clients and fans call events out to the clients
// watching each session.
type Hub struct {
	// Registered clients by client id.
	clients map[string]*Client

	// Watchers per session id.
	sessions map[string]map[*Client]struct{}

	// Guards clients, sessions and every Client.sessionID.
	mu sync.RWMutex

	calls     CallController
	validator *MessageValidator
	logger    *zap.Logger
}

// NewHub creates a new dashboard hub. The call controller is bound with
// SetCallController once the relay exists, since the relay emits through
// the hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		sessions:  make(map[string]map[*Client]struct{}),
		validator: NewMessageValidator(),
		logger:    logger,
	}
}

// SetCallController binds the relay the hub forwards inbound signals to
func (h *Hub) SetCallController(calls CallController) {
	h.calls = calls
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	id string

	// Session the client watches, empty until start_call or join.
	sessionID string

	logger *zap.Logger
}

// HandleWebSocket upgrades a dashboard connection and starts its pumps.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		id:     uuid.NewString(),
		logger: h.logger,
	}
	h.register(client)

	// Optional: watch a call straight away.
	if sessionID := c.QueryParam("session_id"); sessionID != "" {
		h.subscribe(client, sessionID)
	}

	go client.writePump()
	go client.readPump()

	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("Client registered", zap.String("clientID", c.id))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		h.detach(c)
		close(c.send)
		h.logger.Info("Client unregistered", zap.String("clientID", c.id))
	}
	h.mu.Unlock()
}

// detach removes c from its session's watchers. Caller holds h.mu.
func (h *Hub) detach(c *Client) {
	if c.sessionID == "" {
		return
	}
	if watchers, ok := h.sessions[c.sessionID]; ok {
		delete(watchers, c)
		if len(watchers) == 0 {
			delete(h.sessions, c.sessionID)
		}
	}
	c.sessionID = ""
}

// subscribe points c at sessionID, leaving whatever it watched before
func (h *Hub) subscribe(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	h.detach(c)
	watchers, ok := h.sessions[sessionID]
	if !ok {
		watchers = make(map[*Client]struct{})
		h.sessions[sessionID] = watchers
	}
	watchers[c] = struct{}{}
	c.sessionID = sessionID
}

func (h *Hub) sessionOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.sessionID
}

// Emit delivers event to every client watching sessionID. A client whose
// buffer is full is disconnected.
func (h *Hub) Emit(sessionID string, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("sessionID", sessionID), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.sessions[sessionID] {
		h.enqueue(c, payload)
	}
}

// sendTo delivers event to one client if it is still registered
func (h *Hub) sendTo(c *Client, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("clientID", c.id), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	h.enqueue(c, payload)
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.logger.Warn("Client send buffer full, disconnecting", zap.String("clientID", c.id))
		go h.unregister(c)
	}
}

// Watchers reports how many clients watch sessionID
func (h *Hub) Watchers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.String("clientID", c.id), zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			// raw mu-law bytes for the watched call
			c.handleInboundAudio(base64.StdEncoding.EncodeToString(message))
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.String("clientID", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage dispatches one dashboard message. Malformed messages are
// answered with an error event and the socket stays open.
func (c *Client) processMessage(message []byte) {
	parsed, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Rejected dashboard message", zap.String("clientID", c.id), zap.Error(err))
		c.sendError(c.hub.sessionOf(c), ErrorCodeInvalidMessage, err.Error())
		return
	}

	switch msg := parsed.(type) {
	case *StartCallMessage:
		c.handleStartCall(msg)
	case *JoinMessage:
		c.handleJoin(msg)
	case *SimulateSpeechMessage:
		c.handleSimulateSpeech(msg)
	case *InboundAudioMessage:
		c.handleInboundAudio(msg.Payload)
	case *EndCallMessage:
		c.handleEndCall(msg)
	case *PingMessage:
		c.hub.sendTo(c, CreatePongMessage(c.hub.sessionOf(c), msg.Data))
	}
}

func (c *Client) handleStartCall(msg *StartCallMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Subscribe first so call_started reaches this client.
	c.hub.subscribe(c, sessionID)
	if _, err := c.hub.calls.StartCall(sessionID); err != nil {
		if errors.Is(err, usecase.ErrCallActive) {
			c.sendError(sessionID, ErrorCodeCallActive, err.Error())
			return
		}
		c.logger.Error("Failed to start call", zap.String("sessionID", sessionID), zap.Error(err))
		c.sendError(sessionID, ErrorCodeInvalidMessage, err.Error())
		return
	}

	c.logger.Info("Call started from dashboard",
		zap.String("clientID", c.id),
		zap.String("sessionID", sessionID))
}

func (c *Client) handleJoin(msg *JoinMessage) {
	if !c.hub.calls.IsActive(msg.SessionID) {
		c.sendError(msg.SessionID, ErrorCodeCallNotFound, usecase.ErrCallNotFound.Error())
		return
	}
	c.hub.subscribe(c, msg.SessionID)
	c.logger.Info("Client joined call",
		zap.String("clientID", c.id),
		zap.String("sessionID", msg.SessionID))
}

func (c *Client) handleSimulateSpeech(msg *SimulateSpeechMessage) {
	sessionID, ok := c.watched()
	if !ok {
		return
	}
	if err := c.hub.calls.SimulateSpeech(sessionID, msg.Speaker, msg.Text); err != nil {
		code := ErrorCodeInvalidSpeech
		if errors.Is(err, usecase.ErrCallNotFound) {
			code = ErrorCodeCallNotFound
		}
		c.sendError(sessionID, code, err.Error())
	}
}

func (c *Client) handleInboundAudio(payload string) {
	sessionID, ok := c.watched()
	if !ok {
		return
	}
	if err := c.hub.calls.InboundAudio(sessionID, payload); err != nil {
		c.logger.Debug("Rejected inbound audio", zap.String("sessionID", sessionID), zap.Error(err))
		code := ErrorCodeInvalidAudio
		if errors.Is(err, usecase.ErrCallNotFound) {
			code = ErrorCodeCallNotFound
		}
		c.sendError(sessionID, code, err.Error())
	}
}

// handleEndCall runs the call-end join off the read loop so pongs keep
// being read while the summary streams.
func (c *Client) handleEndCall(msg *EndCallMessage) {
	sessionID, ok := c.watched()
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), endCallTimeout)
		defer cancel()

		if _, err := c.hub.calls.EndCall(ctx, sessionID, msg.DurationSeconds); err != nil {
			if errors.Is(err, usecase.ErrCallNotFound) {
				c.sendError(sessionID, ErrorCodeCallNotFound, err.Error())
				return
			}
			c.logger.Error("Failed to end call", zap.String("sessionID", sessionID), zap.Error(err))
		}
	}()
}

// watched returns the session the client watches, answering with an error
// event when there is none.
func (c *Client) watched() (string, bool) {
	sessionID := c.hub.sessionOf(c)
	if sessionID == "" {
		c.sendError("", ErrorCodeNoSession, "start_call or join a call first")
		return "", false
	}
	return sessionID, true
}

func (c *Client) sendError(sessionID, code, message string) {
	c.hub.sendTo(c, CreateErrorMessage(sessionID, code, message))
}
