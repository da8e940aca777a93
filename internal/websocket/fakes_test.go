package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dealcoach/server/domain"
	"github.com/dealcoach/server/domain/entities"
	"github.com/dealcoach/server/domain/repositories"
	"github.com/dealcoach/server/usecase"
)

type audioRequest struct {
	sessionID string
	payload   string
}

type attachRequest struct {
	sessionID string
	callID    string
	socket    repositories.TelephonySocket
}

type endRequest struct {
	sessionID       string
	durationSeconds *int
}

// fakeCalls stands in for the relay on both sockets
type fakeCalls struct {
	hub *Hub

	mu     sync.Mutex
	active map[string]bool

	attachErr error
	audioErr  error

	audio    chan audioRequest
	attached chan attachRequest
	ended    chan endRequest
	closed   chan string
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		active:   make(map[string]bool),
		audio:    make(chan audioRequest, 16),
		attached: make(chan attachRequest, 4),
		ended:    make(chan endRequest, 4),
		closed:   make(chan string, 4),
	}
}

func (f *fakeCalls) StartCall(sessionID string) (string, error) {
	f.mu.Lock()
	if f.active[sessionID] {
		f.mu.Unlock()
		return "", usecase.ErrCallActive
	}
	f.active[sessionID] = true
	f.mu.Unlock()

	if f.hub != nil {
		f.hub.Emit(sessionID, domain.NewEvent(domain.EventCallStarted, sessionID, domain.CallStartedPayload{StartedAt: 1}))
	}
	return sessionID, nil
}

func (f *fakeCalls) IsActive(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[sessionID]
}

func (f *fakeCalls) SimulateSpeech(sessionID, speaker, text string) error {
	if !f.IsActive(sessionID) {
		return usecase.ErrCallNotFound
	}
	if f.hub != nil {
		entry := entities.NewTranscriptEntry(speaker, text, time.Now())
		f.hub.Emit(sessionID, domain.NewEvent(domain.EventTranscriptUpdate, sessionID, entry))
	}
	return nil
}

func (f *fakeCalls) InboundAudio(sessionID, payload string) error {
	f.audio <- audioRequest{sessionID: sessionID, payload: payload}
	return f.audioErr
}

func (f *fakeCalls) EndCall(ctx context.Context, sessionID string, durationSeconds *int) (entities.CallSummary, error) {
	f.mu.Lock()
	if !f.active[sessionID] {
		f.mu.Unlock()
		return entities.CallSummary{}, usecase.ErrCallNotFound
	}
	delete(f.active, sessionID)
	f.mu.Unlock()

	f.ended <- endRequest{sessionID: sessionID, durationSeconds: durationSeconds}
	return entities.CallSummary{}, nil
}

func (f *fakeCalls) AttachTelephony(sessionID, callID string, socket repositories.TelephonySocket) error {
	f.attached <- attachRequest{sessionID: sessionID, callID: callID, socket: socket}
	return f.attachErr
}

func (f *fakeCalls) TelephonyClosed(ctx context.Context, sessionID string) {
	f.closed <- sessionID
}

// newTestServer serves the dashboard hub on /ws and the media stream on
// /media-stream.
func newTestServer(t *testing.T, calls *fakeCalls) (*Hub, *httptest.Server) {
	t.Helper()
	// server goroutines outlive the test, so no zaptest here
	logger := zap.NewNop()

	hub := NewHub(logger)
	hub.SetCallController(calls)
	calls.hub = hub
	media := NewMediaStreamHandler(calls, logger)

	e := echo.New()
	e.GET("/ws", hub.HandleWebSocket)
	e.GET("/media-stream", media.HandleMediaStream)

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event wireEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func errorCode(t *testing.T, event wireEvent) string {
	t.Helper()
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	return payload.Code
}

func send(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(message)))
}
