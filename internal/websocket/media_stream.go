package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/dealcoach/server/domain/repositories"
)

var errSocketClosed = errors.New("telephony socket is closed")

const teardownTimeout = 90 * time.Second

// TelephonyController is the part of the relay the telephony leg drives
type TelephonyController interface {
	AttachTelephony(sessionID, callID string, socket repositories.TelephonySocket) error
	InboundAudio(sessionID, payload string) error
	TelephonyClosed(ctx context.Context, sessionID string)
}

// MediaStreamHandler serves the telephony provider's media-stream socket
type MediaStreamHandler struct {
	calls  TelephonyController
	logger *zap.Logger
}

func NewMediaStreamHandler(calls TelephonyController, logger *zap.Logger) *MediaStreamHandler {
	return &MediaStreamHandler{
		calls:  calls,
		logger: logger,
	}
}

// mediaSocket is the telephony leg as the bridge sees it
type mediaSocket struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	streamSid string
	open      atomic.Bool
}

var _ repositories.TelephonySocket = (*mediaSocket)(nil)

func (s *mediaSocket) SendMedia(payload string) error {
	if !s.open.Load() {
		return errSocketClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(CreateOutboundMedia(s.streamSid, payload))
}

func (s *mediaSocket) IsOpen() bool {
	return s.open.Load()
}

// HandleMediaStream upgrades the telephony connection and pumps its frames
// into the relay until the stream stops or the socket drops.
func (h *MediaStreamHandler) HandleMediaStream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("Media stream upgrade failed", zap.Error(err))
		return err
	}

	socket := &mediaSocket{conn: conn}
	socket.open.Store(true)

	querySessionID := c.QueryParam("sessionId")
	var sessionID string

	defer func() {
		socket.open.Store(false)
		conn.Close()
		if sessionID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		h.calls.TelephonyClosed(ctx, sessionID)
	}()

	conn.SetReadLimit(maxMessageSize)

	for {
		var msg MediaStreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				h.logger.Warn("Dropping malformed media frame", zap.Error(err))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Media stream closed unexpectedly", zap.String("sessionID", sessionID), zap.Error(err))
			}
			return nil
		}

		switch msg.Event {
		case MediaEventConnected:
			h.logger.Debug("Media stream connected")

		case MediaEventStart:
			if sessionID != "" {
				continue
			}
			if msg.Start == nil {
				h.logger.Warn("Media stream start without metadata")
				continue
			}
			id := resolveSessionID(msg.Start, msg.StreamSid, querySessionID)
			if id == "" {
				h.logger.Warn("Media stream start without any session id")
				return nil
			}
			socket.streamSid = firstNonEmpty(msg.Start.StreamSid, msg.StreamSid)

			if err := h.calls.AttachTelephony(id, msg.Start.CallSid, socket); err != nil {
				h.logger.Error("Failed to attach telephony leg",
					zap.String("sessionID", id),
					zap.String("callID", msg.Start.CallSid),
					zap.Error(err))
				return nil
			}
			sessionID = id

			h.logger.Info("Media stream started",
				zap.String("sessionID", sessionID),
				zap.String("callID", msg.Start.CallSid),
				zap.String("streamSid", socket.streamSid))

		case MediaEventMedia:
			if sessionID == "" || msg.Media == nil {
				continue
			}
			if err := h.calls.InboundAudio(sessionID, msg.Media.Payload); err != nil {
				h.logger.Debug("Dropping inbound media", zap.String("sessionID", sessionID), zap.Error(err))
			}

		case MediaEventStop:
			h.logger.Info("Media stream stopped", zap.String("sessionID", sessionID))
			return nil

		default:
			h.logger.Debug("Ignoring media stream event", zap.String("event", msg.Event))
		}
	}
}

// resolveSessionID picks the call session for a stream: the custom
// parameter set by call control, then the socket's query, then the stream.
func resolveSessionID(start *MediaStreamStart, streamSid, querySessionID string) string {
	return firstNonEmpty(
		start.CustomParameters["sessionId"],
		querySessionID,
		start.StreamSid,
		streamSid,
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
