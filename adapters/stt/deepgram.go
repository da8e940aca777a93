package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dealcoach/server/domain/repositories"
)

const (
	defaultDeepgramURL   = "wss://api.deepgram.com/v1/listen"
	defaultDeepgramModel = "nova-2-phonecall"
	dialRetries          = 3
	keepAliveInterval    = 5 * time.Second
	finalizeTimeout      = 3 * time.Second
)

// DeepgramConfig holds the websocket speech engine settings
type DeepgramConfig struct {
	APIKey string
	URL    string
	Model  string
}

// ValidateDeepgramConfig validates the DeepgramConfig
func ValidateDeepgramConfig(config DeepgramConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Deepgram API key is required")
	}
	if config.URL != "" {
		u, err := url.Parse(config.URL)
		if err != nil {
			return fmt.Errorf("invalid Deepgram URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("Deepgram URL must use ws or wss, got %q", u.Scheme)
		}
	}
	return nil
}

// DeepgramSpeechToText streams PCM audio to Deepgram's live transcription
// websocket.
type DeepgramSpeechToText struct {
	apiKey     string
	url        string
	model      string
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

var _ repositories.SpeechToText = (*DeepgramSpeechToText)(nil)

// NewDeepgramSpeechToText creates a new Deepgram speech engine
func NewDeepgramSpeechToText(config DeepgramConfig, logger *zap.Logger) (*DeepgramSpeechToText, error) {
	if err := ValidateDeepgramConfig(config); err != nil {
		return nil, err
	}

	endpoint := config.URL
	if endpoint == "" {
		endpoint = defaultDeepgramURL
		logger.Info("Using default Deepgram URL", zap.String("url", endpoint))
	}

	model := config.Model
	if model == "" {
		model = defaultDeepgramModel
		logger.Info("Using default Deepgram model", zap.String("model", model))
	}

	return &DeepgramSpeechToText{
		apiKey: config.APIKey,
		url:    endpoint,
		model:  model,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries)
		},
		logger: logger,
	}, nil
}

func (d *DeepgramSpeechToText) listenURL(config repositories.AudioConfig) (string, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return "", fmt.Errorf("failed to parse Deepgram URL: %w", err)
	}

	encoding := strings.ToLower(config.Encoding)
	if encoding == "" {
		encoding = "linear16"
	}

	q := u.Query()
	q.Set("model", d.model)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(config.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if config.Language != "" {
		q.Set("language", config.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the engine, retrying the handshake with exponential backoff
func (d *DeepgramSpeechToText) Connect(ctx context.Context, config repositories.AudioConfig, onEvent func(repositories.TranscriptEvent)) (repositories.SpeechStream, error) {
	endpoint, err := d.listenURL(config)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	var conn *websocket.Conn
	attempt := 0
	dial := func() error {
		attempt++
		c, resp, err := d.dialer.DialContext(ctx, endpoint, headers)
		if err != nil {
			if resp != nil {
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)
				err = fmt.Errorf("websocket connect (status %d): %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), err)
				if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
					return backoff.Permanent(err)
				}
			}
			d.logger.Warn("Speech engine handshake failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(dial, backoff.WithContext(d.newBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		onEvent: onEvent,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		logger:  d.logger,
	}
	go s.readLoop()
	go s.keepAlive()

	// Closing the call's context tears the stream down.
	context.AfterFunc(ctx, func() {
		if err := s.Finalize(); err != nil {
			d.logger.Debug("Finalize after context end", zap.Error(err))
		}
	})

	d.logger.Info("Speech engine connected", zap.Int("attempts", attempt))
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	onEvent func(repositories.TranscriptEvent)
	done    chan struct{}
	stop    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	once    sync.Once
	logger  *zap.Logger
}

type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type controlMessage struct {
	Type string `json:"type"`
}

func (s *deepgramStream) readLoop() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Speech engine read failed", zap.Error(err))
			}
			return
		}

		var msg deepgramResult
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("Ignoring unparseable speech engine message", zap.Error(err))
			continue
		}
		if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
			continue
		}

		text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		if text == "" {
			continue
		}
		s.onEvent(repositories.TranscriptEvent{IsFinal: msg.IsFinal, Text: text})
	}
}

// keepAlive stops the engine from closing the socket during silence
func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeJSON(controlMessage{Type: "KeepAlive"}); err != nil {
				return
			}
		case <-s.stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *deepgramStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Send implements repositories.SpeechStream
func (s *deepgramStream) Send(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("speech stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// Finalize asks the engine to flush pending results, waits briefly for
// them, and closes the socket.
func (s *deepgramStream) Finalize() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stop)

		if werr := s.writeJSON(controlMessage{Type: "CloseStream"}); werr != nil {
			err = fmt.Errorf("failed to send close stream: %w", werr)
		}

		select {
		case <-s.done:
		case <-time.After(finalizeTimeout):
			s.logger.Warn("Speech engine did not close in time")
		}

		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
