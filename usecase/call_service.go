package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dealcoach/server/domain"
	"github.com/dealcoach/server/domain/entities"
	"github.com/dealcoach/server/domain/repositories"
	"github.com/dealcoach/server/internal/bridge"
	"github.com/dealcoach/server/internal/conversation"
)

var (
	ErrCallActive   = errors.New("call is already active")
	ErrCallNotFound = errors.New("call not found")
	ErrEmptySpeech  = errors.New("speech text is empty")

	errNoTranscript = errors.New("call ended without any transcript")
)

const (
	defaultSuggestionTimeout = 15 * time.Second
	defaultSummaryTimeout    = 60 * time.Second

	// 20 ms of 16 kHz PCM16
	whisperFrameBytes = 640

	// call id of a bridge whose audio is carried by the dashboard socket
	dashboardCallID = "dashboard"
)

// Emitter delivers relay events to whoever watches a call
type Emitter interface {
	Emit(sessionID string, event domain.Event)
}

// CallConfig tunes the relay
type CallConfig struct {
	SuggestionTimeout time.Duration
	SummaryTimeout    time.Duration
	// Audio is the format the speech engine is opened with
	Audio repositories.AudioConfig
}

type call struct {
	sessionID string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu          sync.Mutex
	transcript  []entities.TranscriptEntry
	nextTurn    int64
	lastEmitted int64
}

// CallService is the relay between the call legs, the context manager and
// the coaching pipeline.
type CallService struct {
	coaching *CoachingService
	contexts *conversation.Manager
	bridges  *bridge.Registry
	speech   repositories.SpeechToText
	whisper  repositories.TextToSpeech
	emitter  Emitter
	config   CallConfig
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	calls map[string]*call

	background sync.WaitGroup
}

// NewCallService creates the relay. speech may be nil when no telephony leg
// is expected; whisper is nil unless operator whisper is enabled.
func NewCallService(
	coaching *CoachingService,
	contexts *conversation.Manager,
	bridges *bridge.Registry,
	speech repositories.SpeechToText,
	whisper repositories.TextToSpeech,
	emitter Emitter,
	config CallConfig,
	logger *zap.Logger,
) *CallService {
	if config.SuggestionTimeout == 0 {
		config.SuggestionTimeout = defaultSuggestionTimeout
		logger.Info("Using default suggestion timeout", zap.Duration("suggestionTimeout", config.SuggestionTimeout))
	}
	if config.SummaryTimeout == 0 {
		config.SummaryTimeout = defaultSummaryTimeout
		logger.Info("Using default summary timeout", zap.Duration("summaryTimeout", config.SummaryTimeout))
	}
	if config.Audio.SampleRate == 0 {
		config.Audio = repositories.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16", Language: "en-US"}
	}

	return &CallService{
		coaching: coaching,
		contexts: contexts,
		bridges:  bridges,
		speech:   speech,
		whisper:  whisper,
		emitter:  emitter,
		config:   config,
		logger:   logger,
		now:      time.Now,
		calls:    make(map[string]*call),
	}
}

// StartCall opens a call session. An empty id gets a generated one.
func (s *CallService) StartCall(sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	s.mu.Lock()
	if _, exists := s.calls[sessionID]; exists {
		s.mu.Unlock()
		return sessionID, ErrCallActive
	}
	c := s.newCall(sessionID)
	s.calls[sessionID] = c
	s.mu.Unlock()

	s.logger.Info("Call started", zap.String("sessionID", sessionID))
	s.emitter.Emit(sessionID, domain.NewEvent(domain.EventCallStarted, sessionID, domain.CallStartedPayload{
		StartedAt: c.startedAt.UnixMilli(),
	}))
	return sessionID, nil
}

func (s *CallService) newCall(sessionID string) *call {
	ctx, cancel := context.WithCancel(context.Background())
	return &call{
		sessionID:  sessionID,
		startedAt:  s.now(),
		ctx:        ctx,
		cancel:     cancel,
		transcript: make([]entities.TranscriptEntry, 0),
	}
}

func (s *CallService) lookup(sessionID string) (*call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[sessionID]
	return c, ok
}

// IsActive reports whether a call session is live
func (s *CallService) IsActive(sessionID string) bool {
	_, ok := s.lookup(sessionID)
	return ok
}

// ActiveCalls lists the live session ids
func (s *CallService) ActiveCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.calls))
	for id := range s.calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AttachTelephony accepts a telephony media leg for a session, starting the
// call if the dashboard has not, and dials the speech engine for it. When
// the call was started here and the leg cannot be attached, the call is
// dropped again.
func (s *CallService) AttachTelephony(sessionID, callID string, socket repositories.TelephonySocket) error {
	_, err := s.StartCall(sessionID)
	if err != nil && !errors.Is(err, ErrCallActive) {
		return err
	}
	started := err == nil

	c, ok := s.lookup(sessionID)
	if !ok {
		return ErrCallNotFound
	}

	if err := s.attach(c, callID, socket); err != nil {
		if started {
			s.abandon(c)
		}
		return err
	}
	return nil
}

// attach creates the bridge of a call and connects the speech engine to it
func (s *CallService) attach(c *call, callID string, socket repositories.TelephonySocket) error {
	sessionID := c.sessionID
	_, err := s.bridges.Create(sessionID, callID, socket, func(entry entities.TranscriptEntry) {
		s.HandleTranscript(sessionID, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	if s.speech == nil {
		s.logger.Warn("No speech engine configured, inbound audio will be dropped", zap.String("sessionID", sessionID))
		return nil
	}

	// The stream lives as long as the call, not the caller's request.
	stream, err := s.speech.Connect(c.ctx, s.config.Audio, func(event repositories.TranscriptEvent) {
		s.bridges.DeliverTranscript(sessionID, event, entities.SpeakerSeller)
	})
	if err != nil {
		s.bridges.Remove(sessionID)
		s.emitError(sessionID, "speech_unavailable", "speech engine could not be reached")
		return fmt.Errorf("failed to connect speech engine: %w", err)
	}

	if err := s.bridges.AttachSpeechSocket(sessionID, stream); err != nil {
		if ferr := stream.Finalize(); ferr != nil {
			s.logger.Warn("Failed to finalize orphaned speech stream", zap.String("sessionID", sessionID), zap.Error(ferr))
		}
		return fmt.Errorf("failed to attach speech stream: %w", err)
	}
	return nil
}

// abandon drops a call that never got a working leg. Nothing was said on
// it, so no summary is produced.
func (s *CallService) abandon(c *call) {
	s.mu.Lock()
	if s.calls[c.sessionID] == c {
		delete(s.calls, c.sessionID)
	}
	s.mu.Unlock()

	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	s.contexts.Clear(c.sessionID)

	s.logger.Info("Call abandoned, leg could not be attached", zap.String("sessionID", c.sessionID))
}

// InboundAudio forwards a base64 mu-law payload to the speech engine. The
// first frame a dashboard sends for a call without a telephony leg opens a
// bridge whose outbound audio is emitted back to the call's watchers.
func (s *CallService) InboundAudio(sessionID, payload string) error {
	err := s.bridges.ForwardInboundAudio(sessionID, payload)
	if !errors.Is(err, bridge.ErrBridgeNotFound) {
		return err
	}

	c, ok := s.lookup(sessionID)
	if !ok {
		return ErrCallNotFound
	}
	err = s.attach(c, dashboardCallID, &dashboardSocket{call: c, emitter: s.emitter})
	if err != nil && !errors.Is(err, bridge.ErrBridgeExists) {
		return err
	}
	return s.bridges.ForwardInboundAudio(sessionID, payload)
}

// SimulateSpeech records a typed turn as if it had been recognized
func (s *CallService) SimulateSpeech(sessionID, speaker, text string) error {
	if text == "" {
		return ErrEmptySpeech
	}
	if !s.IsActive(sessionID) {
		return ErrCallNotFound
	}
	if speaker == "" {
		speaker = entities.SpeakerSeller
	}
	s.HandleTranscript(sessionID, entities.NewTranscriptEntry(speaker, text, s.now()))
	return nil
}

// HandleTranscript appends a finalized turn, publishes it and schedules the
// turn-level suggestion and the rolling summary. Turns for ended calls are
// dropped.
func (s *CallService) HandleTranscript(sessionID string, entry entities.TranscriptEntry) {
	c, ok := s.lookup(sessionID)
	if !ok {
		s.logger.Debug("Dropping transcript for unknown call", zap.String("sessionID", sessionID))
		return
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.transcript = append(c.transcript, entry)
	history := append([]entities.TranscriptEntry(nil), c.transcript...)
	var turn int64
	if entry.IsCounterparty() {
		c.nextTurn++
		turn = c.nextTurn
	}
	convo := s.contexts.Append(sessionID, entry)
	c.mu.Unlock()

	s.emitter.Emit(sessionID, domain.NewEvent(domain.EventTranscriptUpdate, sessionID, entry))

	if turn > 0 {
		s.goBackground(func() { s.suggest(c, turn, convo, entry) })
	}
	s.goBackground(func() { s.contexts.UpdateContext(c.ctx, sessionID, history) })
}

func (s *CallService) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

func (s *CallService) suggest(c *call, turn int64, convo entities.ConversationContext, latest entities.TranscriptEntry) {
	ctx, cancel := context.WithTimeout(c.ctx, s.config.SuggestionTimeout)
	defer cancel()

	result := s.coaching.AnalyzeTurn(ctx, convo, latest)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		s.logger.Debug("Discarding suggestion for ended call",
			zap.String("sessionID", c.sessionID),
			zap.Int64("turnIndex", turn))
		return
	}
	if turn < c.lastEmitted {
		s.logger.Info("Dropping stale suggestion",
			zap.String("sessionID", c.sessionID),
			zap.Int64("turnIndex", turn),
			zap.Int64("lastEmitted", c.lastEmitted))
		return
	}
	c.lastEmitted = turn

	s.emitter.Emit(c.sessionID, domain.NewEvent(domain.EventAISuggestion, c.sessionID, domain.SuggestionPayload{
		TurnIndex:      turn,
		AnalysisResult: result,
	}))

	if s.whisper != nil && result.Error == nil {
		text := result.SuggestedResponse
		s.goBackground(func() { s.speakWhisper(c, text) })
	}
}

// speakWhisper synthesizes a suggestion and plays it on the telephony leg
// in 20 ms frames.
func (s *CallService) speakWhisper(c *call, text string) {
	chunks, err := s.whisper.ConvertTextToSpeech(c.ctx, text)
	if err != nil {
		s.logger.Warn("Failed to synthesize whisper", zap.String("sessionID", c.sessionID), zap.Error(err))
		return
	}

	var pending []byte
	for chunk := range chunks {
		pending = append(pending, chunk...)
		for len(pending) >= whisperFrameBytes {
			s.forwardWhisper(c.sessionID, pending[:whisperFrameBytes])
			pending = pending[whisperFrameBytes:]
		}
	}
	if tail := len(pending) &^ 3; tail > 0 {
		s.forwardWhisper(c.sessionID, pending[:tail])
	}
}

func (s *CallService) forwardWhisper(sessionID string, frame []byte) {
	if err := s.bridges.ForwardOutboundAudio(sessionID, frame); err != nil {
		s.logger.Warn("Failed to forward whisper frame", zap.String("sessionID", sessionID), zap.Error(err))
	}
}

// EndCall tears the call down and produces its summary. durationSeconds nil
// means the duration is measured from StartCall. Ending an unknown or
// already ended call returns ErrCallNotFound and emits nothing.
func (s *CallService) EndCall(ctx context.Context, sessionID string, durationSeconds *int) (entities.CallSummary, error) {
	if !s.IsActive(sessionID) {
		return entities.CallSummary{}, ErrCallNotFound
	}

	// Finalize the speech stream while the call is live so the last
	// utterance the engine flushes lands in the transcript.
	s.bridges.Remove(sessionID)

	s.mu.Lock()
	c, ok := s.calls[sessionID]
	if ok {
		delete(s.calls, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return entities.CallSummary{}, ErrCallNotFound
	}

	c.mu.Lock()
	c.cancel()
	transcript := append([]entities.TranscriptEntry(nil), c.transcript...)
	c.mu.Unlock()

	s.contexts.Clear(sessionID)

	duration := int(s.now().Sub(c.startedAt).Seconds())
	if durationSeconds != nil {
		duration = *durationSeconds
	}

	s.logger.Info("Call ended",
		zap.String("sessionID", sessionID),
		zap.Int("durationSeconds", duration),
		zap.Int("turns", len(transcript)))

	var summary entities.CallSummary
	if len(transcript) == 0 {
		summary = entities.FallbackCallSummary(duration, errNoTranscript)
	} else {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.SummaryTimeout)
		defer cancel()

		var err error
		summary, err = s.coaching.SummarizeCall(sctx, transcript, duration, &summaryRelay{emitter: s.emitter, sessionID: sessionID})
		if err != nil {
			summary = entities.FallbackCallSummary(duration, err)
		}
	}

	s.emitter.Emit(sessionID, domain.NewEvent(domain.EventCallSummary, sessionID, summary))
	return summary, nil
}

// TelephonyClosed ends the call when the telephony leg stops or disconnects
func (s *CallService) TelephonyClosed(ctx context.Context, sessionID string) {
	s.bridges.Remove(sessionID)
	if _, err := s.EndCall(ctx, sessionID, nil); err != nil && !errors.Is(err, ErrCallNotFound) {
		s.logger.Error("Failed to end call after telephony close", zap.String("sessionID", sessionID), zap.Error(err))
	}
}

// Shutdown ends every live call and waits for background work
func (s *CallService) Shutdown(ctx context.Context) {
	for _, id := range s.ActiveCalls() {
		if _, err := s.EndCall(ctx, id, nil); err != nil && !errors.Is(err, ErrCallNotFound) {
			s.logger.Warn("Failed to end call on shutdown", zap.String("sessionID", id), zap.Error(err))
		}
	}
	s.Wait()
}

// Wait blocks until every background suggestion, summary and whisper task
// has finished.
func (s *CallService) Wait() {
	s.background.Wait()
}

func (s *CallService) emitError(sessionID, code, message string) {
	s.emitter.Emit(sessionID, domain.NewEvent(domain.EventError, sessionID, domain.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

// dashboardSocket is the outbound side of a bridge whose audio arrives over
// the dashboard socket: frames are emitted to the call's watchers.
type dashboardSocket struct {
	call    *call
	emitter Emitter
}

var _ repositories.TelephonySocket = (*dashboardSocket)(nil)

func (d *dashboardSocket) SendMedia(payload string) error {
	d.emitter.Emit(d.call.sessionID, domain.NewEvent(domain.EventOutboundAudio, d.call.sessionID, domain.AudioPayload{Payload: payload}))
	return nil
}

func (d *dashboardSocket) IsOpen() bool {
	return d.call.ctx.Err() == nil
}

// summaryRelay forwards the streamed narrative to the call's watchers
type summaryRelay struct {
	emitter   Emitter
	sessionID string
}

func (r *summaryRelay) OnSummaryStart() {
	r.emitter.Emit(r.sessionID, domain.NewEvent(domain.EventSummaryStart, r.sessionID, nil))
}

func (r *summaryRelay) OnSummaryToken(token string) {
	r.emitter.Emit(r.sessionID, domain.NewEvent(domain.EventSummaryToken, r.sessionID, domain.SummaryTokenPayload{Token: token}))
}

func (r *summaryRelay) OnSummaryEnd(summary string) {
	r.emitter.Emit(r.sessionID, domain.NewEvent(domain.EventSummaryEnd, r.sessionID, domain.SummaryEndPayload{Summary: summary}))
}
