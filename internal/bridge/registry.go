// Package bridge owns the live audio bridges between the telephony leg and
// the speech engine, one per call session.
package bridge

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dealcoach/server/domain/entities"
	"github.com/dealcoach/server/domain/repositories"
	"github.com/dealcoach/server/internal/codec"
)

var (
	ErrBridgeExists          = errors.New("session already has a live bridge")
	ErrBridgeNotFound        = errors.New("bridge not found")
	ErrBridgeClosed          = errors.New("bridge is closed")
	ErrSpeechAlreadyAttached = errors.New("a different speech stream is already attached")
)

// State is the lifecycle state of a bridge
type State string

const (
	StateCreated        State = "created"
	StateSpeechAttached State = "speech_attached"
	// StateDraining is set while Remove finalizes the speech stream; final
	// results flushed by the engine are still delivered.
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

// TranscriptHandler receives every finalized turn recognized on a bridge
type TranscriptHandler func(entry entities.TranscriptEntry)

// AudioBridge is the association between one call's telephony socket and
// its speech engine stream.
type AudioBridge struct {
	SessionID string
	CallID    string
	CreatedAt time.Time

	telephony    repositories.TelephonySocket
	onTranscript TranscriptHandler

	mu           sync.Mutex
	speech       repositories.SpeechStream
	state        State
	lastActivity time.Time
}

// State returns the current lifecycle state
func (b *AudioBridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Speech returns the attached speech stream, nil before the handshake completes
func (b *AudioBridge) Speech() repositories.SpeechStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speech
}

// Telephony returns the telephony socket
func (b *AudioBridge) Telephony() repositories.TelephonySocket {
	return b.telephony
}

// LastActivity is the time inbound audio was last seen on the bridge
func (b *AudioBridge) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

// Info is a read-only view of a bridge
type Info struct {
	SessionID      string    `json:"sessionId"`
	CallID         string    `json:"callId"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Registry maps session ids to their live bridge
type Registry struct {
	mu       sync.RWMutex
	bridges  map[string]*AudioBridge
	draining map[string]*AudioBridge
	logger  *zap.Logger
	now     func() time.Time
}

// NewRegistry creates an empty bridge registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		bridges:  make(map[string]*AudioBridge),
		draining: make(map[string]*AudioBridge),
		logger:   logger,
		now:      time.Now,
	}
}

// Create registers a bridge for a newly accepted telephony leg
func (r *Registry) Create(sessionID, callID string, telephony repositories.TelephonySocket, onTranscript TranscriptHandler) (*AudioBridge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bridges[sessionID]; exists {
		return nil, ErrBridgeExists
	}

	now := r.now()
	b := &AudioBridge{
		SessionID:    sessionID,
		CallID:       callID,
		CreatedAt:    now,
		telephony:    telephony,
		onTranscript: onTranscript,
		state:        StateCreated,
		lastActivity: now,
	}
	r.bridges[sessionID] = b

	r.logger.Info("Bridge created",
		zap.String("sessionID", sessionID),
		zap.String("callID", callID))
	return b, nil
}

// Get looks up the live bridge of a session
func (r *Registry) Get(sessionID string) (*AudioBridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[sessionID]
	return b, ok
}

// AttachSpeechSocket binds the speech engine stream once its handshake completes.
// Attaching the same stream twice is a no-op.
func (r *Registry) AttachSpeechSocket(sessionID string, stream repositories.SpeechStream) error {
	b, ok := r.Get(sessionID)
	if !ok {
		return ErrBridgeNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.state == StateClosed || b.state == StateDraining:
		return ErrBridgeClosed
	case b.speech == stream:
		return nil
	case b.speech != nil:
		return ErrSpeechAlreadyAttached
	}

	b.speech = stream
	b.state = StateSpeechAttached

	r.logger.Info("Speech stream attached", zap.String("sessionID", sessionID))
	return nil
}

// Remove closes the bridge of a session, finalizing its speech stream.
// Final results the engine flushes during the finalize still reach the
// transcript handler; Remove returns once the bridge is closed. Unknown or
// already removed sessions are ignored.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	b, ok := r.bridges[sessionID]
	if ok {
		delete(r.bridges, sessionID)
		r.draining[sessionID] = b
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	b.mu.Lock()
	b.state = StateDraining
	speech := b.speech
	b.mu.Unlock()

	if speech != nil {
		if err := speech.Finalize(); err != nil {
			r.logger.Warn("Failed to finalize speech stream",
				zap.String("sessionID", sessionID),
				zap.Error(err))
		}
	}

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()

	r.mu.Lock()
	if r.draining[sessionID] == b {
		delete(r.draining, sessionID)
	}
	r.mu.Unlock()

	r.logger.Info("Bridge removed",
		zap.String("sessionID", sessionID),
		zap.String("callID", b.CallID))
}

// ForwardInboundAudio transcodes a telephony payload and pushes it to the
// speech engine. Frames that arrive before the speech stream is attached are
// dropped.
func (r *Registry) ForwardInboundAudio(sessionID, payload string) error {
	b, ok := r.Get(sessionID)
	if !ok {
		return ErrBridgeNotFound
	}

	b.mu.Lock()
	b.lastActivity = r.now()
	speech, state := b.speech, b.state
	b.mu.Unlock()

	if state == StateClosed {
		return ErrBridgeClosed
	}
	if speech == nil {
		r.logger.Debug("Dropping inbound frame before speech attach", zap.String("sessionID", sessionID))
		return nil
	}

	frame, err := codec.TelephonyFrameToSpeechFrame(payload)
	if err != nil {
		return err
	}
	return speech.Send(frame)
}

// ForwardOutboundAudio transcodes a 16 kHz PCM16 frame and writes it to the
// telephony leg. The frame is dropped when the leg is gone or not open.
func (r *Registry) ForwardOutboundAudio(sessionID string, pcm []byte) error {
	frame, err := codec.SpeechFrameToTelephonyFrame(pcm)
	if err != nil {
		return err
	}

	b, ok := r.Get(sessionID)
	if !ok || b.State() == StateClosed || b.telephony == nil || !b.telephony.IsOpen() {
		r.logger.Debug("Dropping outbound frame, telephony leg unavailable", zap.String("sessionID", sessionID))
		return nil
	}

	return b.telephony.SendMedia(frame)
}

// DeliverTranscript hands a finalized engine result to the bridge's
// transcript handler, including results flushed while the bridge drains.
// Interim results and events for closed bridges are ignored. Unlabeled
// speech is attributed to defaultSpeaker.
func (r *Registry) DeliverTranscript(sessionID string, event repositories.TranscriptEvent, defaultSpeaker string) bool {
	if !event.IsFinal || event.Text == "" {
		return false
	}

	r.mu.RLock()
	b, ok := r.bridges[sessionID]
	if !ok {
		b, ok = r.draining[sessionID]
	}
	r.mu.RUnlock()
	if !ok || b.State() == StateClosed || b.onTranscript == nil {
		return false
	}

	speaker := event.Speaker
	if speaker == "" {
		speaker = defaultSpeaker
	}
	b.onTranscript(entities.NewTranscriptEntry(speaker, event.Text, r.now()))
	return true
}

// Idle returns the sessions whose bridge has seen no inbound audio for d
func (r *Registry) Idle(d time.Duration) []string {
	cutoff := r.now().Add(-d)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []string
	for id, b := range r.bridges {
		if b.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle
}

// Snapshot lists the live bridges ordered by creation time
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.bridges))
	for _, b := range r.bridges {
		b.mu.Lock()
		out = append(out, Info{
			SessionID:      b.SessionID,
			CallID:         b.CallID,
			State:          b.state,
			CreatedAt:      b.CreatedAt,
			LastActivityAt: b.lastActivity,
		})
		b.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live bridges
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}
