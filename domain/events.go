package domain

import (
	"time"

	"github.com/dealcoach/server/domain/entities"
)

// EventType names an outward relay event
type EventType string

const (
	EventCallStarted      EventType = "call_started"
	EventTranscriptUpdate EventType = "transcript_update"
	EventAISuggestion     EventType = "ai_suggestion"
	EventSummaryStart     EventType = "summary_start"
	EventSummaryToken     EventType = "summary_token"
	EventSummaryEnd       EventType = "summary_end"
	EventCallSummary      EventType = "call_summary"
	EventOutboundAudio    EventType = "outbound_audio"
	EventError            EventType = "error"
)

// Event is the envelope of every message the relay emits for a call
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp int64     `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time
func NewEvent(eventType EventType, sessionID string, payload any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// CallStartedPayload announces a call session
type CallStartedPayload struct {
	StartedAt int64 `json:"startedAt"`
}

// SuggestionPayload carries a turn-level analysis tagged with the index of
// the turn that produced it
type SuggestionPayload struct {
	TurnIndex int64 `json:"turnIndex"`
	entities.AnalysisResult
}

// SummaryTokenPayload carries one chunk of the streamed narrative summary
type SummaryTokenPayload struct {
	Token string `json:"token"`
}

// SummaryEndPayload carries the complete narrative once streaming ends
type SummaryEndPayload struct {
	Summary string `json:"summary"`
}

// AudioPayload carries one base64 mu-law frame for a dashboard that plays
// the call's outbound audio itself
type AudioPayload struct {
	Payload string `json:"payload"`
}

// ErrorPayload reports a problem with an inbound signal
type ErrorPayload struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}
