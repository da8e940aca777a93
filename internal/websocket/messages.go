package websocket

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dealcoach/server/domain"
)

// MessageType defines the type of an inbound dashboard message
type MessageType string

// Supported message types
const (
	MessageTypeStartCall      MessageType = "start_call"
	MessageTypeJoin           MessageType = "join"
	MessageTypeSimulateSpeech MessageType = "simulate_speech"
	MessageTypeInboundAudio   MessageType = "inbound_audio"
	MessageTypeEndCall        MessageType = "end_call"
	MessageTypePing           MessageType = "ping"

	// outbound only
	MessageTypePong MessageType = "pong"
)

// Error codes carried by outbound error events
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeNoSession      = "no_session"
	ErrorCodeCallActive     = "call_active"
	ErrorCodeCallNotFound   = "call_not_found"
	ErrorCodeInvalidAudio   = "invalid_audio"
	ErrorCodeInvalidSpeech  = "invalid_speech"
)

// BaseMessage defines the common structure for all dashboard messages
type BaseMessage struct {
	Type      MessageType `json:"type" validate:"required"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

// StartCallMessage opens a call; an empty session id gets a generated one
type StartCallMessage struct {
	BaseMessage
	SessionID string `json:"session_id,omitempty"`
}

// JoinMessage subscribes the client to an existing call
type JoinMessage struct {
	BaseMessage
	SessionID string `json:"session_id" validate:"required"`
}

// SimulateSpeechMessage injects a typed turn into the joined call
type SimulateSpeechMessage struct {
	BaseMessage
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text" validate:"required"`
}

// InboundAudioMessage carries one base64 mu-law frame for the joined call
type InboundAudioMessage struct {
	BaseMessage
	Payload string `json:"payload" validate:"required"` // base64 encoded
}

// EndCallMessage ends the joined call
type EndCallMessage struct {
	BaseMessage
	DurationSeconds *int `json:"duration_seconds,omitempty" validate:"omitempty,min=0"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongPayload echoes the ping data
type PongPayload struct {
	Data string `json:"data,omitempty"`
}

// MessageValidator provides validation for dashboard messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an inbound message, returning a
// pointer to its concrete type
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeStartCall:
		var msg StartCallMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid start_call message: %w", err)
		}
		return &msg, nil

	case MessageTypeJoin:
		var msg JoinMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid join message: %w", err)
		}
		if msg.SessionID == "" {
			return nil, fmt.Errorf("session_id is required")
		}
		return &msg, nil

	case MessageTypeSimulateSpeech:
		var msg SimulateSpeechMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid simulate_speech message: %w", err)
		}
		if err := v.validateSimulateSpeech(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeInboundAudio:
		var msg InboundAudioMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid inbound_audio message: %w", err)
		}
		if msg.Payload == "" {
			return nil, fmt.Errorf("payload is required")
		}
		return &msg, nil

	case MessageTypeEndCall:
		var msg EndCallMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid end_call message: %w", err)
		}
		if msg.DurationSeconds != nil && *msg.DurationSeconds < 0 {
			return nil, fmt.Errorf("duration_seconds must not be negative")
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func (v *MessageValidator) validateSimulateSpeech(msg *SimulateSpeechMessage) error {
	// speaker is free-form (diarized labels included); empty means seller
	if strings.TrimSpace(msg.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// CreateErrorMessage creates a standardized error event
func CreateErrorMessage(sessionID, code, message string) domain.Event {
	return domain.NewEvent(domain.EventError, sessionID, domain.ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// CreatePongMessage creates a pong response event
func CreatePongMessage(sessionID, data string) domain.Event {
	return domain.NewEvent(domain.EventType(MessageTypePong), sessionID, PongPayload{Data: data})
}

// Media stream events sent by the telephony provider
const (
	MediaEventConnected = "connected"
	MediaEventStart     = "start"
	MediaEventMedia     = "media"
	MediaEventStop      = "stop"
)

// MediaStreamMessage is one frame of the telephony media-stream protocol
type MediaStreamMessage struct {
	Event          string            `json:"event"`
	SequenceNumber string            `json:"sequenceNumber,omitempty"`
	StreamSid      string            `json:"streamSid,omitempty"`
	Start          *MediaStreamStart `json:"start,omitempty"`
	Media          *MediaPayload     `json:"media,omitempty"`
}

// MediaStreamStart describes the stream when it begins
type MediaStreamStart struct {
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload holds one base64 mu-law 8 kHz frame
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// CreateOutboundMedia builds the frame that plays audio into the call
func CreateOutboundMedia(streamSid, payload string) MediaStreamMessage {
	return MediaStreamMessage{
		Event:     MediaEventMedia,
		StreamSid: streamSid,
		Media:     &MediaPayload{Payload: payload},
	}
}
