package stt

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dealcoach/server/domain/repositories"
)

// mockUtteranceBytes is two seconds of 16 kHz PCM16
const mockUtteranceBytes = 2 * 16000 * 2

var mockUtterances = []string{
	"Hi, yes, I got your letter about the house.",
	"It was my mother's place and it needs a new roof.",
	"I'm relocating for work so I need to sell fast.",
	"Honestly your number sounds too low.",
	"Let me think about it and talk to my wife.",
}

// MockSpeechToText is a placeholder speech engine for local runs. It
// recognizes one scripted seller line for every two seconds of audio.
type MockSpeechToText struct {
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{
		logger: logger,
	}
}

// Connect implements repositories.SpeechToText
func (s *MockSpeechToText) Connect(ctx context.Context, config repositories.AudioConfig, onEvent func(repositories.TranscriptEvent)) (repositories.SpeechStream, error) {
	s.logger.Info("Initializing mock streaming transcription",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	return &MockSpeechToTextStream{
		logger:  s.logger,
		onEvent: onEvent,
	}, nil
}

// MockSpeechToTextStream is a mock implementation of streaming speech recognition
type MockSpeechToTextStream struct {
	logger  *zap.Logger
	onEvent func(repositories.TranscriptEvent)

	mu       sync.Mutex
	buffered int
	next     int
	closed   bool
}

// Send implements repositories.SpeechStream
func (m *MockSpeechToTextStream) Send(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("speech stream closed")
	}
	m.buffered += len(data)
	var lines []string
	for m.buffered >= mockUtteranceBytes {
		m.buffered -= mockUtteranceBytes
		lines = append(lines, mockUtterances[m.next%len(mockUtterances)])
		m.next++
	}
	m.mu.Unlock()

	for _, line := range lines {
		m.onEvent(repositories.TranscriptEvent{IsFinal: true, Text: line})
	}
	return nil
}

// Finalize implements repositories.SpeechStream
func (m *MockSpeechToTextStream) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.logger.Info("Ending mock transcription stream", zap.Int("utterances", m.next))
	}
	return nil
}
