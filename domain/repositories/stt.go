package repositories

import "context"

// SpeechToText abstracts streaming speech recognition engines
type SpeechToText interface {
	// Connect opens a recognition stream. onEvent is called from the engine's
	// receive goroutine for every transcript event until the stream ends.
	Connect(ctx context.Context, config AudioConfig, onEvent func(TranscriptEvent)) (SpeechStream, error)
}

// SpeechStream is an open connection to a speech engine
type SpeechStream interface {
	// Send pushes one frame of raw audio in the configured format
	Send(data []byte) error
	// Finalize flushes pending audio and closes the stream gracefully.
	// Calling it more than once is a no-op.
	Finalize() error
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// TranscriptEvent is one recognition result emitted by an engine
type TranscriptEvent struct {
	IsFinal bool   `json:"is_final"`
	Text    string `json:"text"`
	// Speaker is the engine's diarization label, empty when unknown
	Speaker string `json:"speaker,omitempty"`
}
