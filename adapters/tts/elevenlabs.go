package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dealcoach/server/domain/repositories"
)

const (
	defaultAPIBaseURL = "https://api.elevenlabs.io/v1"
	defaultVoiceID    = "21m00Tcm4TlvDq8ikWAM"
	defaultModelID    = "eleven_flash_v2_5"
	defaultFrameSize  = 640 // 20 ms of 16 kHz PCM16, one telephony frame after downsampling
	defaultStability  = 0.5
	defaultClarity    = 0.75
	defaultSpeed      = 1.1

	// OutputFormat is the only format the telephony codec accepts
	OutputFormat = "pcm_16000"

	// MaxWhisperChars bounds a single synthesis request
	MaxWhisperChars = 400

	minSpeed = 0.7
	maxSpeed = 1.2
)

// ElevenLabsConfig configures the operator whisper voice. Only APIKey is
// required; zero values take the defaults.
type ElevenLabsConfig struct {
	APIKey     string
	APIBaseURL string
	VoiceID    string
	ModelID    string
	FrameSize  int
	Stability  float64
	Clarity    float64
	Speed      float64
}

// ElevenLabsTTS synthesizes coaching whispers as raw 16 kHz PCM16
type ElevenLabsTTS struct {
	config     ElevenLabsConfig
	httpClient *http.Client
	logger     *zap.Logger
}

var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return errors.New("eleven labs API key is required")
	}
	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %g", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %g", config.Clarity)
	}
	if config.Speed != 0 && (config.Speed < minSpeed || config.Speed > maxSpeed) {
		return fmt.Errorf("speed must be between %g and %g, got %g", minSpeed, maxSpeed, config.Speed)
	}
	// frames must hold whole samples
	if config.FrameSize < 0 || config.FrameSize%2 != 0 {
		return fmt.Errorf("frame size must be a positive even number of bytes, got %d", config.FrameSize)
	}
	return nil
}

// NewElevenLabsTTS creates the whisper voice
func NewElevenLabsTTS(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
		logger.Info("Using default voice ID", zap.String("voiceID", config.VoiceID))
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
		logger.Info("Using default model ID", zap.String("modelID", config.ModelID))
	}
	if config.FrameSize == 0 {
		config.FrameSize = defaultFrameSize
	}
	if config.Stability == 0 {
		config.Stability = defaultStability
	}
	if config.Clarity == 0 {
		config.Clarity = defaultClarity
	}
	if config.Speed == 0 {
		config.Speed = defaultSpeed
	}

	return &ElevenLabsTTS{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

// ConvertTextToSpeech starts synthesis and returns the audio in frames of
// FrameSize bytes; the last frame may be shorter but always holds whole
// samples. Request and HTTP status errors are returned before any audio.
func (e *ElevenLabsTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("text cannot be empty")
	}
	if len(text) > MaxWhisperChars {
		return nil, fmt.Errorf("text exceeds %d characters", MaxWhisperChars)
	}

	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: e.config.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.Clarity,
			Speed:           e.config.Speed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&optimize_streaming_latency=3",
		e.config.APIBaseURL, e.config.VoiceID, OutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "audio/pcm")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call eleven labs: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("eleven labs returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	frames := make(chan []byte, 16)
	go e.readFrames(ctx, resp.Body, frames)
	return frames, nil
}

func (e *ElevenLabsTTS) readFrames(ctx context.Context, body io.ReadCloser, frames chan<- []byte) {
	defer close(frames)
	defer body.Close()

	total := 0
	for {
		frame := make([]byte, e.config.FrameSize)
		n, err := io.ReadFull(body, frame)
		n &^= 1
		if n > 0 {
			select {
			case frames <- frame[:n]:
				total += n
			case <-ctx.Done():
				return
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			e.logger.Debug("Whisper synthesized", zap.Int("bytes", total))
			return
		default:
			if ctx.Err() == nil {
				e.logger.Warn("Whisper stream interrupted", zap.Int("bytes", total), zap.Error(err))
			}
			return
		}
	}
}
