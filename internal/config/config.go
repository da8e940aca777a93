package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dealcoach/server/adapters/stt"
	"github.com/dealcoach/server/adapters/tts"
	"github.com/dealcoach/server/internal/conversation"
)

// Speech providers
const (
	SpeechProviderDeepgram = "deepgram"
	SpeechProviderGoogle   = "google"
	SpeechProviderMock     = "mock"
)

const (
	defaultPort              = "8080"
	defaultEnvironment       = "local"
	defaultLogLevel          = "info"
	defaultGeminiModel       = "gemini-2.0-flash"
	defaultSpeechLanguage    = "en-US"
	defaultSuggestionTimeout = 15 * time.Second
	defaultSummaryTimeout    = 60 * time.Second
	defaultBridgeIdleTimeout = 2 * time.Minute
)

// GeminiSettings selects the models. An empty key runs the deterministic
// mock model.
type GeminiSettings struct {
	APIKey          string
	SuggestionModel string
	SummaryModel    string
}

// Config is the process configuration
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	Gemini GeminiSettings

	SpeechProvider string
	SpeechLanguage string
	Deepgram       stt.DeepgramConfig

	Conversation conversation.Config

	SuggestionTimeout time.Duration
	SummaryTimeout    time.Duration
	BridgeIdleTimeout time.Duration

	WhisperEnabled bool
	ElevenLabs     tts.ElevenLabsConfig
}

// Load reads .env (if present) and the environment, then validates
func Load() (Config, error) {
	// a missing .env is fine, the environment may carry everything
	_ = godotenv.Load()

	config, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// FromEnv builds a Config from environment variables with defaults
func FromEnv() (Config, error) {
	config := Config{
		Port:        envString("PORT", defaultPort),
		Environment: envString("ENVIRONMENT", defaultEnvironment),
		LogLevel:    envString("LOG_LEVEL", defaultLogLevel),
		Gemini: GeminiSettings{
			APIKey:          os.Getenv("GEMINI_API_KEY"),
			SuggestionModel: envString("GEMINI_SUGGESTION_MODEL", defaultGeminiModel),
			SummaryModel:    envString("GEMINI_SUMMARY_MODEL", defaultGeminiModel),
		},
		SpeechProvider: envString("SPEECH_PROVIDER", SpeechProviderDeepgram),
		SpeechLanguage: envString("SPEECH_LANGUAGE", defaultSpeechLanguage),
		Deepgram: stt.DeepgramConfig{
			APIKey: os.Getenv("DEEPGRAM_API_KEY"),
			URL:    os.Getenv("DEEPGRAM_URL"),
			Model:  os.Getenv("DEEPGRAM_MODEL"),
		},
		ElevenLabs: tts.ElevenLabsConfig{
			APIKey:     os.Getenv("ELEVEN_LABS_API_KEY"),
			APIBaseURL: os.Getenv("ELEVEN_LABS_API_BASE_URL"),
			VoiceID:    os.Getenv("ELEVEN_LABS_VOICE_ID"),
			ModelID:    os.Getenv("ELEVEN_LABS_MODEL_ID"),
		},
	}

	var err error
	if config.Conversation.RecentTurnsLimit, err = envInt("RECENT_TURNS_LIMIT", conversation.DefaultRecentTurnsLimit); err != nil {
		return Config{}, err
	}
	if config.Conversation.SummarizeThreshold, err = envInt("SUMMARIZE_THRESHOLD", conversation.DefaultSummarizeThreshold); err != nil {
		return Config{}, err
	}
	if config.SuggestionTimeout, err = envDuration("SUGGESTION_TIMEOUT", defaultSuggestionTimeout); err != nil {
		return Config{}, err
	}
	if config.SummaryTimeout, err = envDuration("SUMMARY_TIMEOUT", defaultSummaryTimeout); err != nil {
		return Config{}, err
	}
	if config.BridgeIdleTimeout, err = envDuration("BRIDGE_IDLE_TIMEOUT", defaultBridgeIdleTimeout); err != nil {
		return Config{}, err
	}
	if config.WhisperEnabled, err = envBool("WHISPER_ENABLED", false); err != nil {
		return Config{}, err
	}
	if config.ElevenLabs.FrameSize, err = envInt("ELEVEN_LABS_FRAME_SIZE", 0); err != nil {
		return Config{}, err
	}
	for key, dst := range map[string]*float64{
		"ELEVEN_LABS_STABILITY": &config.ElevenLabs.Stability,
		"ELEVEN_LABS_CLARITY":   &config.ElevenLabs.Clarity,
		"ELEVEN_LABS_SPEED":     &config.ElevenLabs.Speed,
	} {
		if *dst, err = envFloat(key); err != nil {
			return Config{}, err
		}
	}

	return config, nil
}

// Validate rejects settings the server cannot run with
func (c Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a port number, got %q", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	if c.Conversation.RecentTurnsLimit < 1 {
		return fmt.Errorf("RECENT_TURNS_LIMIT must be at least 1, got %d", c.Conversation.RecentTurnsLimit)
	}
	if c.Conversation.SummarizeThreshold <= c.Conversation.RecentTurnsLimit {
		return fmt.Errorf("SUMMARIZE_THRESHOLD (%d) must exceed RECENT_TURNS_LIMIT (%d)",
			c.Conversation.SummarizeThreshold, c.Conversation.RecentTurnsLimit)
	}

	switch c.SpeechProvider {
	case SpeechProviderDeepgram:
		if err := stt.ValidateDeepgramConfig(c.Deepgram); err != nil {
			return fmt.Errorf("invalid deepgram settings: %w", err)
		}
	case SpeechProviderGoogle, SpeechProviderMock:
	default:
		return fmt.Errorf("SPEECH_PROVIDER must be one of %s, %s, %s, got %q",
			SpeechProviderDeepgram, SpeechProviderGoogle, SpeechProviderMock, c.SpeechProvider)
	}

	for name, d := range map[string]time.Duration{
		"SUGGESTION_TIMEOUT":  c.SuggestionTimeout,
		"SUMMARY_TIMEOUT":     c.SummaryTimeout,
		"BRIDGE_IDLE_TIMEOUT": c.BridgeIdleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.WhisperEnabled {
		if err := tts.ValidateElevenLabsConfig(c.ElevenLabs); err != nil {
			return fmt.Errorf("invalid whisper settings: %w", err)
		}
	}

	return nil
}

// UseMockModel reports whether no Gemini key is configured
func (c Config) UseMockModel() bool {
	return c.Gemini.APIKey == ""
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envFloat(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
