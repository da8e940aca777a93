package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/dealcoach/server/adapters/llm"
	"github.com/dealcoach/server/adapters/stt"
	"github.com/dealcoach/server/adapters/tts"
	"github.com/dealcoach/server/domain/repositories"
	"github.com/dealcoach/server/internal/api"
	"github.com/dealcoach/server/internal/bridge"
	"github.com/dealcoach/server/internal/config"
	"github.com/dealcoach/server/internal/conversation"
	"github.com/dealcoach/server/internal/logger"
	"github.com/dealcoach/server/internal/websocket"
	"github.com/dealcoach/server/usecase"
)

const shutdownTimeout = 90 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	suggestionModel, summaryModel, err := newModels(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize language models", zap.Error(err))
	}

	speech, err := newSpeechEngine(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize speech engine", zap.Error(err))
	}

	var whisper repositories.TextToSpeech
	if cfg.WhisperEnabled {
		elevenLabs, err := tts.NewElevenLabsTTS(cfg.ElevenLabs, log)
		if err != nil {
			log.Fatal("Failed to initialize whisper voice", zap.Error(err))
		}
		whisper = elevenLabs
		log.Info("Operator whisper enabled")
	}

	// Initialize the core
	coaching := usecase.NewCoachingService(suggestionModel, summaryModel, log)
	contexts, err := conversation.NewManager(coaching, cfg.Conversation, log)
	if err != nil {
		log.Fatal("Failed to initialize conversation manager", zap.Error(err))
	}
	bridges := bridge.NewRegistry(log)

	hub := websocket.NewHub(log)
	calls := usecase.NewCallService(coaching, contexts, bridges, speech, whisper, hub, usecase.CallConfig{
		SuggestionTimeout: cfg.SuggestionTimeout,
		SummaryTimeout:    cfg.SummaryTimeout,
		Audio: repositories.AudioConfig{
			SampleRate: 16000,
			Encoding:   "LINEAR16",
			Language:   cfg.SpeechLanguage,
		},
	}, log)
	hub.SetCallController(calls)
	media := websocket.NewMediaStreamHandler(calls, log)

	reaper := websocket.NewSessionCleanupService(bridges, calls, cfg.BridgeIdleTimeout, log)
	reaper.Start()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Handlers{
		Dashboard:   hub.HandleWebSocket,
		MediaStream: media.HandleMediaStream,
	}, bridges, calls, log)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	log.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("speechProvider", cfg.SpeechProvider),
		zap.Bool("mockModel", cfg.UseMockModel()))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	reaper.Stop()
	calls.Shutdown(shutdownCtx)
	hub.Close()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}

// newModels returns the suggestion and summary models. Without an API key
// both are the deterministic mock.
func newModels(ctx context.Context, cfg config.Config, log *zap.Logger) (repositories.LargeLanguageModel, repositories.LargeLanguageModel, error) {
	if cfg.UseMockModel() {
		log.Warn("GEMINI_API_KEY not set, using mock language model")
		mock := llm.NewMockGeminiClient()
		return mock, mock, nil
	}

	client, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey)
	if err != nil {
		return nil, nil, err
	}

	suggestion, err := llm.NewGeminiLLM(client, llm.GeminiConfig{
		Model:       cfg.Gemini.SuggestionModel,
		Temperature: 0.3,
	}, log.Named("suggestion"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create suggestion model: %w", err)
	}

	summary, err := llm.NewGeminiLLM(client, llm.GeminiConfig{
		Model:           cfg.Gemini.SummaryModel,
		MaxOutputTokens: 2048,
		TimeoutSeconds:  int(cfg.SummaryTimeout.Seconds()),
	}, log.Named("summary"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create summary model: %w", err)
	}

	return suggestion, summary, nil
}

func newSpeechEngine(cfg config.Config, log *zap.Logger) (repositories.SpeechToText, error) {
	switch cfg.SpeechProvider {
	case config.SpeechProviderGoogle:
		return stt.NewGoogleSpeechToText(log), nil
	case config.SpeechProviderMock:
		log.Warn("Using mock speech engine")
		return stt.NewMockSpeechToText(log), nil
	default:
		return stt.NewDeepgramSpeechToText(cfg.Deepgram, log)
	}
}
