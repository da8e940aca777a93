package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/dealcoach/server/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.4
	defaultTopP           = 0.95
	defaultTopK           = 40
	defaultMaxTokens      = 1024
	defaultTimeoutSeconds = 30
)

var (
	// ErrRefused is returned when the model blocks the prompt or the answer
	ErrRefused = errors.New("model refused the request")
	// ErrEmptyResponse is returned when no candidate carries text
	ErrEmptyResponse = errors.New("model returned no content")
)

var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
}

// GeminiConfig holds the generation settings of one model
type GeminiConfig struct {
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	// Validate temperature is in the valid range
	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	// Validate topP is in the valid range
	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}

	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("maxOutputTokens must be positive, got %d", config.MaxOutputTokens)
	}

	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

// NewGeminiClient creates a Gemini API client
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// GeminiLLM implements the LargeLanguageModel interface using Google's Gemini API
type GeminiLLM struct {
	client          *genai.Client
	logger          *zap.Logger
	model           string
	temperature     float32
	topP            float32
	topK            float32
	maxOutputTokens int
	timeout         time.Duration
}

var _ repositories.LargeLanguageModel = (*GeminiLLM)(nil)

// NewGeminiLLM creates a new Gemini LLM instance
func NewGeminiLLM(client *genai.Client, config GeminiConfig, logger *zap.Logger) (*GeminiLLM, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	// Apply defaults where needed
	model := config.Model
	if model == "" {
		model = defaultModel
		logger.Info("Using default model", zap.String("model", model))
	}

	temperature := config.Temperature
	if temperature == 0 {
		temperature = float32(defaultTemperature)
		logger.Info("Using default temperature", zap.Float32("temperature", temperature))
	}

	topP := config.TopP
	if topP == 0 {
		topP = float32(defaultTopP)
		logger.Info("Using default topP", zap.Float32("topP", topP))
	}

	topK := config.TopK
	if topK == 0 {
		topK = float32(defaultTopK)
		logger.Info("Using default topK", zap.Float32("topK", topK))
	}

	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens == 0 {
		maxOutputTokens = defaultMaxTokens
		logger.Info("Using default maxOutputTokens", zap.Int("maxOutputTokens", maxOutputTokens))
	}

	timeoutSeconds := config.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultTimeoutSeconds
		logger.Info("Using default timeoutSeconds", zap.Int("timeoutSeconds", timeoutSeconds))
	}

	return &GeminiLLM{
		client:          client,
		logger:          logger.With(zap.String("model", model)),
		model:           model,
		temperature:     temperature,
		topP:            topP,
		topK:            topK,
		maxOutputTokens: maxOutputTokens,
		timeout:         time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

func (g *GeminiLLM) generateConfig(prompt repositories.Prompt) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SafetySettings:  safetySettings,
		Temperature:     genai.Ptr(g.temperature),
		TopP:            genai.Ptr(g.topP),
		TopK:            genai.Ptr(g.topK),
		MaxOutputTokens: int32(g.maxOutputTokens),
	}
	if prompt.System != "" {
		config.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}
	return config
}

func userContents(prompt repositories.Prompt) []*genai.Content {
	return []*genai.Content{genai.NewContentFromText(prompt.User, genai.RoleUser)}
}

// Generate implements repositories.LargeLanguageModel
func (g *GeminiLLM) Generate(ctx context.Context, prompt repositories.Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	response, err := g.client.Models.GenerateContent(ctx, g.model, userContents(prompt), g.generateConfig(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	return responseText(response)
}

// GenerateStructured implements repositories.LargeLanguageModel
func (g *GeminiLLM) GenerateStructured(ctx context.Context, prompt repositories.Prompt, schema repositories.OutputSchema, out any) error {
	responseSchema, err := schemaFor(schema)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	config := g.generateConfig(prompt)
	config.ResponseMIMEType = "application/json"
	config.ResponseSchema = responseSchema

	response, err := g.client.Models.GenerateContent(ctx, g.model, userContents(prompt), config)
	if err != nil {
		return fmt.Errorf("failed to generate structured content: %w", err)
	}

	text, err := responseText(response)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripCodeFence(text)), out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", schema, err)
	}

	g.logger.Debug("Structured content generated", zap.String("schema", string(schema)))
	return nil
}

// GenerateStream implements repositories.LargeLanguageModel
func (g *GeminiLLM) GenerateStream(ctx context.Context, prompt repositories.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		chunks := 0
		for response, err := range g.client.Models.GenerateContentStream(ctx, g.model, userContents(prompt), g.generateConfig(prompt)) {
			if err != nil {
				yield("", fmt.Errorf("failed to stream content: %w", err))
				return
			}
			if err := checkRefusal(response); err != nil {
				yield("", err)
				return
			}

			text := candidateText(response)
			if text == "" {
				continue
			}
			chunks++
			if !yield(text, nil) {
				return
			}
		}

		g.logger.Debug("Stream completed", zap.Int("chunks", chunks))
	}
}

func checkRefusal(response *genai.GenerateContentResponse) error {
	if response == nil {
		return ErrEmptyResponse
	}
	if response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "" {
		return fmt.Errorf("%w: prompt blocked (%s)", ErrRefused, response.PromptFeedback.BlockReason)
	}
	if len(response.Candidates) > 0 {
		switch reason := response.Candidates[0].FinishReason; reason {
		case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist, genai.FinishReasonSPII:
			return fmt.Errorf("%w: finish reason %s", ErrRefused, reason)
		}
	}
	return nil
}

func candidateText(response *genai.GenerateContentResponse) string {
	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}

	var text string
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			text += part.Text
		}
	}
	return text
}

// responseText extracts the text of the first candidate, mapping safety
// blocks and empty answers to errors.
func responseText(response *genai.GenerateContentResponse) (string, error) {
	if err := checkRefusal(response); err != nil {
		return "", err
	}
	text := candidateText(response)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// stripCodeFence removes a markdown code fence some models wrap JSON in
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
