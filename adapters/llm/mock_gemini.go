package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/dealcoach/server/domain/entities"
	"github.com/dealcoach/server/domain/repositories"
)

// MockGeminiClient is a deterministic stand-in used when no API key is set.
// It scores motivation from keywords in the prompt.
type MockGeminiClient struct{}

var _ repositories.LargeLanguageModel = (*MockGeminiClient)(nil)

// NewMockGeminiClient creates a new mock Gemini client
func NewMockGeminiClient() *MockGeminiClient {
	return &MockGeminiClient{}
}

var motivationCues = map[string]string{
	"foreclosure": "facing foreclosure",
	"behind":      "behind on payments",
	"divorce":     "divorce",
	"inherit":     "inherited property",
	"repair":      "costly repairs",
	"roof":        "costly repairs",
	"relocat":     "relocating",
	"tenant":      "problem tenants",
	"fast":        "needs a quick sale",
}

var objectionCues = map[string]string{
	"too low":   "price",
	"think":     "timing",
	"realtor":   "competition",
	"agent":     "competition",
	"trust":     "trust",
	"not sure":  "uncertainty",
	"more than": "price",
}

func (g *MockGeminiClient) analyze(text string) (int, []string, []string) {
	lower := strings.ToLower(text)

	seen := make(map[string]bool)
	pains := []string{}
	for cue, pain := range motivationCues {
		if strings.Contains(lower, cue) && !seen[pain] {
			seen[pain] = true
			pains = append(pains, pain)
		}
	}

	objections := []string{}
	for cue, kind := range objectionCues {
		if strings.Contains(lower, cue) && !seen[kind] {
			seen[kind] = true
			objections = append(objections, kind)
		}
	}

	motivation := 3 + 2*len(pains) - len(objections)
	motivation = max(entities.MinMotivationLevel, min(entities.MaxMotivationLevel, motivation))
	slices.Sort(pains)
	slices.Sort(objections)
	return motivation, pains, objections
}

// Generate implements repositories.LargeLanguageModel
func (g *MockGeminiClient) Generate(ctx context.Context, prompt repositories.Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, pains, _ := g.analyze(prompt.User)
	if len(pains) == 0 {
		return "The seller and the agent exchanged introductions.", nil
	}
	return fmt.Sprintf("The seller mentioned %s.", strings.Join(pains, ", ")), nil
}

// GenerateStructured implements repositories.LargeLanguageModel
func (g *MockGeminiClient) GenerateStructured(ctx context.Context, prompt repositories.Prompt, schema repositories.OutputSchema, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	motivation, pains, objections := g.analyze(prompt.User)

	var value any
	switch schema {
	case repositories.SchemaTurnAnalysis:
		result := entities.AnalysisResult{
			MotivationLevel:     motivation,
			PainPoints:          pains,
			ObjectionDetected:   len(objections) > 0,
			SuggestedResponse:   "That makes sense. What would the ideal outcome look like for you?",
			RecommendedNextMove: "Confirm the timeline",
		}
		if len(objections) > 0 {
			result.ObjectionType = &objections[0]
			result.SuggestedResponse = "I hear you. Can you help me understand what matters most to you here?"
		}
		value = result
	case repositories.SchemaCallSummary:
		value = entities.SummaryExtraction{
			FinalMotivationLevel: motivation,
			PainPoints:           pains,
			Objections:           objections,
			Summary:              "Mock call summary.",
			NextSteps:            "Schedule a follow-up call.",
		}
	default:
		return fmt.Errorf("unknown output schema %q", schema)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// GenerateStream implements repositories.LargeLanguageModel. It yields the
// Generate answer word by word.
func (g *MockGeminiClient) GenerateStream(ctx context.Context, prompt repositories.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		text, err := g.Generate(ctx, prompt)
		if err != nil {
			yield("", err)
			return
		}
		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			if !yield(w, nil) {
				return
			}
		}
	}
}
