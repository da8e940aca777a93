package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dealcoach/server/domain/entities"
	"github.com/dealcoach/server/domain/repositories"
	"github.com/dealcoach/server/internal/conversation"
)

var errEmptyNarrative = errors.New("narrative summary stream produced no text")

// SummaryStreamHandler receives the narrative summary as it is generated
type SummaryStreamHandler interface {
	OnSummaryStart()
	OnSummaryToken(token string)
	// OnSummaryEnd receives the concatenation of every token
	OnSummaryEnd(summary string)
}

// CoachingService produces turn-level suggestions, rolling history
// summaries and the call-end summary.
type CoachingService struct {
	suggestionModel repositories.LargeLanguageModel
	summaryModel    repositories.LargeLanguageModel
	logger          *zap.Logger
}

var _ conversation.Summarizer = (*CoachingService)(nil)

// NewCoachingService creates a new coaching service. The suggestion model
// serves the structured requests, the summary model the free-form ones.
func NewCoachingService(
	suggestionModel repositories.LargeLanguageModel,
	summaryModel repositories.LargeLanguageModel,
	logger *zap.Logger,
) *CoachingService {
	return &CoachingService{
		suggestionModel: suggestionModel,
		summaryModel:    summaryModel,
		logger:          logger,
	}
}

// AnalyzeTurn asks the model for coaching on the latest statement. It never
// fails: any upstream or validation error yields the fallback analysis.
func (s *CoachingService) AnalyzeTurn(ctx context.Context, convo entities.ConversationContext, latest entities.TranscriptEntry) entities.AnalysisResult {
	var result entities.AnalysisResult
	err := s.suggestionModel.GenerateStructured(ctx, turnAnalysisPrompt(convo, latest), repositories.SchemaTurnAnalysis, &result)
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		s.logger.Warn("Turn analysis failed, using fallback", zap.Error(err))
		return entities.FallbackAnalysis(err)
	}

	result.Error = nil
	result.CapSuggestedResponse()
	return result
}

// SummarizeHistory condenses older turns for the conversation context
func (s *CoachingService) SummarizeHistory(ctx context.Context, turns []entities.TranscriptEntry) (string, error) {
	text, err := s.summaryModel.Generate(ctx, historySummaryPrompt(turns))
	if err != nil {
		return "", fmt.Errorf("failed to summarize history: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// SummarizeCall runs the streamed narrative and the structured extraction
// concurrently and joins them. If either fails the whole summary fails; the
// caller substitutes entities.FallbackCallSummary.
func (s *CoachingService) SummarizeCall(ctx context.Context, transcript []entities.TranscriptEntry, durationSeconds int, handler SummaryStreamHandler) (entities.CallSummary, error) {
	g, gctx := errgroup.WithContext(ctx)

	var narrative string
	g.Go(func() error {
		text, err := s.streamNarrative(gctx, transcript, durationSeconds, handler)
		if err != nil {
			return err
		}
		narrative = text
		return nil
	})

	var extraction entities.SummaryExtraction
	g.Go(func() error {
		err := s.suggestionModel.GenerateStructured(gctx, callExtractionPrompt(transcript, durationSeconds), repositories.SchemaCallSummary, &extraction)
		if err != nil {
			return fmt.Errorf("failed to extract call summary: %w", err)
		}
		return extraction.Validate()
	})

	if err := g.Wait(); err != nil {
		s.logger.Warn("Call summary failed", zap.Int("durationSeconds", durationSeconds), zap.Error(err))
		return entities.CallSummary{}, err
	}

	return entities.NewCallSummary(durationSeconds, narrative, extraction), nil
}

func (s *CoachingService) streamNarrative(ctx context.Context, transcript []entities.TranscriptEntry, durationSeconds int, handler SummaryStreamHandler) (string, error) {
	if handler != nil {
		handler.OnSummaryStart()
	}

	var b strings.Builder
	for token, err := range s.summaryModel.GenerateStream(ctx, callNarrativePrompt(transcript, durationSeconds)) {
		if err != nil {
			return "", fmt.Errorf("failed to stream narrative summary: %w", err)
		}
		if token == "" {
			continue
		}
		b.WriteString(token)
		if handler != nil {
			handler.OnSummaryToken(token)
		}
	}

	narrative := b.String()
	if strings.TrimSpace(narrative) == "" {
		return "", errEmptyNarrative
	}
	if handler != nil {
		handler.OnSummaryEnd(narrative)
	}
	return narrative, nil
}
