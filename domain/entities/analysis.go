package entities

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxSuggestedResponseLength caps the coaching line shown to the operator.
	MaxSuggestedResponseLength = 200

	MinMotivationLevel     = 1
	MaxMotivationLevel     = 10
	FallbackMotivation     = 5
	truncationMarker       = "..."
	fallbackSuggestion     = "Build rapport: ask an open-ended question about what is prompting them to consider selling."
	fallbackNextMove       = "Keep the seller talking and listen for motivation."
	fallbackSummaryText    = "A summary could not be generated for this call."
	fallbackSummaryNextMsg = "Review the call transcript and follow up with the seller."
)

// ErrInvalidAnalysis marks a model response that does not satisfy the output schema
var ErrInvalidAnalysis = errors.New("model output failed validation")

// AnalysisResult is the coaching suggestion produced for one seller turn.
type AnalysisResult struct {
	MotivationLevel     int      `json:"motivationLevel"`
	PainPoints          []string `json:"painPoints"`
	ObjectionDetected   bool     `json:"objectionDetected"`
	ObjectionType       *string  `json:"objectionType"`
	SuggestedResponse   string   `json:"suggestedResponse"`
	RecommendedNextMove string   `json:"recommendedNextMove"`
	Error               *string  `json:"error"`
}

// Validate checks the result against the turn analysis schema
func (a *AnalysisResult) Validate() error {
	if a.MotivationLevel < MinMotivationLevel || a.MotivationLevel > MaxMotivationLevel {
		return fmt.Errorf("%w: motivationLevel %d out of range", ErrInvalidAnalysis, a.MotivationLevel)
	}
	if strings.TrimSpace(a.SuggestedResponse) == "" {
		return fmt.Errorf("%w: suggestedResponse is required", ErrInvalidAnalysis)
	}
	if a.ObjectionType != nil && *a.ObjectionType == "" {
		a.ObjectionType = nil
	}
	if a.PainPoints == nil {
		a.PainPoints = []string{}
	}
	return nil
}

// CapSuggestedResponse hard-truncates the suggested response so it never
// exceeds MaxSuggestedResponseLength characters, ellipsis included.
func (a *AnalysisResult) CapSuggestedResponse() {
	a.SuggestedResponse = capText(a.SuggestedResponse, MaxSuggestedResponseLength)
}

func capText(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(truncationMarker)
	runes := []rune(s)
	return string(runes[:keep]) + truncationMarker
}

// FallbackAnalysis is returned whenever the turn-level request fails
func FallbackAnalysis(err error) AnalysisResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return AnalysisResult{
		MotivationLevel:     FallbackMotivation,
		PainPoints:          []string{},
		ObjectionDetected:   false,
		ObjectionType:       nil,
		SuggestedResponse:   fallbackSuggestion,
		RecommendedNextMove: fallbackNextMove,
		Error:               &msg,
	}
}

// SummaryExtraction is the structured half of the call-end summary.
// Its Summary field is superseded by the streamed narrative.
type SummaryExtraction struct {
	FinalMotivationLevel int      `json:"finalMotivationLevel"`
	PainPoints           []string `json:"painPoints"`
	Objections           []string `json:"objections"`
	Summary              string   `json:"summary"`
	NextSteps            string   `json:"nextSteps"`
}

// Validate checks the extraction against the call summary schema
func (s *SummaryExtraction) Validate() error {
	if s.FinalMotivationLevel < MinMotivationLevel || s.FinalMotivationLevel > MaxMotivationLevel {
		return fmt.Errorf("%w: finalMotivationLevel %d out of range", ErrInvalidAnalysis, s.FinalMotivationLevel)
	}
	if s.PainPoints == nil {
		s.PainPoints = []string{}
	}
	if s.Objections == nil {
		s.Objections = []string{}
	}
	return nil
}

// CallSummary is produced once per call by joining the narrative stream with
// the structured extraction.
type CallSummary struct {
	DurationSeconds      int      `json:"durationSeconds"`
	FinalMotivationLevel int      `json:"finalMotivationLevel"`
	PainPoints           []string `json:"painPoints"`
	Objections           []string `json:"objections"`
	Summary              string   `json:"summary"`
	NextSteps            string   `json:"nextSteps"`
	Error                *string  `json:"error"`
}

// NewCallSummary joins the streamed narrative with the structured extraction
func NewCallSummary(durationSeconds int, narrative string, extraction SummaryExtraction) CallSummary {
	return CallSummary{
		DurationSeconds:      durationSeconds,
		FinalMotivationLevel: extraction.FinalMotivationLevel,
		PainPoints:           extraction.PainPoints,
		Objections:           extraction.Objections,
		Summary:              narrative,
		NextSteps:            extraction.NextSteps,
	}
}

// FallbackCallSummary replaces a failed call-end summary. The duration is kept.
func FallbackCallSummary(durationSeconds int, err error) CallSummary {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return CallSummary{
		DurationSeconds:      durationSeconds,
		FinalMotivationLevel: FallbackMotivation,
		PainPoints:           []string{},
		Objections:           []string{},
		Summary:              fallbackSummaryText,
		NextSteps:            fallbackSummaryNextMsg,
		Error:                &msg,
	}
}
