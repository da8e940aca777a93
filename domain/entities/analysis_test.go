package entities

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapSuggestedResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
		wantCut bool
	}{
		{name: "short", input: "Ask about the timeline.", wantLen: 23},
		{name: "exactly at limit", input: strings.Repeat("a", 200), wantLen: 200},
		{name: "one over", input: strings.Repeat("b", 201), wantLen: 200, wantCut: true},
		{name: "far over", input: strings.Repeat("c", 1000), wantLen: 200, wantCut: true},
		{name: "multibyte", input: strings.Repeat("é", 250), wantLen: 200, wantCut: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AnalysisResult{SuggestedResponse: tt.input}
			a.CapSuggestedResponse()

			assert.Equal(t, tt.wantLen, utf8.RuneCountInString(a.SuggestedResponse))
			if tt.wantCut {
				assert.True(t, strings.HasSuffix(a.SuggestedResponse, "..."))
				assert.Equal(t, []rune(tt.input)[:197], []rune(a.SuggestedResponse)[:197])
			} else {
				assert.Equal(t, tt.input, a.SuggestedResponse)
			}
		})
	}
}

func TestAnalysisResultValidate(t *testing.T) {
	empty := ""
	valid := AnalysisResult{MotivationLevel: 7, SuggestedResponse: "What would a quick close mean for you?", ObjectionType: &empty}
	require.NoError(t, valid.Validate())
	assert.Nil(t, valid.ObjectionType, "empty objection type is normalized to nil")
	assert.NotNil(t, valid.PainPoints)

	for _, level := range []int{0, 11, -3} {
		a := AnalysisResult{MotivationLevel: level, SuggestedResponse: "x"}
		assert.ErrorIs(t, a.Validate(), ErrInvalidAnalysis, "level %d", level)
	}

	missing := AnalysisResult{MotivationLevel: 4, SuggestedResponse: "   "}
	assert.ErrorIs(t, missing.Validate(), ErrInvalidAnalysis)
}

func TestFallbackAnalysis(t *testing.T) {
	got := FallbackAnalysis(errors.New("upstream timeout"))

	require.NotNil(t, got.Error)
	assert.Equal(t, "upstream timeout", *got.Error)
	assert.Equal(t, 5, got.MotivationLevel)
	assert.Empty(t, got.PainPoints)
	assert.NotNil(t, got.PainPoints)
	assert.False(t, got.ObjectionDetected)
	assert.Nil(t, got.ObjectionType)
	assert.NotEmpty(t, got.SuggestedResponse)

	other := FallbackAnalysis(errors.New("refused"))
	got.Error, other.Error = nil, nil
	assert.Equal(t, got, other, "fallbacks differ only in their error")
}

func TestSummaryExtractionValidate(t *testing.T) {
	ok := SummaryExtraction{FinalMotivationLevel: 10}
	require.NoError(t, ok.Validate())
	assert.NotNil(t, ok.PainPoints)
	assert.NotNil(t, ok.Objections)

	bad := SummaryExtraction{FinalMotivationLevel: 0}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAnalysis)
}

func TestNewCallSummary_UsesNarrative(t *testing.T) {
	extraction := SummaryExtraction{
		FinalMotivationLevel: 8,
		PainPoints:           []string{"inherited property"},
		Objections:           []string{"price"},
		Summary:              "extraction summary",
		NextSteps:            "send offer",
	}

	got := NewCallSummary(125, "streamed narrative", extraction)

	assert.Equal(t, 125, got.DurationSeconds)
	assert.Equal(t, "streamed narrative", got.Summary)
	assert.Equal(t, 8, got.FinalMotivationLevel)
	assert.Equal(t, []string{"price"}, got.Objections)
	assert.Equal(t, "send offer", got.NextSteps)
	assert.Nil(t, got.Error)
}

func TestFallbackCallSummary(t *testing.T) {
	got := FallbackCallSummary(125, errors.New("stream broke"))

	assert.Equal(t, 125, got.DurationSeconds)
	assert.Equal(t, 5, got.FinalMotivationLevel)
	assert.Empty(t, got.PainPoints)
	assert.Empty(t, got.Objections)
	assert.NotEmpty(t, got.Summary)
	assert.NotEmpty(t, got.NextSteps)
	require.NotNil(t, got.Error)
	assert.Equal(t, "stream broke", *got.Error)
}

func TestConversationContextClone(t *testing.T) {
	summary := "earlier turns"
	c := ConversationContext{
		Summary:       &summary,
		RecentHistory: []TranscriptEntry{NewTranscriptEntry(SpeakerSeller, "hi", time.UnixMilli(42))},
	}

	clone := c.Clone()
	clone.RecentHistory[0].Text = "changed"
	*clone.Summary = "changed"

	assert.Equal(t, "hi", c.RecentHistory[0].Text)
	assert.Equal(t, "earlier turns", c.SummaryText())
	assert.Equal(t, int64(42), c.RecentHistory[0].TimestampMillis)
}

func TestNewConversationContext(t *testing.T) {
	c := NewConversationContext()
	assert.False(t, c.HasSummary())
	assert.Equal(t, "", c.SummaryText())
	assert.NotNil(t, c.RecentHistory)
	assert.Empty(t, c.RecentHistory)
}

func TestIsCounterparty(t *testing.T) {
	assert.True(t, TranscriptEntry{Speaker: SpeakerSeller}.IsCounterparty())
	assert.False(t, TranscriptEntry{Speaker: SpeakerUser}.IsCounterparty())
	assert.False(t, TranscriptEntry{Speaker: "speaker_1"}.IsCounterparty())
}
