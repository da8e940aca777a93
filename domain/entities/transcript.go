package entities

import "time"

// Speaker labels the relay assigns itself. Speech engines may supply other,
// diarized labels; the vocabulary is never validated.
const (
	SpeakerSeller = "seller"
	SpeakerUser   = "user"
)

// TranscriptEntry is one finalized turn of the call.
type TranscriptEntry struct {
	Speaker         string `json:"speaker"`
	Text            string `json:"text"`
	TimestampMillis int64  `json:"timestampMillis"`
}

// NewTranscriptEntry creates an entry stamped at the given time
func NewTranscriptEntry(speaker, text string, at time.Time) TranscriptEntry {
	return TranscriptEntry{
		Speaker:         speaker,
		Text:            text,
		TimestampMillis: at.UnixMilli(),
	}
}

// IsCounterparty reports whether the turn was spoken by the seller, the party
// being coached against.
func (e TranscriptEntry) IsCounterparty() bool {
	return e.Speaker == SpeakerSeller
}

// ConversationContext is the bounded prompt context of one call.
//
// When Summary is nil RecentHistory holds the whole call so far; otherwise it
// holds at most the configured number of most recent turns and Summary covers
// the first SummarizedTurns turns.
type ConversationContext struct {
	Summary         *string           `json:"summary"`
	RecentHistory   []TranscriptEntry `json:"recentHistory"`
	SummarizedTurns int               `json:"summarizedTurns"`
	TotalTurns      int               `json:"totalTurns"`
}

// NewConversationContext returns the empty context of a call with no turns
func NewConversationContext() ConversationContext {
	return ConversationContext{RecentHistory: make([]TranscriptEntry, 0)}
}

// HasSummary reports whether older turns have been folded into a summary
func (c ConversationContext) HasSummary() bool {
	return c.Summary != nil
}

// SummaryText returns the summary or the empty string
func (c ConversationContext) SummaryText() string {
	if c.Summary == nil {
		return ""
	}
	return *c.Summary
}

// Clone returns a copy that shares no slices with c
func (c ConversationContext) Clone() ConversationContext {
	out := c
	out.RecentHistory = append(make([]TranscriptEntry, 0, len(c.RecentHistory)), c.RecentHistory...)
	if c.Summary != nil {
		s := *c.Summary
		out.Summary = &s
	}
	return out
}
