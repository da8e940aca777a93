package usecase

import (
	"fmt"
	"strings"

	"github.com/dealcoach/server/domain/entities"
	"github.com/dealcoach/server/domain/repositories"
)

const turnAnalysisSystemPrompt = `You are a real-time negotiation coach listening to a phone call between
an acquisitions agent (the user) and a property seller (the seller).
After each thing the seller says, assess how motivated the seller is to sell
(1 = not at all, 10 = must sell now), list the pain points you heard, say
whether the seller raised an objection and which kind, and give the agent
ONE short sentence to say next (at most 200 characters) plus the next move
to steer toward. Reply only with JSON matching the response schema.`

const historySummarySystemPrompt = `You condense the earlier part of a sales call into a short factual
summary for a coach who will only see the summary and the latest turns.
Keep every stated fact about the property, timeline, price expectations,
pain points and objections. Write at most five sentences of plain text.`

const callNarrativeSystemPrompt = `You write the post-call summary of a phone call between an acquisitions
agent (the user) and a property seller (the seller). Write two short
paragraphs of plain prose: what the seller's situation is, and where the
negotiation stands. No headings, no lists.`

const callExtractionSystemPrompt = `You extract structured notes from a finished phone call between an
acquisitions agent (the user) and a property seller (the seller).
Rate the seller's final motivation to sell from 1 to 10, list their pain
points and every objection they raised, give a one sentence summary and
the concrete next steps for the agent. Reply only with JSON matching the
response schema.`

func formatTranscript(entries []entities.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Speaker, e.Text)
	}
	return b.String()
}

func turnAnalysisPrompt(convo entities.ConversationContext, latest entities.TranscriptEntry) repositories.Prompt {
	var b strings.Builder
	if convo.HasSummary() {
		b.WriteString("Summary of the call so far:\n")
		b.WriteString(convo.SummaryText())
		b.WriteString("\n\n")
	}
	if len(convo.RecentHistory) > 0 {
		b.WriteString("Recent conversation:\n")
		b.WriteString(formatTranscript(convo.RecentHistory))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Latest statement from %s:\n%s\n", latest.Speaker, latest.Text)

	return repositories.Prompt{System: turnAnalysisSystemPrompt, User: b.String()}
}

func historySummaryPrompt(turns []entities.TranscriptEntry) repositories.Prompt {
	return repositories.Prompt{
		System: historySummarySystemPrompt,
		User:   "Conversation:\n" + formatTranscript(turns),
	}
}

func callNarrativePrompt(transcript []entities.TranscriptEntry, durationSeconds int) repositories.Prompt {
	return repositories.Prompt{
		System: callNarrativeSystemPrompt,
		User:   fmt.Sprintf("Call duration: %d seconds\n\nTranscript:\n%s", durationSeconds, formatTranscript(transcript)),
	}
}

func callExtractionPrompt(transcript []entities.TranscriptEntry, durationSeconds int) repositories.Prompt {
	return repositories.Prompt{
		System: callExtractionSystemPrompt,
		User:   fmt.Sprintf("Call duration: %d seconds\n\nTranscript:\n%s", durationSeconds, formatTranscript(transcript)),
	}
}
