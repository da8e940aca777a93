package repositories

import (
	"context"
	"iter"
)

// LargeLanguageModel abstracts the model provider behind the coaching pipeline
type LargeLanguageModel interface {
	// Generate returns free-form text for the prompt
	Generate(ctx context.Context, prompt Prompt) (string, error)
	// GenerateStructured constrains the reply to schema and decodes it into out
	GenerateStructured(ctx context.Context, prompt Prompt, schema OutputSchema, out any) error
	// GenerateStream yields text chunks as the model produces them. The
	// sequence ends after the last chunk or after the first error.
	GenerateStream(ctx context.Context, prompt Prompt) iter.Seq2[string, error]
}

// Prompt is a system instruction plus the user turn sent to the model
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// OutputSchema names a fixed response schema known to every provider
type OutputSchema string

const (
	SchemaTurnAnalysis OutputSchema = "turn_analysis"
	SchemaCallSummary  OutputSchema = "call_summary"
)
