package llm

import (
	"fmt"

	"google.golang.org/genai"

	"github.com/dealcoach/server/domain/entities"
	"github.com/dealcoach/server/domain/repositories"
)

func stringList(description string) *genai.Schema {
	return &genai.Schema{
		Type:        genai.TypeArray,
		Description: description,
		Items:       &genai.Schema{Type: genai.TypeString},
	}
}

func motivationScale(description string) *genai.Schema {
	return &genai.Schema{
		Type:        genai.TypeInteger,
		Description: description,
		Minimum:     genai.Ptr(float64(entities.MinMotivationLevel)),
		Maximum:     genai.Ptr(float64(entities.MaxMotivationLevel)),
	}
}

var turnAnalysisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"motivationLevel":   motivationScale("How motivated the seller is to sell, 1 to 10"),
		"painPoints":        stringList("Problems the seller mentioned"),
		"objectionDetected": {Type: genai.TypeBoolean},
		"objectionType": {
			Type:        genai.TypeString,
			Description: "Kind of objection, e.g. price, timing, trust",
			Nullable:    genai.Ptr(true),
		},
		"suggestedResponse": {
			Type:        genai.TypeString,
			Description: "One sentence for the agent to say next",
			MaxLength:   genai.Ptr(int64(entities.MaxSuggestedResponseLength)),
		},
		"recommendedNextMove": {Type: genai.TypeString},
	},
	Required: []string{"motivationLevel", "painPoints", "objectionDetected", "suggestedResponse", "recommendedNextMove"},
	PropertyOrdering: []string{
		"motivationLevel", "painPoints", "objectionDetected", "objectionType", "suggestedResponse", "recommendedNextMove",
	},
}

var callSummarySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"finalMotivationLevel": motivationScale("Seller motivation at the end of the call, 1 to 10"),
		"painPoints":           stringList("Problems the seller mentioned"),
		"objections":           stringList("Objections the seller raised"),
		"summary":              {Type: genai.TypeString},
		"nextSteps":            {Type: genai.TypeString},
	},
	Required:         []string{"finalMotivationLevel", "painPoints", "objections", "summary", "nextSteps"},
	PropertyOrdering: []string{"finalMotivationLevel", "painPoints", "objections", "summary", "nextSteps"},
}

func schemaFor(schema repositories.OutputSchema) (*genai.Schema, error) {
	switch schema {
	case repositories.SchemaTurnAnalysis:
		return turnAnalysisSchema, nil
	case repositories.SchemaCallSummary:
		return callSummarySchema, nil
	default:
		return nil, fmt.Errorf("unknown output schema %q", schema)
	}
}
