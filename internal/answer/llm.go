package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lenslog/lenslog/internal/vision"
)

// Chatter is the interface for chat completion with structured JSON output.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []vision.Message, jsonSchema *vision.Schema) (string, error)
}

// LLM structures answers with a language model via constrained JSON output.
// Any model failure (timeout, malformed JSON, upstream error) degrades to the
// deterministic heuristic so a query never fails on the structuring step.
type LLM struct {
	client   Chatter
	model    string
	fallback Heuristic
}

// NewLLM creates a Structurer backed by the given chat client and model name.
func NewLLM(client Chatter, model string) *LLM {
	return &LLM{client: client, model: model}
}

// llmResult mirrors Result with JSON tags matching the response schema.
type llmResult struct {
	Summary    string   `json:"summary"`
	Details    []string `json:"details"`
	Changes    []Change `json:"changes"`
	Confidence float64  `json:"confidence"`
}

func (l *LLM) StructureQuery(ctx context.Context, question string, captions []Caption) (*Result, error) {
	if len(captions) == 0 {
		return l.fallback.StructureQuery(ctx, question, captions)
	}

	var sb strings.Builder
	sb.WriteString("You are answering a question about a project's image history. ")
	sb.WriteString("Each image is identified by a sequence number and has a caption.\n\n")
	for _, c := range captions {
		fmt.Fprintf(&sb, "Image #%d: %s\n", c.Sequence, c.Text)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\n", question)
	sb.WriteString("Answer from the captions only. Set confidence between 0 and 1 based on how well the captions support the answer.")

	raw, err := l.client.Chat(ctx, l.model, []vision.Message{
		{Role: "user", Content: sb.String()},
	}, querySchema())
	if err != nil {
		slog.Warn("answer structuring chat failed, using heuristic", "error", err)
		return l.fallback.StructureQuery(ctx, question, captions)
	}

	var parsed llmResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		slog.Warn("failed to unmarshal structured answer", "error", err, "response", raw)
		return l.fallback.StructureQuery(ctx, question, captions)
	}

	return &Result{
		Summary:    parsed.Summary,
		Details:    parsed.Details,
		Confidence: parsed.Confidence,
	}, nil
}

func (l *LLM) StructureComparison(ctx context.Context, question string, before, after Caption, narrative string) (*Result, error) {
	var sb strings.Builder
	sb.WriteString("You are comparing two images from the same project, in chronological order.\n\n")
	fmt.Fprintf(&sb, "Earlier image #%d: %s\n", before.Sequence, before.Text)
	fmt.Fprintf(&sb, "Later image #%d: %s\n", after.Sequence, after.Text)
	if narrative != "" {
		fmt.Fprintf(&sb, "\nVisual comparison: %s\n", narrative)
	}
	if question != "" {
		fmt.Fprintf(&sb, "\nQuestion: %s\n", question)
	}
	sb.WriteString("\nList each change with type addition, removal, or similar, and a confidence between 0 and 1.")

	raw, err := l.client.Chat(ctx, l.model, []vision.Message{
		{Role: "user", Content: sb.String()},
	}, comparisonSchema())
	if err != nil {
		slog.Warn("comparison structuring chat failed, using heuristic", "error", err)
		return l.fallback.StructureComparison(ctx, question, before, after, narrative)
	}

	var parsed llmResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		slog.Warn("failed to unmarshal structured comparison", "error", err, "response", raw)
		return l.fallback.StructureComparison(ctx, question, before, after, narrative)
	}

	return &Result{
		Summary:    parsed.Summary,
		Details:    parsed.Details,
		Changes:    parsed.Changes,
		Confidence: parsed.Confidence,
	}, nil
}

func querySchema() *vision.Schema {
	return &vision.Schema{
		Type: "object",
		Properties: map[string]vision.SchemaProperty{
			"summary":    {Type: "string", Description: "One or two sentence answer to the question"},
			"details":    {Type: "array", Description: "Supporting observations drawn from the captions", Items: map[string]string{"type": "string"}},
			"confidence": {Type: "number", Description: "How well the captions support the answer, 0 to 1"},
		},
		Required: []string{"summary", "details", "confidence"},
	}
}

func comparisonSchema() *vision.Schema {
	return &vision.Schema{
		Type: "object",
		Properties: map[string]vision.SchemaProperty{
			"summary": {Type: "string", Description: "One or two sentence summary of the differences"},
			"details": {Type: "array", Description: "Supporting observations", Items: map[string]string{"type": "string"}},
			"changes": {Type: "array", Description: "Individual changes between the two images", Items: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":        map[string]string{"type": "string", "description": "addition, removal, or similar"},
					"description": map[string]string{"type": "string"},
					"confidence":  map[string]string{"type": "number"},
				},
			}},
			"confidence": {Type: "number", Description: "Overall confidence, 0 to 1"},
		},
		Required: []string{"summary", "details", "changes", "confidence"},
	}
}
