// Package answer turns retrieved captions into a structured response:
// a summary, supporting details, detected changes, and a confidence score.
package answer

import "context"

// Change describes one difference detected between two images.
type Change struct {
	Type        string  `json:"type"` // addition, removal, similar
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Result is the structured output of a query or comparison.
type Result struct {
	Summary    string   `json:"summary"`
	Details    []string `json:"details"`
	Changes    []Change `json:"changes,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Caption pairs an image's sequence number with its derived caption.
type Caption struct {
	Sequence int64
	Text     string
}

// Structurer builds a Result from a question and the captions retrieved
// for it.
type Structurer interface {
	// StructureQuery answers a question over a set of retrieved captions.
	StructureQuery(ctx context.Context, question string, captions []Caption) (*Result, error)

	// StructureComparison contrasts two images given their captions and an
	// optional free-form narrative produced by a vision model.
	StructureComparison(ctx context.Context, question string, before, after Caption, narrative string) (*Result, error)
}
