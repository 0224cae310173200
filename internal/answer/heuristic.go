package answer

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Heuristic is a deterministic Structurer that needs no model. It summarizes
// from the captions directly and detects changes by diffing caption keywords.
// It backs the LLM structurer when the model is unreachable and serves as the
// sole structurer in minimal deployments.
type Heuristic struct{}

// comparisonConfidence applies to keyword-diff comparisons, which are coarser
// than caption-grounded query answers.
const comparisonConfidence = 0.85

func (Heuristic) StructureQuery(_ context.Context, question string, captions []Caption) (*Result, error) {
	if len(captions) == 0 {
		return &Result{
			Summary:    "No processed images are available to answer this question.",
			Confidence: 0,
		}, nil
	}

	described := 0
	details := make([]string, 0, len(captions))
	for _, c := range captions {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		described++
		details = append(details, fmt.Sprintf("Image #%d: %s", c.Sequence, c.Text))
	}

	confidence := float64(described) / float64(len(captions)) * 0.9
	if confidence > 0.95 {
		confidence = 0.95
	}

	summary := fmt.Sprintf("Found %d relevant image(s) for %q.", described, question)
	if described == 0 {
		summary = "The matching images have not produced captions yet."
	}

	return &Result{
		Summary:    summary,
		Details:    details,
		Confidence: confidence,
	}, nil
}

func (Heuristic) StructureComparison(_ context.Context, question string, before, after Caption, narrative string) (*Result, error) {
	changes := diffCaptions(before.Text, after.Text)

	summary := narrative
	if summary == "" {
		summary = fmt.Sprintf("Compared image #%d with image #%d: %d change(s) detected.",
			before.Sequence, after.Sequence, countDifferences(changes))
	}

	details := []string{
		fmt.Sprintf("Image #%d: %s", before.Sequence, before.Text),
		fmt.Sprintf("Image #%d: %s", after.Sequence, after.Text),
	}
	if question != "" {
		details = append(details, fmt.Sprintf("Question: %s", question))
	}

	return &Result{
		Summary:    summary,
		Details:    details,
		Changes:    changes,
		Confidence: comparisonConfidence,
	}, nil
}

func countDifferences(changes []Change) int {
	n := 0
	for _, c := range changes {
		if c.Type != "similar" {
			n++
		}
	}
	return n
}

// diffCaptions compares the keyword sets of two captions. Words present only
// in the later caption become additions, words present only in the earlier
// one become removals. Identical keyword sets yield a single similar entry.
func diffCaptions(before, after string) []Change {
	beforeWords := keywords(before)
	afterWords := keywords(after)

	var changes []Change
	for _, w := range sortedDiff(afterWords, beforeWords) {
		changes = append(changes, Change{
			Type:        "addition",
			Description: fmt.Sprintf("%q appears in the later image", w),
			Confidence:  comparisonConfidence,
		})
	}
	for _, w := range sortedDiff(beforeWords, afterWords) {
		changes = append(changes, Change{
			Type:        "removal",
			Description: fmt.Sprintf("%q is no longer present", w),
			Confidence:  comparisonConfidence,
		})
	}

	if len(changes) == 0 {
		changes = append(changes, Change{
			Type:        "similar",
			Description: "The two images describe the same content",
			Confidence:  comparisonConfidence,
		})
	}
	return changes
}

// keywords extracts the lowercased content words of a caption, skipping
// short function words.
func keywords(caption string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(caption)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 3 {
			words[w] = true
		}
	}
	return words
}

// sortedDiff returns the words in a that are absent from b, sorted for
// deterministic output.
func sortedDiff(a, b map[string]bool) []string {
	var out []string
	for w := range a {
		if !b[w] {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}
