// Package vision wraps the caption/VQA and embedding models behind
// capability interfaces so test doubles and alternative model servers can
// substitute either one.
package vision

import "context"

// Captioner produces natural-language descriptions of images.
type Captioner interface {
	// Describe returns a plain descriptive caption for one image.
	Describe(ctx context.Context, image []byte) (string, error)

	// Answer answers a question about one image, or about the differences
	// between two when imageB is non-nil.
	Answer(ctx context.Context, imageA, imageB []byte, question string) (string, error)
}

// Embedder produces fixed-length vectors. EmbedImage and EmbedText land in
// the same vector space so text queries can rank images by similarity.
type Embedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}
