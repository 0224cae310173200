// Package query answers natural-language questions over a project's image
// history using cached results, vector similarity search, and a structuring
// step.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lenslog/lenslog/internal/answer"
	"github.com/lenslog/lenslog/internal/blob"
	"github.com/lenslog/lenslog/internal/cache"
	"github.com/lenslog/lenslog/internal/storage"
	"github.com/lenslog/lenslog/internal/vector"
	"github.com/lenslog/lenslog/internal/vision"
)

var (
	// ErrProjectNotFound means the project has no images at all.
	ErrProjectNotFound = errors.New("project not found")

	// ErrNotReady means a scoped query hit a record that has not finished
	// processing.
	ErrNotReady = errors.New("image not processed yet")

	// ErrConflict means the comparison scope is not two distinct usable
	// sequence numbers. A sequence absent from the project surfaces as
	// storage.ErrNotFound instead.
	ErrConflict = errors.New("invalid comparison scope")
)

// Request describes one query. SequenceNumber scopes the question to a
// single image; ComparisonSequences (exactly two) asks for a difference
// narrative; UseVectorSearch enables semantic retrieval for unscoped
// questions.
type Request struct {
	ProjectID           string  `json:"project_id"`
	Question            string  `json:"question"`
	SequenceNumber      *int64  `json:"sequence_number,omitempty"`
	ComparisonSequences []int64 `json:"comparison_sequences,omitempty"`
	UseVectorSearch     bool    `json:"use_vector_search"`
}

// RelevantImage is one image backing an answer, ordered by relevance.
type RelevantImage struct {
	ImageID        string  `json:"image_id"`
	SequenceNumber int64   `json:"sequence_number"`
	BlobKey        string  `json:"blob_key"`
	Filename       string  `json:"filename"`
	Caption        string  `json:"caption"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Metadata carries counters describing how the answer was assembled.
type Metadata struct {
	TotalImages    int    `json:"total_images"`
	ImagesSearched int    `json:"images_searched"`
	SearchMode     string `json:"search_mode"` // cached, scoped, comparison, semantic, recency
	CacheHit       bool   `json:"cache_hit"`
}

// Result is a structured answer with its supporting images.
type Result struct {
	Summary        string          `json:"summary"`
	Details        []string        `json:"details"`
	Changes        []answer.Change `json:"changes,omitempty"`
	RelevantImages []RelevantImage `json:"relevant_images"`
	Confidence     float64         `json:"confidence"`
	Metadata       Metadata        `json:"metadata"`
}

// Options tune the engine's retrieval behavior.
type Options struct {
	TopK          int           // max images considered per answer
	ResultTTL     time.Duration // cached result lifetime
	SearchTimeout time.Duration // vector search budget before recency fallback
	CallTimeout   time.Duration // per model call
}

// Engine assembles answers. Coordination with the ingestion side happens
// only through the vector store and the cache.
type Engine struct {
	records    vector.Store
	cache      cache.Cache
	embedder   vision.Embedder
	captioner  vision.Captioner
	blobs      blob.Store
	structurer answer.Structurer
	opts       Options
	logger     *slog.Logger
}

// NewEngine creates an Engine. Zero option fields get sensible defaults.
func NewEngine(records vector.Store, c cache.Cache, embedder vision.Embedder, captioner vision.Captioner, blobs blob.Store, structurer answer.Structurer, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 5 * time.Minute
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	return &Engine{
		records:    records,
		cache:      c,
		embedder:   embedder,
		captioner:  captioner,
		blobs:      blobs,
		structurer: structurer,
		opts:       opts,
		logger:     slog.Default(),
	}
}

// Query validates the request, consults the result cache, and assembles an
// answer over the matching retrieval path.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	total, err := e.records.CountByProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("counting project images: %w", err)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, req.ProjectID)
	}

	if len(req.ComparisonSequences) > 0 && len(req.ComparisonSequences) != 2 {
		return nil, fmt.Errorf("%w: need exactly two sequence numbers, got %d", ErrConflict, len(req.ComparisonSequences))
	}
	if len(req.ComparisonSequences) == 2 && req.ComparisonSequences[0] == req.ComparisonSequences[1] {
		return nil, fmt.Errorf("%w: sequence numbers must differ", ErrConflict)
	}

	key := cacheKey(req)
	if ok, cached, err := e.cache.Get(ctx, key); err == nil && ok {
		var res Result
		if err := json.Unmarshal([]byte(cached), &res); err == nil {
			res.Metadata.CacheHit = true
			e.logger.Debug("query_cache_hit", "project_id", req.ProjectID)
			return &res, nil
		}
	}

	var res *Result
	switch {
	case len(req.ComparisonSequences) == 2:
		res, err = e.compare(ctx, req, total)
	case req.SequenceNumber != nil:
		res, err = e.scoped(ctx, req, total)
	case req.UseVectorSearch:
		res, err = e.semantic(ctx, req, total)
	default:
		res, err = e.recency(ctx, req, total)
	}
	if err != nil {
		return nil, err
	}

	res.Confidence = clamp01(res.Confidence)

	if encoded, err := json.Marshal(res); err == nil {
		if err := e.cache.Set(ctx, key, string(encoded), e.opts.ResultTTL); err != nil {
			e.logger.Warn("query cache write failed", "error", err)
		}
	}
	return res, nil
}

// scoped answers over exactly one image.
func (e *Engine) scoped(ctx context.Context, req Request, total int) (*Result, error) {
	rec, err := e.fetchCompleted(ctx, req.ProjectID, *req.SequenceNumber)
	if err != nil {
		return nil, err
	}

	structured, err := e.structure(ctx, req.Question, []vector.ScoredRecord{{ImageRecord: rec, Score: 1}})
	if err != nil {
		return nil, err
	}
	structured.RelevantImages = relevantImages([]vector.ScoredRecord{{ImageRecord: rec, Score: 1}})
	structured.Metadata = Metadata{TotalImages: total, ImagesSearched: 1, SearchMode: "scoped"}
	return structured, nil
}

// compare answers a difference question over two images, fetching records
// and image bytes in parallel and asking the vision model for a narrative.
func (e *Engine) compare(ctx context.Context, req Request, total int) (*Result, error) {
	seqs := []int64{req.ComparisonSequences[0], req.ComparisonSequences[1]}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	recs := make([]vector.ImageRecord, 2)
	data := make([][]byte, 2)

	g, gctx := errgroup.WithContext(ctx)
	for i, seq := range seqs {
		g.Go(func() error {
			rec, err := e.fetchCompleted(gctx, req.ProjectID, seq)
			if err != nil {
				return err
			}
			bytes, err := e.fetchBlob(gctx, rec.BlobKey)
			if err != nil {
				return fmt.Errorf("loading image #%d bytes: %w", seq, err)
			}
			recs[i] = rec
			data[i] = bytes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	question := req.Question
	if question == "" {
		question = "What changed between these two images?"
	}

	narrative, err := e.answerWithTimeout(ctx, data[0], data[1], question)
	if err != nil {
		// The structurer can still diff captions without the narrative.
		e.logger.Warn("comparison narrative failed", "error", err)
		narrative = ""
	}

	structured, err := e.structurer.StructureComparison(ctx, req.Question,
		answer.Caption{Sequence: recs[0].SequenceNumber, Text: recs[0].Caption},
		answer.Caption{Sequence: recs[1].SequenceNumber, Text: recs[1].Caption},
		narrative)
	if err != nil {
		return nil, fmt.Errorf("structuring comparison: %w", err)
	}

	scored := []vector.ScoredRecord{
		{ImageRecord: recs[0], Score: 1},
		{ImageRecord: recs[1], Score: 1},
	}
	return &Result{
		Summary:        structured.Summary,
		Details:        structured.Details,
		Changes:        structured.Changes,
		RelevantImages: relevantImages(scored),
		Confidence:     structured.Confidence,
		Metadata:       Metadata{TotalImages: total, ImagesSearched: 2, SearchMode: "comparison"},
	}, nil
}

// semantic embeds the question and ranks completed images by similarity.
// A search failure or timeout downgrades to the recency path instead of
// failing the query.
func (e *Engine) semantic(ctx context.Context, req Request, total int) (*Result, error) {
	scored, err := e.vectorSearch(ctx, req)
	if err != nil {
		e.logger.Warn("vector search unavailable, falling back to recency", "error", err)
		return e.recency(ctx, req, total)
	}
	if len(scored) == 0 {
		return e.recency(ctx, req, total)
	}

	structured, err := e.structure(ctx, req.Question, scored)
	if err != nil {
		return nil, err
	}
	structured.RelevantImages = relevantImages(scored)
	structured.Metadata = Metadata{TotalImages: total, ImagesSearched: len(scored), SearchMode: "semantic"}
	return structured, nil
}

func (e *Engine) vectorSearch(ctx context.Context, req Request) ([]vector.ScoredRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()

	queryVec, err := e.embedder.EmbedText(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	scored, err := e.records.Search(ctx, req.ProjectID, queryVec, e.opts.TopK, nil)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	return scored, nil
}

// recency answers over the most recent completed images. Relevance decays
// by recency rank.
func (e *Engine) recency(ctx context.Context, req Request, total int) (*Result, error) {
	recs, err := e.records.ListCompletedByProject(ctx, req.ProjectID, e.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("listing project images: %w", err)
	}

	scored := make([]vector.ScoredRecord, 0, len(recs))
	for rank, rec := range recs {
		scored = append(scored, vector.ScoredRecord{
			ImageRecord: rec,
			Score:       float32(1.0 / float64(1+rank)),
		})
	}

	structured, err := e.structure(ctx, req.Question, scored)
	if err != nil {
		return nil, err
	}
	structured.RelevantImages = relevantImages(scored)
	structured.Metadata = Metadata{TotalImages: total, ImagesSearched: len(scored), SearchMode: "recency"}
	return structured, nil
}

// fetchCompleted loads one record by sequence and enforces readiness.
func (e *Engine) fetchCompleted(ctx context.Context, projectID string, seq int64) (vector.ImageRecord, error) {
	rec, err := e.records.GetByProjectAndSequence(ctx, projectID, seq)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return vector.ImageRecord{}, fmt.Errorf("no image at sequence %d: %w", seq, storage.ErrNotFound)
		}
		return vector.ImageRecord{}, fmt.Errorf("loading image #%d: %w", seq, err)
	}
	switch rec.Status {
	case vector.StatusCompleted:
		return rec, nil
	case vector.StatusFailed:
		return vector.ImageRecord{}, fmt.Errorf("%w: image #%d failed processing", ErrConflict, seq)
	default:
		return vector.ImageRecord{}, fmt.Errorf("%w: image #%d is %s", ErrNotReady, seq, rec.Status)
	}
}

func (e *Engine) structure(ctx context.Context, question string, scored []vector.ScoredRecord) (*Result, error) {
	captions := make([]answer.Caption, len(scored))
	for i, s := range scored {
		captions[i] = answer.Caption{Sequence: s.SequenceNumber, Text: s.Caption}
	}

	structured, err := e.structurer.StructureQuery(ctx, question, captions)
	if err != nil {
		return nil, fmt.Errorf("structuring answer: %w", err)
	}
	return &Result{
		Summary:    structured.Summary,
		Details:    structured.Details,
		Changes:    structured.Changes,
		Confidence: structured.Confidence,
	}, nil
}

func (e *Engine) fetchBlob(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return e.blobs.Get(ctx, key)
}

func (e *Engine) answerWithTimeout(ctx context.Context, a, b []byte, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return e.captioner.Answer(ctx, a, b, question)
}

func relevantImages(scored []vector.ScoredRecord) []RelevantImage {
	out := make([]RelevantImage, len(scored))
	for i, s := range scored {
		out[i] = RelevantImage{
			ImageID:        s.ImageID,
			SequenceNumber: s.SequenceNumber,
			BlobKey:        s.BlobKey,
			Filename:       s.Filename,
			Caption:        s.Caption,
			RelevanceScore: float64(s.Score),
		}
	}
	return out
}

// cacheKey derives a stable key from the discriminating request fields.
func cacheKey(req Request) string {
	seq := int64(-1)
	if req.SequenceNumber != nil {
		seq = *req.SequenceNumber
	}
	pair := make([]int64, len(req.ComparisonSequences))
	copy(pair, req.ComparisonSequences)
	sort.Slice(pair, func(i, j int) bool { return pair[i] < pair[j] })

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%v|%t", req.ProjectID, req.Question, seq, pair, req.UseVectorSearch)
	return fmt.Sprintf("query:%x", h.Sum(nil))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
