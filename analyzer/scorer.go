package analyzer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/funcbench/funcbench/model"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Scorer rates how well actual content conveys an expected phrase, on a
// 0..1 scale. Implementations must be safe for concurrent use: one scorer
// instance is shared across every concurrent analysis of a benchmark run.
//
// A returned error means the scoring backend itself failed. Callers must
// keep that distinct from a low score: infrastructure failure is not a
// content mismatch.
type Scorer interface {
	Score(ctx context.Context, expected, actual string) (float64, error)
}

// NewScorer builds the scorer selected by run-wide settings. Substring
// containment is the default; the embedding scorer needs OPENAI_API_KEY in
// the environment.
func NewScorer(settings model.Settings) (Scorer, error) {
	switch settings.Similarity {
	case "", model.SimilaritySubstring:
		return SubstringScorer{}, nil
	case model.SimilarityEmbedding:
		return NewEmbeddingScorer(settings.EmbeddingModel)
	default:
		return nil, fmt.Errorf("unknown similarity strategy: %s", settings.Similarity)
	}
}

// SubstringScorer is the exact-containment strategy: case-insensitive
// substring match scored as all-or-nothing.
type SubstringScorer struct{}

func (SubstringScorer) Score(_ context.Context, expected, actual string) (float64, error) {
	if expected == "" {
		return 1.0, nil
	}
	if strings.Contains(strings.ToLower(actual), strings.ToLower(expected)) {
		return 1.0, nil
	}
	return 0.0, nil
}

// EmbeddingScorer rates content by cosine similarity of embedding vectors.
// The embedder is created once and shared; the underlying client is
// safe for concurrent requests.
type EmbeddingScorer struct {
	embedder embeddings.Embedder
}

// NewEmbeddingScorer builds an embedding-backed scorer. An empty
// embeddingModel uses the provider default.
func NewEmbeddingScorer(embeddingModel string) (*EmbeddingScorer, error) {
	opts := []openai.Option{}
	if embeddingModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(embeddingModel))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &EmbeddingScorer{embedder: embedder}, nil
}

func (s *EmbeddingScorer) Score(ctx context.Context, expected, actual string) (float64, error) {
	vectors, err := s.embedder.EmbedDocuments(ctx, []string{expected, actual})
	if err != nil {
		return 0, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(vectors) != 2 {
		return 0, fmt.Errorf("embedding backend returned %d vectors, want 2", len(vectors))
	}
	return CosineSimilarity(vectors[0], vectors[1]), nil
}

// CosineSimilarity computes the cosine of the angle between two vectors,
// clamped to [0,1]. Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
