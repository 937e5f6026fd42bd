package embedding

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

type ModelSelector string

const (
	Facenet512 ModelSelector = "facenet512"
	ArcFace    ModelSelector = "arcface"
)

type ModelConfig struct {
	UnderlyingName string
	Dimension      int
}

var models = map[ModelSelector]ModelConfig{
	Facenet512: {UnderlyingName: "Facenet512", Dimension: 512},
	ArcFace:    {UnderlyingName: "ArcFace", Dimension: 512},
}

// LookupModel returns the configuration for selector.
func LookupModel(selector ModelSelector) (ModelConfig, bool) {
	cfg, ok := models[selector]
	return cfg, ok
}

// ParseModelSelector accepts a selector case-insensitively.
func ParseModelSelector(raw string) (ModelSelector, error) {
	selector := ModelSelector(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := models[selector]; !ok {
		return "", &InputError{Field: "model", Message: fmt.Sprintf("unsupported model %q (supported: %s)", raw, strings.Join(SupportedModels(), ", "))}
	}
	return selector, nil
}

func SupportedModels() []string {
	names := make([]string, 0, len(models))
	for selector := range models {
		names = append(names, string(selector))
	}
	slices.Sort(names)
	return names
}

type EmbeddingRequest struct {
	ImagePath string
	Model     ModelSelector
	// Timeout bounds the worker run; zero means the orchestrator default.
	Timeout time.Duration
}

type EmbeddingResult struct {
	Vector []float32
	Model  ModelSelector
}

func (r *EmbeddingResult) Dimension() int {
	return len(r.Vector)
}

func (r *EmbeddingResult) CosineSimilarity(other *EmbeddingResult) (float64, error) {
	return CosineSimilarity(r.Vector, other.Vector)
}

func (r *EmbeddingResult) CosineDistance(other *EmbeddingResult) (float64, error) {
	sim, err := r.CosineSimilarity(other)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vectors must be non-empty")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d != %d", len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("zero vector")
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

type Comparison struct {
	Model      ModelSelector
	Similarity float64
	Distance   float64
}

// Generator is what request handlers depend on.
type Generator interface {
	GenerateEmbedding(ctx context.Context, imagePath string, selector ModelSelector) (*EmbeddingResult, error)
	Generate(ctx context.Context, req EmbeddingRequest) (*EmbeddingResult, error)
	Compare(ctx context.Context, imageA, imageB string, selector ModelSelector) (*Comparison, error)
}
