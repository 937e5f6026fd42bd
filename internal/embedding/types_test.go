package embedding

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgomg/facevec/internal/isolation"
)

func TestParseModelSelector(t *testing.T) {
	tests := []struct {
		raw     string
		want    ModelSelector
		wantErr bool
	}{
		{"facenet512", Facenet512, false},
		{"ArcFace", ArcFace, false},
		{" FACENET512 ", Facenet512, false},
		{"facenet", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseModelSelector(tt.raw)
			if tt.wantErr {
				var inputErr *InputError
				require.ErrorAs(t, err, &inputErr)
				assert.Equal(t, "model", inputErr.Field)
				assert.Contains(t, err.Error(), "arcface, facenet512")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookupModel(t *testing.T) {
	cfg, ok := LookupModel(Facenet512)
	require.True(t, ok)
	assert.Equal(t, ModelConfig{UnderlyingName: "Facenet512", Dimension: 512}, cfg)

	cfg, ok = LookupModel(ArcFace)
	require.True(t, ok)
	assert.Equal(t, ModelConfig{UnderlyingName: "ArcFace", Dimension: 512}, cfg)

	_, ok = LookupModel("deepid")
	assert.False(t, ok)
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 1}, []float32{-1, -1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-9)

	_, err = CosineSimilarity(nil, []float32{1})
	assert.Error(t, err)
	_, err = CosineSimilarity([]float32{1, 2}, []float32{1})
	assert.Error(t, err)
	_, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	assert.Error(t, err)
}

func TestCosineDistance(t *testing.T) {
	a := &EmbeddingResult{Vector: []float32{3, 4}, Model: Facenet512}
	b := &EmbeddingResult{Vector: []float32{4, 3}, Model: Facenet512}

	dist, err := a.CosineDistance(b)
	require.NoError(t, err)
	assert.InDelta(t, 1-24.0/25.0, dist, 1e-6)
	assert.Equal(t, 2, a.Dimension())
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("exec format error")
	launch := &WorkerLaunchError{Command: "/bin/facevec-worker", Cause: cause}
	assert.ErrorIs(t, launch, cause)
	assert.Contains(t, launch.Error(), "/bin/facevec-worker")

	timeout := &TimeoutError{Model: ArcFace, Timeout: 3 * time.Second}
	assert.True(t, timeout.IsTimeout())
	assert.Contains(t, timeout.Error(), "3s")

	failure := &WorkerFailure{Kind: isolation.KindValue, Message: "no face", ExitCode: 1}
	assert.Equal(t, "embedding worker failed (ValueError, exit code 1): no face", failure.Error())

	mismatch := &DimensionMismatchError{Model: Facenet512, Expected: 512, Reported: 512, Actual: 128}
	assert.Contains(t, mismatch.Error(), "dimension 128")
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, isolation.KindValue, outcomeLabel(&WorkerFailure{Kind: isolation.KindValue}))
	assert.Equal(t, isolation.KindProcessCrashed, outcomeLabel(&WorkerFailure{Kind: isolation.KindProcessCrashed}))
	assert.Equal(t, isolation.KindUnknown, outcomeLabel(&WorkerFailure{Kind: "RecursionError"}))
	assert.Equal(t, isolation.KindUnknown, outcomeLabel(&WorkerFailure{Kind: ""}))
	assert.Equal(t, outcomeDimensionMismatch, outcomeLabel(&DimensionMismatchError{}))
	assert.Equal(t, outcomeTimeout, outcomeLabel(&TimeoutError{}))
	assert.Equal(t, isolation.KindUnknown, outcomeLabel(errors.New("other")))
}

func TestValidateImageReturnsAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	// minimal GIF header is enough for content sniffing
	path := filepath.Join(dir, "face.gif")
	require.NoError(t, os.WriteFile(path, []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;"), 0o644))

	t.Chdir(dir)
	abs, err := validateImage("face.gif")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))
	assert.Equal(t, "face.gif", filepath.Base(abs))
}
