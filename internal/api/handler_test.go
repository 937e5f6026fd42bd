package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgomg/facevec/internal/config"
	"github.com/wgomg/facevec/internal/embedding"
	"github.com/wgomg/facevec/internal/isolation"
	"github.com/wgomg/facevec/internal/utils"
)

type fakeGenerator struct {
	result  *embedding.EmbeddingResult
	cmp     *embedding.Comparison
	err     error
	lastReq embedding.EmbeddingRequest
	lastID  string
}

func (f *fakeGenerator) GenerateEmbedding(ctx context.Context, imagePath string, selector embedding.ModelSelector) (*embedding.EmbeddingResult, error) {
	return f.Generate(ctx, embedding.EmbeddingRequest{ImagePath: imagePath, Model: selector})
}

func (f *fakeGenerator) Generate(ctx context.Context, req embedding.EmbeddingRequest) (*embedding.EmbeddingResult, error) {
	f.lastReq = req
	f.lastID = utils.RequestID(ctx)
	return f.result, f.err
}

func (f *fakeGenerator) Compare(ctx context.Context, imageA, imageB string, selector embedding.ModelSelector) (*embedding.Comparison, error) {
	f.lastReq = embedding.EmbeddingRequest{ImagePath: imageA, Model: selector}
	return f.cmp, f.err
}

func newTestServer(gen embedding.Generator) *http.ServeMux {
	cfg := &config.Config{Embedding: config.EmbeddingConfig{
		DefaultModel: "facenet512",
		Worker:       config.WorkerConfig{Timeout: 60 * time.Second},
	}}
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandler(utils.NewDiscardLogger(), gen, cfg))
	return mux
}

func post(t *testing.T, mux http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "success", envelope.Status)
	require.NoError(t, json.Unmarshal(envelope.Data, v))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleEmbedding(t *testing.T) {
	gen := &fakeGenerator{result: &embedding.EmbeddingResult{Vector: []float32{0.6, 0.8}, Model: embedding.ArcFace}}
	mux := newTestServer(gen)

	rec := post(t, mux, "/embeddings", `{"image_path":"/data/face.jpg","model":"arcface","timeout_seconds":2.5}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp EmbeddingResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "arcface", resp.Model)
	assert.Equal(t, 2, resp.Dimension)
	assert.Equal(t, []float32{0.6, 0.8}, resp.Embedding)

	assert.Equal(t, "/data/face.jpg", gen.lastReq.ImagePath)
	assert.Equal(t, embedding.ArcFace, gen.lastReq.Model)
	assert.Equal(t, 2500*time.Millisecond, gen.lastReq.Timeout)
	assert.NotEmpty(t, gen.lastID)
	assert.Equal(t, gen.lastID, rec.Header().Get(RequestIDHeader))
}

func TestHandleEmbeddingUsesDefaultModelAndCallerRequestID(t *testing.T) {
	gen := &fakeGenerator{result: &embedding.EmbeddingResult{Vector: []float32{1}, Model: embedding.Facenet512}}
	mux := newTestServer(gen)

	req := httptest.NewRequest(http.MethodPost, "/embeddings", strings.NewReader(`{"image_path":"/data/face.jpg"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "caller-id")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, embedding.Facenet512, gen.lastReq.Model)
	assert.Zero(t, gen.lastReq.Timeout)
	assert.Equal(t, "caller-id", gen.lastID)
}

func TestHandleEmbeddingErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantKind string
	}{
		{"bad json", `{"image_path":`, nil, http.StatusBadRequest, ""},
		{"unknown field", `{"image":"x"}`, nil, http.StatusBadRequest, ""},
		{"unknown model", `{"image_path":"x","model":"vgg"}`, nil, http.StatusBadRequest, "InputError"},
		{"negative timeout", `{"image_path":"x","timeout_seconds":-1}`, nil, http.StatusBadRequest, "InputError"},
		{"timeout above limit", `{"image_path":"x","timeout_seconds":86400}`, nil, http.StatusBadRequest, "InputError"},
		{"timeout overflowing duration", `{"image_path":"x","timeout_seconds":1e12}`, nil, http.StatusBadRequest, "InputError"},
		{"input error", `{"image_path":"x"}`, &embedding.InputError{Field: "image_path", Message: "file does not exist"}, http.StatusBadRequest, "InputError"},
		{"timeout", `{"image_path":"x"}`, &embedding.TimeoutError{Model: embedding.Facenet512, Timeout: time.Second}, http.StatusGatewayTimeout, "TimeoutError"},
		{"crash", `{"image_path":"x"}`, &embedding.WorkerFailure{Kind: isolation.KindProcessCrashed, Message: "signal SIGKILL"}, http.StatusBadGateway, isolation.KindProcessCrashed},
		{"dimension", `{"image_path":"x"}`, &embedding.DimensionMismatchError{Expected: 512, Actual: 128}, http.StatusBadGateway, "DimensionMismatch"},
		{"launch", `{"image_path":"x"}`, &embedding.WorkerLaunchError{Cause: context.DeadlineExceeded}, http.StatusServiceUnavailable, "WorkerLaunchError"},
		{"canceled", `{"image_path":"x"}`, context.Canceled, http.StatusServiceUnavailable, isolation.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestServer(&fakeGenerator{err: tt.err})

			rec := post(t, mux, "/embeddings", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			body := decode(t, rec)
			assert.NotEmpty(t, body["error"])
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, body["error_type"])
			}
		})
	}
}

func TestHandleEmbeddingRequiresJSON(t *testing.T) {
	mux := newTestServer(&fakeGenerator{})

	req := httptest.NewRequest(http.MethodPost, "/embeddings", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestHandleEmbeddingMethodNotAllowed(t *testing.T) {
	mux := newTestServer(&fakeGenerator{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/embeddings", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleCompare(t *testing.T) {
	gen := &fakeGenerator{cmp: &embedding.Comparison{Model: embedding.Facenet512, Similarity: 0.75, Distance: 0.25}}
	mux := newTestServer(gen)

	rec := post(t, mux, "/embeddings/compare", `{"image_a":"/a.png","image_b":"/b.png"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp CompareResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, CompareResponse{Model: "facenet512", Similarity: 0.75, Distance: 0.25}, resp)
	assert.Equal(t, "/a.png", gen.lastReq.ImagePath)
}

func TestHandleCompareError(t *testing.T) {
	mux := newTestServer(&fakeGenerator{err: &embedding.WorkerFailure{Kind: isolation.KindValue, Message: "no face"}})

	rec := post(t, mux, "/embeddings/compare", `{"image_a":"/a.png","image_b":"/b.png","model":"arcface"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, isolation.KindValue, decode(t, rec)["error_type"])
}

func TestHandleEmbeddingTimeoutLimit(t *testing.T) {
	gen := &fakeGenerator{result: &embedding.EmbeddingResult{Vector: []float32{1}, Model: embedding.Facenet512}}
	mux := newTestServer(gen)

	rec := post(t, mux, "/embeddings", `{"image_path":"/data/face.jpg","timeout_seconds":60}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60*time.Second, gen.lastReq.Timeout)

	gen.lastReq = embedding.EmbeddingRequest{}
	for _, body := range []string{
		`{"image_path":"/data/face.jpg","timeout_seconds":60.5}`,
		`{"image_path":"/data/face.jpg","timeout_seconds":86400}`,
		`{"image_path":"/data/face.jpg","timeout_seconds":1e12}`,
	} {
		rec := post(t, mux, "/embeddings", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Contains(t, decode(t, rec)["error"], "must not exceed 60")
	}
	assert.Empty(t, gen.lastReq.ImagePath, "generator must not be called")
}

func TestHandleEmbeddingKeepsWorkerOutputOutOfResponse(t *testing.T) {
	mux := newTestServer(&fakeGenerator{err: &embedding.WorkerFailure{
		Kind:      isolation.KindProcessCrashed,
		Message:   "worker terminated by signal SIGSEGV: reading /etc/facevec/secret.key",
		Traceback: "goroutine 1 [running]",
		Stderr:    "reading /etc/facevec/secret.key",
		ExitCode:  -1,
	}})

	rec := post(t, mux, "/embeddings", `{"image_path":"/data/face.jpg"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "embedding worker failed (ProcessCrashed, exit code -1)", body["error"])
	assert.Equal(t, isolation.KindProcessCrashed, body["error_type"])
	assert.NotContains(t, rec.Body.String(), "secret.key")
	assert.NotContains(t, rec.Body.String(), "goroutine")
}
