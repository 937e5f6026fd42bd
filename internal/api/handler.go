package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/wgomg/facevec/internal/config"
	"github.com/wgomg/facevec/internal/embedding"
	"github.com/wgomg/facevec/internal/isolation"
	"github.com/wgomg/facevec/internal/utils"
	"github.com/wgomg/facevec/internal/utils/httputils"
)

type Handler struct {
	logger    *utils.Logger
	generator embedding.Generator
	cfg       *config.Config
}

func NewHandler(logger *utils.Logger, generator embedding.Generator, cfg *config.Config) *Handler {
	return &Handler{
		logger:    logger,
		generator: generator,
		cfg:       cfg,
	}
}

func (h *Handler) HandleEmbedding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := utils.RequestID(ctx)

	if _, err := httputils.LogRequestBody(r, h.logger, reqID); err != nil {
		h.logger.Error(&reqID, "Failed to read request body: %v", err)
		httputils.HandleError(w, err)
		return
	}

	var payload EmbeddingPayload
	if err := httputils.DecodeJSON(r, &payload); err != nil {
		h.logger.Error(&reqID, "JSON decode error: %v", err)
		httputils.HandleError(w, err)
		return
	}

	selector, err := h.selector(payload.Model)
	if err != nil {
		h.logger.Error(&reqID, "Invalid model: %v", err)
		httputils.HandleError(w, toHTTPError(err))
		return
	}

	timeout, err := h.requestTimeout(payload.TimeoutSeconds)
	if err != nil {
		h.logger.Error(&reqID, "Invalid timeout: %v", err)
		httputils.HandleError(w, err)
		return
	}

	h.logger.Info(&reqID, "Embedding request: model=%s image=%s", selector, payload.ImagePath)

	result, err := h.generator.Generate(ctx, embedding.EmbeddingRequest{
		ImagePath: payload.ImagePath,
		Model:     selector,
		Timeout:   timeout,
	})
	if err != nil {
		h.logger.Error(&reqID, "Embedding request failed: %v", err)
		httputils.HandleError(w, toHTTPError(err))
		return
	}

	response := EmbeddingResponse{
		Model:     string(result.Model),
		Dimension: result.Dimension(),
		Embedding: result.Vector,
	}
	if err := httputils.SuccessResponse(w, "Embedding generated", response); err != nil {
		h.logger.Error(&reqID, "Error sending response: %v", err)
	}
}

func (h *Handler) HandleCompare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := utils.RequestID(ctx)

	var payload ComparePayload
	if err := httputils.DecodeJSON(r, &payload); err != nil {
		h.logger.Error(&reqID, "JSON decode error: %v", err)
		httputils.HandleError(w, err)
		return
	}

	selector, err := h.selector(payload.Model)
	if err != nil {
		h.logger.Error(&reqID, "Invalid model: %v", err)
		httputils.HandleError(w, toHTTPError(err))
		return
	}

	h.logger.Info(&reqID, "Compare request: model=%s a=%s b=%s", selector, payload.ImageA, payload.ImageB)

	cmp, err := h.generator.Compare(ctx, payload.ImageA, payload.ImageB, selector)
	if err != nil {
		h.logger.Error(&reqID, "Compare request failed: %v", err)
		httputils.HandleError(w, toHTTPError(err))
		return
	}

	response := CompareResponse{
		Model:      string(cmp.Model),
		Similarity: cmp.Similarity,
		Distance:   cmp.Distance,
	}
	if err := httputils.SuccessResponse(w, "Images compared", response); err != nil {
		h.logger.Error(&reqID, "Error sending response: %v", err)
	}
}

func (h *Handler) selector(raw string) (embedding.ModelSelector, error) {
	if raw == "" {
		raw = h.cfg.Embedding.DefaultModel
	}
	return embedding.ParseModelSelector(raw)
}

// requestTimeout converts timeout_seconds. Zero keeps the configured worker
// timeout, which is also the most a client may ask for.
func (h *Handler) requestTimeout(seconds float64) (time.Duration, error) {
	limit := h.cfg.Embedding.Worker.Timeout
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, &httputils.HTTPError{
			Code:    http.StatusBadRequest,
			Message: "timeout_seconds must be a non-negative number",
			Kind:    "InputError",
		}
	}
	// compared as float so huge values cannot overflow time.Duration
	if seconds > limit.Seconds() {
		return 0, &httputils.HTTPError{
			Code:    http.StatusBadRequest,
			Message: fmt.Sprintf("timeout_seconds must not exceed %g", limit.Seconds()),
			Kind:    "InputError",
		}
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// toHTTPError maps orchestrator errors onto status codes. Worker stderr and
// tracebacks stay in the logs; clients get the failure kind and exit code.
func toHTTPError(err error) error {
	var (
		inputErr  *embedding.InputError
		timeout   *embedding.TimeoutError
		failure   *embedding.WorkerFailure
		dimension *embedding.DimensionMismatchError
		launch    *embedding.WorkerLaunchError
	)

	switch {
	case errors.As(err, &inputErr):
		return &httputils.HTTPError{Code: http.StatusBadRequest, Message: inputErr.Error(), Kind: "InputError"}
	case errors.As(err, &timeout):
		return &httputils.HTTPError{Code: http.StatusGatewayTimeout, Message: timeout.Error(), Kind: "TimeoutError"}
	case errors.As(err, &failure):
		return &httputils.HTTPError{
			Code:    http.StatusBadGateway,
			Message: fmt.Sprintf("embedding worker failed (%s, exit code %d)", failure.Kind, failure.ExitCode),
			Kind:    failure.Kind,
		}
	case errors.As(err, &dimension):
		return &httputils.HTTPError{Code: http.StatusBadGateway, Message: dimension.Error(), Kind: "DimensionMismatch"}
	case errors.As(err, &launch):
		return &httputils.HTTPError{Code: http.StatusServiceUnavailable, Message: launch.Error(), Kind: "WorkerLaunchError"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &httputils.HTTPError{Code: http.StatusServiceUnavailable, Message: "request canceled", Kind: isolation.KindUnknown}
	default:
		return err
	}
}
