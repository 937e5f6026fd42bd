package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wgomg/facevec/internal/utils"
)

const RequestIDHeader = "X-Request-ID"

func RegisterRoutes(mux *http.ServeMux, handler *Handler) {
	mux.Handle("POST /embeddings", WithRequestID(http.HandlerFunc(handler.HandleEmbedding)))
	mux.Handle("POST /embeddings/compare", WithRequestID(http.HandlerFunc(handler.HandleCompare)))
}

// WithRequestID tags the request context with the caller's X-Request-ID
// or a fresh one and echoes it back.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(utils.WithRequestID(r.Context(), reqID)))
	})
}
