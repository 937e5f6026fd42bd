package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wgomg/facevec/internal/api"
	"github.com/wgomg/facevec/internal/config"
	"github.com/wgomg/facevec/internal/embedding"
	"github.com/wgomg/facevec/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := utils.NewLogger("error", "console")
		log.Fatal("Failed to load configuration: ", err)
	}
	if err := cfg.Validate(); err != nil {
		log := utils.NewLogger("error", "console")
		log.Fatal("Invalid configuration: ", err)
	}

	logger := utils.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	defer logger.Sync()

	logger.Info(nil, "Starting Face Embedding Service")
	logger.Info(nil, "Environment: %s", cfg.App.Env)
	logger.Info(nil, "Log level: %s", cfg.App.LogLevel)
	logger.Info(nil, "Model directory: %s", cfg.Embedding.Runtime.ModelDir)
	logger.Info(nil, "Supported models: %s (default %s)", strings.Join(embedding.SupportedModels(), ", "), cfg.Embedding.DefaultModel)

	if _, err := embedding.ParseModelSelector(cfg.Embedding.DefaultModel); err != nil {
		logger.Fatal("Invalid EMBEDDING_DEFAULT_MODEL: ", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orchestrator, err := embedding.New(&cfg.Embedding, logger, registry)
	if err != nil {
		logger.Error(nil, "Failed to create embedding orchestrator: %v", err)
		logger.Fatal("Failed to initialize embedding orchestrator")
	}

	handler := api.NewHandler(logger, orchestrator, cfg)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Face Embedding Service is running\n")
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	api.RegisterRoutes(mux, handler)

	// the write timeout has to outlast the slowest worker run
	requestTimeout := time.Duration(cfg.App.HttpTimeoutSeconds) * time.Second
	writeTimeout := max(requestTimeout, cfg.Embedding.Worker.Timeout+cfg.Embedding.Worker.KillGrace+5*time.Second)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.App.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      writeTimeout,
	}

	logger.Info(nil, "Starting server on port %s", cfg.App.ServerPort)
	logger.Info(nil, "Endpoints:")
	logger.Info(nil, "  GET  /health")
	logger.Info(nil, "  GET  /metrics")
	logger.Info(nil, "  POST /embeddings")
	logger.Info(nil, "  POST /embeddings/compare")
	logger.Fatal(server.ListenAndServe())
}
