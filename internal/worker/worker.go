// Package worker is the single-shot embedding process. It is started by the
// orchestrator with an image path, an underlying model name and an output
// path, writes exactly one outcome record and exits.
package worker

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/wgomg/facevec/internal/isolation"
	"github.com/wgomg/facevec/internal/utils"
)

const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitNoRecord    = 2
	ArgsCount       = 3
	defaultMaxProcs = 1
)

// Backend computes an embedding for an already decoded image.
type Backend interface {
	Embed(img image.Image, spec ModelSpec) ([]float32, error)
	Close() error
}

// BackendFactory creates the backend. It is only called after the safety
// environment is in place, so any native library it loads sees it.
type BackendFactory func(settings isolation.RuntimeSettings, logger *utils.Logger) (Backend, error)

type Options struct {
	NewBackend BackendFactory
	Logger     *utils.Logger
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

type job struct {
	imagePath  string
	modelName  string
	outputPath string
}

// Run executes one embedding job and returns the process exit code.
func Run(imagePath, modelName, outputPath string, opts Options) int {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	j := job{imagePath: imagePath, modelName: modelName, outputPath: outputPath}
	started := time.Now()
	logger.Info(nil, "Starting: image=%s model=%s output=%s pid=%d", imagePath, modelName, outputPath, os.Getpid())

	outcome := j.execute(opts.NewBackend, getenv, logger)

	logger.Debug(nil, "Reclaiming memory")
	runtime.GC()
	debug.FreeOSMemory()

	if err := isolation.WriteFile(outputPath, outcome); err != nil {
		logger.Error(nil, "Failed to write outcome record: %v", err)
		return ExitNoRecord
	}

	if f, ok := outcome.(*isolation.Failure); ok {
		logger.Error(nil, "Failed after %s: %s: %s", time.Since(started).Round(time.Millisecond), f.ErrorType, f.Error)
		return ExitFailure
	}

	logger.Info(nil, "Done in %s", time.Since(started).Round(time.Millisecond))
	return ExitSuccess
}

func (j job) execute(newBackend BackendFactory, getenv func(string) string, logger *utils.Logger) (outcome isolation.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p := &panicError{value: r, stack: debug.Stack()}
			logger.Error(nil, "Recovered %v", p)
			outcome = failureFromPanic(p)
		}
	}()

	logger.Debug(nil, "Applying safety environment")
	if err := isolation.ApplyProcess(); err != nil {
		return failureFrom(fmt.Errorf("apply safety environment: %w", err))
	}
	runtime.GOMAXPROCS(maxProcs(getenv("GOMAXPROCS")))

	logger.Debug(nil, "Checking image %s", j.imagePath)
	if _, err := os.Stat(j.imagePath); err != nil {
		return failureFrom(fmt.Errorf("image %s: %w", j.imagePath, err))
	}

	spec, err := LookupModelSpec(j.modelName)
	if err != nil {
		return failureFrom(err)
	}

	if newBackend == nil {
		return failureFrom(errors.New("no embedding backend configured"))
	}

	settings := isolation.SettingsFromEnv(getenv)
	logger.Debug(nil, "Loading backend: arena=%t mem_pattern=%t intra_op=%d inter_op=%d device=%s",
		settings.CPUArena, settings.MemPattern, settings.IntraOpThreads, settings.InterOpThreads, settings.Device)

	backend, err := newBackend(settings, logger)
	if err != nil {
		return failureFrom(fmt.Errorf("load backend: %w", err))
	}
	defer func() {
		logger.Debug(nil, "Releasing backend")
		if err := backend.Close(); err != nil {
			logger.Error(nil, "Failed to release backend: %v", err)
		}
	}()

	logger.Debug(nil, "Decoding image")
	img, err := LoadImage(j.imagePath)
	if err != nil {
		return failureFrom(err)
	}

	logger.Debug(nil, "Computing %s embedding", spec.Name)
	vec, err := backend.Embed(img, spec)
	if err != nil {
		return failureFrom(fmt.Errorf("embed with %s: %w", spec.Name, err))
	}

	if err := checkFinite(vec); err != nil {
		return failureFrom(err)
	}
	Normalize(vec)

	logger.Debug(nil, "Embedding ready: dimension=%d", len(vec))
	return &isolation.Success{Embedding: vec, Dimensions: len(vec), Model: spec.Name}
}

func checkFinite(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty embedding", ErrInvalidValue)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidValue, i)
		}
	}
	return nil
}

// Normalize scales vec to unit L2 norm in place. Zero vectors are left as is.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) * inv)
	}
}

func maxProcs(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultMaxProcs
	}
	return n
}
