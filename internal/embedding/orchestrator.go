package embedding

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wgomg/facevec/internal/config"
	"github.com/wgomg/facevec/internal/isolation"
	"github.com/wgomg/facevec/internal/utils"
)

var supportedImageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/bmp", "image/webp"}

// stderrLinesInMessage caps how much worker stderr ends up in error messages.
const stderrLinesInMessage = 20

// Orchestrator runs every embedding request in its own worker process.
// It holds no model state; the only thing shared between requests is the
// admission semaphore.
type Orchestrator struct {
	logger  *utils.Logger
	cfg     config.EmbeddingConfig
	slots   *semaphore.Weighted
	metrics *metrics

	pathMu     sync.Mutex
	workerPath string
}

type workerRun struct {
	state    *exitState
	stdout   string
	stderr   string
	timedOut bool
	canceled bool
	duration time.Duration
}

type exitState struct {
	code   int
	signal int
}

func (s *exitState) failed() bool {
	return s.code != 0 || s.signal != 0
}

func New(cfg *config.EmbeddingConfig, logger *utils.Logger, reg prometheus.Registerer) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("embedding config is required")
	}
	if cfg.Worker.Timeout <= 0 {
		return nil, fmt.Errorf("worker timeout must be positive, got %s", cfg.Worker.Timeout)
	}
	if cfg.Worker.MaxConcurrent < 1 {
		return nil, fmt.Errorf("worker concurrency must be at least 1, got %d", cfg.Worker.MaxConcurrent)
	}
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}

	o := &Orchestrator{
		logger:  logger,
		cfg:     *cfg,
		slots:   semaphore.NewWeighted(int64(cfg.Worker.MaxConcurrent)),
		metrics: newMetrics(reg),
	}

	if path, err := o.resolveWorker(); err != nil {
		// not fatal: the binary may be installed later, every request
		// reports it as a launch error until then
		logger.Error(nil, "Embedding worker not available: %v", err)
	} else {
		logger.Info(nil, "Embedding worker: %s (timeout=%s, max_concurrent=%d)", path, cfg.Worker.Timeout, cfg.Worker.MaxConcurrent)
	}

	return o, nil
}

func (o *Orchestrator) GenerateEmbedding(ctx context.Context, imagePath string, selector ModelSelector) (*EmbeddingResult, error) {
	return o.Generate(ctx, EmbeddingRequest{ImagePath: imagePath, Model: selector})
}

func (o *Orchestrator) Generate(ctx context.Context, req EmbeddingRequest) (*EmbeddingResult, error) {
	reqID := utils.RequestID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}

	modelCfg, ok := LookupModel(req.Model)
	if !ok {
		return nil, &InputError{Field: "model", Message: fmt.Sprintf("unsupported model %q", req.Model)}
	}

	imagePath, err := validateImage(req.ImagePath)
	if err != nil {
		o.logger.Debug(&reqID, "Rejected embedding request: %v", err)
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Worker.Timeout
	}

	workerPath, err := o.resolveWorker()
	if err != nil {
		o.metrics.outcomes.WithLabelValues(string(req.Model), outcomeLaunchError).Inc()
		return nil, &WorkerLaunchError{Cause: err}
	}

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for embedding worker slot: %w", err)
	}
	defer o.slots.Release(1)

	dir, err := os.MkdirTemp(o.cfg.Worker.TempDir, "facevec-")
	if err != nil {
		o.metrics.outcomes.WithLabelValues(string(req.Model), outcomeLaunchError).Inc()
		return nil, &WorkerLaunchError{Command: workerPath, Cause: fmt.Errorf("create output directory: %w", err)}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Error(&reqID, "Failed to remove worker output directory %s: %v", dir, err)
		}
	}()

	outputPath := filepath.Join(dir, "outcome-"+uuid.NewString()+".json")
	args := append(append([]string{}, o.cfg.Worker.Args...), imagePath, modelCfg.UnderlyingName, outputPath)

	o.logger.Debug(&reqID, "Starting embedding worker: model=%s image=%s timeout=%s", req.Model, imagePath, timeout)

	run, err := o.runWorker(ctx, workerPath, args, timeout)
	if err != nil {
		o.metrics.outcomes.WithLabelValues(string(req.Model), outcomeLaunchError).Inc()
		o.logger.Error(&reqID, "Failed to start embedding worker: %v", err)
		return nil, &WorkerLaunchError{Command: workerPath, Cause: err}
	}
	o.metrics.duration.WithLabelValues(string(req.Model)).Observe(run.duration.Seconds())

	if strings.TrimSpace(run.stdout) != "" {
		o.logger.Debug(&reqID, "Embedding worker stdout: %s", utils.Truncate(run.stdout, 2048))
	}

	result, err := o.interpret(req, modelCfg, run, outputPath)
	if err != nil {
		o.metrics.outcomes.WithLabelValues(string(req.Model), outcomeLabel(err)).Inc()
		o.logger.Error(&reqID, "Embedding failed after %s: %v", run.duration.Round(time.Millisecond), err)
		if run.stderr != "" {
			o.logger.Debug(&reqID, "Embedding worker stderr:\n%s", utils.LastLines(run.stderr, stderrLinesInMessage))
		}
		return nil, err
	}

	o.metrics.outcomes.WithLabelValues(string(req.Model), outcomeSuccess).Inc()
	o.logger.Info(&reqID, "Embedding generated: model=%s dimension=%d duration=%s", req.Model, len(result.Vector), run.duration.Round(time.Millisecond))
	return result, nil
}

// Compare embeds both images, each in its own worker, and returns their
// cosine similarity and distance.
func (o *Orchestrator) Compare(ctx context.Context, imageA, imageB string, selector ModelSelector) (*Comparison, error) {
	var a, b *EmbeddingResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		a, err = o.GenerateEmbedding(gctx, imageA, selector)
		return err
	})
	g.Go(func() error {
		var err error
		b, err = o.GenerateEmbedding(gctx, imageB, selector)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sim, err := a.CosineSimilarity(b)
	if err != nil {
		return nil, fmt.Errorf("compare embeddings: %w", err)
	}
	return &Comparison{Model: selector, Similarity: sim, Distance: 1 - sim}, nil
}

func (o *Orchestrator) resolveWorker() (string, error) {
	o.pathMu.Lock()
	defer o.pathMu.Unlock()

	if o.workerPath != "" {
		if checkExecutable(o.workerPath) == nil {
			return o.workerPath, nil
		}
		o.workerPath = ""
	}

	path, err := resolveWorkerPath(o.cfg.Worker.Path, o.logger)
	if err != nil {
		return "", err
	}
	o.workerPath = path
	return path, nil
}

func (o *Orchestrator) runWorker(ctx context.Context, path string, args []string, timeout time.Duration) (*workerRun, error) {
	stdout := utils.NewTailBuffer(o.cfg.Worker.StderrLimitBytes)
	stderr := utils.NewTailBuffer(o.cfg.Worker.StderrLimitBytes)

	cmd := exec.Command(path, args...)
	cmd.Env = isolation.MergeEnv(os.Environ(), isolation.SafetyEnv(), o.cfg.RuntimeEnv(), o.cfg.Worker.ExtraEnv)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// output pipes held open by orphaned descendants must not block Wait
	cmd.WaitDelay = o.cfg.Worker.KillGrace + time.Second
	setProcessGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	o.metrics.spawns.Inc()
	o.metrics.running.Inc()
	defer o.metrics.running.Dec()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	run := &workerRun{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		run.timedOut = true
		waitErr = o.stopGroup(cmd, done)
	case <-ctx.Done():
		run.canceled = true
		waitErr = o.stopGroup(cmd, done)
	}
	run.duration = time.Since(started)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		o.logger.Debug(nil, "Worker wait returned: %v", waitErr)
	}

	run.state = exitStateOf(cmd)
	if run.state.failed() {
		// descendants may outlive a crashed leader
		_ = killGroup(cmd)
	}
	run.stdout = stdout.String()
	run.stderr = stderr.String()
	return run, nil
}

// stopGroup sends SIGTERM to the worker's process group, escalates to
// SIGKILL after the grace period, and waits for the leader to be reaped.
func (o *Orchestrator) stopGroup(cmd *exec.Cmd, done <-chan error) error {
	if err := terminateGroup(cmd); err != nil {
		o.logger.Debug(nil, "SIGTERM to worker group %d: %v", cmd.Process.Pid, err)
	}

	grace := time.NewTimer(o.cfg.Worker.KillGrace)
	defer grace.Stop()

	var err error
	select {
	case err = <-done:
	case <-grace.C:
		if kerr := killGroup(cmd); kerr != nil {
			o.logger.Error(nil, "SIGKILL to worker group %d: %v", cmd.Process.Pid, kerr)
		}
		err = <-done
	}

	// members that ignored SIGTERM while the leader exited
	_ = killGroup(cmd)
	return err
}

func (o *Orchestrator) interpret(req EmbeddingRequest, modelCfg ModelConfig, run *workerRun, outputPath string) (*EmbeddingResult, error) {
	if run.timedOut {
		return nil, &TimeoutError{Model: req.Model, Timeout: timeoutOf(req, o.cfg.Worker.Timeout), Stderr: run.stderr}
	}
	if run.canceled {
		return nil, fmt.Errorf("embedding request canceled: %w", context.Canceled)
	}

	outcome, readErr := isolation.ReadFile(outputPath)

	if run.state.failed() {
		if f, ok := outcome.(*isolation.Failure); ok {
			return nil, &WorkerFailure{
				Kind:      f.ErrorType,
				Message:   f.Error,
				Traceback: f.Traceback,
				Stderr:    run.stderr,
				ExitCode:  run.state.code,
			}
		}
		return nil, &WorkerFailure{
			Kind:     isolation.KindProcessCrashed,
			Message:  crashMessage(run),
			Stderr:   run.stderr,
			ExitCode: run.state.code,
			Cause:    readErr,
		}
	}

	if readErr != nil {
		return nil, &WorkerFailure{
			Kind:     isolation.KindMalformedResult,
			Message:  fmt.Sprintf("worker exited 0 without a usable result: %v", readErr),
			Stderr:   run.stderr,
			ExitCode: run.state.code,
			Cause:    readErr,
		}
	}

	switch v := outcome.(type) {
	case *isolation.Failure:
		return nil, &WorkerFailure{
			Kind:      v.ErrorType,
			Message:   v.Error,
			Traceback: v.Traceback,
			Stderr:    run.stderr,
			ExitCode:  run.state.code,
		}
	case *isolation.Success:
		if v.Dimensions != modelCfg.Dimension || len(v.Embedding) != modelCfg.Dimension {
			return nil, &DimensionMismatchError{
				Model:    req.Model,
				Expected: modelCfg.Dimension,
				Reported: v.Dimensions,
				Actual:   len(v.Embedding),
			}
		}
		if v.Model != "" && v.Model != modelCfg.UnderlyingName {
			o.logger.Warn(nil, "Worker reported model %q, requested %q", v.Model, modelCfg.UnderlyingName)
		}
		return &EmbeddingResult{Vector: v.Embedding, Model: req.Model}, nil
	default:
		return nil, &WorkerFailure{Kind: isolation.KindMalformedResult, Message: fmt.Sprintf("unexpected outcome %T", outcome)}
	}
}

func crashMessage(run *workerRun) string {
	summary := fmt.Sprintf("worker exited with code %d", run.state.code)
	if name := signalName(run.state); name != "" {
		summary = "worker terminated by signal " + name
	}
	if tail := utils.LastLines(run.stderr, stderrLinesInMessage); tail != "" {
		return summary + ": " + tail
	}
	return summary + " without a result"
}

func timeoutOf(req EmbeddingRequest, fallback time.Duration) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return fallback
}

func outcomeLabel(err error) string {
	var (
		wf  *WorkerFailure
		dim *DimensionMismatchError
		to  *TimeoutError
	)
	switch {
	case errors.As(err, &wf):
		return failureKindLabel(wf.Kind)
	case errors.As(err, &dim):
		return outcomeDimensionMismatch
	case errors.As(err, &to):
		return outcomeTimeout
	case errors.Is(err, context.Canceled):
		return outcomeCanceled
	default:
		return isolation.KindUnknown
	}
}

// failureKindLabel keeps the outcome label set fixed whatever the worker
// wrote into error_type.
func failureKindLabel(kind string) string {
	switch kind {
	case isolation.KindFileNotFound, isolation.KindValue, isolation.KindProcessCrashed, isolation.KindMalformedResult:
		return kind
	default:
		return isolation.KindUnknown
	}
}

// validateImage returns the absolute path of an existing, regular, non-empty
// file whose content sniffs as a supported image format.
func validateImage(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", &InputError{Field: "image_path", Message: "path is required"}
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &InputError{Field: "image_path", Path: path, Message: "file does not exist", Cause: err}
		}
		return "", &InputError{Field: "image_path", Path: path, Message: "cannot access file", Cause: err}
	}
	if !info.Mode().IsRegular() {
		return "", &InputError{Field: "image_path", Path: path, Message: "not a regular file"}
	}
	if info.Size() == 0 {
		return "", &InputError{Field: "image_path", Path: path, Message: "file is empty"}
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", &InputError{Field: "image_path", Path: path, Message: "cannot read file", Cause: err}
	}
	if !mimetype.EqualsAny(mtype.String(), supportedImageTypes...) {
		return "", &InputError{Field: "image_path", Path: path, Message: fmt.Sprintf("not a supported image (detected %s)", mtype.String())}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &InputError{Field: "image_path", Path: path, Message: "cannot resolve path", Cause: err}
	}
	return abs, nil
}
