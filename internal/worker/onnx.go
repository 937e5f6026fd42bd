package worker

import (
	"errors"
	"fmt"
	"image"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/wgomg/facevec/internal/isolation"
	"github.com/wgomg/facevec/internal/utils"
)

// OnnxBackend runs face embedding networks with onnxruntime. The shared
// library is loaded inside NewOnnxBackend, never before.
type OnnxBackend struct {
	settings isolation.RuntimeSettings
	logger   *utils.Logger
	options  *ort.SessionOptions
}

func NewOnnxBackend(settings isolation.RuntimeSettings, logger *utils.Logger) (Backend, error) {
	if settings.Device != isolation.DeviceCPU {
		return nil, fmt.Errorf("%w: unsupported device %q", ErrInvalidValue, settings.Device)
	}
	if settings.ModelDir == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrInvalidValue, isolation.EnvModelDir)
	}

	if settings.LibraryPath != "" {
		if _, err := os.Stat(settings.LibraryPath); err != nil {
			return nil, fmt.Errorf("onnxruntime library: %w", err)
		}
		ort.SetSharedLibraryPath(settings.LibraryPath)
	}

	logger.Debug(nil, "Initializing onnxruntime")
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	options, err := sessionOptions(settings)
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, err
	}

	return &OnnxBackend{settings: settings, logger: logger, options: options}, nil
}

func sessionOptions(settings isolation.RuntimeSettings) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"intra-op threads", func() error { return options.SetIntraOpNumThreads(settings.IntraOpThreads) }},
		{"inter-op threads", func() error { return options.SetInterOpNumThreads(settings.InterOpThreads) }},
		{"cpu arena", func() error { return options.SetCpuMemArena(settings.CPUArena) }},
		{"memory pattern", func() error { return options.SetMemPattern(settings.MemPattern) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("set %s: %w", step.name, err)
		}
	}
	return options, nil
}

func (b *OnnxBackend) Embed(img image.Image, spec ModelSpec) ([]float32, error) {
	modelPath := spec.Path(b.settings.ModelDir)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", modelPath, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("%w: model %s has %d inputs and %d outputs, want 1 and at least 1",
			ErrInvalidValue, spec.Name, len(inputs), len(outputs))
	}

	data, err := ToTensor(img, spec)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(spec.InputShape()...), data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	dim := outputDimension(outputs[0].Dimensions, spec.Dimension)
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, dim))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	b.logger.Debug(nil, "Creating session: model=%s input=%s%v output=%s[1 %d]",
		modelPath, inputs[0].Name, spec.InputShape(), outputs[0].Name, dim)
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, b.options)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	return append([]float32(nil), outputTensor.GetData()...), nil
}

func (b *OnnxBackend) Close() error {
	var errs []error
	if b.options != nil {
		errs = append(errs, b.options.Destroy())
		b.options = nil
	}
	errs = append(errs, ort.DestroyEnvironment())
	return errors.Join(errs...)
}

// outputDimension takes the embedding width from the model's declared
// output shape when it is static.
func outputDimension(shape ort.Shape, fallback int) int64 {
	if len(shape) == 0 {
		return int64(fallback)
	}
	if last := shape[len(shape)-1]; last > 0 {
		return last
	}
	return int64(fallback)
}
