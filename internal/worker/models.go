package worker

import (
	"fmt"
	"path/filepath"
)

type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

// ModelSpec describes how to feed one face embedding network.
type ModelSpec struct {
	Name      string
	File      string
	InputSize int
	Layout    Layout
	Mean      float32
	Scale     float32
	Dimension int
}

var modelSpecs = map[string]ModelSpec{
	"Facenet512": {
		Name:      "Facenet512",
		File:      "facenet512.onnx",
		InputSize: 160,
		Layout:    LayoutNHWC,
		Mean:      127.5,
		Scale:     1.0 / 128.0,
		Dimension: 512,
	},
	"ArcFace": {
		Name:      "ArcFace",
		File:      "arcface.onnx",
		InputSize: 112,
		Layout:    LayoutNCHW,
		Mean:      127.5,
		Scale:     1.0 / 128.0,
		Dimension: 512,
	},
}

func LookupModelSpec(name string) (ModelSpec, error) {
	spec, ok := modelSpecs[name]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: unknown model %q", ErrInvalidValue, name)
	}
	return spec, nil
}

func (s ModelSpec) Path(modelDir string) string {
	return filepath.Join(modelDir, s.File)
}
