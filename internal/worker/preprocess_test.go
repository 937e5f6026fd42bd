package worker

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestToTensorNHWC(t *testing.T) {
	spec, err := LookupModelSpec("Facenet512")
	require.NoError(t, err)

	data, err := ToTensor(solid(40, 30, color.RGBA{R: 255, G: 0, B: 128, A: 255}), spec)
	require.NoError(t, err)

	require.Len(t, data, 3*160*160)
	// one 8-bit step is 1/128 after scaling
	assert.InDelta(t, (255-127.5)/128, data[0], 0.02)
	assert.InDelta(t, (0-127.5)/128, data[1], 0.02)
	assert.InDelta(t, (128-127.5)/128, data[2], 0.02)
	assert.InDelta(t, (255-127.5)/128, data[3], 0.02)
}

func TestToTensorNCHW(t *testing.T) {
	spec, err := LookupModelSpec("ArcFace")
	require.NoError(t, err)

	data, err := ToTensor(solid(200, 200, color.RGBA{R: 0, G: 255, B: 0, A: 255}), spec)
	require.NoError(t, err)

	plane := 112 * 112
	require.Len(t, data, 3*plane)
	assert.InDelta(t, (0-127.5)/128, data[0], 0.02)
	assert.InDelta(t, (0-127.5)/128, data[plane-1], 0.02)
	assert.InDelta(t, (255-127.5)/128, data[plane], 0.02)
	assert.InDelta(t, (0-127.5)/128, data[2*plane], 0.02)
}

func TestToTensorRejectsBadSpec(t *testing.T) {
	_, err := ToTensor(solid(2, 2, color.White), ModelSpec{Name: "broken"})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestInputShape(t *testing.T) {
	facenet, _ := LookupModelSpec("Facenet512")
	arcface, _ := LookupModelSpec("ArcFace")

	assert.Equal(t, []int64{1, 160, 160, 3}, facenet.InputShape())
	assert.Equal(t, []int64{1, 3, 112, 112}, arcface.InputShape())
}

func TestLookupModelSpec(t *testing.T) {
	spec, err := LookupModelSpec("Facenet512")
	require.NoError(t, err)
	assert.Equal(t, 512, spec.Dimension)
	assert.Equal(t, filepath.Join("/models", "facenet512.onnx"), spec.Path("/models"))

	_, err = LookupModelSpec("facenet512")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestLoadImageJPEG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "face.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, solid(16, 16, color.Gray{Y: 90}), nil))
	require.NoError(t, f.Close())

	img, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestLoadImageErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadImage(filepath.Join(dir, "gone.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrInvalidValue)

	text := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("hello"), 0o644))
	_, err = LoadImage(text)
	assert.ErrorIs(t, err, ErrInvalidValue)
}
