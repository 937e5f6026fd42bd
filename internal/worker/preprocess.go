package worker

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// LoadImage decodes the file at path. Decoding failures are value errors;
// open failures keep their fs error so a vanished file is still reported as
// not found.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image %s: %v", ErrInvalidValue, path, err)
	}

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: image %s (%s) has no pixels", ErrInvalidValue, path, format)
	}
	return img, nil
}

// ToTensor scales img to the model's square input and returns normalized
// float32 data in the model's layout, batch size 1.
func ToTensor(img image.Image, spec ModelSpec) ([]float32, error) {
	size := spec.InputSize
	if size <= 0 {
		return nil, fmt.Errorf("%w: model %s has input size %d", ErrInvalidValue, spec.Name, size)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := dst.PixOffset(x, y)
			r := (float32(dst.Pix[i]) - spec.Mean) * spec.Scale
			g := (float32(dst.Pix[i+1]) - spec.Mean) * spec.Scale
			b := (float32(dst.Pix[i+2]) - spec.Mean) * spec.Scale

			p := y*size + x
			switch spec.Layout {
			case LayoutNCHW:
				out[p] = r
				out[plane+p] = g
				out[2*plane+p] = b
			default:
				out[3*p] = r
				out[3*p+1] = g
				out[3*p+2] = b
			}
		}
	}
	return out, nil
}

func (s ModelSpec) InputShape() []int64 {
	n := int64(s.InputSize)
	if s.Layout == LayoutNCHW {
		return []int64{1, 3, n, n}
	}
	return []int64{1, n, n, 3}
}
