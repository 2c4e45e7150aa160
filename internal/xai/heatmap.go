package xai

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
)

// Heatmap is a row-major float map with values in [0,1].
type Heatmap struct {
	Width, Height int
	Data          []float32
}

func (h *Heatmap) At(x, y int) float32 { return h.Data[y*h.Width+x] }

// Gray quantizes the map to 8 bits.
func (h *Heatmap) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, h.Width, h.Height))
	for i, v := range h.Data {
		img.Pix[i] = uint8(math.Round(float64(clamp01(v)) * 255))
	}
	return img
}

// Resize returns the map bilinearly resampled to w x h.
func (h *Heatmap) Resize(w, ht int) *Heatmap {
	if w == h.Width && ht == h.Height {
		return h
	}
	src := image.NewGray16(image.Rect(0, 0, h.Width, h.Height))
	for y := 0; y < h.Height; y++ {
		for x := 0; x < h.Width; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(float64(clamp01(h.At(x, y))) * 0xffff))})
		}
	}
	dst := resize.Resize(uint(w), uint(ht), src, resize.Bilinear)
	out := &Heatmap{Width: w, Height: ht, Data: make([]float32, w*ht)}
	b := dst.Bounds()
	for y := 0; y < ht; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(dst.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out.Data[y*w+x] = float32(g.Y) / 0xffff
		}
	}
	return out
}

// normalize shifts values so the minimum is zero and, when the maximum is
// positive, scales them into [0,1].
func normalize(v []float64) {
	if len(v) == 0 {
		return
	}
	lo := v[0]
	for _, x := range v {
		lo = math.Min(lo, x)
	}
	hi := 0.0
	for i := range v {
		v[i] -= lo
		hi = math.Max(hi, v[i])
	}
	if hi > 0 {
		for i := range v {
			v[i] /= hi
		}
	}
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
