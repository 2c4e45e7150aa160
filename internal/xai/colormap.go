package xai

import (
	"image"
	"image/color"
	"math"
)

// jet maps v in [0,1] onto the JET colormap.
func jet(v float64) color.RGBA {
	ch := func(center float64) uint8 {
		x := 1.5 - math.Abs(4*v-center)
		return uint8(math.Round(math.Max(0, math.Min(1, x)) * 255))
	}
	return color.RGBA{R: ch(3), G: ch(2), B: ch(1), A: 255}
}

// colorize applies jet to an 8-bit grayscale image.
func colorize(g image.Image) *image.RGBA {
	b := g.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := color.GrayModel.Convert(g.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			out.SetRGBA(x, y, jet(float64(v)/255))
		}
	}
	return out
}

// stretch rescales every channel so the brightest channel value becomes 255.
func stretch(img *image.RGBA) {
	var hi uint8
	for i, v := range img.Pix {
		if i%4 != 3 && v > hi {
			hi = v
		}
	}
	if hi == 0 || hi == 255 {
		return
	}
	scale := 255 / float64(hi)
	for i, v := range img.Pix {
		if i%4 == 3 {
			continue
		}
		img.Pix[i] = uint8(math.Min(255, math.Round(float64(v)*scale)))
	}
}
