package model

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// ImageNet normalization constants.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// ToRGB copies img into an opaque RGBA image anchored at the origin. Alpha
// is dropped and colors keep their straight, non-premultiplied values.
func ToRGB(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Opaque() {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}

// Preprocess resizes img to size x size (bilinear), scales to [0,1] and
// normalizes per channel. The result is a [3,size,size] tensor.
func Preprocess(img image.Image, size int) Tensor {
	rgba := ToRGB(img)
	if rgba.Rect.Dx() != size || rgba.Rect.Dy() != size {
		rgba = ToRGB(resize.Resize(uint(size), uint(size), rgba, resize.Bilinear))
	}
	t := NewTensor(3, size, size)
	plane := size * size
	for y := 0; y < size; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			i := y*size + x
			for c := 0; c < 3; c++ {
				t.Data[c*plane+i] = (float32(px[c])/255 - Mean[c]) / Std[c]
			}
		}
	}
	return t
}
