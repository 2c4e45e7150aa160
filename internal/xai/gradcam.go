package xai

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/anthonynsimon/bild/blend"
	"github.com/anthonynsimon/bild/transform"

	"histoxai/internal/model"
)

// camImageWeight is the share of the original image in the overlay.
const camImageWeight = 0.5

// CAM computes the class activation map for the predicted class at the
// target layer resolution, min-max scaled to [0,1].
func (e *Explainer) CAM(ctx context.Context, m *model.Model, img image.Image) (*Heatmap, int, error) {
	s, err := m.Saliency(ctx, m.Preprocess(img), -1)
	if err != nil {
		return nil, 0, err
	}
	return camFromSaliency(s), s.Class, nil
}

func camFromSaliency(s model.Saliency) *Heatmap {
	c, h, w := s.Activations.Shape[0], s.Activations.Shape[1], s.Activations.Shape[2]
	plane := h * w
	cam := make([]float64, plane)
	for k := 0; k < c; k++ {
		var wk float64
		for _, g := range s.Gradients.Data[k*plane : (k+1)*plane] {
			wk += float64(g)
		}
		wk /= float64(plane)
		if wk == 0 {
			continue
		}
		for i, a := range s.Activations.Data[k*plane : (k+1)*plane] {
			cam[i] += wk * float64(a)
		}
	}
	lo, hi := math.Inf(1), 0.0
	for i, v := range cam {
		v = math.Max(v, 0)
		cam[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := &Heatmap{Width: w, Height: h, Data: make([]float32, plane)}
	for i, v := range cam {
		out.Data[i] = float32((v - lo) / (hi - lo + 1e-7))
	}
	return out
}

// GradCAM overlays the JET-colored class activation map on img. The result
// has img's size.
func (e *Explainer) GradCAM(ctx context.Context, m *model.Model, img image.Image) (*image.RGBA, error) {
	start := time.Now()
	cam, class, err := e.CAM(ctx, m, img)
	if err != nil {
		return nil, fmt.Errorf("grad-cam: %w", err)
	}
	rgb := model.ToRGB(img)
	w, h := rgb.Rect.Dx(), rgb.Rect.Dy()
	var gray image.Image = cam.Gray()
	if cam.Width != w || cam.Height != h {
		gray = transform.Resize(gray, w, h, transform.Linear)
	}
	overlay := blend.Opacity(rgb, colorize(gray), 1-camImageWeight)
	stretch(overlay)
	e.log.Debug().
		Str("model", m.Name()).
		Str("class", model.Classes[class]).
		Dur("took", time.Since(start)).
		Msg("grad-cam")
	return overlay, nil
}
