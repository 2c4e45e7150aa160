package xai

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"time"

	"histoxai/internal/model"
)

// GradientSHAP attributes the predicted class of m to input pixels by
// averaging gradient·(x-b) over random points between a baseline b, drawn
// from {0, x}, and the input. Channels are summed, the map is shifted to a
// zero minimum and scaled by its maximum when positive, then resized to
// img's size. Models without an input gradient graph fail with
// model.ErrNoGradient.
func (e *Explainer) GradientSHAP(ctx context.Context, m *model.Model, img image.Image) (*Heatmap, error) {
	if !m.SupportsGradient() {
		return nil, fmt.Errorf("gradient-shap %s: %w", m.Name(), model.ErrNoGradient)
	}
	start := time.Now()
	x := m.Preprocess(img)
	logits, err := m.Logits(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("gradient-shap: %w", err)
	}
	target, _ := model.Softmax(logits).Argmax()

	_, h, w, err := x.CHW()
	if err != nil {
		return nil, err
	}
	plane := h * w
	rng := rand.New(rand.NewSource(e.cfg.Seed))
	attr := make([]float64, plane)
	for s := 0; s < e.cfg.SHAPSamples; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		zeroBaseline := rng.Intn(2) == 0
		alpha := rng.Float32()
		if !zeroBaseline {
			// x - b vanishes for the input baseline.
			continue
		}
		point := x.Clone()
		for i := range point.Data {
			point.Data[i] *= alpha
		}
		grad, _, err := m.InputGradient(ctx, point, target)
		if err != nil {
			return nil, fmt.Errorf("gradient-shap: %w", err)
		}
		for c := 0; c < 3; c++ {
			for i := 0; i < plane; i++ {
				j := c*plane + i
				attr[i] += float64(grad.Data[j]) * float64(x.Data[j])
			}
		}
	}
	for i := range attr {
		attr[i] /= float64(e.cfg.SHAPSamples)
	}
	normalize(attr)

	hm := &Heatmap{Width: w, Height: h, Data: make([]float32, plane)}
	for i, v := range attr {
		hm.Data[i] = float32(v)
	}
	b := img.Bounds()
	hm = hm.Resize(b.Dx(), b.Dy())
	e.log.Debug().
		Str("model", m.Name()).
		Str("class", model.Classes[target]).
		Dur("took", time.Since(start)).
		Msg("gradient-shap")
	return hm, nil
}
