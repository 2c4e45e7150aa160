package xai

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"histoxai/internal/model"
)

// boundaryColor marks superpixel edges on the LIME overlay.
var boundaryColor = color.RGBA{R: 255, G: 255, A: 255}

// LIMEResult holds the surrogate fit behind a LIME overlay.
type LIMEResult struct {
	Overlay     *image.RGBA
	Segments    *Segmentation
	Label       int
	Weights     []float64
	Intercept   float64
	TopFeatures []int
	FeatureMask []int8
}

// LIME explains the top predicted label of m on img with a weighted linear
// surrogate over superpixels and returns the overlay at img's size.
func (e *Explainer) LIME(ctx context.Context, m *model.Model, img image.Image) (*image.RGBA, error) {
	res, err := e.ExplainLIME(ctx, m, img)
	if err != nil {
		return nil, err
	}
	return res.Overlay, nil
}

// ExplainLIME is LIME with the surrogate details.
func (e *Explainer) ExplainLIME(ctx context.Context, m *model.Model, img image.Image) (*LIMEResult, error) {
	start := time.Now()
	rgb := model.ToRGB(img)
	seg := SLIC(rgb, e.cfg.Segments, e.cfg.Compactness)
	rng := rand.New(rand.NewSource(e.cfg.Seed))

	data := make([][]float64, LIMESamples)
	for i := range data {
		row := make([]float64, seg.N)
		for j := range row {
			if i == 0 || rng.Intn(2) == 1 {
				row[j] = 1
			}
		}
		data[i] = row
	}

	probs, err := e.classifyPerturbed(ctx, m, rgb, seg, data)
	if err != nil {
		return nil, fmt.Errorf("lime: %w", err)
	}
	label, _ := probs[0].Argmax()

	y := make([]float64, LIMESamples)
	weights := make([]float64, LIMESamples)
	for i, row := range data {
		y[i] = probs[i][label]
		d := cosineDistanceToOnes(row)
		weights[i] = math.Sqrt(math.Exp(-(d * d) / (kernelWidth * kernelWidth)))
	}
	coef, intercept, err := weightedRidge(data, y, weights, ridgeAlpha)
	if err != nil {
		return nil, fmt.Errorf("lime: %w", err)
	}

	top := topByMagnitude(coef, LIMEFeatures)
	overlay, mask := limeOverlay(rgb, seg, coef, top)
	e.log.Debug().
		Str("model", m.Name()).
		Int("segments", seg.N).
		Str("class", model.Classes[label]).
		Dur("took", time.Since(start)).
		Msg("lime")
	return &LIMEResult{
		Overlay:     overlay,
		Segments:    seg,
		Label:       label,
		Weights:     coef,
		Intercept:   intercept,
		TopFeatures: top,
		FeatureMask: mask,
	}, nil
}

// classifyPerturbed evaluates every perturbation in batches on a worker
// pool. Hidden superpixels are filled with black.
func (e *Explainer) classifyPerturbed(ctx context.Context, m *model.Model, rgb *image.RGBA, seg *Segmentation, data [][]float64) ([]model.Probabilities, error) {
	out := make([]model.Probabilities, len(data))
	wp := workerpool.New(e.cfg.Workers)
	var (
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	for lo := 0; lo < len(data); lo += LIMEBatchSize {
		if err := ctx.Err(); err != nil {
			fail(err)
			break
		}
		lo, hi := lo, min(lo+LIMEBatchSize, len(data))
		wp.Submit(func() {
			for i := lo; i < hi; i++ {
				if failed() {
					return
				}
				if err := ctx.Err(); err != nil {
					fail(err)
					return
				}
				p, err := m.Classify(ctx, perturb(rgb, seg, data[i]))
				if err != nil {
					fail(err)
					return
				}
				out[i] = p
			}
		})
	}
	wp.StopWait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func perturb(rgb *image.RGBA, seg *Segmentation, row []float64) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, seg.Width, seg.Height))
	copy(out.Pix, rgb.Pix)
	for i, l := range seg.Labels {
		if row[l] == 0 {
			o := i * 4
			out.Pix[o], out.Pix[o+1], out.Pix[o+2] = 0, 0, 0
		}
	}
	return out
}

// cosineDistanceToOnes is the cosine distance between a binary row and the
// all-ones row. An all-zero row has distance 1.
func cosineDistanceToOnes(row []float64) float64 {
	var k float64
	for _, v := range row {
		k += v
	}
	if k == 0 {
		return 1
	}
	return 1 - math.Sqrt(k/float64(len(row)))
}

func topByMagnitude(coef []float64, n int) []int {
	idx := make([]int, len(coef))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return math.Abs(coef[idx[a]]) > math.Abs(coef[idx[b]]) })
	if len(idx) > n {
		idx = idx[:n]
	}
	return idx
}

// limeOverlay paints the selected superpixels (green channel for positive
// weights, red for negative, set to the image maximum) and marks the mask
// boundaries in yellow.
func limeOverlay(rgb *image.RGBA, seg *Segmentation, coef []float64, top []int) (*image.RGBA, []int8) {
	var peak uint8
	for i, v := range rgb.Pix {
		if i%4 != 3 && v > peak {
			peak = v
		}
	}
	channel := make(map[int]int, len(top))
	sign := make(map[int]int8, len(top))
	for _, f := range top {
		if coef[f] < 0 {
			channel[f], sign[f] = 0, -1
		} else {
			channel[f], sign[f] = 1, 1
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, seg.Width, seg.Height))
	copy(out.Pix, rgb.Pix)
	mask := make([]int8, len(seg.Labels))
	for i, l := range seg.Labels {
		c, ok := channel[l]
		if !ok {
			continue
		}
		out.Pix[i*4+c] = peak
		mask[i] = sign[l]
	}
	markBoundaries(out, mask, seg.Width, seg.Height)
	return out, mask
}

// markBoundaries colors the outer boundaries of the labeled mask, where 0
// is background.
func markBoundaries(img *image.RGBA, mask []int8, w, h int) {
	at := func(x, y int) (int8, bool) {
		if x < 0 || x >= w || y < 0 || y >= h {
			return 0, false
		}
		return mask[y*w+x], true
	}
	marked := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := mask[y*w+x]
			// Thick boundary over the 4-neighborhood.
			lo, hi := v, v
			for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				if n, ok := at(x+d[0], y+d[1]); ok {
					lo, hi = min(lo, n), max(hi, n)
				}
			}
			if lo == hi {
				continue
			}
			if v == 0 {
				marked[y*w+x] = true
				continue
			}
			// Foreground pixels count when their 8-neighborhood holds another
			// object; background is ignored on the low side.
			dil, ero := v, v
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					n, ok := at(x+dx, y+dy)
					if !ok {
						continue
					}
					dil = max(dil, n)
					if n != 0 {
						ero = min(ero, n)
					}
				}
			}
			marked[y*w+x] = dil != ero
		}
	}
	for i, m := range marked {
		if m {
			img.SetRGBA(i%w, i/w, boundaryColor)
		}
	}
}
