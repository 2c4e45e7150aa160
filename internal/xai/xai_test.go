package xai_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"histoxai/internal/model"
	"histoxai/internal/model/modeltest"
	"histoxai/internal/xai"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newExplainer() *xai.Explainer {
	return xai.New(xai.Config{Segments: 16, Workers: 3, Seed: 7}, zerolog.Nop())
}

func TestParseKinds(t *testing.T) {
	all, err := xai.ParseKinds(nil)
	require.NoError(t, err)
	assert.Equal(t, xai.AllKinds, all)

	got, err := xai.ParseKinds([]string{"LIME, gradcam", "lime"})
	require.NoError(t, err)
	assert.Equal(t, []xai.Kind{xai.KindLIME, xai.KindGradCAM}, got)

	_, err = xai.ParseKinds([]string{"gradcam", "occlusion"})
	assert.ErrorIs(t, err, xai.ErrUnknownKind)
}

func TestSLICCoversEveryPixelWithContiguousLabels(t *testing.T) {
	for _, img := range []*imageCase{
		{name: "pattern", w: 40, h: 30},
		{name: "quadrants", w: 32, h: 32, quad: true},
		{name: "strip", w: 1, h: 25},
	} {
		t.Run(img.name, func(t *testing.T) {
			rgb := modeltest.Image(img.w, img.h)
			if img.quad {
				rgb = modeltest.Quadrants(img.w, img.h)
			}
			seg := xai.SLIC(rgb, 12, 10)
			require.Len(t, seg.Labels, img.w*img.h)
			require.Positive(t, seg.N)

			used := make([]bool, seg.N)
			for _, l := range seg.Labels {
				require.GreaterOrEqual(t, l, 0)
				require.Less(t, l, seg.N)
				used[l] = true
			}
			for l, ok := range used {
				assert.True(t, ok, "label %d unused", l)
			}
			assert.Equal(t, seg.N, components(seg), "every label must be one connected region")
		})
	}
}

type imageCase struct {
	name string
	w, h int
	quad bool
}

// components counts 4-connected same-label regions.
func components(seg *xai.Segmentation) int {
	w, h := seg.Width, seg.Height
	seen := make([]bool, len(seg.Labels))
	n := 0
	for s := range seg.Labels {
		if seen[s] {
			continue
		}
		n++
		stack := []int{s}
		seen[s] = true
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%w, p/w
			for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				q := ny*w + nx
				if !seen[q] && seg.Labels[q] == seg.Labels[p] {
					seen[q] = true
					stack = append(stack, q)
				}
			}
		}
	}
	return n
}

func TestGradCAMReturnsOverlayAtInputSize(t *testing.T) {
	e := newExplainer()
	m := modeltest.GradientModel(t, 3)
	img := modeltest.Image(37, 23)

	out, err := e.GradCAM(context.Background(), m, img)
	require.NoError(t, err)
	assert.Equal(t, 37, out.Rect.Dx())
	assert.Equal(t, 23, out.Rect.Dy())

	cam, class, err := e.CAM(context.Background(), m, img)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, class, 0)
	assert.Less(t, class, model.NumClasses)
	for _, v := range cam.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestLIMEReturnsOverlayAtInputSizeAndIsSeeded(t *testing.T) {
	e := newExplainer()
	m := modeltest.GradientModel(t, 5)
	img := modeltest.Quadrants(24, 20)

	a, err := e.ExplainLIME(context.Background(), m, img)
	require.NoError(t, err)
	assert.Equal(t, 24, a.Overlay.Rect.Dx())
	assert.Equal(t, 20, a.Overlay.Rect.Dy())
	assert.Len(t, a.Weights, a.Segments.N)
	assert.LessOrEqual(t, len(a.TopFeatures), xai.LIMEFeatures)

	p, err := m.Classify(context.Background(), img)
	require.NoError(t, err)
	label, _ := p.Argmax()
	assert.Equal(t, label, a.Label)

	b, err := e.LIME(context.Background(), m, img)
	require.NoError(t, err)
	assert.Equal(t, a.Overlay.Pix, b.Pix)
}

func TestLIMEStopsOnCancelledContext(t *testing.T) {
	e := newExplainer()
	m := modeltest.GradientModel(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.LIME(ctx, m, modeltest.Image(16, 16))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGradientSHAPHeatmapRange(t *testing.T) {
	e := newExplainer()
	m := modeltest.GradientModel(t, 9)
	require.True(t, m.SupportsGradient())

	hm, err := e.GradientSHAP(context.Background(), m, modeltest.Image(30, 18))
	require.NoError(t, err)
	assert.Equal(t, 30, hm.Width)
	assert.Equal(t, 18, hm.Height)
	require.Len(t, hm.Data, 30*18)
	for _, v := range hm.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
	gray := hm.Gray()
	assert.Equal(t, 30, gray.Rect.Dx())
}

func TestGradientSHAPWithoutGradientGraphFails(t *testing.T) {
	e := newExplainer()
	v, _ := model.LookupVariant("MobileNetV2")
	probs := make([]float64, model.NumClasses)
	probs[2] = 1
	m, _ := modeltest.FixedModel(t, v, probs)
	require.False(t, m.SupportsGradient())

	hm, err := e.GradientSHAP(context.Background(), m, modeltest.Image(12, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNoGradient)
	assert.Nil(t, hm)
}
