package model

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomize(r *rand.Rand, sd StateDict) {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := sd[k]
		for i := range p.Data {
			switch {
			case hasSuffix(k, "running_var"):
				p.Data[i] = 0.5 + r.Float32()
			case hasSuffix(k, "running_mean"):
				p.Data[i] = 0.2 * (r.Float32() - 0.5)
			default:
				p.Data[i] = r.Float32()*2 - 1
			}
		}
	}
}

func hasSuffix(s, suf string) bool { return len(s) >= len(suf) && s[len(s)-len(suf):] == suf }

// identityBackbone exposes its input as the target layer activations.
type identityBackbone struct{}

func (identityBackbone) Forward(_ context.Context, x Tensor) (Tensor, error) { return x.Clone(), nil }
func (identityBackbone) Close() error                                       { return nil }

func testVariant(neck bool) Variant {
	v := Variant{Arch: "Tiny", InputSize: 6, FeatureDim: 3, TargetLayer: "t", HeadPrefix: "head"}
	if neck {
		v.NeckPrefix = "neck"
	}
	return v
}

func randomModel(t *testing.T, v Variant, seed int64) *Model {
	t.Helper()
	cls := NewClassifier(v, []int{7, 5})
	sd := cls.StateDict()
	randomize(rand.New(rand.NewSource(seed)), sd)
	_, err := cls.LoadState(sd, true)
	require.NoError(t, err)
	return New(v, 0, identityBackbone{}, cls)
}

// checkGradient compares an analytic gradient with central differences. A
// coordinate whose two step sizes disagree sits on a ReLU kink and is skipped.
func checkGradient(t *testing.T, f func([]float32) float32, x, grad []float32) {
	t.Helper()
	diff := func(i int, eps float32) float32 {
		orig := x[i]
		x[i] = orig + eps
		up := f(x)
		x[i] = orig - eps
		down := f(x)
		x[i] = orig
		return (up - down) / (2 * eps)
	}
	checked := 0
	for i := range x {
		a, b := diff(i, 1e-2), diff(i, 5e-3)
		if math.Abs(float64(a-b)) > 1e-3 {
			continue
		}
		checked++
		assert.InDelta(t, b, grad[i], 2e-3, "coordinate %d", i)
	}
	assert.GreaterOrEqual(t, checked, len(x)*3/4)
}

func TestHeadBackwardMatchesFiniteDifferences(t *testing.T) {
	h := NewHead(HeadSpec{In: 6, Hidden: []int{8, 5}, Out: NumClasses})
	r := rand.New(rand.NewSource(7))
	slots := h.slots("h")
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for i := range slots[k].data {
			slots[k].data[i] = r.Float32()*2 - 1
		}
	}
	for _, bn := range h.norm {
		for i := range bn.variance {
			bn.variance[i] = 0.5 + r.Float32()
		}
	}
	x := make([]float32, 6)
	for i := range x {
		x[i] = r.Float32()*2 - 1
	}
	for class := 0; class < NumClasses; class++ {
		logits, grad, err := h.Backward(x, class)
		require.NoError(t, err)
		fwd, err := h.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, fwd, logits)
		checkGradient(t, func(in []float32) float32 {
			out, _ := h.Forward(in)
			return out[class]
		}, x, grad)
	}
}

func TestHeadRejectsBadInput(t *testing.T) {
	h := NewHead(HeadSpec{In: 4, Hidden: []int{3}, Out: NumClasses})
	_, err := h.Forward(make([]float32, 5))
	assert.Error(t, err)
	_, _, err = h.Backward(make([]float32, 4), NumClasses)
	assert.Error(t, err)
}

func TestSaliencyMatchesFiniteDifferences(t *testing.T) {
	for _, neck := range []bool{false, true} {
		m := randomModel(t, testVariant(neck), 3)
		x := NewTensor(3, 6, 6)
		r := rand.New(rand.NewSource(11))
		for i := range x.Data {
			x.Data[i] = r.Float32()*2 - 1
		}
		ctx := context.Background()
		s, err := m.Saliency(ctx, x, -1)
		require.NoError(t, err)
		assert.Equal(t, argmax32(s.Logits), s.Class)
		assert.Equal(t, x.Shape, s.Gradients.Shape)
		checkGradient(t, func(in []float32) float32 {
			out, err := m.Logits(ctx, Tensor{Shape: x.Shape, Data: in})
			require.NoError(t, err)
			return out[s.Class]
		}, x.Data, s.Gradients.Data)
	}
}

func TestInputGradientNeedsGradientBackbone(t *testing.T) {
	m := randomModel(t, testVariant(false), 1)
	assert.False(t, m.SupportsGradient())
	_, _, err := m.InputGradient(context.Background(), NewTensor(3, 6, 6), 0)
	assert.ErrorIs(t, err, ErrNoGradient)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	for _, logits := range [][]float32{
		{0, 0, 0, 0, 0, 0, 0, 0, 0},
		{100, -100, 3, 2, 1, 0, -1, -2, -3},
		{1e-3, 2e-3, 5, 5, -7, 0.5, 0.25, 12, -40},
	} {
		p := Softmax(logits)
		var sum float64
		for _, v := range p {
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1, sum, 1e-5)
		idx, conf := p.Argmax()
		assert.Equal(t, argmax32(logits), idx)
		assert.Equal(t, Classes[idx], p.Label())
		assert.Equal(t, p[idx], conf)
	}
}

func TestMeanProbabilities(t *testing.T) {
	a := make(Probabilities, NumClasses)
	b := make(Probabilities, NumClasses)
	a[0], a[1] = 0.8, 0.2
	b[0], b[1] = 0.4, 0.6
	m := MeanProbabilities([]Probabilities{a, b})
	assert.InDelta(t, 0.6, m[0], 1e-12)
	assert.InDelta(t, 0.4, m[1], 1e-12)
	assert.Equal(t, "01_TUMOR", m.Label())
	assert.Equal(t, []string{"01_TUMOR", "02_STROMA", "03_COMPLEX"}, m.Sorted()[:3])
}

func TestCheckpointRoundTripFlatAndNested(t *testing.T) {
	v, ok := LookupVariant("DenseNet121")
	require.True(t, ok)
	src := NewClassifier(v, []int{4, 3})
	sd := src.StateDict()
	randomize(rand.New(rand.NewSource(5)), sd)
	sd["backbone.features.conv0.weight"] = Param{Shape: []int{1}, Data: []float32{1}}
	sd[v.NeckPrefix+".num_batches_tracked"] = Param{Shape: []int{}, Data: []float32{10}}

	for _, nested := range []bool{false, true} {
		var buf bytes.Buffer
		require.NoError(t, EncodeCheckpoint(&buf, sd, nested))
		got, err := DecodeCheckpoint(&buf)
		require.NoError(t, err)
		assert.Len(t, got, len(sd))

		dst := NewClassifier(v, []int{4, 3})
		rep, err := dst.LoadState(got, true)
		require.NoError(t, err)
		assert.True(t, rep.Clean())
		assert.Equal(t, sd["backbone.classifier.9.weight"].Data, dst.StateDict()["backbone.classifier.9.weight"].Data)
		assert.Equal(t, sd["backbone.features.norm5.running_var"].Data, dst.StateDict()["backbone.features.norm5.running_var"].Data)
	}
}

func TestLoadStateNonStrictSkipsIssues(t *testing.T) {
	v, _ := LookupVariant("ResNet50")
	cls := NewClassifier(v, []int{4})
	sd := cls.StateDict()
	delete(sd, "backbone.fc.3.running_mean")
	sd["backbone.fc.1.weight"] = Param{Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}}
	sd["extra.weight"] = Param{Shape: []int{1}, Data: []float32{0}}

	rep, err := cls.LoadState(sd, false)
	require.NoError(t, err)
	assert.False(t, rep.Clean())
	assert.Equal(t, []string{"backbone.fc.3.running_mean"}, rep.Missing)
	require.Len(t, rep.Mismatched, 1)
	assert.Equal(t, "backbone.fc.1.weight", rep.Mismatched[0].Key)
	assert.Equal(t, []string{"extra.weight"}, rep.Unexpected)

	_, err = NewClassifier(v, []int{4}).LoadState(sd, true)
	assert.Error(t, err)
}

func TestDecodeCheckpointRejectsBadTensor(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeCheckpoint(&buf, StateDict{"k": {Shape: []int{3}, Data: []float32{1}}}, false))
	_, err := DecodeCheckpoint(&buf)
	assert.Error(t, err)
}

func TestPreprocessNormalizes(t *testing.T) {
	v, _ := LookupVariant("MobileNetV2")
	assert.Equal(t, 224, v.InputSize)
	img := solid(10, 7, 255, 0, 128)
	x := Preprocess(img, 8)
	assert.Equal(t, []int{3, 8, 8}, x.Shape)
	assert.InDelta(t, (1-Mean[0])/Std[0], x.Data[0], 1e-2)
	assert.InDelta(t, (0-Mean[1])/Std[1], x.Data[64], 1e-2)
	assert.InDelta(t, (128.0/255-Mean[2])/Std[2], x.Data[128+63], 1e-2)
}

func TestPreprocessDropsAlphaWithoutDarkening(t *testing.T) {
	img := image.NewNRGBA(image.Rect(2, 3, 6, 7))
	for y := 3; y < 7; y++ {
		for x := 2; x < 6; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 64})
		}
	}
	rgb := ToRGB(img)
	assert.Equal(t, image.Rect(0, 0, 4, 4), rgb.Rect)
	assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 255}, rgb.RGBAAt(1, 2))

	want := Preprocess(solid(4, 4, 200, 100, 50), 4)
	got := Preprocess(img, 4)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-6)
}

func solid(w, h int, r, g, b uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}
