// Package modeltest provides in-memory backbones and checkpoints so models
// can be exercised without ONNX Runtime.
package modeltest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"histoxai/internal/model"
)

// ConstBackbone returns the same activations for every input: each channel
// of Features broadcast over an H x W grid.
type ConstBackbone struct {
	Features []float32
	H, W     int

	Calls  atomic.Int64
	Closed atomic.Bool
}

func (b *ConstBackbone) Forward(ctx context.Context, _ model.Tensor) (model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}
	b.Calls.Add(1)
	h, w := b.H, b.W
	if h == 0 {
		h, w = 2, 2
	}
	out := model.NewTensor(len(b.Features), h, w)
	plane := h * w
	for c, v := range b.Features {
		for i := c * plane; i < (c+1)*plane; i++ {
			out.Data[i] = v
		}
	}
	return out, nil
}

func (b *ConstBackbone) Close() error {
	b.Closed.Store(true)
	return nil
}

// PoolBackbone is a linear trunk: it average-pools each input channel onto a
// Grid x Grid map and mixes the three pooled channels into C outputs. It
// implements model.GradientBackbone.
type PoolBackbone struct {
	C    int
	Grid int
	Bias float32
}

func (b *PoolBackbone) mix(c, k int) float32 {
	return float32(math.Sin(float64(3*c+k+1)))
}

func (b *PoolBackbone) Forward(ctx context.Context, x model.Tensor) (model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}
	_, h, w, err := x.CHW()
	if err != nil {
		return model.Tensor{}, err
	}
	g := b.Grid
	pooled := make([]float32, 3*g*g)
	for k := 0; k < 3; k++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				gy, gx := y*g/h, xx*g/w
				pooled[(k*g+gy)*g+gx] += x.Data[(k*h+y)*w+xx]
			}
		}
	}
	area := float32(h*w) / float32(g*g)
	out := model.NewTensor(b.C, g, g)
	for c := 0; c < b.C; c++ {
		for i := 0; i < g*g; i++ {
			s := b.Bias
			for k := 0; k < 3; k++ {
				s += b.mix(c, k) * pooled[k*g*g+i] / area
			}
			out.Data[c*g*g+i] = s
		}
	}
	return out, nil
}

func (b *PoolBackbone) VJP(ctx context.Context, x, up model.Tensor) (model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}
	_, h, w, err := x.CHW()
	if err != nil {
		return model.Tensor{}, err
	}
	g := b.Grid
	area := float32(h*w) / float32(g*g)
	out := model.NewTensor(3, h, w)
	for k := 0; k < 3; k++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				i := (y*g/h)*g + xx*g/w
				var s float32
				for c := 0; c < b.C; c++ {
					s += b.mix(c, k) * up.Data[c*g*g+i]
				}
				out.Data[(k*h+y)*w+xx] = s / area
			}
		}
	}
	return out, nil
}

func (b *PoolBackbone) Close() error { return nil }

// FailingBackbone always returns Err.
type FailingBackbone struct{ Err error }

func (b FailingBackbone) Forward(context.Context, model.Tensor) (model.Tensor, error) {
	return model.Tensor{}, b.Err
}

func (b FailingBackbone) Close() error { return nil }

// Features builds a feature vector of width dim whose first entries are
// logits shifted by shift. The shift keeps every entry positive so it passes
// the head's ReLUs.
func Features(dim int, logits []float32, shift float32) []float32 {
	f := make([]float32, dim)
	for i, v := range logits {
		f[i] = v + shift
	}
	return f
}

// PassThroughState returns head (and neck) weights that reproduce the first
// NumClasses pooled features, minus shift, as logits. Hidden widths must be
// at least NumClasses.
func PassThroughState(v model.Variant, hidden []int, shift float32) model.StateDict {
	sd := make(model.StateDict)
	in := v.FeatureDim
	// var+eps == 1 makes every batch norm the identity.
	unitVar := float32(1 - model.BatchNormEps)
	bn := func(prefix string, n int) {
		gamma, beta, mean, variance := make([]float32, n), make([]float32, n), make([]float32, n), make([]float32, n)
		for i := range gamma {
			gamma[i] = 1
			variance[i] = unitVar
		}
		sd[prefix+".weight"] = model.Param{Shape: []int{n}, Data: gamma}
		sd[prefix+".bias"] = model.Param{Shape: []int{n}, Data: beta}
		sd[prefix+".running_mean"] = model.Param{Shape: []int{n}, Data: mean}
		sd[prefix+".running_var"] = model.Param{Shape: []int{n}, Data: variance}
	}
	eye := func(prefix string, out, in int, bias float32) {
		w := make([]float32, out*in)
		b := make([]float32, out)
		for i := 0; i < model.NumClasses; i++ {
			w[i*in+i] = 1
			b[i] = bias
		}
		sd[prefix+".weight"] = model.Param{Shape: []int{out, in}, Data: w}
		sd[prefix+".bias"] = model.Param{Shape: []int{out}, Data: b}
	}
	for j, width := range hidden {
		eye(fmt.Sprintf("%s.%d", v.HeadPrefix, 4*j+1), width, in, 0)
		bn(fmt.Sprintf("%s.%d", v.HeadPrefix, 4*j+3), width)
		in = width
	}
	eye(fmt.Sprintf("%s.%d", v.HeadPrefix, 4*len(hidden)+1), model.NumClasses, in, -shift)
	if v.NeckPrefix != "" {
		bn(v.NeckPrefix, v.FeatureDim)
	}
	return sd
}

// LogitsFor returns logits whose softmax equals probs.
func LogitsFor(probs []float64) []float32 {
	out := make([]float32, len(probs))
	for i, p := range probs {
		if p <= 0 {
			p = 1e-9
		}
		out[i] = float32(math.Log(p))
	}
	return out
}

// FixedModel returns a model for v that always predicts probs. Small hidden
// widths keep it cheap.
func FixedModel(tb testing.TB, v model.Variant, probs []float64) (*model.Model, *ConstBackbone) {
	tb.Helper()
	hidden := []int{16, 12}
	const shift = 30
	bb := &ConstBackbone{Features: Features(v.FeatureDim, LogitsFor(probs), shift)}
	cls := model.NewClassifier(v, hidden)
	if _, err := cls.LoadState(PassThroughState(v, hidden, shift), true); err != nil {
		tb.Fatalf("load pass-through state: %v", err)
	}
	return model.New(v, 32, bb, cls), bb
}

// TinyVariant is a small architecture for exercising explainers quickly.
func TinyVariant() model.Variant {
	return model.Variant{
		Arch:        "Tiny",
		InputSize:   16,
		FeatureDim:  8,
		TargetLayer: "trunk.out",
		HeadPrefix:  "head",
	}
}

// RandomClassifier returns a classifier for v with seeded random weights and
// positive running variances.
func RandomClassifier(tb testing.TB, v model.Variant, hidden []int, seed int64) *model.Classifier {
	tb.Helper()
	cls := model.NewClassifier(v, hidden)
	sd := cls.StateDict()
	r := rand.New(rand.NewSource(seed))
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := sd[k]
		for i := range p.Data {
			switch {
			case strings.HasSuffix(k, ".running_var"):
				p.Data[i] = 0.5 + r.Float32()
			case strings.HasSuffix(k, ".running_mean"):
				p.Data[i] = 0
			default:
				p.Data[i] = r.Float32()*2 - 1
			}
		}
	}
	if _, err := cls.LoadState(sd, true); err != nil {
		tb.Fatalf("load random state: %v", err)
	}
	return cls
}

// GradientModel returns a TinyVariant model over a PoolBackbone, so exact
// input gradients are available.
func GradientModel(tb testing.TB, seed int64) *model.Model {
	tb.Helper()
	v := TinyVariant()
	bb := &PoolBackbone{C: v.FeatureDim, Grid: 4, Bias: 0.1}
	return model.New(v, v.InputSize, bb, RandomClassifier(tb, v, []int{16, 12}, seed))
}

// Image returns a deterministic w x h RGBA test pattern.
func Image(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(255 * x / max(w-1, 1)),
				G: uint8(255 * y / max(h-1, 1)),
				B: uint8((x*7 + y*13) % 256),
				A: 255,
			})
		}
	}
	return img
}

// Quadrants returns an image with four flat colored quadrants.
func Quadrants(w, h int) *image.RGBA {
	cols := []color.RGBA{
		{R: 220, G: 40, B: 40, A: 255},
		{R: 40, G: 200, B: 60, A: 255},
		{R: 50, G: 60, B: 210, A: 255},
		{R: 230, G: 220, B: 60, A: 255},
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			q := 0
			if x >= w/2 {
				q++
			}
			if y >= h/2 {
				q += 2
			}
			img.SetRGBA(x, y, cols[q])
		}
	}
	return img
}

// WriteCheckpoint encodes sd at <dir>/<name> and returns the path.
func WriteCheckpoint(tb testing.TB, dir, name string, sd model.StateDict, nested bool) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()
	if err := model.EncodeCheckpoint(f, sd, nested); err != nil {
		tb.Fatal(err)
	}
	return path
}
