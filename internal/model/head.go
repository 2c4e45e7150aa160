package model

import (
	"fmt"
	"math"
)

// BatchNormEps matches the epsilon of torch BatchNorm layers.
const BatchNormEps = 1e-5

// DefaultHidden are the hidden widths of the classification head.
var DefaultHidden = []int{512, 256}

// HeadSpec sizes a classification head.
type HeadSpec struct {
	In     int
	Hidden []int
	Out    int
}

type linear struct {
	in, out int
	weight  []float32 // out x in, row major
	bias    []float32
}

func newLinear(in, out int) linear {
	return linear{in: in, out: out, weight: make([]float32, in*out), bias: make([]float32, out)}
}

func (l *linear) forward(x []float32) []float32 {
	y := make([]float32, l.out)
	for o := 0; o < l.out; o++ {
		row := l.weight[o*l.in : (o+1)*l.in]
		s := l.bias[o]
		for i, v := range x {
			s += row[i] * v
		}
		y[o] = s
	}
	return y
}

// backward returns dL/dx given dL/dy.
func (l *linear) backward(dy []float32) []float32 {
	dx := make([]float32, l.in)
	for o, g := range dy {
		if g == 0 {
			continue
		}
		row := l.weight[o*l.in : (o+1)*l.in]
		for i := range dx {
			dx[i] += row[i] * g
		}
	}
	return dx
}

// batchNorm holds eval-mode statistics. It is shared by the 1d head stages
// and the 2d neck.
type batchNorm struct {
	gamma, beta, mean, variance []float32
}

func newBatchNorm(n int) batchNorm {
	bn := batchNorm{
		gamma:    make([]float32, n),
		beta:     make([]float32, n),
		mean:     make([]float32, n),
		variance: make([]float32, n),
	}
	for i := 0; i < n; i++ {
		bn.gamma[i] = 1
		bn.variance[i] = 1
	}
	return bn
}

// scale returns gamma/sqrt(var+eps) for channel c.
func (bn *batchNorm) scale(c int) float32 {
	return bn.gamma[c] / float32(math.Sqrt(float64(bn.variance[c])+BatchNormEps))
}

func (bn *batchNorm) apply(c int, v float32) float32 {
	return (v-bn.mean[c])*bn.scale(c) + bn.beta[c]
}

// Head is the replaced classifier: per hidden width a
// Dropout, Linear, ReLU, BatchNorm1d stage, then Dropout and the final Linear.
// Dropout is the identity at inference.
type Head struct {
	spec   HeadSpec
	linear []linear
	norm   []batchNorm
	final  linear
}

// NewHead builds a head with zero linear weights and identity batch norms.
func NewHead(spec HeadSpec) *Head {
	h := &Head{spec: spec}
	in := spec.In
	for _, width := range spec.Hidden {
		h.linear = append(h.linear, newLinear(in, width))
		h.norm = append(h.norm, newBatchNorm(width))
		in = width
	}
	h.final = newLinear(in, spec.Out)
	return h
}

// Spec returns the head dimensions.
func (h *Head) Spec() HeadSpec { return h.spec }

type headTrace struct {
	pre    [][]float32 // linear outputs before ReLU, per stage
	logits []float32
}

func (h *Head) run(x []float32) headTrace {
	var tr headTrace
	cur := x
	for j := range h.linear {
		z := h.linear[j].forward(cur)
		tr.pre = append(tr.pre, z)
		out := make([]float32, len(z))
		for i, v := range z {
			if v < 0 {
				v = 0
			}
			out[i] = h.norm[j].apply(i, v)
		}
		cur = out
	}
	tr.logits = h.final.forward(cur)
	return tr
}

// Forward maps pooled features to logits.
func (h *Head) Forward(x []float32) ([]float32, error) {
	if len(x) != h.spec.In {
		return nil, fmt.Errorf("head expects %d features, got %d", h.spec.In, len(x))
	}
	return h.run(x).logits, nil
}

// Backward returns the logits and the gradient of logits[class] with respect
// to the input features.
func (h *Head) Backward(x []float32, class int) ([]float32, []float32, error) {
	if len(x) != h.spec.In {
		return nil, nil, fmt.Errorf("head expects %d features, got %d", h.spec.In, len(x))
	}
	if class < 0 || class >= h.spec.Out {
		return nil, nil, fmt.Errorf("class %d out of range [0,%d)", class, h.spec.Out)
	}
	tr := h.run(x)
	grad := make([]float32, h.spec.Out)
	grad[class] = 1
	grad = h.final.backward(grad)
	for j := len(h.linear) - 1; j >= 0; j-- {
		for i := range grad {
			if tr.pre[j][i] <= 0 {
				grad[i] = 0
				continue
			}
			grad[i] *= h.norm[j].scale(i)
		}
		grad = h.linear[j].backward(grad)
	}
	return tr.logits, grad, nil
}

// slots lists the head parameters under their torch Sequential keys.
func (h *Head) slots(prefix string) map[string]slot {
	out := make(map[string]slot)
	for j := range h.linear {
		l := &h.linear[j]
		lin := fmt.Sprintf("%s.%d.", prefix, 4*j+1)
		out[lin+"weight"] = slot{shape: []int{l.out, l.in}, data: l.weight}
		out[lin+"bias"] = slot{shape: []int{l.out}, data: l.bias}
		addBatchNormSlots(out, fmt.Sprintf("%s.%d.", prefix, 4*j+3), &h.norm[j])
	}
	fin := fmt.Sprintf("%s.%d.", prefix, 4*len(h.linear)+1)
	out[fin+"weight"] = slot{shape: []int{h.final.out, h.final.in}, data: h.final.weight}
	out[fin+"bias"] = slot{shape: []int{h.final.out}, data: h.final.bias}
	return out
}

func addBatchNormSlots(dst map[string]slot, prefix string, bn *batchNorm) {
	n := len(bn.gamma)
	dst[prefix+"weight"] = slot{shape: []int{n}, data: bn.gamma}
	dst[prefix+"bias"] = slot{shape: []int{n}, data: bn.beta}
	dst[prefix+"running_mean"] = slot{shape: []int{n}, data: bn.mean}
	dst[prefix+"running_var"] = slot{shape: []int{n}, data: bn.variance}
}
