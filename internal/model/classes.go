package model

import (
	"math"
	"sort"
)

// Classes is the ordered label set shared by every model. The order defines
// the index of each entry in logits and probability vectors.
var Classes = []string{
	"01_TUMOR",
	"02_STROMA",
	"03_COMPLEX",
	"04_LYMPHO",
	"05_DEBRIS",
	"06_MUCOSA",
	"07_ADIPOSE",
	"08_EMPTY",
	"UNKNOWN",
}

// NumClasses is len(Classes).
const NumClasses = 9

// ClassIndex returns the position of label in Classes or -1.
func ClassIndex(label string) int {
	for i, c := range Classes {
		if c == label {
			return i
		}
	}
	return -1
}

// Probabilities is a per-class probability vector indexed like Classes.
type Probabilities []float64

// Softmax converts logits into probabilities. It is computed in float64 and
// shifted by the maximum logit for stability.
func Softmax(logits []float32) Probabilities {
	out := make(Probabilities, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxv := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxv {
			maxv = float64(v)
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v) - maxv)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest probability and its value. Ties
// resolve to the lowest index.
func (p Probabilities) Argmax() (int, float64) {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	if len(p) == 0 {
		return -1, 0
	}
	return best, p[best]
}

// Label returns the class label of the largest probability.
func (p Probabilities) Label() string {
	i, _ := p.Argmax()
	if i < 0 || i >= len(Classes) {
		return ""
	}
	return Classes[i]
}

// Map returns the vector keyed by class label.
func (p Probabilities) Map() map[string]float64 {
	out := make(map[string]float64, len(p))
	for i, v := range p {
		if i < len(Classes) {
			out[Classes[i]] = v
		}
	}
	return out
}

// Sorted returns class labels ordered by descending probability, ties by
// label order.
func (p Probabilities) Sorted() []string {
	idx := make([]int, len(p))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] > p[idx[b]] })
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		if i < len(Classes) {
			out = append(out, Classes[i])
		}
	}
	return out
}

// MeanProbabilities returns the uniform elementwise mean of vs. All vectors
// must have the same length.
func MeanProbabilities(vs []Probabilities) Probabilities {
	if len(vs) == 0 {
		return nil
	}
	out := make(Probabilities, len(vs[0]))
	for _, v := range vs {
		for i := range out {
			out[i] += v[i]
		}
	}
	n := float64(len(vs))
	for i := range out {
		out[i] /= n
	}
	return out
}

func argmax32(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
