package model

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// nestedKey is the key a training checkpoint stores its weights under.
const nestedKey = "model_state_dict"

// Param is one serialized tensor.
type Param struct {
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

// StateDict maps parameter keys to tensors.
type StateDict map[string]Param

type slot struct {
	shape []int
	data  []float32
}

// ReadCheckpoint decodes the checkpoint at path.
func ReadCheckpoint(path string) (StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sd, err := DecodeCheckpoint(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return sd, nil
}

// DecodeCheckpoint reads a msgpack state dict, either flat or nested under
// model_state_dict. Entries that are not tensors are ignored.
func DecodeCheckpoint(r io.Reader) (StateDict, error) {
	var top map[string]msgpack.RawMessage
	if err := msgpack.NewDecoder(r).Decode(&top); err != nil {
		return nil, err
	}
	if raw, ok := top[nestedKey]; ok {
		var inner map[string]msgpack.RawMessage
		if err := msgpack.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%s: %w", nestedKey, err)
		}
		top = inner
	}
	sd := make(StateDict, len(top))
	for key, raw := range top {
		var p Param
		if err := msgpack.Unmarshal(raw, &p); err != nil || p.Data == nil {
			continue
		}
		if numel(p.Shape) != len(p.Data) {
			return nil, fmt.Errorf("tensor %q: shape %v needs %d values, got %d", key, p.Shape, numel(p.Shape), len(p.Data))
		}
		sd[key] = p
	}
	return sd, nil
}

// EncodeCheckpoint writes sd as msgpack, optionally nested under
// model_state_dict. Keys are written in sorted order.
func EncodeCheckpoint(w io.Writer, sd StateDict, nested bool) error {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	if nested {
		return enc.Encode(map[string]any{nestedKey: map[string]Param(sd), "epoch": 0})
	}
	return enc.Encode(map[string]Param(sd))
}

// Mismatch records a tensor whose shape differs from the model's.
type Mismatch struct {
	Key  string
	Want []int
	Got  []int
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: want %v, got %v", m.Key, m.Want, m.Got)
}

// LoadReport summarizes how a state dict mapped onto a classifier.
type LoadReport struct {
	Loaded     []string
	Missing    []string
	Mismatched []Mismatch
	Unexpected []string
}

// Clean reports whether every parameter loaded and nothing was left over.
func (r LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Mismatched) == 0 && len(r.Unexpected) == 0
}

func (r LoadReport) String() string {
	parts := []string{fmt.Sprintf("loaded=%d", len(r.Loaded))}
	if len(r.Missing) > 0 {
		parts = append(parts, "missing="+strings.Join(r.Missing, ","))
	}
	if len(r.Mismatched) > 0 {
		ms := make([]string, len(r.Mismatched))
		for i, m := range r.Mismatched {
			ms[i] = m.String()
		}
		parts = append(parts, "mismatched="+strings.Join(ms, ","))
	}
	if len(r.Unexpected) > 0 {
		parts = append(parts, "unexpected="+strings.Join(r.Unexpected, ","))
	}
	return strings.Join(parts, " ")
}

// Classifier is the Go-resident part of a model: optional neck, pooling and
// head.
type Classifier struct {
	Variant Variant
	Head    *Head
	Neck    *Neck
}

// NewClassifier builds an identity-initialized classifier for v. A nil hidden
// uses DefaultHidden.
func NewClassifier(v Variant, hidden []int) *Classifier {
	if hidden == nil {
		hidden = DefaultHidden
	}
	c := &Classifier{
		Variant: v,
		Head:    NewHead(HeadSpec{In: v.FeatureDim, Hidden: hidden, Out: NumClasses}),
	}
	if v.NeckPrefix != "" {
		c.Neck = NewNeck(v.FeatureDim)
	}
	return c
}

func (c *Classifier) slots() map[string]slot {
	out := c.Head.slots(c.Variant.HeadPrefix)
	if c.Neck != nil {
		for k, s := range c.Neck.slots(c.Variant.NeckPrefix) {
			out[k] = s
		}
	}
	return out
}

// StateDict returns a copy of the classifier weights.
func (c *Classifier) StateDict() StateDict {
	sd := make(StateDict)
	for k, s := range c.slots() {
		sd[k] = Param{Shape: append([]int(nil), s.shape...), Data: append([]float32(nil), s.data...)}
	}
	return sd
}

// graphKey reports whether key belongs to the backbone graph rather than to
// the Go-resident classifier.
func (c *Classifier) graphKey(key string) bool {
	if !strings.HasPrefix(key, "backbone.") {
		return false
	}
	if strings.HasPrefix(key, c.Variant.HeadPrefix+".") {
		return false
	}
	if c.Variant.NeckPrefix != "" && strings.HasPrefix(key, c.Variant.NeckPrefix+".") {
		return false
	}
	return true
}

// LoadState copies matching tensors from sd. Missing keys keep their
// initialization and mismatched shapes are skipped; in strict mode any issue
// is returned as an error and nothing is applied.
func (c *Classifier) LoadState(sd StateDict, strict bool) (LoadReport, error) {
	slots := c.slots()
	var rep LoadReport
	apply := make(map[string]Param)
	for key, p := range sd {
		s, ok := slots[key]
		switch {
		case ok && equalShape(s.shape, p.Shape):
			apply[key] = p
			rep.Loaded = append(rep.Loaded, key)
		case ok:
			rep.Mismatched = append(rep.Mismatched, Mismatch{Key: key, Want: s.shape, Got: p.Shape})
		case strings.HasSuffix(key, ".num_batches_tracked"), c.graphKey(key):
		default:
			rep.Unexpected = append(rep.Unexpected, key)
		}
	}
	for key := range slots {
		if _, ok := sd[key]; !ok {
			rep.Missing = append(rep.Missing, key)
		}
	}
	sort.Strings(rep.Loaded)
	sort.Strings(rep.Missing)
	sort.Strings(rep.Unexpected)
	sort.Slice(rep.Mismatched, func(i, j int) bool { return rep.Mismatched[i].Key < rep.Mismatched[j].Key })

	if strict && !rep.Clean() {
		return rep, fmt.Errorf("strict checkpoint load for %s: %s", c.Variant.Name(), rep)
	}
	for key, p := range apply {
		copy(slots[key].data, p.Data)
	}
	return rep, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
