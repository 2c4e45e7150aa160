package onnx

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"histoxai/internal/model"
)

// Graph tensor names shared by every exported backbone.
const (
	InputName        = "input"
	GradUpstreamName = "grad_activations"
	GradInputName    = "grad_input"
	defaultBatchSize = 1
)

// Backbone is a model.Backbone backed by an ONNX graph whose output is named
// after the variant's target layer. When a gradient graph is attached it also
// implements model.GradientBackbone.
type Backbone struct {
	name     string
	inShape  ort.Shape
	outShape ort.Shape
	session  *ort.DynamicAdvancedSession
	vjp      *ort.DynamicAdvancedSession
}

// GradientBackbone is a Backbone with an attached gradient graph.
type GradientBackbone struct {
	*Backbone
}

// outputShape reads the static shape of the named output, fixing a dynamic
// batch dimension to one.
func outputShape(path, name string) (ort.Shape, error) {
	_, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, err
	}
	for _, o := range outputs {
		if o.Name != name {
			continue
		}
		shape := o.Dimensions.Clone()
		if len(shape) != 4 {
			return nil, fmt.Errorf("output %q has rank %d, want 4", name, len(shape))
		}
		if shape[0] < 1 {
			shape[0] = defaultBatchSize
		}
		for i, d := range shape[1:] {
			if d < 1 {
				return nil, fmt.Errorf("output %q has dynamic dimension %d", name, i+1)
			}
		}
		return shape, nil
	}
	return nil, fmt.Errorf("graph %s has no output named %q", path, name)
}

// Open creates a session for graphPath. vjpPath may be empty.
func Open(v model.Variant, inputSize int, graphPath, vjpPath string, dev Device, threads int) (model.Backbone, error) {
	outShape, err := outputShape(graphPath, v.TargetLayer)
	if err != nil {
		return nil, err
	}
	if int(outShape[1]) != v.FeatureDim {
		return nil, fmt.Errorf("%s: target layer has %d channels, want %d", v.Name(), outShape[1], v.FeatureDim)
	}
	opts, err := sessionOptions(dev, threads)
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	s, err := ort.NewDynamicAdvancedSession(graphPath, []string{InputName}, []string{v.TargetLayer}, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", graphPath, err)
	}
	b := &Backbone{
		name:     v.Name(),
		inShape:  ort.NewShape(defaultBatchSize, 3, int64(inputSize), int64(inputSize)),
		outShape: outShape,
		session:  s,
	}
	if vjpPath == "" {
		return b, nil
	}
	g, err := ort.NewDynamicAdvancedSession(vjpPath, []string{InputName, GradUpstreamName}, []string{GradInputName}, opts)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open %s: %w", vjpPath, err)
	}
	b.vjp = g
	return GradientBackbone{b}, nil
}

func (b *Backbone) checkInput(x model.Tensor) error {
	if len(x.Data) != int(b.inShape.FlattenedSize()) {
		return fmt.Errorf("%s: input has %d values, want shape %v", b.name, len(x.Data), b.inShape)
	}
	return nil
}

// Forward returns the target layer activations for a single image.
func (b *Backbone) Forward(ctx context.Context, x model.Tensor) (model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}
	if err := b.checkInput(x); err != nil {
		return model.Tensor{}, err
	}
	in, err := ort.NewTensor(b.inShape, x.Data)
	if err != nil {
		return model.Tensor{}, err
	}
	defer in.Destroy()
	out, err := ort.NewEmptyTensor[float32](b.outShape)
	if err != nil {
		return model.Tensor{}, err
	}
	defer out.Destroy()

	if err := b.session.Run([]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out}); err != nil {
		return model.Tensor{}, fmt.Errorf("%s inference: %w", b.name, err)
	}
	return toTensor(out), nil
}

// VJP maps a gradient at the target layer back to the input.
func (g GradientBackbone) VJP(ctx context.Context, x, upstream model.Tensor) (model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}
	if err := g.checkInput(x); err != nil {
		return model.Tensor{}, err
	}
	in, err := ort.NewTensor(g.inShape, x.Data)
	if err != nil {
		return model.Tensor{}, err
	}
	defer in.Destroy()
	up, err := ort.NewTensor(g.outShape, upstream.Data)
	if err != nil {
		return model.Tensor{}, err
	}
	defer up.Destroy()
	out, err := ort.NewEmptyTensor[float32](g.inShape)
	if err != nil {
		return model.Tensor{}, err
	}
	defer out.Destroy()

	if err := g.vjp.Run([]ort.ArbitraryTensor{in, up}, []ort.ArbitraryTensor{out}); err != nil {
		return model.Tensor{}, fmt.Errorf("%s input gradient: %w", g.name, err)
	}
	return toTensor(out), nil
}

// toTensor copies a batch-of-one ORT tensor out of native memory.
func toTensor(t *ort.Tensor[float32]) model.Tensor {
	shape := t.GetShape()
	dims := make([]int, 0, len(shape)-1)
	for _, d := range shape[1:] {
		dims = append(dims, int(d))
	}
	return model.Tensor{Shape: dims, Data: append([]float32(nil), t.GetData()...)}
}

// Close releases both sessions.
func (b *Backbone) Close() error {
	var first error
	if b.vjp != nil {
		first = b.vjp.Destroy()
		b.vjp = nil
	}
	if b.session != nil {
		if err := b.session.Destroy(); err != nil && first == nil {
			first = err
		}
		b.session = nil
	}
	return first
}
