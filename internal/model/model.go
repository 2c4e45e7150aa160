// Package model holds the per-architecture classifier: the backbone graph
// boundary, the Go-resident neck and head, checkpoint loading and
// preprocessing.
package model

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// ErrNoGradient is returned by InputGradient when the backbone cannot
// back-propagate to its input.
var ErrNoGradient = errors.New("backbone has no input gradient graph")

// Backbone runs the convolutional trunk of a network. Forward takes a
// normalized [3,S,S] input and returns the [C,h,w] activations of the
// variant's target layer.
type Backbone interface {
	Forward(ctx context.Context, input Tensor) (Tensor, error)
	Close() error
}

// GradientBackbone is a Backbone that can map a gradient at its output back
// to its input.
type GradientBackbone interface {
	Backbone
	VJP(ctx context.Context, input, upstream Tensor) (Tensor, error)
}

// Model is a loaded classifier. It is immutable after construction and safe
// for concurrent use as long as its Backbone is.
type Model struct {
	variant    Variant
	inputSize  int
	backbone   Backbone
	classifier *Classifier
}

// New assembles a model. A non-positive inputSize uses the variant default.
func New(v Variant, inputSize int, bb Backbone, cls *Classifier) *Model {
	if inputSize <= 0 {
		inputSize = v.InputSize
	}
	return &Model{variant: v, inputSize: inputSize, backbone: bb, classifier: cls}
}

func (m *Model) Name() string       { return m.variant.Name() }
func (m *Model) Variant() Variant   { return m.variant }
func (m *Model) InputSize() int     { return m.inputSize }
func (m *Model) Backbone() Backbone { return m.backbone }

// Preprocess converts img to the model's input tensor.
func (m *Model) Preprocess(img image.Image) Tensor {
	return Preprocess(img, m.inputSize)
}

func (m *Model) features(ctx context.Context, x Tensor) (act, pooledIn Tensor, err error) {
	act, err = m.backbone.Forward(ctx, x)
	if err != nil {
		return Tensor{}, Tensor{}, fmt.Errorf("%s backbone: %w", m.Name(), err)
	}
	c, _, _, err := act.CHW()
	if err != nil {
		return Tensor{}, Tensor{}, fmt.Errorf("%s activations: %w", m.Name(), err)
	}
	if c != m.classifier.Head.Spec().In {
		return Tensor{}, Tensor{}, fmt.Errorf("%s activations have %d channels, head expects %d", m.Name(), c, m.classifier.Head.Spec().In)
	}
	pooledIn = act
	if m.classifier.Neck != nil {
		if pooledIn, err = m.classifier.Neck.Forward(act); err != nil {
			return Tensor{}, Tensor{}, err
		}
	}
	return act, pooledIn, nil
}

// Logits runs the full network on a preprocessed input.
func (m *Model) Logits(ctx context.Context, x Tensor) ([]float32, error) {
	_, pooledIn, err := m.features(ctx, x)
	if err != nil {
		return nil, err
	}
	return m.classifier.Head.Forward(GlobalAvgPool(pooledIn))
}

// Classify preprocesses img and returns its class probabilities.
func (m *Model) Classify(ctx context.Context, img image.Image) (Probabilities, error) {
	logits, err := m.Logits(ctx, m.Preprocess(img))
	if err != nil {
		return nil, err
	}
	return Softmax(logits), nil
}

// Saliency carries what Grad-CAM needs: target layer activations, the
// gradient of the chosen logit with respect to them, and the logits.
type Saliency struct {
	Activations Tensor
	Gradients   Tensor
	Logits      []float32
	Class       int
}

// Saliency back-propagates logit target through head, pooling and neck. A
// negative target selects the predicted class.
func (m *Model) Saliency(ctx context.Context, x Tensor, target int) (Saliency, error) {
	act, pooledIn, err := m.features(ctx, x)
	if err != nil {
		return Saliency{}, err
	}
	pooled := GlobalAvgPool(pooledIn)
	if target < 0 {
		logits, err := m.classifier.Head.Forward(pooled)
		if err != nil {
			return Saliency{}, err
		}
		target = argmax32(logits)
	}
	logits, gPooled, err := m.classifier.Head.Backward(pooled, target)
	if err != nil {
		return Saliency{}, err
	}
	grad := unpool(gPooled, act.Shape[1], act.Shape[2])
	if m.classifier.Neck != nil {
		grad = m.classifier.Neck.Backward(act, grad)
	}
	return Saliency{Activations: act, Gradients: grad, Logits: logits, Class: target}, nil
}

// SupportsGradient reports whether InputGradient can be used.
func (m *Model) SupportsGradient() bool {
	_, ok := m.backbone.(GradientBackbone)
	return ok
}

// InputGradient returns the gradient of logit class with respect to the
// normalized input x, and the logits at x.
func (m *Model) InputGradient(ctx context.Context, x Tensor, class int) (Tensor, []float32, error) {
	gb, ok := m.backbone.(GradientBackbone)
	if !ok {
		return Tensor{}, nil, ErrNoGradient
	}
	s, err := m.Saliency(ctx, x, class)
	if err != nil {
		return Tensor{}, nil, err
	}
	g, err := gb.VJP(ctx, x, s.Gradients)
	if err != nil {
		return Tensor{}, nil, fmt.Errorf("%s input gradient: %w", m.Name(), err)
	}
	return g, s.Logits, nil
}

// Close releases the backbone.
func (m *Model) Close() error {
	if m.backbone == nil {
		return nil
	}
	return m.backbone.Close()
}
