package model

import "fmt"

// Tensor is a dense float32 array in row-major order. Images are stored
// channel-first without a batch dimension.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// Len returns the number of elements implied by Shape.
func (t Tensor) Len() int { return numel(t.Shape) }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float32(nil), t.Data...)}
}

// CHW returns the dimensions of a rank-3 tensor.
func (t Tensor) CHW() (c, h, w int, err error) {
	if len(t.Shape) != 3 {
		return 0, 0, 0, fmt.Errorf("expected rank-3 tensor, got shape %v", t.Shape)
	}
	if t.Len() != len(t.Data) {
		return 0, 0, 0, fmt.Errorf("shape %v does not match %d values", t.Shape, len(t.Data))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
