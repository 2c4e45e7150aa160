package model

// Neck is a BatchNorm2d followed by ReLU, applied to the target layer
// activations before pooling.
type Neck struct {
	norm batchNorm
}

// NewNeck returns an identity-initialized neck over c channels.
func NewNeck(c int) *Neck {
	return &Neck{norm: newBatchNorm(c)}
}

// Forward applies the neck to a CHW tensor.
func (n *Neck) Forward(a Tensor) (Tensor, error) {
	c, h, w, err := a.CHW()
	if err != nil {
		return Tensor{}, err
	}
	out := NewTensor(c, h, w)
	plane := h * w
	for ch := 0; ch < c; ch++ {
		for i := ch * plane; i < (ch+1)*plane; i++ {
			v := n.norm.apply(ch, a.Data[i])
			if v < 0 {
				v = 0
			}
			out.Data[i] = v
		}
	}
	return out, nil
}

// Backward maps the gradient at the neck output back to its input. a is the
// neck input.
func (n *Neck) Backward(a, grad Tensor) Tensor {
	c, h, w := a.Shape[0], a.Shape[1], a.Shape[2]
	out := NewTensor(c, h, w)
	plane := h * w
	for ch := 0; ch < c; ch++ {
		s := n.norm.scale(ch)
		for i := ch * plane; i < (ch+1)*plane; i++ {
			if n.norm.apply(ch, a.Data[i]) <= 0 {
				continue
			}
			out.Data[i] = grad.Data[i] * s
		}
	}
	return out
}

func (n *Neck) slots(prefix string) map[string]slot {
	out := make(map[string]slot)
	addBatchNormSlots(out, prefix+".", &n.norm)
	return out
}

// GlobalAvgPool averages each channel of a CHW tensor.
func GlobalAvgPool(a Tensor) []float32 {
	c, h, w := a.Shape[0], a.Shape[1], a.Shape[2]
	plane := h * w
	out := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		var s float32
		for _, v := range a.Data[ch*plane : (ch+1)*plane] {
			s += v
		}
		out[ch] = s / float32(plane)
	}
	return out
}

// unpool spreads a per-channel gradient evenly over an h x w plane.
func unpool(g []float32, h, w int) Tensor {
	out := NewTensor(len(g), h, w)
	plane := h * w
	inv := 1 / float32(plane)
	for ch, v := range g {
		v *= inv
		for i := ch * plane; i < (ch+1)*plane; i++ {
			out.Data[i] = v
		}
	}
	return out
}
