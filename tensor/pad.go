package tensor

import (
	"fmt"
)

// PadTo grows t to shape by appending fill along every axis independently.
// Existing elements keep their multi-index. Axes are never shrunk.
func (t Tensor) PadTo(shape Shape, fill float64) (Tensor, error) {
	return t.padInto(shape, func(s Shape) Tensor { return Full(t.dtype, s, fill) })
}

// PadToIdentity is PadTo with r's identity as the fill value.
func (t Tensor) PadToIdentity(shape Shape, r Reduction) (Tensor, error) {
	return t.padInto(shape, func(s Shape) Tensor { return r.IdentityTensor(t.dtype, s) })
}

func (t Tensor) padInto(shape Shape, base func(Shape) Tensor) (Tensor, error) {
	if len(shape) != len(t.shape) {
		return Tensor{}, fmt.Errorf("%w: pad %s to %s", ErrRankMismatch, t.shape, shape)
	}
	if t.shape.Equal(shape) {
		return t, nil
	}
	for i := range shape {
		if shape[i] < t.shape[i] {
			return Tensor{}, fmt.Errorf("%w: pad %s to %s would shrink axis %d", ErrShapeMismatch, t.shape, shape, i)
		}
	}
	out := base(shape)
	if t.missing != nil {
		out.missing = make([]bool, out.Len())
	}
	if t.Len() == 0 {
		return out, nil
	}
	// Walk t in row-major order and map each multi-index into out.
	idx := make([]int, len(t.shape))
	for src := 0; src < t.Len(); src++ {
		dst := 0
		for axis := range idx {
			dst = dst*shape[axis] + idx[axis]
		}
		out.copyRange(dst, t, src, 1)
		for axis := len(idx) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < t.shape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	return out, nil
}

// PadToMatch pads a and b with fill so that both take the per-axis maximum
// of their shapes. A missing index is treated as if fill had been observed
// there all along.
func PadToMatch(a, b Tensor, fill float64) (Tensor, Tensor, error) {
	return padPair(a, b, func(t Tensor, s Shape) (Tensor, error) { return t.PadTo(s, fill) })
}

// PadToMatchIdentity is PadToMatch with r's identity as the fill value.
func PadToMatchIdentity(a, b Tensor, r Reduction) (Tensor, Tensor, error) {
	return padPair(a, b, func(t Tensor, s Shape) (Tensor, error) { return t.PadToIdentity(s, r) })
}

func padPair(a, b Tensor, pad func(Tensor, Shape) (Tensor, error)) (Tensor, Tensor, error) {
	if a.shape.Equal(b.shape) {
		return a, b, nil
	}
	if len(a.shape) != len(b.shape) {
		return Tensor{}, Tensor{}, fmt.Errorf("%w: %s vs %s", ErrRankMismatch, a.shape, b.shape)
	}
	shape := make(Shape, len(a.shape))
	for i := range shape {
		shape[i] = max(a.shape[i], b.shape[i])
	}
	pa, err := pad(a, shape)
	if err != nil {
		return Tensor{}, Tensor{}, err
	}
	pb, err := pad(b, shape)
	if err != nil {
		return Tensor{}, Tensor{}, err
	}
	return pa, pb, nil
}
