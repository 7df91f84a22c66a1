package serde

import (
	"fmt"

	"github.com/birdayz/fullpass/tensor"
)

// PutTensor writes dtype, shape, values and the optional missing mask.
func (e *Encoder) PutTensor(t tensor.Tensor) {
	e.Uint8(uint8(t.DType()))
	shape := t.Shape()
	e.Len(len(shape))
	for _, d := range shape {
		e.Int64(int64(d))
	}
	n := t.Len()
	switch d := t.DType(); {
	case d.IsFloating():
		for i := 0; i < n; i++ {
			e.Float64(t.Float64(i))
		}
	case d.IsSigned():
		for i := 0; i < n; i++ {
			e.Int64(t.Int64(i))
		}
	case d.IsUnsigned():
		for i := 0; i < n; i++ {
			e.Uint64(t.Uint64(i))
		}
	default:
		for i := 0; i < n; i++ {
			e.String(t.StringAt(i))
		}
	}
	e.Bool(t.HasMissing())
	if t.HasMissing() {
		for i := 0; i < n; i++ {
			e.Bool(t.Missing(i))
		}
	}
}

func (d *Decoder) Tensor() (tensor.Tensor, error) {
	dtype := tensor.DType(d.Uint8())
	rank := d.Len(8)
	shape := make(tensor.Shape, rank)
	for i := range shape {
		shape[i] = int(d.Int64())
		if shape[i] < 0 {
			return tensor.Tensor{}, fmt.Errorf("%w: negative dimension %d", ErrCorruptCache, shape[i])
		}
	}
	if d.err != nil {
		return tensor.Tensor{}, d.err
	}
	if _, ok := tensor.ParseDType(dtype.String()); !ok {
		return tensor.Tensor{}, fmt.Errorf("%w: unknown dtype %d", ErrCorruptCache, dtype)
	}
	n := shape.NumElements()
	if dtype != tensor.String && n > len(d.b)/8 {
		return tensor.Tensor{}, fmt.Errorf("%w: %d elements exceed remaining bytes", ErrCorruptCache, n)
	}
	var t tensor.Tensor
	switch {
	case dtype.IsFloating():
		vs := make([]float64, n)
		for i := range vs {
			vs[i] = d.Float64()
		}
		t = tensor.FromFloats(dtype, shape, vs)
	case dtype.IsSigned():
		vs := make([]int64, n)
		for i := range vs {
			vs[i] = d.Int64()
		}
		t = tensor.FromInts(dtype, shape, vs)
	case dtype.IsUnsigned():
		vs := make([]uint64, n)
		for i := range vs {
			vs[i] = d.Uint64()
		}
		t = tensor.FromUints(dtype, shape, vs)
	default:
		if n > len(d.b)/4 {
			return tensor.Tensor{}, fmt.Errorf("%w: %d strings exceed remaining bytes", ErrCorruptCache, n)
		}
		vs := make([]string, n)
		for i := range vs {
			vs[i] = d.String()
		}
		t = tensor.FromStrings(shape, vs)
	}
	if d.Bool() {
		mask := make([]bool, n)
		for i := range mask {
			mask[i] = d.Bool()
		}
		var err error
		if t, err = t.WithMissing(mask); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return t, d.err
}

// Tensor encodes a single tensor.
var Tensor = Func(
	func(e *Encoder, t tensor.Tensor) error {
		e.PutTensor(t)
		return nil
	},
	(*Decoder).Tensor,
)

// Tensors encodes a tensor list. A nil list round-trips as nil, which lets
// accumulators use it for their identity.
var Tensors = Func(
	func(e *Encoder, ts []tensor.Tensor) error {
		e.Bool(ts != nil)
		e.Len(len(ts))
		for _, t := range ts {
			e.PutTensor(t)
		}
		return nil
	},
	func(d *Decoder) ([]tensor.Tensor, error) {
		present := d.Bool()
		n := d.Len(1)
		if !present {
			return nil, d.Err()
		}
		out := make([]tensor.Tensor, n)
		for i := range out {
			t, err := d.Tensor()
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, d.Err()
	},
)
