package tensor

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Reduction is an associative, commutative elementwise reduction.
type Reduction int

const (
	ReduceSum Reduction = iota
	ReduceMin
	ReduceMax
)

func (r Reduction) String() string {
	switch r {
	case ReduceSum:
		return "sum"
	case ReduceMin:
		return "min"
	case ReduceMax:
		return "max"
	}
	return fmt.Sprintf("Reduction(%d)", int(r))
}

// Identity returns the value an untouched cell of dtype d holds under r:
// zero for sums, NaN for floating min/max (the reductions skip NaN), and the
// opposite end of the integer range for integer min/max.
func (r Reduction) Identity(d DType) float64 {
	switch {
	case r == ReduceSum:
		return 0
	case d.IsFloating():
		return math.NaN()
	case r == ReduceMin && d.IsSigned():
		return float64(d.MaxInt())
	case r == ReduceMin:
		return float64(d.MaxUint())
	case d.IsSigned():
		return float64(d.MinInt())
	default:
		return 0
	}
}

// IdentityTensor is a tensor filled with r's identity for d. Integer
// sentinels are written without passing through float64.
func (r Reduction) IdentityTensor(d DType, shape Shape) Tensor {
	t := Zeros(d, shape)
	if r == ReduceSum {
		return t
	}
	for i := 0; i < t.Len(); i++ {
		switch {
		case t.f64 != nil:
			t.f64[i] = math.NaN()
		case t.i64 != nil && r == ReduceMin:
			t.i64[i] = d.MaxInt()
		case t.i64 != nil:
			t.i64[i] = d.MinInt()
		case t.u64 != nil && r == ReduceMin:
			t.u64[i] = d.MaxUint()
		}
	}
	return t
}

// Reduce collapses t along its leading (batch) axis, or along every axis when
// allAxes is set, accumulating in dtype out. Missing elements never
// contribute; for min/max over floats NaN is skipped as well, so a cell that
// saw no values holds the reduction's identity.
func Reduce(t Tensor, r Reduction, allAxes bool, out DType) (Tensor, error) {
	if !t.dtype.IsNumeric() || !out.IsNumeric() {
		return Tensor{}, fmt.Errorf("%w: cannot reduce %s into %s", ErrUnsupportedDType, t.dtype, out)
	}
	if !allAxes && t.Rank() == 0 {
		return Tensor{}, fmt.Errorf("%w: batch reduction needs a leading axis", ErrRankMismatch)
	}
	src, err := t.Cast(out)
	if err != nil {
		return Tensor{}, err
	}
	var shape Shape
	cells := 1
	if !allAxes {
		shape = t.shape[1:].Clone()
		cells = t.RowSize()
	}
	dst := r.IdentityTensor(out, shape)
	seen := make([]bool, cells)
	switch {
	case src.f64 != nil:
		reduceInto(dst.f64, src.f64, src.missing, seen, r, true)
		for i, v := range dst.f64 {
			dst.f64[i] = roundFloat(v, out)
		}
	case src.i64 != nil:
		reduceInto(dst.i64, src.i64, src.missing, seen, r, false)
	default:
		reduceInto(dst.u64, src.u64, src.missing, seen, r, false)
	}
	return dst, nil
}

func reduceInto[T constraints.Integer | constraints.Float](dst, src []T, missing []bool, seen []bool, r Reduction, floating bool) {
	cells := len(dst)
	for i, v := range src {
		if missing != nil && missing[i] {
			continue
		}
		if floating && r != ReduceSum && v != v {
			continue
		}
		c := i % cells
		if !seen[c] {
			dst[c] = v
			seen[c] = true
			continue
		}
		dst[c] = apply(dst[c], v, r)
	}
}

func apply[T constraints.Integer | constraints.Float](a, b T, r Reduction) T {
	switch r {
	case ReduceMin:
		if b < a {
			return b
		}
		return a
	case ReduceMax:
		if b > a {
			return b
		}
		return a
	default:
		return a + b
	}
}

// Combine reduces two equally shaped tensors of one dtype elementwise. For
// floating min/max a NaN operand yields the other operand.
func Combine(a, b Tensor, r Reduction) (Tensor, error) {
	if a.dtype != b.dtype {
		return Tensor{}, fmt.Errorf("%w: %s vs %s", ErrDTypeMismatch, a.dtype, b.dtype)
	}
	if !a.shape.Equal(b.shape) {
		return Tensor{}, fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, a.shape, b.shape)
	}
	out := Zeros(a.dtype, a.shape)
	switch {
	case a.f64 != nil:
		for i := range out.f64 {
			x, y := a.f64[i], b.f64[i]
			switch {
			case r != ReduceSum && math.IsNaN(x):
				out.f64[i] = y
			case r != ReduceSum && math.IsNaN(y):
				out.f64[i] = x
			default:
				out.f64[i] = roundFloat(apply(x, y, r), a.dtype)
			}
		}
	case a.i64 != nil:
		for i := range out.i64 {
			out.i64[i] = apply(a.i64[i], b.i64[i], r)
		}
	case a.u64 != nil:
		for i := range out.u64 {
			out.u64[i] = apply(a.u64[i], b.u64[i], r)
		}
	default:
		return Tensor{}, fmt.Errorf("%w: cannot combine %s", ErrUnsupportedDType, a.dtype)
	}
	return out, nil
}
