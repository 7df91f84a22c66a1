package tensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/x448/float16"
)

var (
	ErrUnsupportedDType = errors.New("tensor: unsupported dtype")
	ErrShapeMismatch    = errors.New("tensor: shape mismatch")
	ErrRankMismatch     = errors.New("tensor: rank mismatch")
	ErrDTypeMismatch    = errors.New("tensor: dtype mismatch")
)

// Tensor is an immutable, row-major, dense n-d array. Floating dtypes are
// held as float64 rounded to the dtype's precision, signed integers as int64,
// unsigned integers as uint64. An optional mask marks missing elements, which
// is how sparse inputs are represented.
type Tensor struct {
	dtype   DType
	shape   Shape
	f64     []float64
	i64     []int64
	u64     []uint64
	str     []string
	missing []bool
}

// Zeros returns a tensor of the given dtype with every element zero.
func Zeros(dtype DType, shape Shape) Tensor {
	shape = shape.Concretize()
	n := shape.NumElements()
	t := Tensor{dtype: dtype, shape: shape}
	switch {
	case dtype.IsFloating():
		t.f64 = make([]float64, n)
	case dtype.IsSigned():
		t.i64 = make([]int64, n)
	case dtype.IsUnsigned():
		t.u64 = make([]uint64, n)
	default:
		t.str = make([]string, n)
	}
	return t
}

// Full returns a tensor with every element set to v (converted to dtype).
func Full(dtype DType, shape Shape, v float64) Tensor {
	t := Zeros(dtype, shape)
	for i := 0; i < t.Len(); i++ {
		t.set(i, v)
	}
	return t
}

// FromFloats builds a numeric tensor from float64 values, converting them to
// dtype. It panics if len(data) does not match shape.
func FromFloats(dtype DType, shape Shape, data []float64) Tensor {
	t := Zeros(dtype, shape)
	mustLen(t, len(data))
	for i, v := range data {
		t.set(i, v)
	}
	return t
}

// FromInts builds a numeric tensor from int64 values without passing through
// float64, so 64-bit integers survive exactly.
func FromInts(dtype DType, shape Shape, data []int64) Tensor {
	t := Zeros(dtype, shape)
	mustLen(t, len(data))
	for i, v := range data {
		switch {
		case dtype.IsSigned():
			t.i64[i] = wrapSigned(v, dtype)
		case dtype.IsUnsigned():
			t.u64[i] = wrapUnsigned(uint64(v), dtype)
		case dtype.IsFloating():
			t.f64[i] = roundFloat(float64(v), dtype)
		default:
			t.str[i] = strconv.FormatInt(v, 10)
		}
	}
	return t
}

// FromUints is FromInts for unsigned sources.
func FromUints(dtype DType, shape Shape, data []uint64) Tensor {
	t := Zeros(dtype, shape)
	mustLen(t, len(data))
	for i, v := range data {
		switch {
		case dtype.IsSigned():
			t.i64[i] = wrapSigned(int64(v), dtype)
		case dtype.IsUnsigned():
			t.u64[i] = wrapUnsigned(v, dtype)
		case dtype.IsFloating():
			t.f64[i] = roundFloat(float64(v), dtype)
		default:
			t.str[i] = strconv.FormatUint(v, 10)
		}
	}
	return t
}

func FromStrings(shape Shape, data []string) Tensor {
	t := Zeros(String, shape)
	mustLen(t, len(data))
	copy(t.str, data)
	return t
}

// Vector is a rank-1 shorthand for FromFloats.
func Vector(dtype DType, data ...float64) Tensor {
	return FromFloats(dtype, Shape{len(data)}, data)
}

// Scalar is a rank-0 shorthand for FromFloats.
func Scalar(dtype DType, v float64) Tensor {
	return FromFloats(dtype, Shape{}, []float64{v})
}

func ScalarString(s string) Tensor {
	return FromStrings(Shape{}, []string{s})
}

// OnesLike returns ones of dtype shaped like t, keeping t's missing mask.
func OnesLike(t Tensor, dtype DType) Tensor {
	out := Full(dtype, t.shape, 1)
	out.missing = t.missing
	return out
}

func mustLen(t Tensor, n int) {
	if t.Len() != n {
		panic(fmt.Sprintf("tensor: %d values do not fit shape %s", n, t.shape))
	}
}

// WithMissing returns a copy of t whose elements are marked missing where
// mask is true.
func (t Tensor) WithMissing(mask []bool) (Tensor, error) {
	if len(mask) != t.Len() {
		return Tensor{}, fmt.Errorf("%w: mask of %d for %d elements", ErrShapeMismatch, len(mask), t.Len())
	}
	out := t
	out.missing = make([]bool, len(mask))
	copy(out.missing, mask)
	return out, nil
}

func (t Tensor) DType() DType {
	return t.dtype
}

func (t Tensor) Shape() Shape {
	return t.shape.Clone()
}

func (t Tensor) Rank() int {
	return len(t.shape)
}

// Len is the number of elements.
func (t Tensor) Len() int {
	switch {
	case t.f64 != nil:
		return len(t.f64)
	case t.i64 != nil:
		return len(t.i64)
	case t.u64 != nil:
		return len(t.u64)
	default:
		return len(t.str)
	}
}

// NumRows is the size of the leading (batch) axis; scalars have one row.
func (t Tensor) NumRows() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[0]
}

// RowSize is the number of elements per leading-axis row.
func (t Tensor) RowSize() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[1:].NumElements()
}

func (t Tensor) Missing(i int) bool {
	return t.missing != nil && t.missing[i]
}

func (t Tensor) HasMissing() bool {
	for _, m := range t.missing {
		if m {
			return true
		}
	}
	return false
}

// Float64 returns element i converted to float64.
func (t Tensor) Float64(i int) float64 {
	switch {
	case t.f64 != nil:
		return t.f64[i]
	case t.i64 != nil:
		return float64(t.i64[i])
	case t.u64 != nil:
		return float64(t.u64[i])
	default:
		v, _ := strconv.ParseFloat(t.str[i], 64)
		return v
	}
}

func (t Tensor) Int64(i int) int64 {
	switch {
	case t.i64 != nil:
		return t.i64[i]
	case t.u64 != nil:
		return int64(t.u64[i])
	case t.f64 != nil:
		return int64(t.f64[i])
	default:
		v, _ := strconv.ParseInt(t.str[i], 10, 64)
		return v
	}
}

func (t Tensor) Uint64(i int) uint64 {
	switch {
	case t.u64 != nil:
		return t.u64[i]
	case t.i64 != nil:
		return uint64(t.i64[i])
	case t.f64 != nil:
		return uint64(t.f64[i])
	default:
		v, _ := strconv.ParseUint(t.str[i], 10, 64)
		return v
	}
}

// StringAt renders element i as a string. Floats use the shortest
// representation that round-trips.
func (t Tensor) StringAt(i int) string {
	switch {
	case t.str != nil:
		return t.str[i]
	case t.i64 != nil:
		return strconv.FormatInt(t.i64[i], 10)
	case t.u64 != nil:
		return strconv.FormatUint(t.u64[i], 10)
	default:
		bits := 64
		if t.dtype != Float64 {
			bits = 32
		}
		return strconv.FormatFloat(t.f64[i], 'g', -1, bits)
	}
}

func (t Tensor) Float64s() []float64 {
	out := make([]float64, t.Len())
	for i := range out {
		out[i] = t.Float64(i)
	}
	return out
}

func (t Tensor) Int64s() []int64 {
	out := make([]int64, t.Len())
	for i := range out {
		out[i] = t.Int64(i)
	}
	return out
}

func (t Tensor) Uint64s() []uint64 {
	out := make([]uint64, t.Len())
	for i := range out {
		out[i] = t.Uint64(i)
	}
	return out
}

func (t Tensor) Strings() []string {
	out := make([]string, t.Len())
	for i := range out {
		out[i] = t.StringAt(i)
	}
	return out
}

// set stores a float64 into element i with dtype conversion.
func (t Tensor) set(i int, v float64) {
	switch {
	case t.f64 != nil:
		t.f64[i] = roundFloat(v, t.dtype)
	case t.i64 != nil:
		t.i64[i] = wrapSigned(int64(v), t.dtype)
	case t.u64 != nil:
		t.u64[i] = wrapUnsigned(uint64(v), t.dtype)
	default:
		t.str[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
}

// Cast converts t to dtype. Numeric values convert the way a C cast does;
// numbers render to strings; strings parse back to numbers.
func (t Tensor) Cast(to DType) (Tensor, error) {
	if to == t.dtype {
		return t, nil
	}
	if to == Invalid {
		return Tensor{}, fmt.Errorf("%w: %s", ErrUnsupportedDType, to)
	}
	out := Zeros(to, t.shape)
	out.missing = t.missing
	n := t.Len()
	switch {
	case to == String:
		for i := 0; i < n; i++ {
			out.str[i] = t.StringAt(i)
		}
	case t.dtype == String:
		for i := 0; i < n; i++ {
			if err := out.parseInto(i, t.str[i]); err != nil {
				return Tensor{}, err
			}
		}
	case t.i64 != nil:
		for i, v := range t.i64 {
			out.setInt(i, v)
		}
	case t.u64 != nil:
		for i, v := range t.u64 {
			out.setUint(i, v)
		}
	default:
		for i, v := range t.f64 {
			out.set(i, v)
		}
	}
	return out, nil
}

func (t Tensor) setInt(i int, v int64) {
	switch {
	case t.i64 != nil:
		t.i64[i] = wrapSigned(v, t.dtype)
	case t.u64 != nil:
		t.u64[i] = wrapUnsigned(uint64(v), t.dtype)
	default:
		t.f64[i] = roundFloat(float64(v), t.dtype)
	}
}

func (t Tensor) setUint(i int, v uint64) {
	switch {
	case t.i64 != nil:
		t.i64[i] = wrapSigned(int64(v), t.dtype)
	case t.u64 != nil:
		t.u64[i] = wrapUnsigned(v, t.dtype)
	default:
		t.f64[i] = roundFloat(float64(v), t.dtype)
	}
}

func (t Tensor) parseInto(i int, s string) error {
	switch {
	case t.i64 != nil:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("tensor: parse %q as %s: %w", s, t.dtype, err)
		}
		t.i64[i] = wrapSigned(v, t.dtype)
	case t.u64 != nil:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("tensor: parse %q as %s: %w", s, t.dtype, err)
		}
		t.u64[i] = wrapUnsigned(v, t.dtype)
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("tensor: parse %q as %s: %w", s, t.dtype, err)
		}
		t.f64[i] = roundFloat(v, t.dtype)
	}
	return nil
}

// Reshape reinterprets the elements under a new shape of equal size.
func (t Tensor) Reshape(shape Shape) (Tensor, error) {
	if shape.NumElements() != t.Len() || !shape.IsFullyDefined() {
		return Tensor{}, fmt.Errorf("%w: cannot reshape %s to %s", ErrShapeMismatch, t.shape, shape)
	}
	out := t
	out.shape = shape.Clone()
	return out, nil
}

// GatherRows selects leading-axis rows in the given order.
func (t Tensor) GatherRows(rows []int) (Tensor, error) {
	if len(t.shape) == 0 {
		return Tensor{}, fmt.Errorf("%w: cannot gather rows of a scalar", ErrRankMismatch)
	}
	shape := t.shape.Clone()
	shape[0] = len(rows)
	out := Zeros(t.dtype, shape)
	rs := t.RowSize()
	if t.missing != nil {
		out.missing = make([]bool, out.Len())
	}
	for j, r := range rows {
		if r < 0 || r >= t.shape[0] {
			return Tensor{}, fmt.Errorf("%w: row %d out of range %d", ErrShapeMismatch, r, t.shape[0])
		}
		out.copyRange(j*rs, t, r*rs, rs)
	}
	return out, nil
}

func (t Tensor) copyRange(dst int, src Tensor, from, n int) {
	switch {
	case t.f64 != nil:
		copy(t.f64[dst:dst+n], src.f64[from:from+n])
	case t.i64 != nil:
		copy(t.i64[dst:dst+n], src.i64[from:from+n])
	case t.u64 != nil:
		copy(t.u64[dst:dst+n], src.u64[from:from+n])
	default:
		copy(t.str[dst:dst+n], src.str[from:from+n])
	}
	if t.missing != nil && src.missing != nil {
		copy(t.missing[dst:dst+n], src.missing[from:from+n])
	}
}

// Stack joins tensors of one dtype and shape along a new leading axis.
// elem describes the element shape when ts is empty.
func Stack(dtype DType, elem Shape, ts []Tensor) (Tensor, error) {
	if len(ts) > 0 {
		elem = ts[0].shape
	}
	shape := append(Shape{len(ts)}, elem.Concretize()...)
	out := Zeros(dtype, shape)
	n := elem.Concretize().NumElements()
	for i, x := range ts {
		if x.dtype != dtype {
			return Tensor{}, fmt.Errorf("%w: stacking %s into %s", ErrDTypeMismatch, x.dtype, dtype)
		}
		if !x.shape.Equal(elem) {
			return Tensor{}, fmt.Errorf("%w: stacking %s into %s", ErrShapeMismatch, x.shape, elem)
		}
		out.copyRange(i*n, x, 0, n)
	}
	return out, nil
}

// Equal reports whether two tensors hold the same dtype, shape and values.
// NaNs compare equal to each other.
func Equal(a, b Tensor) bool {
	if a.dtype != b.dtype || !a.shape.Equal(b.shape) || a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if a.Missing(i) != b.Missing(i) {
			return false
		}
		switch {
		case a.f64 != nil:
			x, y := a.f64[i], b.f64[i]
			if x != y && !(math.IsNaN(x) && math.IsNaN(y)) {
				return false
			}
		case a.i64 != nil:
			if a.i64[i] != b.i64[i] {
				return false
			}
		case a.u64 != nil:
			if a.u64[i] != b.u64[i] {
				return false
			}
		default:
			if a.str[i] != b.str[i] {
				return false
			}
		}
	}
	return true
}

func (t Tensor) String() string {
	return fmt.Sprintf("%s%s%v", t.dtype, t.shape, t.Strings())
}

func wrapSigned(v int64, d DType) int64 {
	switch d {
	case Int8:
		return int64(int8(v))
	case Int16:
		return int64(int16(v))
	case Int32:
		return int64(int32(v))
	default:
		return v
	}
}

func wrapUnsigned(v uint64, d DType) uint64 {
	switch d {
	case Uint8:
		return uint64(uint8(v))
	case Uint16:
		return uint64(uint16(v))
	case Uint32:
		return uint64(uint32(v))
	default:
		return v
	}
}

func roundFloat(v float64, d DType) float64 {
	switch d {
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case Float32:
		return float64(float32(v))
	default:
		return v
	}
}
