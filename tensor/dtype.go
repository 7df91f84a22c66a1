package tensor

import (
	"math"
)

// DType is the element type of a Tensor.
type DType uint8

const (
	Invalid DType = iota
	Float16
	Float32
	Float64
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	String
)

var dtypeNames = [...]string{
	Invalid: "invalid",
	Float16: "float16",
	Float32: "float32",
	Float64: "float64",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	String:  "string",
}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return "invalid"
}

// ParseDType resolves a dtype name as printed by DType.String.
func ParseDType(name string) (DType, bool) {
	for i, n := range dtypeNames {
		if n == name && DType(i) != Invalid {
			return DType(i), true
		}
	}
	return Invalid, false
}

func (d DType) IsFloating() bool {
	return d == Float16 || d == Float32 || d == Float64
}

func (d DType) IsSigned() bool {
	return d >= Int8 && d <= Int64
}

func (d DType) IsUnsigned() bool {
	return d >= Uint8 && d <= Uint64
}

func (d DType) IsInteger() bool {
	return d.IsSigned() || d.IsUnsigned()
}

func (d DType) IsNumeric() bool {
	return d.IsFloating() || d.IsInteger()
}

// MaxInt and MinInt return the representable range of a signed dtype.
func (d DType) MaxInt() int64 {
	switch d {
	case Int8:
		return math.MaxInt8
	case Int16:
		return math.MaxInt16
	case Int32:
		return math.MaxInt32
	default:
		return math.MaxInt64
	}
}

func (d DType) MinInt() int64 {
	switch d {
	case Int8:
		return math.MinInt8
	case Int16:
		return math.MinInt16
	case Int32:
		return math.MinInt32
	default:
		return math.MinInt64
	}
}

// MaxUint returns the largest value of an unsigned dtype.
func (d DType) MaxUint() uint64 {
	switch d {
	case Uint8:
		return math.MaxUint8
	case Uint16:
		return math.MaxUint16
	case Uint32:
		return math.MaxUint32
	default:
		return math.MaxUint64
	}
}

// Sums over an unbounded number of rows must not accumulate into a narrow
// type: half floats widen to float32, integers widen to their 64-bit kind.
var sumOutputDTypes = map[DType]DType{
	Float16: Float32,
	Float32: Float32,
	Float64: Float64,
	Int8:    Int64,
	Int16:   Int64,
	Int32:   Int64,
	Int64:   Int64,
	Uint8:   Uint64,
	Uint16:  Uint64,
	Uint32:  Uint64,
	Uint64:  Uint64,
}

// Means and variances of integers are fractional.
var meanOutputDTypes = map[DType]DType{
	Float16: Float16,
	Float32: Float32,
	Float64: Float64,
	Int8:    Float32,
	Int16:   Float32,
	Int32:   Float32,
	Int64:   Float32,
	Uint8:   Float32,
	Uint16:  Float32,
	Uint32:  Float32,
	Uint64:  Float32,
}

// SumOutputDType returns the accumulation and output dtype of a sum over d.
func SumOutputDType(d DType) (DType, bool) {
	out, ok := sumOutputDTypes[d]
	return out, ok
}

// MeanOutputDType returns the output dtype of a mean or variance over d.
func MeanOutputDType(d DType) (DType, bool) {
	out, ok := meanOutputDTypes[d]
	return out, ok
}
