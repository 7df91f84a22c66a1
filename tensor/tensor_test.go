package tensor

import (
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestSumOutputDType(t *testing.T) {
	tests := []struct {
		in   DType
		want DType
	}{
		{Float16, Float32},
		{Float32, Float32},
		{Float64, Float64},
		{Int8, Int64},
		{Int16, Int64},
		{Int32, Int64},
		{Int64, Int64},
		{Uint8, Uint64},
		{Uint16, Uint64},
		{Uint32, Uint64},
		{Uint64, Uint64},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			got, ok := SumOutputDType(tt.in)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := SumOutputDType(String)
	assert.False(t, ok)
}

func TestMeanOutputDType(t *testing.T) {
	got, ok := MeanOutputDType(Uint8)
	assert.True(t, ok)
	assert.Equal(t, Float32, got)

	got, ok = MeanOutputDType(Float16)
	assert.True(t, ok)
	assert.Equal(t, Float16, got)
}

func TestCast(t *testing.T) {
	t.Run("float16 rounds", func(t *testing.T) {
		x := Vector(Float16, 0.1)
		assert.NotEqual(t, 0.1, x.Float64(0))
		assert.True(t, math.Abs(x.Float64(0)-0.1) < 1e-3)
	})

	t.Run("narrow integers wrap", func(t *testing.T) {
		x, err := FromInts(Int64, Shape{2}, []int64{300, -1}).Cast(Uint8)
		assert.NoError(t, err)
		assert.Equal(t, []uint64{44, 255}, x.Uint64s())
	})

	t.Run("strings round trip numbers", func(t *testing.T) {
		x := FromInts(Int32, Shape{3}, []int64{-5, 0, 12})
		s, err := x.Cast(String)
		assert.NoError(t, err)
		assert.Equal(t, []string{"-5", "0", "12"}, s.Strings())
		back, err := s.Cast(Int32)
		assert.NoError(t, err)
		assert.True(t, Equal(x, back))
	})

	t.Run("unparsable string", func(t *testing.T) {
		_, err := FromStrings(Shape{1}, []string{"abc"}).Cast(Int64)
		assert.Error(t, err)
	})

	t.Run("int64 stays exact", func(t *testing.T) {
		x := FromInts(Int64, Shape{1}, []int64{math.MaxInt64})
		assert.Equal(t, int64(math.MaxInt64), x.Int64(0))
	})
}

func TestReduce(t *testing.T) {
	x := FromFloats(Float32, Shape{3, 2}, []float64{1, 2, 3, 4, 5, 6})

	t.Run("sum all axes", func(t *testing.T) {
		got, err := Reduce(x, ReduceSum, true, Float32)
		assert.NoError(t, err)
		assert.Equal(t, Shape{}, got.Shape())
		assert.Equal(t, []float64{21}, got.Float64s())
	})

	t.Run("sum batch axis", func(t *testing.T) {
		got, err := Reduce(x, ReduceSum, false, Float32)
		assert.NoError(t, err)
		assert.Equal(t, Shape{2}, got.Shape())
		assert.Equal(t, []float64{9, 12}, got.Float64s())
	})

	t.Run("min and max", func(t *testing.T) {
		lo, err := Reduce(x, ReduceMin, false, Float32)
		assert.NoError(t, err)
		assert.Equal(t, []float64{1, 2}, lo.Float64s())
		hi, err := Reduce(x, ReduceMax, true, Float32)
		assert.NoError(t, err)
		assert.Equal(t, []float64{6}, hi.Float64s())
	})

	t.Run("missing float column yields NaN", func(t *testing.T) {
		sparse, err := x.WithMissing([]bool{false, true, false, true, false, true})
		assert.NoError(t, err)
		got, err := Reduce(sparse, ReduceMax, false, Float32)
		assert.NoError(t, err)
		assert.Equal(t, 5.0, got.Float64(0))
		assert.True(t, math.IsNaN(got.Float64(1)))
	})

	t.Run("missing integer column yields sentinel", func(t *testing.T) {
		ints := FromInts(Int16, Shape{2, 2}, []int64{4, 1, 7, 2})
		sparse, err := ints.WithMissing([]bool{false, true, false, true})
		assert.NoError(t, err)
		lo, err := Reduce(sparse, ReduceMin, false, Int16)
		assert.NoError(t, err)
		assert.Equal(t, []int64{4, math.MaxInt16}, lo.Int64s())
		hi, err := Reduce(sparse, ReduceMax, false, Int16)
		assert.NoError(t, err)
		assert.Equal(t, []int64{7, math.MinInt16}, hi.Int64s())
	})

	t.Run("uint8 sum widens", func(t *testing.T) {
		bytes := FromInts(Uint8, Shape{3}, []int64{200, 200, 200})
		got, err := Reduce(bytes, ReduceSum, true, Uint64)
		assert.NoError(t, err)
		assert.Equal(t, Uint64, got.DType())
		assert.Equal(t, []uint64{600}, got.Uint64s())
	})

	t.Run("strings rejected", func(t *testing.T) {
		_, err := Reduce(FromStrings(Shape{1}, []string{"a"}), ReduceSum, true, Int64)
		assert.IsError(t, err, ErrUnsupportedDType)
	})
}

func TestCombine(t *testing.T) {
	a := Vector(Float64, 1, math.NaN(), 3)
	b := Vector(Float64, 2, 5, math.NaN())
	got, err := Combine(a, b, ReduceMin)
	assert.NoError(t, err)
	assert.Equal(t, []float64{1, 5, 3}, got.Float64s())

	_, err = Combine(a, Vector(Float64, 1), ReduceSum)
	assert.IsError(t, err, ErrShapeMismatch)
}

func TestPadToMatch(t *testing.T) {
	t.Run("vectors", func(t *testing.T) {
		a := Vector(Float64, 1, 2, 3)
		b := Vector(Float64, 1, 2)
		pa, pb, err := PadToMatch(a, b, 0)
		assert.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3}, pa.Float64s())
		assert.Equal(t, []float64{1, 2, 0}, pb.Float64s())
	})

	t.Run("each axis independently", func(t *testing.T) {
		// a is 1x3, b is 2x1: both become 2x3.
		a := FromFloats(Float64, Shape{1, 3}, []float64{1, 2, 3})
		b := FromFloats(Float64, Shape{2, 1}, []float64{7, 8})
		pa, pb, err := PadToMatch(a, b, 0)
		assert.NoError(t, err)
		assert.Equal(t, Shape{2, 3}, pa.Shape())
		assert.Equal(t, []float64{1, 2, 3, 0, 0, 0}, pa.Float64s())
		assert.Equal(t, []float64{7, 0, 0, 8, 0, 0}, pb.Float64s())
	})

	t.Run("identity fill", func(t *testing.T) {
		a := FromInts(Int64, Shape{1}, []int64{3})
		padded, err := a.PadToIdentity(Shape{2}, ReduceMin)
		assert.NoError(t, err)
		assert.Equal(t, []int64{3, math.MaxInt64}, padded.Int64s())
	})

	t.Run("rank mismatch", func(t *testing.T) {
		_, _, err := PadToMatch(Scalar(Float64, 1), Vector(Float64, 1, 2), 0)
		assert.IsError(t, err, ErrRankMismatch)
	})
}

func TestStackAndGather(t *testing.T) {
	x := FromFloats(Float64, Shape{3, 2}, []float64{1, 2, 3, 4, 5, 6})
	rows, err := x.GatherRows([]int{2, 0})
	assert.NoError(t, err)
	assert.Equal(t, Shape{2, 2}, rows.Shape())
	assert.Equal(t, []float64{5, 6, 1, 2}, rows.Float64s())

	stacked, err := Stack(Float64, Shape{}, []Tensor{Scalar(Float64, 1), Scalar(Float64, 2)})
	assert.NoError(t, err)
	assert.Equal(t, Shape{2}, stacked.Shape())

	empty, err := Stack(Int64, Shape{3}, nil)
	assert.NoError(t, err)
	assert.Equal(t, Shape{0, 3}, empty.Shape())
}
