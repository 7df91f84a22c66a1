package fullpass_test

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/combiners"
	"github.com/birdayz/fullpass/tensor"
)

func TestErase(t *testing.T) {
	ctx := context.Background()
	sum, err := combiners.NewSum([]fullpass.TensorInfo{{DType: tensor.Int64, Shape: tensor.Shape{}}})
	assert.NoError(t, err)
	c := fullpass.Erase[*combiners.NumericAccumulator](sum)

	a, err := c.AddInput(ctx, c.CreateAccumulator(), fullpass.Batch{tensor.Vector(tensor.Int64, 1, 2)})
	assert.NoError(t, err)
	b, err := c.AddInput(ctx, nil, fullpass.Batch{tensor.Vector(tensor.Int64, 3)})
	assert.NoError(t, err)

	merged, err := c.MergeAccumulators(ctx, []any{a, nil, b})
	assert.NoError(t, err)
	out, err := c.ExtractOutput(ctx, merged)
	assert.NoError(t, err)
	assert.Equal(t, int64(6), out[0].Int64(0))
	assert.Equal(t, sum.OutputTensorInfos(), c.OutputTensorInfos())

	t.Run("encode round trip", func(t *testing.T) {
		data, err := c.EncodeAccumulator(merged)
		assert.NoError(t, err)
		decoded, err := c.DecodeAccumulator(data)
		assert.NoError(t, err)
		out, err := c.ExtractOutput(ctx, decoded)
		assert.NoError(t, err)
		assert.Equal(t, int64(6), out[0].Int64(0))
	})

	t.Run("wrong accumulator type", func(t *testing.T) {
		_, err := c.AddInput(ctx, "not an accumulator", fullpass.Batch{tensor.Vector(tensor.Int64, 1)})
		assert.IsError(t, err, fullpass.ErrAccumulatorType)
		_, err = c.MergeAccumulators(ctx, []any{a, 42})
		assert.IsError(t, err, fullpass.ErrAccumulatorType)
		_, err = c.ExtractOutput(ctx, 1.5)
		assert.IsError(t, err, fullpass.ErrAccumulatorType)
		_, err = c.EncodeAccumulator([]int{})
		assert.IsError(t, err, fullpass.ErrAccumulatorType)
	})
}

func TestBatch(t *testing.T) {
	t.Run("rows agree", func(t *testing.T) {
		n, err := fullpass.Batch{tensor.Vector(tensor.Int64, 1, 2), tensor.Vector(tensor.Float32, 3, 4)}.NumRows()
		assert.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("rows disagree", func(t *testing.T) {
		_, err := fullpass.Batch{tensor.Vector(tensor.Int64, 1, 2), tensor.Vector(tensor.Float32, 3)}.NumRows()
		assert.Error(t, err)
	})

	t.Run("arity", func(t *testing.T) {
		err := fullpass.Batch{tensor.Vector(tensor.Int64, 1)}.CheckArity(2)
		assert.IsError(t, err, fullpass.ErrInputArity)
	})
}
