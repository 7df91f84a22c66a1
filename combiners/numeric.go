package combiners

import (
	"context"
	"fmt"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/tensor"
	"github.com/go-logr/logr"
)

// NumericAccumulator holds one partial reduction per output. A nil
// accumulator means no data was seen.
type NumericAccumulator struct {
	Values []tensor.Tensor
}

type numericOutput struct {
	input     int
	reduction tensor.Reduction
	dtype     tensor.DType
	shape     tensor.Shape
	// prepare maps an input before it is reduced.
	prepare func(tensor.Tensor) tensor.Tensor
}

// NumericCombiner reduces each input across the batch axis with sum, min or
// max, and then across accumulators with the same reduction.
type NumericCombiner struct {
	kind               string
	inputs             []fullpass.TensorInfo
	outputs            []numericOutput
	reduceInstanceDims bool
	log                logr.Logger
}

var _ fullpass.Combiner[*NumericAccumulator] = (*NumericCombiner)(nil)

// NewSum sums every input. Narrow dtypes are widened so the sum cannot
// overflow: float16 sums into float32, integers into their 64-bit kind.
func NewSum(inputs []fullpass.TensorInfo, opts ...Option) (*NumericCombiner, error) {
	return newPerInput("sum", inputs, tensor.ReduceSum, tensor.SumOutputDType, opts)
}

func NewMin(inputs []fullpass.TensorInfo, opts ...Option) (*NumericCombiner, error) {
	return newPerInput("min", inputs, tensor.ReduceMin, sameDType, opts)
}

func NewMax(inputs []fullpass.TensorInfo, opts ...Option) (*NumericCombiner, error) {
	return newPerInput("max", inputs, tensor.ReduceMax, sameDType, opts)
}

// NewMinAndMax outputs the minimum and the maximum of a single input.
func NewMinAndMax(input fullpass.TensorInfo, opts ...Option) (*NumericCombiner, error) {
	if !input.DType.IsNumeric() {
		return nil, fmt.Errorf("%w: min_and_max of %s", fullpass.ErrUnsupportedDType, input.DType)
	}
	c := newNumeric("min_and_max", []fullpass.TensorInfo{input}, opts)
	shape := c.outputShape(input)
	c.outputs = []numericOutput{
		{input: 0, reduction: tensor.ReduceMin, dtype: input.DType, shape: shape},
		{input: 0, reduction: tensor.ReduceMax, dtype: input.DType, shape: shape},
	}
	return c, nil
}

// NewSize counts the present elements of every input. Any dtype is accepted.
func NewSize(inputs []fullpass.TensorInfo, opts ...Option) (*NumericCombiner, error) {
	c := newNumeric("size", inputs, opts)
	for i, in := range inputs {
		c.outputs = append(c.outputs, numericOutput{
			input:     i,
			reduction: tensor.ReduceSum,
			dtype:     tensor.Int64,
			shape:     c.outputShape(in),
			prepare: func(t tensor.Tensor) tensor.Tensor {
				return tensor.OnesLike(t, tensor.Int64)
			},
		})
	}
	return c, nil
}

func sameDType(d tensor.DType) (tensor.DType, bool) {
	return d, d.IsNumeric()
}

func newPerInput(kind string, inputs []fullpass.TensorInfo, r tensor.Reduction, outDType func(tensor.DType) (tensor.DType, bool), opts []Option) (*NumericCombiner, error) {
	c := newNumeric(kind, inputs, opts)
	for i, in := range inputs {
		d, ok := outDType(in.DType)
		if !ok {
			return nil, fmt.Errorf("%w: %s of %s", fullpass.ErrUnsupportedDType, kind, in.DType)
		}
		c.outputs = append(c.outputs, numericOutput{
			input:     i,
			reduction: r,
			dtype:     d,
			shape:     c.outputShape(in),
		})
	}
	return c, nil
}

func newNumeric(kind string, inputs []fullpass.TensorInfo, opts []Option) *NumericCombiner {
	o := buildOptions(opts)
	return &NumericCombiner{
		kind:               kind,
		inputs:             inputs,
		reduceInstanceDims: o.reduceInstanceDims,
		log:                o.log.WithName(kind),
	}
}

func (c *NumericCombiner) outputShape(in fullpass.TensorInfo) tensor.Shape {
	if c.reduceInstanceDims {
		return tensor.Shape{}
	}
	return in.Shape.Clone()
}

func (c *NumericCombiner) CreateAccumulator() *NumericAccumulator {
	return nil
}

func (c *NumericCombiner) AddInput(ctx context.Context, acc *NumericAccumulator, batch fullpass.Batch) (*NumericAccumulator, error) {
	if err := batch.CheckArity(len(c.inputs)); err != nil {
		return nil, err
	}
	partial := make([]tensor.Tensor, len(c.outputs))
	for i, out := range c.outputs {
		x := batch[out.input]
		if out.prepare != nil {
			x = out.prepare(x)
		}
		r, err := tensor.Reduce(x, out.reduction, c.reduceInstanceDims, out.dtype)
		if err != nil {
			return nil, fmt.Errorf("%s input %d: %w", c.kind, out.input, err)
		}
		partial[i] = r
	}
	return c.MergeAccumulators(ctx, []*NumericAccumulator{acc, {Values: partial}})
}

// MergeAccumulators reduces the accumulators elementwise. Values of different
// shapes are padded with the reduction's identity first, so a cell one shard
// never saw does not change the result.
func (c *NumericCombiner) MergeAccumulators(_ context.Context, accs []*NumericAccumulator) (*NumericAccumulator, error) {
	var merged []tensor.Tensor
	for _, acc := range accs {
		if acc == nil || acc.Values == nil {
			continue
		}
		if len(acc.Values) != len(c.outputs) {
			return nil, fmt.Errorf("%w: %s accumulator has %d values, want %d", fullpass.ErrAccumulatorType, c.kind, len(acc.Values), len(c.outputs))
		}
		if merged == nil {
			merged = append([]tensor.Tensor(nil), acc.Values...)
			continue
		}
		for i, out := range c.outputs {
			a, b, err := tensor.PadToMatchIdentity(merged[i], acc.Values[i], out.reduction)
			if err != nil {
				return nil, err
			}
			if merged[i], err = tensor.Combine(a, b, out.reduction); err != nil {
				return nil, err
			}
		}
	}
	if merged == nil {
		return nil, nil
	}
	return &NumericAccumulator{Values: merged}, nil
}

// ExtractOutput returns the reductions in their output dtypes. Without data
// every output holds the reduction's identity: zero for sums, NaN for
// floating min/max and the far end of the range for integer min/max.
func (c *NumericCombiner) ExtractOutput(_ context.Context, acc *NumericAccumulator) ([]tensor.Tensor, error) {
	out := make([]tensor.Tensor, len(c.outputs))
	for i, o := range c.outputs {
		if acc == nil || acc.Values == nil {
			out[i] = o.reduction.IdentityTensor(o.dtype, o.shape)
			continue
		}
		v, err := acc.Values[i].Cast(o.dtype)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *NumericCombiner) OutputTensorInfos() []fullpass.TensorInfo {
	infos := make([]fullpass.TensorInfo, len(c.outputs))
	for i, o := range c.outputs {
		infos[i] = fullpass.TensorInfo{DType: o.dtype, Shape: o.shape.Clone()}
	}
	return infos
}

func (c *NumericCombiner) CacheCoder() fullpass.CacheCoder[*NumericAccumulator] {
	return tensorsCoder("numeric/"+c.kind, len(c.outputs),
		func(acc *NumericAccumulator) []tensor.Tensor {
			if acc == nil {
				return nil
			}
			return acc.Values
		},
		func(ts []tensor.Tensor) *NumericAccumulator {
			if ts == nil {
				return nil
			}
			return &NumericAccumulator{Values: ts}
		},
	)
}
