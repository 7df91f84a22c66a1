package combiners

import (
	"context"
	"fmt"
	"math"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/tensor"
	"github.com/go-logr/logr"
)

// MeanVarAccumulator carries per-cell counts, means, biased variances and
// mean weights as float64 tensors of one shape.
type MeanVarAccumulator struct {
	Count    tensor.Tensor
	Mean     tensor.Tensor
	Variance tensor.Tensor
	Weight   tensor.Tensor
}

// MeanVarCombiner computes means and variances with the pairwise parallel
// update, optionally weighting every row.
type MeanVarCombiner struct {
	input              fullpass.TensorInfo
	outputDType        tensor.DType
	shape              tensor.Shape
	reduceInstanceDims bool
	weighted           bool
	computeVariance    bool
	log                logr.Logger
}

var _ fullpass.Combiner[*MeanVarAccumulator] = (*MeanVarCombiner)(nil)

// NewMeanVar builds a mean (and by default variance) combiner over one input.
// With WithWeights the batch carries a second, per-row weight input; weighted
// variance is not supported and must be disabled with WithoutVariance.
func NewMeanVar(input fullpass.TensorInfo, opts ...Option) (*MeanVarCombiner, error) {
	o := buildOptions(opts)
	if !input.DType.IsNumeric() {
		return nil, fmt.Errorf("%w: mean of %s", fullpass.ErrUnsupportedDType, input.DType)
	}
	if o.weighted && o.computeVariance {
		return nil, fmt.Errorf("%w: weighted variance is not supported", fullpass.ErrInvalidConfig)
	}
	out, _ := tensor.MeanOutputDType(input.DType)
	if o.outputDType != tensor.Invalid {
		if !o.outputDType.IsFloating() {
			return nil, fmt.Errorf("%w: mean output dtype %s is not floating", fullpass.ErrInvalidConfig, o.outputDType)
		}
		out = o.outputDType
	}
	c := &MeanVarCombiner{
		input:              input,
		outputDType:        out,
		shape:              tensor.Shape{},
		reduceInstanceDims: o.reduceInstanceDims,
		weighted:           o.weighted,
		computeVariance:    o.computeVariance,
		log:                o.log.WithName("mean_var"),
	}
	if !c.reduceInstanceDims {
		c.shape = input.Shape.Clone()
	}
	return c, nil
}

func (c *MeanVarCombiner) CreateAccumulator() *MeanVarAccumulator {
	return nil
}

func (c *MeanVarCombiner) arity() int {
	if c.weighted {
		return 2
	}
	return 1
}

func (c *MeanVarCombiner) AddInput(ctx context.Context, acc *MeanVarAccumulator, batch fullpass.Batch) (*MeanVarAccumulator, error) {
	if err := batch.CheckArity(c.arity()); err != nil {
		return nil, err
	}
	x := batch[0]
	if !x.DType().IsNumeric() {
		return nil, fmt.Errorf("%w: mean of %s", fullpass.ErrUnsupportedDType, x.DType())
	}
	var weights tensor.Tensor
	if c.weighted {
		weights = batch[1]
		if weights.Len() != x.NumRows() {
			return nil, fmt.Errorf("%w: %d weights for %d rows", fullpass.ErrInputArity, weights.Len(), x.NumRows())
		}
	}
	return c.MergeAccumulators(ctx, []*MeanVarAccumulator{acc, c.batchStats(x, weights)})
}

// batchStats computes exact per-cell statistics of one batch.
func (c *MeanVarCombiner) batchStats(x, weights tensor.Tensor) *MeanVarAccumulator {
	var shape tensor.Shape
	cells := 1
	rowSize := x.RowSize()
	if !c.reduceInstanceDims {
		shape = x.Shape()[1:]
		cells = rowSize
	}
	cell := func(i int) int {
		if c.reduceInstanceDims {
			return 0
		}
		return i % rowSize
	}
	weightOf := func(i int) float64 {
		if !c.weighted {
			return 1
		}
		return weights.Float64(i / rowSize)
	}

	count := make([]float64, cells)
	sumW := make([]float64, cells)
	sumWX := make([]float64, cells)
	for i := 0; i < x.Len(); i++ {
		if x.Missing(i) {
			continue
		}
		j, w := cell(i), weightOf(i)
		count[j]++
		sumW[j] += w
		sumWX[j] += w * x.Float64(i)
	}
	mean := make([]float64, cells)
	weight := make([]float64, cells)
	for j := range mean {
		if count[j] == 0 || sumW[j] == 0 {
			continue
		}
		mean[j] = sumWX[j] / sumW[j]
		weight[j] = sumW[j] / count[j]
	}
	variance := make([]float64, cells)
	if c.computeVariance {
		for i := 0; i < x.Len(); i++ {
			if x.Missing(i) {
				continue
			}
			j := cell(i)
			d := x.Float64(i) - mean[j]
			variance[j] += d * d
		}
		for j := range variance {
			if count[j] > 0 {
				variance[j] /= count[j]
			}
		}
	}
	return &MeanVarAccumulator{
		Count:    tensor.FromFloats(tensor.Float64, shape, count),
		Mean:     tensor.FromFloats(tensor.Float64, shape, mean),
		Variance: tensor.FromFloats(tensor.Float64, shape, variance),
		Weight:   tensor.FromFloats(tensor.Float64, shape, weight),
	}
}

func (c *MeanVarCombiner) MergeAccumulators(_ context.Context, accs []*MeanVarAccumulator) (*MeanVarAccumulator, error) {
	var merged *MeanVarAccumulator
	for _, acc := range accs {
		if acc == nil {
			continue
		}
		if merged == nil {
			merged = nanToNum(acc)
			continue
		}
		var err error
		if merged, err = c.combine(merged, acc); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// combine merges two accumulators. The operand with the larger total count
// comes first. Shapes that differ are zero padded on every axis, which
// treats a cell one side never saw as if it had been observed as zero with
// count zero.
func (c *MeanVarCombiner) combine(a, b *MeanVarAccumulator) (*MeanVarAccumulator, error) {
	a, b = nanToNum(a), nanToNum(b)
	if total(a.Count) < total(b.Count) {
		a, b = b, a
	}
	if total(a.Count) == 0 {
		return b, nil
	}
	ca, cb, err := tensor.PadToMatch(a.Count, b.Count, 0)
	if err != nil {
		return nil, err
	}
	shape := ca.Shape()
	pad := func(t tensor.Tensor) []float64 {
		p, perr := t.PadTo(shape, 0)
		if perr != nil {
			err = perr
			return nil
		}
		return p.Float64s()
	}
	ma, mb := pad(a.Mean), pad(b.Mean)
	va, vb := pad(a.Variance), pad(b.Variance)
	wa, wb := pad(a.Weight), pad(b.Weight)
	if err != nil {
		return nil, err
	}
	countA, countB := ca.Float64s(), cb.Float64s()

	n := len(countA)
	count := make([]float64, n)
	mean := make([]float64, n)
	variance := make([]float64, n)
	weight := make([]float64, n)
	for i := 0; i < n; i++ {
		combined := countA[i] + countB[i]
		count[i] = combined
		if combined == 0 {
			mean[i], variance[i], weight[i] = ma[i], va[i], wa[i]
			continue
		}
		ratio := countB[i] / combined
		if c.weighted {
			weightsMean := wa[i] + ratio*(wb[i]-wa[i])
			weight[i] = weightsMean
			mean[i] = ma[i]
			if weightsMean != 0 {
				mean[i] += countB[i] * wb[i] / (combined * weightsMean) * (mb[i] - ma[i])
			}
			continue
		}
		weight[i] = 1
		mean[i] = ma[i] + ratio*(mb[i]-ma[i])
		variance[i] = va[i] + ratio*(vb[i]-va[i]+(mb[i]-mean[i])*(mb[i]-ma[i]))
	}
	return &MeanVarAccumulator{
		Count:    tensor.FromFloats(tensor.Float64, shape, count),
		Mean:     tensor.FromFloats(tensor.Float64, shape, mean),
		Variance: tensor.FromFloats(tensor.Float64, shape, variance),
		Weight:   tensor.FromFloats(tensor.Float64, shape, weight),
	}, nil
}

// ExtractOutput returns the mean, followed by the variance unless disabled.
// Without data both are zero.
func (c *MeanVarCombiner) ExtractOutput(_ context.Context, acc *MeanVarAccumulator) ([]tensor.Tensor, error) {
	if acc == nil {
		zeros := tensor.Zeros(c.outputDType, c.shape)
		if c.computeVariance {
			return []tensor.Tensor{zeros, zeros}, nil
		}
		return []tensor.Tensor{zeros}, nil
	}
	acc = nanToNum(acc)
	mean, err := acc.Mean.Cast(c.outputDType)
	if err != nil {
		return nil, err
	}
	if !c.computeVariance {
		return []tensor.Tensor{mean}, nil
	}
	variance, err := acc.Variance.Cast(c.outputDType)
	if err != nil {
		return nil, err
	}
	return []tensor.Tensor{mean, variance}, nil
}

func (c *MeanVarCombiner) OutputTensorInfos() []fullpass.TensorInfo {
	info := fullpass.TensorInfo{DType: c.outputDType, Shape: c.shape.Clone()}
	if c.computeVariance {
		return []fullpass.TensorInfo{info, info}
	}
	return []fullpass.TensorInfo{info}
}

func (c *MeanVarCombiner) CacheCoder() fullpass.CacheCoder[*MeanVarAccumulator] {
	return tensorsCoder("mean_var", 4,
		func(acc *MeanVarAccumulator) []tensor.Tensor {
			if acc == nil {
				return nil
			}
			return []tensor.Tensor{acc.Count, acc.Mean, acc.Variance, acc.Weight}
		},
		func(ts []tensor.Tensor) *MeanVarAccumulator {
			if ts == nil {
				return nil
			}
			return &MeanVarAccumulator{Count: ts[0], Mean: ts[1], Variance: ts[2], Weight: ts[3]}
		},
	)
}

func total(t tensor.Tensor) float64 {
	var s float64
	for _, v := range t.Float64s() {
		s += v
	}
	return s
}

// nanToNum replaces NaN by zero and infinities by the largest finite values.
func nanToNum(acc *MeanVarAccumulator) *MeanVarAccumulator {
	fix := func(t tensor.Tensor) tensor.Tensor {
		vs := t.Float64s()
		for i, v := range vs {
			switch {
			case math.IsNaN(v):
				vs[i] = 0
			case math.IsInf(v, 1):
				vs[i] = math.MaxFloat64
			case math.IsInf(v, -1):
				vs[i] = -math.MaxFloat64
			}
		}
		return tensor.FromFloats(tensor.Float64, t.Shape(), vs)
	}
	return &MeanVarAccumulator{
		Count:    fix(acc.Count),
		Mean:     fix(acc.Mean),
		Variance: fix(acc.Variance),
		Weight:   fix(acc.Weight),
	}
}
