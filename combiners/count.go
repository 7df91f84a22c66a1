package combiners

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/tensor"
	"github.com/birdayz/fullpass/vocab"
)

// NewCountPerKey counts rows per distinct key. Keys are grouped by their
// string form; the in-memory outputs convert them back to keyDType and pair
// them with int64 counts.
func NewCountPerKey(keyDType tensor.DType, opts ...Option) (*KeyedCombiner[*NumericAccumulator], error) {
	if keyDType != tensor.String && !keyDType.IsInteger() {
		return nil, fmt.Errorf("%w: count per key of %s", fullpass.ErrUnsupportedDType, keyDType)
	}
	size, err := NewSize([]fullpass.TensorInfo{{DType: keyDType, Shape: tensor.Shape{}}}, opts...)
	if err != nil {
		return nil, err
	}
	c, err := NewKeyed[*NumericAccumulator](size, append(opts, WithKeyDType(keyDType))...)
	if err != nil {
		return nil, err
	}
	c.includeKeys = true
	return c, nil
}

// ReadCountsFile reads a key vocabulary written by a large-key count per key
// combiner, converting keys back to keyDType.
func ReadCountsFile(path string, keyDType tensor.DType) (keys, counts tensor.Tensor, err error) {
	entries, err := vocab.ReadFile(path, true)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	terms := make([]string, len(entries))
	values := make([]int64, len(entries))
	for i, e := range entries {
		terms[i] = e.Term
		values[i] = int64(e.Key)
	}
	keys, err = tensor.FromStrings(tensor.Shape{len(terms)}, terms).Cast(keyDType)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return keys, tensor.FromInts(tensor.Int64, tensor.Shape{len(values)}, values), nil
}

// HistogramCombiner counts values per bucket on top of a count per key
// combiner. Numeric histograms bucketize against fixed boundaries first;
// categorical histograms count each distinct value.
type HistogramCombiner struct {
	*KeyedCombiner[*NumericAccumulator]
	input      fullpass.TensorInfo
	boundaries []float64
}

var _ fullpass.Combiner[*KeyedAccumulator[*NumericAccumulator]] = (*HistogramCombiner)(nil)

// boundaryTolerance shifts every boundary down so that values rounded just
// below a boundary still land in the bucket it opens.
const boundaryTolerance = 1e-4

// DefaultBoundaries are ten equal buckets over [0, 1].
func DefaultBoundaries() []float64 {
	b := make([]float64, 11)
	for i := range b {
		b[i] = float64(i) / 10
	}
	return b
}

// LinearBoundaries spaces n boundaries evenly from lo to hi inclusive.
func LinearBoundaries(lo, hi float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{lo}
	}
	b := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range b {
		b[i] = lo + float64(i)*step
	}
	b[n-1] = hi
	return b
}

// NewHistogram buckets a numeric input. The leftmost boundary only labels the
// first bucket: bucket 0 holds v < boundaries[1], bucket i holds
// boundaries[i] <= v < boundaries[i+1] and the last bucket everything from
// the last boundary up. The outputs are int64 counts of len(boundaries)
// buckets and the boundaries themselves. Nil boundaries use
// DefaultBoundaries.
func NewHistogram(input fullpass.TensorInfo, boundaries []float64, opts ...Option) (*HistogramCombiner, error) {
	if !input.DType.IsNumeric() {
		return nil, fmt.Errorf("%w: histogram of %s", fullpass.ErrUnsupportedDType, input.DType)
	}
	if len(boundaries) == 0 {
		boundaries = DefaultBoundaries()
	}
	if !slices.IsSorted(boundaries) {
		return nil, fmt.Errorf("%w: histogram boundaries must be sorted", fullpass.ErrInvalidConfig)
	}
	keyed, err := NewCountPerKey(tensor.Int64, opts...)
	if err != nil {
		return nil, err
	}
	if keyed.largeKeys() {
		return nil, fmt.Errorf("%w: numeric histograms are kept in memory", fullpass.ErrInvalidConfig)
	}
	return &HistogramCombiner{KeyedCombiner: keyed, input: input, boundaries: slices.Clone(boundaries)}, nil
}

// NewCategoricalHistogram counts each distinct value of a string or integer
// input. Its outputs are the counts and the categories, ordered by category.
func NewCategoricalHistogram(input fullpass.TensorInfo, opts ...Option) (*HistogramCombiner, error) {
	keyed, err := NewCountPerKey(input.DType, opts...)
	if err != nil {
		return nil, err
	}
	return &HistogramCombiner{KeyedCombiner: keyed, input: input}, nil
}

func (c *HistogramCombiner) AddInput(ctx context.Context, acc *KeyedAccumulator[*NumericAccumulator], batch fullpass.Batch) (*KeyedAccumulator[*NumericAccumulator], error) {
	if err := batch.CheckArity(1); err != nil {
		return nil, err
	}
	x := batch[0]
	flat, err := x.Reshape(tensor.Shape{x.Len()})
	if err != nil {
		return nil, err
	}
	if c.boundaries == nil {
		return c.KeyedCombiner.AddInput(ctx, acc, fullpass.Batch{flat})
	}
	upper := c.boundaries[1:]
	buckets := make([]int64, flat.Len())
	for i := range buckets {
		v := flat.Float64(i)
		buckets[i] = int64(sort.Search(len(upper), func(j int) bool {
			return upper[j]-boundaryTolerance > v
		}))
	}
	ids := tensor.FromInts(tensor.Int64, tensor.Shape{len(buckets)}, buckets)
	if flat.HasMissing() {
		mask := make([]bool, flat.Len())
		for i := range mask {
			mask[i] = flat.Missing(i)
		}
		if ids, err = ids.WithMissing(mask); err != nil {
			return nil, err
		}
	}
	return c.KeyedCombiner.AddInput(ctx, acc, fullpass.Batch{ids})
}

func (c *HistogramCombiner) ExtractOutput(ctx context.Context, acc *KeyedAccumulator[*NumericAccumulator]) ([]tensor.Tensor, error) {
	outs, err := c.KeyedCombiner.ExtractOutput(ctx, acc)
	if err != nil || c.largeKeys() {
		return outs, err
	}
	keys, counts := outs[0], outs[1]
	if c.boundaries == nil {
		return []tensor.Tensor{counts, keys}, nil
	}
	// Reorder sparse bucket counts into dense bucket index order.
	dense := make([]int64, len(c.boundaries))
	for i := 0; i < keys.Len(); i++ {
		dense[keys.Int64(i)] = counts.Int64(i)
	}
	return []tensor.Tensor{
		tensor.FromInts(tensor.Int64, tensor.Shape{len(dense)}, dense),
		tensor.FromFloats(tensor.Float64, tensor.Shape{len(c.boundaries)}, c.boundaries),
	}, nil
}

func (c *HistogramCombiner) OutputTensorInfos() []fullpass.TensorInfo {
	if c.boundaries == nil {
		infos := c.KeyedCombiner.OutputTensorInfos()
		if c.largeKeys() {
			return infos
		}
		return []fullpass.TensorInfo{infos[1], infos[0]}
	}
	return []fullpass.TensorInfo{
		{DType: tensor.Int64, Shape: tensor.Shape{len(c.boundaries)}},
		{DType: tensor.Float64, Shape: tensor.Shape{len(c.boundaries)}},
	}
}
