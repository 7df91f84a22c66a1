// Package quantiles computes approximate bucket boundaries with weighted
// quantile summaries. Summary work runs on shared per-configuration
// resources handed out by a Pool.
package quantiles

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/serde"
	"github.com/birdayz/fullpass/tensor"
	"github.com/go-logr/logr"
)

// Accumulator holds one summary per feature.
type Accumulator struct {
	Summaries []Summary
}

func (a *Accumulator) empty() bool {
	if a == nil {
		return true
	}
	for _, s := range a.Summaries {
		if s.Size() > 0 {
			return false
		}
	}
	return true
}

type Option func(*Combiner)

// Combiner outputs float32 bucket boundaries of a numeric input.
type Combiner struct {
	key              Key
	includeMaxAndMin bool
	slotSet          bool
	resource         *Resource
	log              logr.Logger
}

var _ fullpass.Combiner[*Accumulator] = (*Combiner)(nil)

// WithWeights expects a per-row weight input after the values.
var WithWeights = func() Option {
	return func(c *Combiner) {
		c.key.HasWeights = true
	}
}

// WithAlwaysReturnNumQuantiles always outputs numQuantiles-1 boundaries,
// repeating values when the data has fewer distinct ones.
var WithAlwaysReturnNumQuantiles = func() Option {
	return func(c *Combiner) {
		c.key.AlwaysReturnNumQuantiles = true
	}
}

// WithIncludeMaxAndMin keeps the smallest and largest value as the first
// and last boundary.
var WithIncludeMaxAndMin = func() Option {
	return func(c *Combiner) {
		c.includeMaxAndMin = true
	}
}

// WithNumFeatures computes boundaries per column of a [n, features] input
// instead of over all elements.
var WithNumFeatures = func(n int) Option {
	return func(c *Combiner) {
		c.key.NumFeatures = n
	}
}

// WithSlot pins the resource slot instead of picking one at random.
var WithSlot = func(slot int) Option {
	return func(c *Combiner) {
		c.key.Slot = slot
		c.slotSet = true
	}
}

var WithLogr = func(log logr.Logger) Option {
	return func(c *Combiner) {
		c.log = log
	}
}

// NewCombiner builds a quantiles combiner whose summaries run on a resource
// from pool. epsilon bounds the relative rank error of the boundaries.
func NewCombiner(pool *Pool, numQuantiles int, epsilon float64, dtype tensor.DType, opts ...Option) (*Combiner, error) {
	c := &Combiner{
		key: Key{
			NumQuantiles: numQuantiles,
			Epsilon:      epsilon,
			NumFeatures:  1,
		},
		log: logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithName("quantiles")

	switch {
	case pool == nil:
		return nil, fmt.Errorf("%w: quantiles needs a resource pool", fullpass.ErrInvalidConfig)
	case !dtype.IsNumeric():
		return nil, fmt.Errorf("%w: quantiles of %s", fullpass.ErrUnsupportedDType, dtype)
	case numQuantiles < 2:
		return nil, fmt.Errorf("%w: num_quantiles must be at least 2, got %d", fullpass.ErrInvalidConfig, numQuantiles)
	case epsilon <= 0 || epsilon >= 1:
		return nil, fmt.Errorf("%w: epsilon must be in (0, 1), got %g", fullpass.ErrInvalidConfig, epsilon)
	case c.key.NumFeatures < 1:
		return nil, fmt.Errorf("%w: num_features must be positive, got %d", fullpass.ErrInvalidConfig, c.key.NumFeatures)
	case c.key.NumFeatures > 1 && !c.key.AlwaysReturnNumQuantiles:
		return nil, fmt.Errorf("%w: elementwise quantiles need always_return_num_quantiles", fullpass.ErrInvalidConfig)
	case c.slotSet && (c.key.Slot < 0 || c.key.Slot >= NumSlots):
		return nil, fmt.Errorf("%w: slot %d out of range [0, %d)", fullpass.ErrInvalidConfig, c.key.Slot, NumSlots)
	}
	if !c.slotSet {
		c.key.Slot = rand.IntN(NumSlots)
	}

	r, err := pool.Resource(c.key)
	if err != nil {
		return nil, err
	}
	c.resource = r
	return c, nil
}

func (c *Combiner) Key() Key {
	return c.key
}

func (c *Combiner) CreateAccumulator() *Accumulator {
	return &Accumulator{Summaries: c.resource.EmptySummary()}
}

func (c *Combiner) AddInput(ctx context.Context, acc *Accumulator, batch fullpass.Batch) (*Accumulator, error) {
	arity := 1
	if c.key.HasWeights {
		arity = 2
	}
	if err := batch.CheckArity(arity); err != nil {
		return nil, err
	}
	x := batch[0]
	if !x.DType().IsNumeric() {
		return nil, fmt.Errorf("%w: quantiles of %s", fullpass.ErrUnsupportedDType, x.DType())
	}
	features := c.key.NumFeatures
	rowSize := x.RowSize()
	if features > 1 && (x.Rank() != 2 || rowSize != features) {
		return nil, fmt.Errorf("%w: input %s, want [n,%d]", tensor.ErrShapeMismatch, x.Shape(), features)
	}
	var w tensor.Tensor
	if c.key.HasWeights {
		w = batch[1]
		if w.Len() != x.NumRows() {
			return nil, fmt.Errorf("%w: %d weights for %d rows", fullpass.ErrInputArity, w.Len(), x.NumRows())
		}
	}

	values := make([][]float64, features)
	var weights [][]float64
	if c.key.HasWeights {
		weights = make([][]float64, features)
	}
	for i := 0; i < x.Len(); i++ {
		if x.Missing(i) {
			continue
		}
		f := 0
		if features > 1 {
			f = i % features
		}
		values[f] = append(values[f], x.Float64(i))
		if weights != nil {
			weights[f] = append(weights[f], w.Float64(i/rowSize))
		}
	}

	var prior []Summary
	if acc != nil && len(acc.Summaries) > 0 {
		prior = acc.Summaries
	}
	summaries, err := c.resource.AddAndFlush(ctx, prior, values, weights)
	if err != nil {
		return nil, err
	}
	return &Accumulator{Summaries: summaries}, nil
}

func (c *Combiner) MergeAccumulators(ctx context.Context, accs []*Accumulator) (*Accumulator, error) {
	var lists [][]Summary
	for _, acc := range accs {
		if acc.empty() {
			continue
		}
		lists = append(lists, acc.Summaries)
	}
	switch len(lists) {
	case 0:
		return c.CreateAccumulator(), nil
	case 1:
		return &Accumulator{Summaries: lists[0]}, nil
	}
	summaries, err := c.resource.MergeAndFlush(ctx, lists)
	if err != nil {
		return nil, err
	}
	return &Accumulator{Summaries: summaries}, nil
}

// width is the number of boundaries per feature when it is fixed, or
// tensor.Unknown.
func (c *Combiner) width() int {
	if !c.key.AlwaysReturnNumQuantiles {
		return tensor.Unknown
	}
	if c.includeMaxAndMin {
		return c.key.NumQuantiles + 1
	}
	return c.key.NumQuantiles - 1
}

func (c *Combiner) shape(width int) tensor.Shape {
	if c.key.NumFeatures == 1 {
		return tensor.Shape{width}
	}
	return tensor.Shape{c.key.NumFeatures, width}
}

// trim drops the minimum and maximum the summary reports alongside the
// interior boundaries.
func (c *Combiner) trim(b []float64) []float64 {
	nq := c.key.NumQuantiles
	switch {
	case c.includeMaxAndMin || len(b) == 0:
		return b
	case c.key.AlwaysReturnNumQuantiles, len(b) >= nq+1:
		if len(b) < 2 {
			return nil
		}
		return b[1 : len(b)-1]
	case len(b) == nq:
		return b[1:]
	}
	return b
}

// ExtractOutput returns the boundaries. Without data they are zeros of the
// declared width, or an empty vector when the width is not fixed.
func (c *Combiner) ExtractOutput(ctx context.Context, acc *Accumulator) ([]tensor.Tensor, error) {
	if acc.empty() {
		return []tensor.Tensor{tensor.Zeros(tensor.Float32, c.shape(max(c.width(), 0)))}, nil
	}
	if len(acc.Summaries) != c.key.NumFeatures {
		return nil, fmt.Errorf("%w: %d summaries, want %d", fullpass.ErrAccumulatorType, len(acc.Summaries), c.key.NumFeatures)
	}
	perFeature, err := c.resource.BucketBoundaries(ctx, acc.Summaries)
	if err != nil {
		return nil, err
	}
	width := c.width()
	var flat []float64
	for f, b := range perFeature {
		b = c.trim(b)
		if width == tensor.Unknown {
			width = len(b)
		}
		if len(b) != width {
			// An empty feature next to non-empty ones gets zeros.
			if len(b) != 0 {
				return nil, fmt.Errorf("quantiles: feature %d has %d boundaries, want %d", f, len(b), width)
			}
			b = make([]float64, width)
		}
		flat = append(flat, b...)
	}
	c.log.V(1).Info("extracted boundaries", "features", c.key.NumFeatures, "width", width)
	return []tensor.Tensor{tensor.FromFloats(tensor.Float32, c.shape(width), flat)}, nil
}

func (c *Combiner) OutputTensorInfos() []fullpass.TensorInfo {
	return []fullpass.TensorInfo{{DType: tensor.Float32, Shape: c.shape(c.width())}}
}

func (c *Combiner) CacheCoder() fullpass.CacheCoder[*Accumulator] {
	features := c.key.NumFeatures
	return serde.Versioned(serde.Envelope{Kind: "quantiles", Version: 1}, serde.Func(
		func(e *serde.Encoder, acc *Accumulator) error {
			e.Bool(acc != nil)
			if acc == nil {
				return nil
			}
			e.Len(len(acc.Summaries))
			for _, s := range acc.Summaries {
				b, err := s.MarshalBinary()
				if err != nil {
					return err
				}
				e.Blob(b)
			}
			return nil
		},
		func(d *serde.Decoder) (*Accumulator, error) {
			if !d.Bool() {
				return nil, d.Err()
			}
			n := d.Len(4)
			if err := d.Err(); err != nil {
				return nil, err
			}
			if n != features {
				return nil, fmt.Errorf("%w: %d summaries, want %d", serde.ErrCorruptCache, n, features)
			}
			acc := &Accumulator{Summaries: make([]Summary, n)}
			for i := range acc.Summaries {
				b := d.Blob()
				if err := d.Err(); err != nil {
					return nil, err
				}
				if err := acc.Summaries[i].UnmarshalBinary(b); err != nil {
					return nil, err
				}
			}
			return acc, nil
		},
	))
}
