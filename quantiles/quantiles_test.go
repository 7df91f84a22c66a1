package quantiles

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/tensor"
	"golang.org/x/sync/errgroup"
)

func uniform(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out
}

func newCombiner(t *testing.T, pool *Pool, nq int, opts ...Option) *Combiner {
	t.Helper()
	c, err := NewCombiner(pool, nq, 0.01, tensor.Float32, append([]Option{WithSlot(0)}, opts...)...)
	assert.NoError(t, err)
	return c
}

func add(t *testing.T, c *Combiner, acc *Accumulator, batch ...tensor.Tensor) *Accumulator {
	t.Helper()
	out, err := c.AddInput(context.Background(), acc, fullpass.Batch(batch))
	assert.NoError(t, err)
	return out
}

func extract(t *testing.T, c *Combiner, acc *Accumulator) tensor.Tensor {
	t.Helper()
	out, err := c.ExtractOutput(context.Background(), acc)
	assert.NoError(t, err)
	return out[0]
}

func TestSummary(t *testing.T) {
	buf := make([]weightedValue, 100)
	for i := range buf {
		buf[i] = weightedValue{value: float64(100 - i), weight: 1}
	}
	s := summaryFromBuffer(buf)
	assert.Equal(t, 100, s.Size())
	assert.Equal(t, 100.0, s.TotalWeight())
	assert.Equal(t, 1.0, s.MinValue())
	assert.Equal(t, 100.0, s.MaxValue())

	qs := s.GenerateQuantiles(4)
	assert.Equal(t, 5, len(qs))
	assert.Equal(t, 1.0, qs[0])
	assert.Equal(t, 100.0, qs[4])
	for i, want := range []float64{25, 50, 75} {
		assert.True(t, math.Abs(qs[i+1]-want) <= 2, "quantile %d: %v", i+1, qs[i+1])
	}

	t.Run("compress keeps the ends", func(t *testing.T) {
		c := s.Compress(10, 0)
		assert.True(t, c.Size() <= 12, "size %d", c.Size())
		assert.Equal(t, 1.0, c.MinValue())
		assert.Equal(t, 100.0, c.MaxValue())
		assert.Equal(t, 100.0, c.TotalWeight())
	})

	t.Run("merge adds weight", func(t *testing.T) {
		other := summaryFromBuffer([]weightedValue{{value: 50, weight: 2}, {value: 200, weight: 1}})
		m := s.Merge(other)
		assert.Equal(t, 103.0, m.TotalWeight())
		assert.Equal(t, 101, m.Size())
		assert.Equal(t, 200.0, m.MaxValue())
	})

	t.Run("boundaries are distinct", func(t *testing.T) {
		b := summaryFromBuffer([]weightedValue{{1, 1}, {1, 1}, {1, 1}, {2, 1}}).GenerateBoundaries(4)
		assert.Equal(t, []float64{1, 2}, b)
	})

	t.Run("binary round trip", func(t *testing.T) {
		data, err := s.MarshalBinary()
		assert.NoError(t, err)
		var decoded Summary
		assert.NoError(t, decoded.UnmarshalBinary(data))
		assert.Equal(t, s.entries, decoded.entries)
		assert.Error(t, decoded.UnmarshalBinary(data[:len(data)-1]))
	})
}

func TestBlockLayout(t *testing.T) {
	levels, block := blockLayout(0, 1000)
	assert.Equal(t, 1, levels)
	assert.Equal(t, 1000, block)

	levels, block = blockLayout(0.01, 1<<20)
	assert.True(t, int64(1)<<(levels-1)*int64(block) >= 1<<20)
}

func TestCombiner(t *testing.T) {
	pool := NewPool()
	rng := rand.New(rand.NewPCG(1, 2))

	c := newCombiner(t, pool, 4, WithAlwaysReturnNumQuantiles())
	var accs []*Accumulator
	for i := 0; i < 10; i++ {
		accs = append(accs, add(t, c, c.CreateAccumulator(), tensor.Vector(tensor.Float32, uniform(rng, 1000)...)))
	}
	merged, err := c.MergeAccumulators(context.Background(), accs)
	assert.NoError(t, err)
	out := extract(t, c, merged)
	assert.Equal(t, tensor.Shape{3}, out.Shape())
	for i, want := range []float64{0.25, 0.5, 0.75} {
		assert.True(t, math.Abs(out.Float64(i)-want) < 0.03, "boundary %d: %v", i, out.Float64(i))
	}

	t.Run("boundaries are monotonic with a fixed count", func(t *testing.T) {
		for _, nq := range []int{2, 3, 7, 20} {
			c := newCombiner(t, pool, nq, WithAlwaysReturnNumQuantiles())
			values := make([]float64, 50)
			for i := range values {
				values[i] = math.Floor(rng.NormFloat64() * 3)
			}
			out := extract(t, c, add(t, c, nil, tensor.Vector(tensor.Float64, values...)))
			assert.Equal(t, nq-1, out.Len())
			assert.True(t, slices.IsSorted(out.Float64s()), "%v", out.Float64s())
		}
	})

	t.Run("merge order does not matter", func(t *testing.T) {
		forward, err := c.MergeAccumulators(context.Background(), accs)
		assert.NoError(t, err)
		reversed := slices.Clone(accs)
		slices.Reverse(reversed)
		backward, err := c.MergeAccumulators(context.Background(), reversed)
		assert.NoError(t, err)
		a, b := extract(t, c, forward), extract(t, c, backward)
		for i := 0; i < a.Len(); i++ {
			assert.True(t, math.Abs(a.Float64(i)-b.Float64(i)) < 0.03)
		}
	})

	t.Run("identity", func(t *testing.T) {
		single, err := c.MergeAccumulators(context.Background(), []*Accumulator{c.CreateAccumulator(), accs[0], nil})
		assert.NoError(t, err)
		assert.True(t, tensor.Equal(extract(t, c, accs[0]), extract(t, c, single)))
	})

	t.Run("cache round trip", func(t *testing.T) {
		coder := c.CacheCoder()
		data, err := coder.Encode(merged)
		assert.NoError(t, err)
		decoded, err := coder.Decode(data)
		assert.NoError(t, err)
		assert.True(t, tensor.Equal(extract(t, c, merged), extract(t, c, decoded)))

		again, err := c.MergeAccumulators(context.Background(), []*Accumulator{decoded, accs[0]})
		assert.NoError(t, err)
		want, err := c.MergeAccumulators(context.Background(), []*Accumulator{merged, accs[0]})
		assert.NoError(t, err)
		assert.True(t, tensor.Equal(extract(t, c, want), extract(t, c, again)))

		other := newCombiner(t, pool, 4, WithAlwaysReturnNumQuantiles(), WithNumFeatures(2))
		_, err = other.CacheCoder().Decode(data)
		assert.Error(t, err)
	})
}

func TestCombinerOptions(t *testing.T) {
	pool := NewPool()
	ten := make([]float64, 10)
	for i := range ten {
		ten[i] = float64(i + 1)
	}

	t.Run("weights", func(t *testing.T) {
		c := newCombiner(t, pool, 2, WithAlwaysReturnNumQuantiles(), WithWeights())
		acc := add(t, c, nil, tensor.Vector(tensor.Float32, 1, 2, 3, 4), tensor.Vector(tensor.Float32, 1, 1, 1, 100))
		assert.Equal(t, []float64{4}, extract(t, c, acc).Float64s())
	})

	t.Run("include max and min", func(t *testing.T) {
		c := newCombiner(t, pool, 2, WithAlwaysReturnNumQuantiles(), WithIncludeMaxAndMin())
		out := extract(t, c, add(t, c, nil, tensor.Vector(tensor.Float32, ten...)))
		assert.Equal(t, 3, out.Len())
		assert.Equal(t, 1.0, out.Float64(0))
		assert.Equal(t, 10.0, out.Float64(2))
	})

	t.Run("natural boundaries", func(t *testing.T) {
		c := newCombiner(t, pool, 4)
		assert.Equal(t, tensor.Shape{tensor.Unknown}, c.OutputTensorInfos()[0].Shape)
		out := extract(t, c, add(t, c, nil, tensor.Vector(tensor.Float32, 1, 1, 1, 2)))
		assert.True(t, out.Len() <= 3)
		assert.True(t, slices.IsSorted(out.Float64s()))
	})

	t.Run("elementwise", func(t *testing.T) {
		c := newCombiner(t, pool, 2, WithAlwaysReturnNumQuantiles(), WithNumFeatures(2))
		rows := make([]float64, 0, 2*len(ten))
		for _, v := range ten {
			rows = append(rows, v, 100+v)
		}
		out := extract(t, c, add(t, c, nil, tensor.FromFloats(tensor.Float32, tensor.Shape{len(ten), 2}, rows)))
		assert.Equal(t, tensor.Shape{2, 1}, out.Shape())
		assert.True(t, math.Abs(out.Float64(0)-5.5) <= 1, "%v", out)
		assert.True(t, math.Abs(out.Float64(1)-105.5) <= 1, "%v", out)
	})

	t.Run("missing values are skipped", func(t *testing.T) {
		c := newCombiner(t, pool, 2, WithAlwaysReturnNumQuantiles(), WithIncludeMaxAndMin())
		x, err := tensor.Vector(tensor.Float32, 1, 1000, 3).WithMissing([]bool{false, true, false})
		assert.NoError(t, err)
		out := extract(t, c, add(t, c, nil, x))
		assert.Equal(t, 3.0, out.Float64(2))
	})

	t.Run("empty", func(t *testing.T) {
		exact := newCombiner(t, pool, 4, WithAlwaysReturnNumQuantiles())
		assert.Equal(t, []float64{0, 0, 0}, extract(t, exact, exact.CreateAccumulator()).Float64s())
		natural := newCombiner(t, pool, 4)
		assert.Equal(t, 0, extract(t, natural, nil).Len())
	})
}

func TestNewCombinerValidation(t *testing.T) {
	pool := NewPool()
	tests := []struct {
		name  string
		pool  *Pool
		nq    int
		eps   float64
		dtype tensor.DType
		opts  []Option
		want  error
	}{
		{"no pool", nil, 4, 0.01, tensor.Float32, nil, fullpass.ErrInvalidConfig},
		{"strings", pool, 4, 0.01, tensor.String, nil, fullpass.ErrUnsupportedDType},
		{"one quantile", pool, 1, 0.01, tensor.Float32, nil, fullpass.ErrInvalidConfig},
		{"zero epsilon", pool, 4, 0, tensor.Float32, nil, fullpass.ErrInvalidConfig},
		{"elementwise without fixed width", pool, 4, 0.01, tensor.Float32, []Option{WithNumFeatures(3)}, fullpass.ErrInvalidConfig},
		{"slot out of range", pool, 4, 0.01, tensor.Float32, []Option{WithSlot(NumSlots)}, fullpass.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCombiner(tt.pool, tt.nq, tt.eps, tt.dtype, tt.opts...)
			assert.IsError(t, err, tt.want)
		})
	}

	t.Run("random slot", func(t *testing.T) {
		c, err := NewCombiner(pool, 4, 0.01, tensor.Int64)
		assert.NoError(t, err)
		assert.True(t, c.Key().Slot >= 0 && c.Key().Slot < NumSlots)
	})
}

func TestPool(t *testing.T) {
	pool := NewPool()
	key := Key{NumQuantiles: 4, Epsilon: 0.01, NumFeatures: 1}

	var wg sync.WaitGroup
	got := make([]*Resource, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := pool.Resource(key)
			assert.NoError(t, err)
			got[i] = r
		}()
	}
	wg.Wait()
	for _, r := range got {
		assert.True(t, r == got[0])
	}
	assert.Equal(t, 1, pool.Len())

	key.Slot = 1
	other, err := pool.Resource(key)
	assert.NoError(t, err)
	assert.True(t, other != got[0])
	assert.Equal(t, 2, pool.Len())

	_, err = pool.Resource(Key{NumQuantiles: 4, Epsilon: 0.01})
	assert.Error(t, err)
}

func TestResourceConcurrency(t *testing.T) {
	pool := NewPool()
	c := newCombiner(t, pool, 4, WithAlwaysReturnNumQuantiles())

	accs := make([]*Accumulator, 8)
	var eg errgroup.Group
	for i := range accs {
		eg.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(i), 7))
			var acc *Accumulator
			for j := 0; j < 5; j++ {
				var err error
				acc, err = c.AddInput(context.Background(), acc, fullpass.Batch{tensor.Vector(tensor.Float64, uniform(rng, 200)...)})
				if err != nil {
					return err
				}
			}
			accs[i] = acc
			return nil
		})
	}
	assert.NoError(t, eg.Wait())

	merged, err := c.MergeAccumulators(context.Background(), accs)
	assert.NoError(t, err)
	out := extract(t, c, merged)
	assert.True(t, math.Abs(out.Float64(1)-0.5) < 0.05, "median %v", out.Float64(1))
}

func TestResourceFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("busy", func(t *testing.T) {
		pool := NewPool(WithLockTimeout(10 * time.Millisecond))
		r, err := pool.Resource(Key{NumQuantiles: 4, Epsilon: 0.01, NumFeatures: 1})
		assert.NoError(t, err)
		assert.NoError(t, r.sem.Acquire(ctx, 1))
		_, err = r.AddAndFlush(ctx, nil, [][]float64{{1}}, nil)
		assert.IsError(t, err, ErrResourceBusy)
		r.sem.Release(1)

		_, err = r.AddAndFlush(ctx, nil, [][]float64{{1}}, nil)
		assert.NoError(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		r, err := NewPool().Resource(Key{NumQuantiles: 4, Epsilon: 0.01, NumFeatures: 1})
		assert.NoError(t, err)
		assert.NoError(t, r.sem.Acquire(ctx, 1))
		defer r.sem.Release(1)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = r.MergeAndFlush(cctx, [][]Summary{r.EmptySummary()})
		assert.IsError(t, err, context.Canceled)
	})

	t.Run("a failed resource stays failed", func(t *testing.T) {
		r, err := NewPool().Resource(Key{NumQuantiles: 4, Epsilon: 0.01, NumFeatures: 1})
		assert.NoError(t, err)
		err = r.do(ctx, func() error { panic("corrupted") })
		assert.IsError(t, err, ErrResourceUnavailable)
		_, err = r.BucketBoundaries(ctx, r.EmptySummary())
		assert.IsError(t, err, ErrResourceUnavailable)
	})

	t.Run("merges many summaries in chunks", func(t *testing.T) {
		r, err := NewPool().Resource(Key{NumQuantiles: 4, Epsilon: 0.01, NumFeatures: 1})
		assert.NoError(t, err)
		lists := make([][]Summary, 2*mergeChunkSize+5)
		for i := range lists {
			lists[i] = []Summary{summaryFromBuffer([]weightedValue{{float64(i), 1}})}
		}
		out, err := r.MergeAndFlush(ctx, lists)
		assert.NoError(t, err)
		assert.Equal(t, float64(len(lists)), out[0].TotalWeight())
	})
}
