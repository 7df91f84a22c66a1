package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/cache"
	"github.com/birdayz/fullpass/combiners"
	"github.com/birdayz/fullpass/tensor"
)

// partition splits 1..n into a random number of shards with random batch
// boundaries.
func partition(rng *rand.Rand, n int) []Shard {
	var shards []Shard
	next := int64(1)
	for next <= int64(n) {
		shard := Shard{Name: "shard"}
		for b := rng.IntN(3) + 1; b > 0 && next <= int64(n); b-- {
			size := int64(rng.IntN(7) + 1)
			vals := make([]int64, 0, size)
			for ; size > 0 && next <= int64(n); size-- {
				vals = append(vals, next)
				next++
			}
			shard.Batches = append(shard.Batches, fullpass.Batch{
				tensor.FromInts(tensor.Int64, tensor.Shape{len(vals)}, vals),
			})
		}
		shards = append(shards, shard)
	}
	return shards
}

func toFloat(t *testing.T, shards []Shard) []Shard {
	t.Helper()
	out := make([]Shard, len(shards))
	for i, s := range shards {
		out[i].Name = s.Name
		for _, b := range s.Batches {
			x, err := b[0].Cast(tensor.Float64)
			assert.NoError(t, err)
			out[i].Batches = append(out[i].Batches, fullpass.Batch{x})
		}
	}
	return out
}

// counting records how many batches reach AddInput.
type counting struct {
	fullpass.TypeErasedCombiner
	adds atomic.Int64
}

func (c *counting) AddInput(ctx context.Context, acc any, batch fullpass.Batch) (any, error) {
	c.adds.Add(1)
	return c.TypeErasedCombiner.AddInput(ctx, acc, batch)
}

func newSum(t *testing.T) fullpass.TypeErasedCombiner {
	t.Helper()
	sum, err := combiners.NewSum([]fullpass.TensorInfo{{DType: tensor.Int64, Shape: tensor.Shape{}}})
	assert.NoError(t, err)
	return fullpass.Erase[*combiners.NumericAccumulator](sum)
}

func TestRunPartitions(t *testing.T) {
	ctx := context.Background()
	meanVar, err := combiners.NewMeanVar(fullpass.TensorInfo{DType: tensor.Float64, Shape: tensor.Shape{}})
	assert.NoError(t, err)
	erasedMeanVar := fullpass.Erase[*combiners.MeanVarAccumulator](meanVar)

	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		n := rng.IntN(200) + 1
		shards := partition(rng, n)

		r, err := New(WithSeed(seed), WithFanIn(rng.IntN(4)+2), WithParallelism(rng.IntN(4)+1))
		assert.NoError(t, err)

		out, err := r.Run(ctx, newSum(t), shards)
		assert.NoError(t, err)
		assert.Equal(t, int64(n*(n+1)/2), out[0].Int64(0), "seed %d", seed)

		out, err = r.Run(ctx, erasedMeanVar, toFloat(t, shards))
		assert.NoError(t, err)
		mean := float64(n+1) / 2
		variance := float64(n*n-1) / 12
		assert.True(t, math.Abs(mean-out[0].Float64(0)) < 1e-9, "seed %d mean %v", seed, out[0].Float64(0))
		assert.True(t, math.Abs(variance-out[1].Float64(0)) < 1e-6, "seed %d var %v", seed, out[1].Float64(0))
	}
}

func TestRunEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("no shards", func(t *testing.T) {
		r, err := New()
		assert.NoError(t, err)
		out, err := r.Run(ctx, newSum(t), nil)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), out[0].Int64(0))
	})

	t.Run("empty shard", func(t *testing.T) {
		r, err := New()
		assert.NoError(t, err)
		out, err := r.Run(ctx, newSum(t), []Shard{{Name: "empty"}, {Name: "one", Batches: []fullpass.Batch{{tensor.Vector(tensor.Int64, 5)}}}})
		assert.NoError(t, err)
		assert.Equal(t, int64(5), out[0].Int64(0))
	})

	t.Run("input errors carry the shard", func(t *testing.T) {
		r, err := New()
		assert.NoError(t, err)
		_, err = r.Run(ctx, newSum(t), []Shard{{Name: "bad", Batches: []fullpass.Batch{{}}}})
		assert.IsError(t, err, fullpass.ErrInputArity)
		assert.Contains(t, err.Error(), "shard bad")
	})

	t.Run("cancelled", func(t *testing.T) {
		r, err := New()
		assert.NoError(t, err)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		shards := partition(rand.New(rand.NewPCG(1, 1)), 50)
		_, err = r.Run(cctx, newSum(t), shards)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestNewValidation(t *testing.T) {
	for name, opts := range map[string][]Option{
		"parallelism": {WithParallelism(0)},
		"fan-in":      {WithFanIn(1)},
		"namespace":   {WithCache(cache.NewMemoryStore(), "")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(opts...)
			assert.IsError(t, err, fullpass.ErrInvalidConfig)
		})
	}
}

func TestRunCache(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	shards := partition(rand.New(rand.NewPCG(7, 7)), 100)
	batches := 0
	for _, s := range shards {
		batches += len(s.Batches)
	}

	r, err := New(WithCache(store, "sum"), WithSeed(1))
	assert.NoError(t, err)

	c := &counting{TypeErasedCombiner: newSum(t)}
	out, err := r.Run(ctx, c, shards)
	assert.NoError(t, err)
	assert.Equal(t, int64(5050), out[0].Int64(0))
	assert.Equal(t, int64(batches), c.adds.Load())

	t.Run("unchanged shards are read from the cache", func(t *testing.T) {
		c := &counting{TypeErasedCombiner: newSum(t)}
		out, err := r.Run(ctx, c, shards)
		assert.NoError(t, err)
		assert.Equal(t, int64(5050), out[0].Int64(0))
		assert.Equal(t, int64(0), c.adds.Load())
	})

	t.Run("changed shard is recomputed", func(t *testing.T) {
		changed := append([]Shard{}, shards...)
		changed[0] = Shard{Name: "new", Batches: []fullpass.Batch{{tensor.Vector(tensor.Int64, 1000)}}}
		c := &counting{TypeErasedCombiner: newSum(t)}
		_, err := r.Run(ctx, c, changed)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), c.adds.Load())
	})

	t.Run("corrupt entries are recomputed", func(t *testing.T) {
		fp, err := Fingerprint(shards[0].Batches)
		assert.NoError(t, err)
		key := fmt.Sprintf("sum/%016x", fp)
		assert.NoError(t, store.Set(ctx, key, []byte("junk")))

		c := &counting{TypeErasedCombiner: newSum(t)}
		out, err := r.Run(ctx, c, shards)
		assert.NoError(t, err)
		assert.Equal(t, int64(5050), out[0].Int64(0))
		assert.Equal(t, int64(len(shards[0].Batches)), c.adds.Load())
	})
}

func TestFingerprint(t *testing.T) {
	a := []fullpass.Batch{{tensor.Vector(tensor.Int64, 1, 2)}}
	b := []fullpass.Batch{{tensor.Vector(tensor.Int64, 1, 2)}}
	c := []fullpass.Batch{{tensor.Vector(tensor.Int64, 2, 1)}}
	d := []fullpass.Batch{{tensor.Vector(tensor.Float64, 1, 2)}}

	fa, err := Fingerprint(a)
	assert.NoError(t, err)
	fb, _ := Fingerprint(b)
	fc, _ := Fingerprint(c)
	fd, _ := Fingerprint(d)
	assert.Equal(t, fa, fb)
	assert.NotEqual(t, fa, fc)
	assert.NotEqual(t, fa, fd)
}
