// Package runner executes a combiner over a sharded dataset on the local
// machine: shards are accumulated in parallel, optionally through a cache,
// then merged in a randomized tree and extracted.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/cache"
	"github.com/birdayz/fullpass/serde"
	"github.com/birdayz/fullpass/tensor"
	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Shard is one independently accumulated part of the dataset.
type Shard struct {
	Name    string
	Batches []fullpass.Batch
}

type Option func(*Runner)

type Runner struct {
	parallelism int
	fanIn       int
	seed        uint64
	seeded      bool
	store       cache.Store
	namespace   string
	log         logr.Logger
}

// WithParallelism bounds the number of shards accumulated at once.
var WithParallelism = func(n int) Option {
	return func(r *Runner) {
		r.parallelism = n
	}
}

// WithFanIn sets how many accumulators one merge step combines.
var WithFanIn = func(n int) Option {
	return func(r *Runner) {
		r.fanIn = n
	}
}

// WithSeed makes the merge tree reproducible.
var WithSeed = func(seed uint64) Option {
	return func(r *Runner) {
		r.seed = seed
		r.seeded = true
	}
}

// WithCache stores per-shard accumulators in store. namespace must identify
// the combiner and its configuration, since entries are only keyed by shard
// content below it.
var WithCache = func(store cache.Store, namespace string) Option {
	return func(r *Runner) {
		r.store = store
		r.namespace = namespace
	}
}

var WithLogr = func(log logr.Logger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

func New(opts ...Option) (*Runner, error) {
	r := &Runner{
		parallelism: 4,
		fanIn:       8,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithName("runner")
	if r.parallelism < 1 {
		return nil, fmt.Errorf("%w: parallelism must be positive, got %d", fullpass.ErrInvalidConfig, r.parallelism)
	}
	if r.fanIn < 2 {
		return nil, fmt.Errorf("%w: fan-in must be at least 2, got %d", fullpass.ErrInvalidConfig, r.fanIn)
	}
	if r.store != nil && r.namespace == "" {
		return nil, fmt.Errorf("%w: cache needs a namespace", fullpass.ErrInvalidConfig)
	}
	return r, nil
}

// Run accumulates every shard, merges the results and extracts the outputs.
func (r *Runner) Run(ctx context.Context, c fullpass.TypeErasedCombiner, shards []Shard) ([]tensor.Tensor, error) {
	accs := make([]any, len(shards))
	hits := make([]bool, len(shards))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.parallelism)
	for i, shard := range shards {
		eg.Go(func() error {
			acc, hit, err := r.accumulate(gctx, c, shard)
			if err != nil {
				return fmt.Errorf("shard %s: %w", shard.Name, err)
			}
			accs[i], hits[i] = acc, hit
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	cached := 0
	for _, h := range hits {
		if h {
			cached++
		}
	}
	r.log.V(1).Info("accumulated shards", "shards", len(shards), "cached", cached)

	merged, err := r.merge(ctx, c, accs)
	if err != nil {
		return nil, err
	}
	return c.ExtractOutput(ctx, merged)
}

func (r *Runner) accumulate(ctx context.Context, c fullpass.TypeErasedCombiner, shard Shard) (any, bool, error) {
	var key string
	if r.store != nil {
		fp, err := Fingerprint(shard.Batches)
		if err != nil {
			return nil, false, err
		}
		key = fmt.Sprintf("%s/%016x", r.namespace, fp)
		acc, err := cache.Load(ctx, r.store, key, cache.ErasedCoder(c))
		switch {
		case err == nil:
			return acc, true, nil
		case errors.Is(err, cache.ErrKeyNotFound):
		case errors.Is(err, serde.ErrStaleCache), errors.Is(err, serde.ErrCorruptCache):
			r.log.Info("ignoring unusable cache entry", "shard", shard.Name, "key", key, "reason", err.Error())
		default:
			return nil, false, err
		}
	}

	acc := c.CreateAccumulator()
	for _, b := range shard.Batches {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		var err error
		if acc, err = c.AddInput(ctx, acc, b); err != nil {
			return nil, false, err
		}
	}
	if r.store != nil {
		if err := cache.Save(ctx, r.store, key, cache.ErasedCoder(c), acc); err != nil {
			return nil, false, err
		}
	}
	return acc, false, nil
}

// merge reduces accs level by level. Each level shuffles the accumulators
// and merges groups of fanIn in parallel.
func (r *Runner) merge(ctx context.Context, c fullpass.TypeErasedCombiner, accs []any) (any, error) {
	seed := r.seed
	if !r.seeded {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	if len(accs) == 0 {
		return c.MergeAccumulators(ctx, nil)
	}
	level := 0
	for len(accs) > 1 {
		rng.Shuffle(len(accs), func(i, j int) {
			accs[i], accs[j] = accs[j], accs[i]
		})
		next := make([]any, (len(accs)+r.fanIn-1)/r.fanIn)
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(r.parallelism)
		for g := range next {
			group := accs[g*r.fanIn : min((g+1)*r.fanIn, len(accs))]
			eg.Go(func() error {
				merged, err := c.MergeAccumulators(gctx, group)
				if err != nil {
					return err
				}
				next[g] = merged
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, fmt.Errorf("merge level %d: %w", level, err)
		}
		r.log.V(1).Info("merged level", "level", level, "in", len(accs), "out", len(next))
		accs = next
		level++
	}
	return accs[0], nil
}

// Fingerprint hashes the content of batches. Equal content gives equal
// fingerprints across processes.
func Fingerprint(batches []fullpass.Batch) (uint64, error) {
	d := xxhash.New()
	for _, b := range batches {
		e := serde.NewEncoder()
		e.Len(len(b))
		for _, t := range b {
			e.PutTensor(t)
		}
		if _, err := d.Write(e.Bytes()); err != nil {
			return 0, err
		}
	}
	return d.Sum64(), nil
}
