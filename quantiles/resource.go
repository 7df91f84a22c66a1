package quantiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrResourceBusy is returned when a resource could not be acquired
	// within the lock timeout.
	ErrResourceBusy = errors.New("quantiles: resource busy")
	// ErrResourceUnavailable is returned by a resource that failed earlier
	// and must not be used again.
	ErrResourceUnavailable = errors.New("quantiles: resource unavailable")
)

// mergeChunkSize bounds how many summaries one locked merge step folds in.
const mergeChunkSize = 100

// Key identifies a resource configuration. Combiners with equal keys share a
// resource; Slot spreads otherwise equal configurations over several.
type Key struct {
	NumQuantiles int
	Epsilon      float64
	// AlwaysReturnNumQuantiles makes BucketBoundaries return exactly
	// NumQuantiles+1 values per feature.
	AlwaysReturnNumQuantiles bool
	HasWeights               bool
	NumFeatures              int
	Slot                     int
}

func (k Key) String() string {
	return fmt.Sprintf("nq=%d eps=%g always=%t weights=%t features=%d slot=%d",
		k.NumQuantiles, k.Epsilon, k.AlwaysReturnNumQuantiles, k.HasWeights, k.NumFeatures, k.Slot)
}

// Resource runs quantile summary operations for one configuration. It owns
// scratch streams that are not safe to share, so every operation holds the
// resource exclusively.
type Resource struct {
	key         Key
	sem         *semaphore.Weighted
	lockTimeout time.Duration
	streams     []*stream
	empty       []Summary
	failed      error
	log         logr.Logger
}

func newResource(key Key, maxElements int64, lockTimeout time.Duration, log logr.Logger) (*Resource, error) {
	if key.NumFeatures <= 0 {
		return nil, fmt.Errorf("quantiles: resource needs at least one feature, got %d", key.NumFeatures)
	}
	r := &Resource{
		key:         key,
		sem:         semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
		log:         log,
	}
	// The streams run at half the requested error; the final compress on
	// each flush consumes the other half.
	for i := 0; i < key.NumFeatures; i++ {
		r.streams = append(r.streams, newStream(key.Epsilon/2, maxElements))
	}
	// Warm the streams once and keep what they flush to as the identity.
	r.empty = r.finalizeStreams()
	r.resetStreams()
	return r, nil
}

func (r *Resource) Key() Key {
	return r.key
}

// do runs fn holding the resource. A panic inside fn marks the resource as
// failed; later calls return ErrResourceUnavailable.
func (r *Resource) do(ctx context.Context, fn func() error) (err error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	if err := r.sem.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrResourceBusy, r.key, r.lockTimeout)
	}
	defer r.sem.Release(1)

	if r.failed != nil {
		return fmt.Errorf("%w: %v", ErrResourceUnavailable, r.failed)
	}
	defer func() {
		if p := recover(); p != nil {
			r.failed = fmt.Errorf("panic: %v", p)
			r.log.Error(r.failed, "quantiles resource failed", "key", r.key.String())
			err = fmt.Errorf("%w: %v", ErrResourceUnavailable, r.failed)
		}
	}()
	return fn()
}

func (r *Resource) resetStreams() {
	for _, s := range r.streams {
		s.reset()
	}
}

func (r *Resource) finalizeStreams() []Summary {
	out := make([]Summary, len(r.streams))
	for i, s := range r.streams {
		out[i] = s.finalize()
	}
	return out
}

// AddAndFlush folds per-feature values into prior and returns the new
// per-feature summaries. values[f] holds the values of feature f; weights,
// when non-nil, holds one weight per value of every feature.
func (r *Resource) AddAndFlush(ctx context.Context, prior []Summary, values [][]float64, weights [][]float64) ([]Summary, error) {
	if len(values) != r.key.NumFeatures {
		return nil, fmt.Errorf("quantiles: %d features, want %d", len(values), r.key.NumFeatures)
	}
	if prior != nil && len(prior) != r.key.NumFeatures {
		return nil, fmt.Errorf("quantiles: prior has %d features, want %d", len(prior), r.key.NumFeatures)
	}
	for f := range values {
		if weights != nil && len(weights[f]) != len(values[f]) {
			return nil, fmt.Errorf("quantiles: feature %d has %d weights for %d values", f, len(weights[f]), len(values[f]))
		}
	}
	var out []Summary
	err := r.do(ctx, func() error {
		r.resetStreams()
		for f, s := range r.streams {
			if prior != nil {
				s.pushSummary(prior[f])
			}
			for i, v := range values[f] {
				w := 1.0
				if weights != nil {
					w = weights[f][i]
				}
				s.push(v, w)
			}
		}
		out = r.finalizeStreams()
		return nil
	})
	return out, err
}

// MergeAndFlush merges lists of per-feature summaries into one. The lists
// are folded in chunks so no single step holds the resource for long.
func (r *Resource) MergeAndFlush(ctx context.Context, lists [][]Summary) ([]Summary, error) {
	for i, l := range lists {
		if len(l) != r.key.NumFeatures {
			return nil, fmt.Errorf("quantiles: summary list %d has %d features, want %d", i, len(l), r.key.NumFeatures)
		}
	}
	var cur []Summary
	for start := 0; start < len(lists); start += mergeChunkSize {
		chunk := lists[start:min(start+mergeChunkSize, len(lists))]
		err := r.do(ctx, func() error {
			r.resetStreams()
			for f, s := range r.streams {
				if cur != nil {
					s.pushSummary(cur[f])
				}
				for _, l := range chunk {
					s.pushSummary(l[f])
				}
			}
			cur = r.finalizeStreams()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if cur == nil {
		return r.EmptySummary(), nil
	}
	return cur, nil
}

// BucketBoundaries derives per-feature boundaries from summaries. With
// AlwaysReturnNumQuantiles every non-empty feature gets NumQuantiles+1
// values including the minimum and the maximum; otherwise it gets the
// distinct values of the summary compressed to about NumQuantiles entries.
func (r *Resource) BucketBoundaries(ctx context.Context, summaries []Summary) ([][]float64, error) {
	if len(summaries) != r.key.NumFeatures {
		return nil, fmt.Errorf("quantiles: %d summaries, want %d", len(summaries), r.key.NumFeatures)
	}
	out := make([][]float64, len(summaries))
	err := r.do(ctx, func() error {
		for f, s := range summaries {
			if r.key.AlwaysReturnNumQuantiles {
				out[f] = s.GenerateQuantiles(r.key.NumQuantiles)
			} else {
				out[f] = s.GenerateBoundaries(r.key.NumQuantiles)
			}
		}
		return nil
	})
	return out, err
}

// EmptySummary is the per-feature summary of no values.
func (r *Resource) EmptySummary() []Summary {
	return append([]Summary(nil), r.empty...)
}
