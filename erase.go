package fullpass

import (
	"context"
	"fmt"

	"github.com/birdayz/fullpass/tensor"
)

// TypeErasedCombiner is a non-generic view of a Combiner, so combiners with
// different accumulator types can be held in one slice and driven by the
// runner. All Combiner[A] values can be converted with Erase.
type TypeErasedCombiner interface {
	CreateAccumulator() any
	AddInput(ctx context.Context, acc any, batch Batch) (any, error)
	MergeAccumulators(ctx context.Context, accs []any) (any, error)
	ExtractOutput(ctx context.Context, acc any) ([]tensor.Tensor, error)
	OutputTensorInfos() []TensorInfo
	EncodeAccumulator(acc any) ([]byte, error)
	DecodeAccumulator(data []byte) (any, error)
}

// Erase wraps c in a TypeErasedCombiner.
func Erase[A any](c Combiner[A]) TypeErasedCombiner {
	return &erased[A]{c: c}
}

type erased[A any] struct {
	c Combiner[A]
}

func (e *erased[A]) unwrap(acc any) (A, error) {
	if acc == nil {
		var zero A
		return zero, nil
	}
	a, ok := acc.(A)
	if !ok {
		var zero A
		return zero, fmt.Errorf("%w: got %T, want %T", ErrAccumulatorType, acc, zero)
	}
	return a, nil
}

func (e *erased[A]) CreateAccumulator() any {
	return e.c.CreateAccumulator()
}

func (e *erased[A]) AddInput(ctx context.Context, acc any, batch Batch) (any, error) {
	a, err := e.unwrap(acc)
	if err != nil {
		return nil, err
	}
	return e.c.AddInput(ctx, a, batch)
}

func (e *erased[A]) MergeAccumulators(ctx context.Context, accs []any) (any, error) {
	typed := make([]A, 0, len(accs))
	for _, acc := range accs {
		a, err := e.unwrap(acc)
		if err != nil {
			return nil, err
		}
		typed = append(typed, a)
	}
	return e.c.MergeAccumulators(ctx, typed)
}

func (e *erased[A]) ExtractOutput(ctx context.Context, acc any) ([]tensor.Tensor, error) {
	a, err := e.unwrap(acc)
	if err != nil {
		return nil, err
	}
	return e.c.ExtractOutput(ctx, a)
}

func (e *erased[A]) OutputTensorInfos() []TensorInfo {
	return e.c.OutputTensorInfos()
}

func (e *erased[A]) EncodeAccumulator(acc any) ([]byte, error) {
	a, err := e.unwrap(acc)
	if err != nil {
		return nil, err
	}
	return e.c.CacheCoder().Encode(a)
}

func (e *erased[A]) DecodeAccumulator(data []byte) (any, error) {
	return e.c.CacheCoder().Decode(data)
}
