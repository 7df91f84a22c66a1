// Package fullpass computes dataset-wide statistics in a single logical pass.
//
// Every analysis is a Combiner: partial accumulators are built per batch,
// merged in any order and any tree shape, and finally turned into output
// tensors. Implementations live in the combiners, vocab and quantiles
// packages; the runner package executes them locally.
package fullpass

import (
	"context"
	"fmt"

	"github.com/birdayz/fullpass/tensor"
)

// Batch holds one tensor per declared input. The leading axis of every tensor
// is the batch axis and all inputs share its length.
type Batch []tensor.Tensor

// NumRows returns the shared leading-axis length of the batch.
func (b Batch) NumRows() (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n := b[0].NumRows()
	for i, t := range b[1:] {
		if t.NumRows() != n {
			return 0, fmt.Errorf("%w: input %d has %d rows, input 0 has %d", ErrInputArity, i+1, t.NumRows(), n)
		}
	}
	return n, nil
}

// CheckArity verifies that the batch carries exactly n inputs.
func (b Batch) CheckArity(n int) error {
	if len(b) != n {
		return fmt.Errorf("%w: got %d inputs, want %d", ErrInputArity, len(b), n)
	}
	_, err := b.NumRows()
	return err
}

// TensorInfo describes one input or output of a combiner. Shape dimensions
// may be tensor.Unknown until the dataset has been scanned.
type TensorInfo struct {
	DType       tensor.DType
	Shape       tensor.Shape
	IsAssetFile bool
}

func (i TensorInfo) String() string {
	if i.IsAssetFile {
		return fmt.Sprintf("%s%s(asset)", i.DType, i.Shape)
	}
	return fmt.Sprintf("%s%s", i.DType, i.Shape)
}

// CacheCoder persists accumulators between runs. Decode(Encode(a)) must merge
// exactly like a.
type CacheCoder[A any] interface {
	Encode(acc A) ([]byte, error)
	Decode(data []byte) (A, error)
}

// Combiner is the accumulate, merge and extract protocol.
//
// CreateAccumulator returns the identity of MergeAccumulators. AddInput and
// MergeAccumulators return new accumulators and never alias their inputs in a
// way visible to the caller. MergeAccumulators is commutative and
// associative; it tolerates an empty list and accumulators whose shapes
// differ. ExtractOutput is deterministic and casts every output to the dtype
// declared by OutputTensorInfos, which never depends on the data.
type Combiner[A any] interface {
	CreateAccumulator() A
	AddInput(ctx context.Context, acc A, batch Batch) (A, error)
	MergeAccumulators(ctx context.Context, accs []A) (A, error)
	ExtractOutput(ctx context.Context, acc A) ([]tensor.Tensor, error)
	OutputTensorInfos() []TensorInfo
	CacheCoder() CacheCoder[A]
}
