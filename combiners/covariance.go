package combiners

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/serde"
	"github.com/birdayz/fullpass/tensor"
	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"
)

// CovarianceAccumulator holds the second moments of the rows seen so far.
type CovarianceAccumulator struct {
	CrossTerms *mat.Dense
	Sums       *mat.VecDense
	Count      float64
}

// CovarianceCombiner computes the biased covariance matrix of row vectors.
// Every shard observes all dim features, so merging is a plain sum.
type CovarianceCombiner struct {
	dim   int
	dtype tensor.DType
	log   logr.Logger
}

var _ fullpass.Combiner[*CovarianceAccumulator] = (*CovarianceCombiner)(nil)

// NewCovariance expects batches of shape [n, dim] and outputs a [dim, dim]
// matrix of dtype, which must be floating.
func NewCovariance(dim int, dtype tensor.DType, opts ...Option) (*CovarianceCombiner, error) {
	o := buildOptions(opts)
	if !dtype.IsFloating() {
		return nil, fmt.Errorf("%w: covariance output %s", fullpass.ErrUnsupportedDType, dtype)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: covariance dimension %d", fullpass.ErrInvalidConfig, dim)
	}
	return &CovarianceCombiner{dim: dim, dtype: dtype, log: o.log.WithName("covariance")}, nil
}

func (c *CovarianceCombiner) CreateAccumulator() *CovarianceAccumulator {
	return nil
}

func (c *CovarianceCombiner) AddInput(ctx context.Context, acc *CovarianceAccumulator, batch fullpass.Batch) (*CovarianceAccumulator, error) {
	if err := batch.CheckArity(1); err != nil {
		return nil, err
	}
	x := batch[0]
	if !x.DType().IsNumeric() {
		return nil, fmt.Errorf("%w: covariance of %s", fullpass.ErrUnsupportedDType, x.DType())
	}
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != c.dim {
		return nil, fmt.Errorf("%w: covariance input %s, want [n,%d]", tensor.ErrShapeMismatch, shape, c.dim)
	}
	n := shape[0]
	if n == 0 {
		return c.MergeAccumulators(ctx, []*CovarianceAccumulator{acc})
	}
	rows := mat.NewDense(n, c.dim, x.Float64s())
	var cross mat.Dense
	cross.Mul(rows.T(), rows)
	sums := mat.NewVecDense(c.dim, nil)
	for j := 0; j < c.dim; j++ {
		sums.SetVec(j, mat.Sum(rows.ColView(j)))
	}
	return c.MergeAccumulators(ctx, []*CovarianceAccumulator{acc, {CrossTerms: &cross, Sums: sums, Count: float64(n)}})
}

func (c *CovarianceCombiner) MergeAccumulators(_ context.Context, accs []*CovarianceAccumulator) (*CovarianceAccumulator, error) {
	var merged *CovarianceAccumulator
	for _, acc := range accs {
		if acc == nil {
			continue
		}
		if r, _ := acc.CrossTerms.Dims(); r != c.dim || acc.Sums.Len() != c.dim {
			return nil, fmt.Errorf("%w: covariance accumulator of dimension %d, want %d", fullpass.ErrAccumulatorType, r, c.dim)
		}
		if merged == nil {
			merged = &CovarianceAccumulator{
				CrossTerms: mat.DenseCopyOf(acc.CrossTerms),
				Sums:       mat.VecDenseCopyOf(acc.Sums),
				Count:      acc.Count,
			}
			continue
		}
		merged.CrossTerms.Add(merged.CrossTerms, acc.CrossTerms)
		merged.Sums.AddVec(merged.Sums, acc.Sums)
		merged.Count += acc.Count
	}
	return merged, nil
}

// covariance returns E[xx'] - uu', or zeros without data.
func (c *CovarianceCombiner) covariance(acc *CovarianceAccumulator) *mat.SymDense {
	cov := mat.NewSymDense(c.dim, nil)
	if acc == nil || acc.Count == 0 {
		return cov
	}
	for i := 0; i < c.dim; i++ {
		ui := acc.Sums.AtVec(i) / acc.Count
		for j := i; j < c.dim; j++ {
			uj := acc.Sums.AtVec(j) / acc.Count
			// Average both triangles so rounding cannot break symmetry.
			e := (acc.CrossTerms.At(i, j) + acc.CrossTerms.At(j, i)) / (2 * acc.Count)
			cov.SetSym(i, j, e-ui*uj)
		}
	}
	return cov
}

func (c *CovarianceCombiner) ExtractOutput(_ context.Context, acc *CovarianceAccumulator) ([]tensor.Tensor, error) {
	cov := c.covariance(acc)
	out := make([]float64, 0, c.dim*c.dim)
	for i := 0; i < c.dim; i++ {
		for j := 0; j < c.dim; j++ {
			out = append(out, cov.At(i, j))
		}
	}
	return []tensor.Tensor{tensor.FromFloats(c.dtype, tensor.Shape{c.dim, c.dim}, out)}, nil
}

func (c *CovarianceCombiner) OutputTensorInfos() []fullpass.TensorInfo {
	return []fullpass.TensorInfo{{DType: c.dtype, Shape: tensor.Shape{c.dim, c.dim}}}
}

// CacheCoder stores both matrices in gonum's binary format.
func (c *CovarianceCombiner) CacheCoder() fullpass.CacheCoder[*CovarianceAccumulator] {
	return serde.Versioned(serde.Envelope{Kind: "covariance", Version: 1}, serde.Func(
		func(e *serde.Encoder, acc *CovarianceAccumulator) error {
			e.Bool(acc != nil)
			if acc == nil {
				return nil
			}
			cross, err := acc.CrossTerms.MarshalBinary()
			if err != nil {
				return err
			}
			sums, err := acc.Sums.MarshalBinary()
			if err != nil {
				return err
			}
			e.Blob(cross)
			e.Blob(sums)
			e.Float64(acc.Count)
			return nil
		},
		func(d *serde.Decoder) (*CovarianceAccumulator, error) {
			if !d.Bool() {
				return nil, d.Err()
			}
			cross, sums, count := d.Blob(), d.Blob(), d.Float64()
			if err := d.Err(); err != nil {
				return nil, err
			}
			acc := &CovarianceAccumulator{CrossTerms: &mat.Dense{}, Sums: &mat.VecDense{}, Count: count}
			if err := acc.CrossTerms.UnmarshalBinary(cross); err != nil {
				return nil, fmt.Errorf("%w: %v", serde.ErrCorruptCache, err)
			}
			if err := acc.Sums.UnmarshalBinary(sums); err != nil {
				return nil, fmt.Errorf("%w: %v", serde.ErrCorruptCache, err)
			}
			return acc, nil
		},
	))
}

var errEigenFailed = errors.New("eigendecomposition did not converge")

// PCACombiner extracts the principal components of the covariance matrix.
type PCACombiner struct {
	*CovarianceCombiner
	outputDim int
}

var _ fullpass.Combiner[*CovarianceAccumulator] = (*PCACombiner)(nil)

// NewPCA outputs a [dim, outputDim] matrix whose columns are the
// eigenvectors of the covariance, largest eigenvalue first. outputDim zero
// keeps all dim components.
func NewPCA(dim, outputDim int, dtype tensor.DType, opts ...Option) (*PCACombiner, error) {
	cov, err := NewCovariance(dim, dtype, opts...)
	if err != nil {
		return nil, err
	}
	if outputDim < 0 || outputDim > dim {
		return nil, fmt.Errorf("%w: pca output dimension %d of %d", fullpass.ErrInvalidConfig, outputDim, dim)
	}
	if outputDim == 0 {
		outputDim = dim
	}
	cov.log = cov.log.WithName("pca")
	return &PCACombiner{CovarianceCombiner: cov, outputDim: outputDim}, nil
}

func (c *PCACombiner) ExtractOutput(_ context.Context, acc *CovarianceAccumulator) ([]tensor.Tensor, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(c.covariance(acc), true); !ok {
		return nil, errEigenFailed
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})

	out := make([]float64, 0, c.dim*c.outputDim)
	for i := 0; i < c.dim; i++ {
		for _, j := range order[:c.outputDim] {
			out = append(out, vectors.At(i, j))
		}
	}
	return []tensor.Tensor{tensor.FromFloats(c.dtype, tensor.Shape{c.dim, c.outputDim}, out)}, nil
}

func (c *PCACombiner) OutputTensorInfos() []fullpass.TensorInfo {
	return []fullpass.TensorInfo{{DType: c.dtype, Shape: tensor.Shape{c.dim, c.outputDim}}}
}
