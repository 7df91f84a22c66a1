package fullpass

import (
	"errors"

	"github.com/birdayz/fullpass/tensor"
)

var (
	// ErrUnsupportedDType is returned at construction time when a combiner
	// cannot handle an input dtype.
	ErrUnsupportedDType = tensor.ErrUnsupportedDType
	// ErrInvalidConfig is returned at construction time for contradictory or
	// out of range options.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrAccumulatorType means an accumulator of the wrong type was passed
	// through a TypeErasedCombiner.
	ErrAccumulatorType = errors.New("accumulator type mismatch")
	// ErrInputArity means a batch carried a different number of inputs than
	// the combiner was built for.
	ErrInputArity = errors.New("unexpected number of inputs")
)
