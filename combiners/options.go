// Package combiners implements the numeric, per-key, mean/variance,
// histogram and covariance analyzers.
package combiners

import (
	"github.com/birdayz/fullpass/tensor"
	"github.com/go-logr/logr"
)

type Option func(*options)

type options struct {
	reduceInstanceDims bool
	outputDType        tensor.DType
	weighted           bool
	computeVariance    bool
	keyDType           tensor.DType
	vocabDir           string
	vocabName          string
	name               string
	rankOrder          bool
	log                logr.Logger
}

func defaultOptions() options {
	return options{
		reduceInstanceDims: true,
		computeVariance:    true,
		keyDType:           tensor.String,
		log:                logr.Discard(),
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithReduceInstanceDims collapses every element of an input into one scalar
// when set (the default). Otherwise only the batch axis is reduced and the
// output keeps the per-instance shape.
var WithReduceInstanceDims = func(reduce bool) Option {
	return func(o *options) {
		o.reduceInstanceDims = reduce
	}
}

// WithOutputDType overrides the output dtype of mean/variance and covariance.
var WithOutputDType = func(d tensor.DType) Option {
	return func(o *options) {
		o.outputDType = d
	}
}

// WithWeights expects a per-row weight tensor as the last input.
var WithWeights = func() Option {
	return func(o *options) {
		o.weighted = true
	}
}

// WithoutVariance computes only the mean.
var WithoutVariance = func() Option {
	return func(o *options) {
		o.computeVariance = false
	}
}

// WithKeyDType sets the dtype that per-key outputs convert their keys back to.
var WithKeyDType = func(d tensor.DType) Option {
	return func(o *options) {
		o.keyDType = d
	}
}

// WithKeyVocabularyFile switches a per-key combiner to large-key mode: the
// per-key results are written to dir/name as a frequency vocabulary and the
// combiner outputs the file path instead of tensors. An empty name is derived
// from the combiner name.
var WithKeyVocabularyFile = func(dir, name string) Option {
	return func(o *options) {
		o.vocabDir = dir
		o.vocabName = name
	}
}

// WithRankOrder orders a large-key vocabulary file by value, largest first.
// By default the lines are shuffled by term fingerprint.
var WithRankOrder = func() Option {
	return func(o *options) {
		o.rankOrder = true
	}
}

// WithName names the combiner in derived file names.
var WithName = func(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogr sets the logger. It defaults to logr.Discard().
var WithLogr = func(log logr.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}
