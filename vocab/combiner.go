package vocab

import (
	"context"
	"fmt"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/serde"
	"github.com/birdayz/fullpass/tensor"
	"github.com/go-logr/logr"
)

type Option func(*Combiner)

// Combiner runs the whole vocabulary pipeline as a fullpass.Combiner. Its
// outputs are the path of the written vocabulary file and the number of
// distinct writable terms before pruning.
type Combiner struct {
	inputDType  tensor.DType
	labelDType  tensor.DType
	mode        Mode
	weighted    bool
	adjusted    bool
	minDiff     *float64
	topK        *int
	threshold   *float64
	coverage    Coverage
	hasCoverage bool
	dir         string
	filename    string
	label       string
	storeFreq   bool
	shuffle     bool
	log         logr.Logger
}

var _ fullpass.Combiner[*Accumulator] = (*Combiner)(nil)

// WithWeights expects a per-row weight input after the terms (and labels).
var WithWeights = func() Option {
	return func(c *Combiner) {
		c.weighted = true
	}
}

// WithLabels orders terms by mutual information with an integer label input
// that follows the terms.
var WithLabels = func(labelDType tensor.DType) Option {
	return func(c *Combiner) {
		c.labelDType = labelDType
	}
}

// WithAdjustedMutualInformation subtracts the mutual information expected by
// chance.
var WithAdjustedMutualInformation = func() Option {
	return func(c *Combiner) {
		c.adjusted = true
	}
}

var WithMinDiffFromAvg = func(v float64) Option {
	return func(c *Combiner) {
		c.minDiff = &v
	}
}

var WithTopK = func(k int) Option {
	return func(c *Combiner) {
		c.topK = &k
	}
}

var WithFrequencyThreshold = func(t float64) Option {
	return func(c *Combiner) {
		c.threshold = &t
	}
}

// WithCoverage adds, for each value of keyFn, its best topK terms whose
// frequency reaches threshold. A negative topK or a zero threshold disables
// that limit.
var WithCoverage = func(topK int, threshold float64, keyFn func(string) string) Option {
	return func(c *Combiner) {
		c.coverage = Coverage{TopK: topK, FrequencyThreshold: threshold, KeyFn: keyFn}
		c.hasCoverage = true
	}
}

// WithFile writes the vocabulary to dir/name. An empty name is derived from
// the combiner label.
var WithFile = func(dir, name string) Option {
	return func(c *Combiner) {
		c.dir = dir
		c.filename = name
	}
}

// WithName labels the combiner in logs and default file names.
var WithName = func(label string) Option {
	return func(c *Combiner) {
		c.label = label
	}
}

var WithStoreFrequency = func() Option {
	return func(c *Combiner) {
		c.storeFreq = true
	}
}

var WithFingerprintShuffle = func() Option {
	return func(c *Combiner) {
		c.shuffle = true
	}
}

var WithLogr = func(log logr.Logger) Option {
	return func(c *Combiner) {
		c.log = log
	}
}

// NewCombiner validates the options and builds the combiner. Terms must be
// strings or integers.
func NewCombiner(inputDType tensor.DType, opts ...Option) (*Combiner, error) {
	c := &Combiner{
		inputDType: inputDType,
		label:      "vocabulary",
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithName("vocab")

	if err := checkTermDType(inputDType); err != nil {
		return nil, err
	}
	switch {
	case c.labelDType != tensor.Invalid:
		if !c.labelDType.IsInteger() {
			return nil, fmt.Errorf("%w: labels of %s", fullpass.ErrUnsupportedDType, c.labelDType)
		}
		c.mode = MutualInformation
	case c.weighted:
		c.mode = WeightedFrequency
	default:
		c.mode = Frequency
	}
	if c.mode != MutualInformation && (c.adjusted || c.minDiff != nil) {
		return nil, fmt.Errorf("%w: mutual information options need labels", fullpass.ErrInvalidConfig)
	}
	if err := c.validateLimits("", c.topK, c.threshold); err != nil {
		return nil, err
	}
	if c.hasCoverage {
		cov := c.coverage
		if cov.KeyFn == nil {
			return nil, fmt.Errorf("%w: coverage options need a key function", fullpass.ErrInvalidConfig)
		}
		if cov.TopK < 0 && cov.FrequencyThreshold == 0 {
			return nil, fmt.Errorf("%w: coverage key function without coverage_top_k or coverage_frequency_threshold", fullpass.ErrInvalidConfig)
		}
		var topK *int
		if cov.TopK >= 0 {
			topK = &cov.TopK
		}
		if err := c.validateLimits("coverage_", topK, &cov.FrequencyThreshold); err != nil {
			return nil, err
		}
	}
	if c.dir == "" {
		return nil, fmt.Errorf("%w: vocabulary needs an output directory", fullpass.ErrInvalidConfig)
	}
	if c.filename == "" {
		c.filename = DefaultFilename(c.label, c.storeFreq)
	} else {
		c.filename = SanitizedFilename(c.filename)
	}
	return c, nil
}

func (c *Combiner) validateLimits(prefix string, topK *int, threshold *float64) error {
	if topK != nil && *topK < 0 {
		return fmt.Errorf("%w: %stop_k must be non-negative, got %d", fullpass.ErrInvalidConfig, prefix, *topK)
	}
	if threshold != nil {
		if *threshold < 0 {
			return fmt.Errorf("%w: %sfrequency_threshold must be non-negative, got %g", fullpass.ErrInvalidConfig, prefix, *threshold)
		}
		if *threshold > 0 && *threshold <= 1 {
			c.log.Info("frequency threshold has no effect on counts of at least one", "option", prefix+"frequency_threshold", "value", *threshold)
		}
	}
	return nil
}

func (c *Combiner) Mode() Mode {
	return c.mode
}

func (c *Combiner) CreateAccumulator() *Accumulator {
	return nil
}

func (c *Combiner) AddInput(_ context.Context, acc *Accumulator, batch fullpass.Batch) (*Accumulator, error) {
	if c.mode == MutualInformation {
		want := 2
		if c.weighted {
			want = 3
		}
		if err := batch.CheckArity(want); err != nil {
			return nil, err
		}
	}
	partial, err := Accumulate(c.mode, batch)
	if err != nil {
		return nil, err
	}
	return MergeAccumulators(acc, partial), nil
}

func (c *Combiner) MergeAccumulators(_ context.Context, accs []*Accumulator) (*Accumulator, error) {
	return MergeAccumulators(accs...), nil
}

func (c *Combiner) pruneOptions() PruneOptions {
	opts := PruneOptions{TopK: -1}
	if c.topK != nil {
		opts.TopK = *c.topK
	}
	if c.threshold != nil {
		opts.FrequencyThreshold = *c.threshold
	}
	if c.hasCoverage {
		cov := c.coverage
		opts.Coverage = &cov
	}
	return opts
}

// ExtractOutput scores, prunes and writes the vocabulary.
func (c *Combiner) ExtractOutput(_ context.Context, acc *Accumulator) ([]tensor.Tensor, error) {
	minDiff := -1.0
	if c.minDiff != nil {
		minDiff = *c.minDiff
	}
	entries := Filter(Finalize(acc, FinalizeOptions{Mode: c.mode, Adjusted: c.adjusted, MinDiffFromAvg: minDiff}))
	unpruned := len(entries)
	pruned := Prune(entries, c.pruneOptions())

	path, err := OrderAndWrite(pruned, WriteOptions{
		Dir:                c.dir,
		Filename:           c.filename,
		StoreFrequency:     c.storeFreq,
		FingerprintShuffle: c.shuffle,
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("wrote vocabulary", "path", path, "mode", c.mode.String(), "terms", len(pruned), "unpruned", unpruned)
	return []tensor.Tensor{
		tensor.ScalarString(path),
		tensor.FromInts(tensor.Int64, tensor.Shape{}, []int64{int64(unpruned)}),
	}, nil
}

func (c *Combiner) OutputTensorInfos() []fullpass.TensorInfo {
	return []fullpass.TensorInfo{
		{DType: tensor.String, Shape: tensor.Shape{}, IsAssetFile: true},
		{DType: tensor.Int64, Shape: tensor.Shape{}},
	}
}

func (c *Combiner) CacheCoder() fullpass.CacheCoder[*Accumulator] {
	return Coder
}

// Coder caches vocabulary accumulators.
var Coder = serde.Versioned(serde.Envelope{Kind: "vocabulary", Version: 1}, serde.Func(
	func(e *serde.Encoder, acc *Accumulator) error {
		e.Bool(acc != nil)
		if acc == nil {
			return nil
		}
		e.Float64(acc.Records)
		e.Float64(acc.TotalWeight)
		e.Float64s(acc.LabelWeights)
		terms := acc.sortedTerms()
		e.Len(len(terms))
		for _, term := range terms {
			s := acc.Terms[term]
			e.String(term)
			e.Float64(s.Count)
			e.Float64(s.Weight)
			e.Float64s(s.Positives)
		}
		return nil
	},
	func(d *serde.Decoder) (*Accumulator, error) {
		if !d.Bool() {
			return nil, d.Err()
		}
		acc := &Accumulator{
			Records:      d.Float64(),
			TotalWeight:  d.Float64(),
			LabelWeights: d.Float64s(),
		}
		n := d.Len(24)
		acc.Terms = make(map[string]TermStats, n)
		for i := 0; i < n; i++ {
			term := d.String()
			acc.Terms[term] = TermStats{Count: d.Float64(), Weight: d.Float64(), Positives: d.Float64s()}
		}
		return acc, d.Err()
	},
))
