package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/combiners"
	"github.com/birdayz/fullpass/quantiles"
	"github.com/birdayz/fullpass/tensor"
	"github.com/birdayz/fullpass/vocab"
	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// Plan lists the analyzers to run over one input table.
type Plan struct {
	Analyzers []Analyzer `yaml:"analyzers"`
}

// Analyzer configures one combiner. Which fields apply depends on Kind.
type Analyzer struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Columns []string `yaml:"columns"`
	DType   string   `yaml:"dtype,omitempty"`
	Weights string   `yaml:"weights,omitempty"`
	Labels  string   `yaml:"labels,omitempty"`

	NumQuantiles       int       `yaml:"num_quantiles,omitempty"`
	Epsilon            float64   `yaml:"epsilon,omitempty"`
	IncludeMaxAndMin   bool      `yaml:"include_max_and_min,omitempty"`
	Boundaries         []float64 `yaml:"boundaries,omitempty"`
	Bins               int       `yaml:"bins,omitempty"`
	Categorical        bool      `yaml:"categorical,omitempty"`
	LargeKeys          bool      `yaml:"large_keys,omitempty"`
	TopK               *int      `yaml:"top_k,omitempty"`
	FrequencyThreshold *float64  `yaml:"frequency_threshold,omitempty"`
	StoreFrequency     bool      `yaml:"store_frequency,omitempty"`
	OutputDim          int       `yaml:"output_dim,omitempty"`
}

// LoadPlan reads and validates the YAML plan at path.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(p.Analyzers) == 0 {
		return nil, fmt.Errorf("%w: plan %s has no analyzers", fullpass.ErrInvalidConfig, path)
	}
	seen := make(map[string]bool)
	for _, a := range p.Analyzers {
		if a.Name == "" || seen[a.Name] {
			return nil, fmt.Errorf("%w: analyzer names must be unique and non-empty, got %q", fullpass.ErrInvalidConfig, a.Name)
		}
		if len(a.Columns) == 0 {
			return nil, fmt.Errorf("%w: analyzer %s has no columns", fullpass.ErrInvalidConfig, a.Name)
		}
		seen[a.Name] = true
	}
	return &p, nil
}

// Fingerprint identifies the analyzer configuration in cache keys.
func (a Analyzer) Fingerprint() string {
	data, _ := yaml.Marshal(a)
	return fmt.Sprintf("%s-%016x", a.Name, xxhash.Sum64(data))
}

func (a Analyzer) dtype(fallback tensor.DType) (tensor.DType, error) {
	if a.DType == "" {
		return fallback, nil
	}
	d, ok := tensor.ParseDType(strings.ToLower(a.DType))
	if !ok {
		return tensor.Invalid, fmt.Errorf("%w: analyzer %s dtype %q", fullpass.ErrUnsupportedDType, a.Name, a.DType)
	}
	return d, nil
}

// input describes how one combiner input is assembled from table columns.
// More than one column forms a [n, len(columns)] matrix.
type input struct {
	columns []string
	dtype   tensor.DType
}

// build is a combiner plus the inputs it expects, in batch order.
type build struct {
	combiner fullpass.TypeErasedCombiner
	inputs   []input
}

type buildEnv struct {
	outputDir string
	pool      *quantiles.Pool
	log       logr.Logger
}

func (a Analyzer) weightInput() []input {
	if a.Weights == "" {
		return nil
	}
	return []input{{columns: []string{a.Weights}, dtype: tensor.Float32}}
}

func (a Analyzer) single() error {
	if len(a.Columns) != 1 {
		return fmt.Errorf("%w: %s analyzer %s takes one column", fullpass.ErrInvalidConfig, a.Kind, a.Name)
	}
	return nil
}

// rangeInput is the single numeric column a min and max pass reads.
func (a Analyzer) rangeInput() (input, error) {
	if err := a.single(); err != nil {
		return input{}, err
	}
	d, err := a.dtype(tensor.Float32)
	if err != nil {
		return input{}, err
	}
	return input{a.Columns, d}, nil
}

// resolveBins replaces Bins with boundaries spaced evenly between the
// observed minimum and maximum. observe runs the min and max combiner over
// the column and returns its outputs.
func (a Analyzer) resolveBins(observe func(fullpass.TypeErasedCombiner, input) ([]tensor.Tensor, error)) (Analyzer, error) {
	if a.Kind != "histogram" || a.Categorical || a.Bins <= 0 {
		return a, nil
	}
	if len(a.Boundaries) > 0 {
		return a, fmt.Errorf("%w: histogram %s sets both bins and boundaries", fullpass.ErrInvalidConfig, a.Name)
	}
	in, err := a.rangeInput()
	if err != nil {
		return a, err
	}
	c, err := combiners.NewMinAndMax(fullpass.TensorInfo{DType: in.dtype, Shape: tensor.Shape{}})
	if err != nil {
		return a, err
	}
	out, err := observe(fullpass.Erase[*combiners.NumericAccumulator](c), in)
	if err != nil {
		return a, err
	}
	lo, hi := out[0].Float64(0), out[1].Float64(0)
	if hi < lo {
		return a, fmt.Errorf("%w: histogram %s has no values to derive bins from", fullpass.ErrInvalidConfig, a.Name)
	}
	a.Boundaries = combiners.LinearBoundaries(lo, hi, a.Bins)
	a.Bins = 0
	return a, nil
}

// Build constructs the combiner for a.
func (a Analyzer) Build(env buildEnv) (*build, error) {
	log := env.log.WithValues("analyzer", a.Name)
	copts := []combiners.Option{combiners.WithLogr(log)}

	switch a.Kind {
	case "sum", "min", "max", "size":
		d, err := a.dtype(tensor.Float32)
		if err != nil {
			return nil, err
		}
		infos := make([]fullpass.TensorInfo, len(a.Columns))
		ins := make([]input, len(a.Columns))
		for i, col := range a.Columns {
			infos[i] = fullpass.TensorInfo{DType: d, Shape: tensor.Shape{}}
			ins[i] = input{columns: []string{col}, dtype: d}
		}
		ctor := map[string]func([]fullpass.TensorInfo, ...combiners.Option) (*combiners.NumericCombiner, error){
			"sum":  combiners.NewSum,
			"min":  combiners.NewMin,
			"max":  combiners.NewMax,
			"size": combiners.NewSize,
		}[a.Kind]
		c, err := ctor(infos, copts...)
		if err != nil {
			return nil, err
		}
		return &build{combiner: fullpass.Erase[*combiners.NumericAccumulator](c), inputs: ins}, nil

	case "min_and_max":
		if err := a.single(); err != nil {
			return nil, err
		}
		d, err := a.dtype(tensor.Float32)
		if err != nil {
			return nil, err
		}
		c, err := combiners.NewMinAndMax(fullpass.TensorInfo{DType: d, Shape: tensor.Shape{}}, copts...)
		if err != nil {
			return nil, err
		}
		return &build{combiner: fullpass.Erase[*combiners.NumericAccumulator](c), inputs: []input{{a.Columns, d}}}, nil

	case "mean_var":
		if err := a.single(); err != nil {
			return nil, err
		}
		d, err := a.dtype(tensor.Float32)
		if err != nil {
			return nil, err
		}
		if a.Weights != "" {
			// Weighted variance is not defined, so weighted runs yield the mean only.
			copts = append(copts, combiners.WithWeights(), combiners.WithoutVariance())
		}
		c, err := combiners.NewMeanVar(fullpass.TensorInfo{DType: d, Shape: tensor.Shape{}}, copts...)
		if err != nil {
			return nil, err
		}
		ins := append([]input{{a.Columns, d}}, a.weightInput()...)
		return &build{combiner: fullpass.Erase[*combiners.MeanVarAccumulator](c), inputs: ins}, nil

	case "count_per_key":
		if err := a.single(); err != nil {
			return nil, err
		}
		d, err := a.dtype(tensor.String)
		if err != nil {
			return nil, err
		}
		if a.LargeKeys {
			copts = append(copts, combiners.WithName(a.Name), combiners.WithKeyVocabularyFile(env.outputDir, ""))
		}
		c, err := combiners.NewCountPerKey(d, copts...)
		if err != nil {
			return nil, err
		}
		return &build{combiner: fullpass.Erase[*combiners.KeyedAccumulator[*combiners.NumericAccumulator]](c), inputs: []input{{a.Columns, d}}}, nil

	case "histogram":
		if err := a.single(); err != nil {
			return nil, err
		}
		var c *combiners.HistogramCombiner
		var d tensor.DType
		var err error
		if a.Categorical {
			if d, err = a.dtype(tensor.String); err != nil {
				return nil, err
			}
			c, err = combiners.NewCategoricalHistogram(fullpass.TensorInfo{DType: d, Shape: tensor.Shape{}}, copts...)
		} else {
			if a.Bins > 0 {
				return nil, fmt.Errorf("%w: histogram %s bins are resolved before building", fullpass.ErrInvalidConfig, a.Name)
			}
			if d, err = a.dtype(tensor.Float32); err != nil {
				return nil, err
			}
			c, err = combiners.NewHistogram(fullpass.TensorInfo{DType: d, Shape: tensor.Shape{}}, a.Boundaries, copts...)
		}
		if err != nil {
			return nil, err
		}
		return &build{combiner: fullpass.Erase[*combiners.KeyedAccumulator[*combiners.NumericAccumulator]](c), inputs: []input{{a.Columns, d}}}, nil

	case "quantiles":
		d, err := a.dtype(tensor.Float32)
		if err != nil {
			return nil, err
		}
		qopts := []quantiles.Option{quantiles.WithLogr(log)}
		if len(a.Columns) > 1 {
			qopts = append(qopts, quantiles.WithNumFeatures(len(a.Columns)), quantiles.WithAlwaysReturnNumQuantiles())
		}
		if a.Weights != "" {
			qopts = append(qopts, quantiles.WithWeights())
		}
		if a.IncludeMaxAndMin {
			qopts = append(qopts, quantiles.WithIncludeMaxAndMin())
		}
		eps := a.Epsilon
		if eps == 0 {
			eps = 0.01
		}
		c, err := quantiles.NewCombiner(env.pool, a.NumQuantiles, eps, d, qopts...)
		if err != nil {
			return nil, err
		}
		ins := append([]input{{a.Columns, d}}, a.weightInput()...)
		return &build{combiner: fullpass.Erase[*quantiles.Accumulator](c), inputs: ins}, nil

	case "vocabulary":
		if err := a.single(); err != nil {
			return nil, err
		}
		d, err := a.dtype(tensor.String)
		if err != nil {
			return nil, err
		}
		vopts := []vocab.Option{vocab.WithLogr(log), vocab.WithName(a.Name), vocab.WithFile(env.outputDir, "")}
		ins := []input{{a.Columns, d}}
		if a.Labels != "" {
			vopts = append(vopts, vocab.WithLabels(tensor.Int64))
			ins = append(ins, input{columns: []string{a.Labels}, dtype: tensor.Int64})
		}
		if a.Weights != "" {
			vopts = append(vopts, vocab.WithWeights())
			ins = append(ins, a.weightInput()...)
		}
		if a.TopK != nil {
			vopts = append(vopts, vocab.WithTopK(*a.TopK))
		}
		if a.FrequencyThreshold != nil {
			vopts = append(vopts, vocab.WithFrequencyThreshold(*a.FrequencyThreshold))
		}
		if a.StoreFrequency {
			vopts = append(vopts, vocab.WithStoreFrequency())
		}
		c, err := vocab.NewCombiner(d, vopts...)
		if err != nil {
			return nil, err
		}
		return &build{combiner: fullpass.Erase[*vocab.Accumulator](c), inputs: ins}, nil

	case "covariance", "pca":
		d, err := a.dtype(tensor.Float64)
		if err != nil {
			return nil, err
		}
		ins := []input{{a.Columns, d}}
		if a.Kind == "covariance" {
			c, err := combiners.NewCovariance(len(a.Columns), d, copts...)
			if err != nil {
				return nil, err
			}
			return &build{combiner: fullpass.Erase[*combiners.CovarianceAccumulator](c), inputs: ins}, nil
		}
		outDim := a.OutputDim
		if outDim == 0 {
			outDim = len(a.Columns)
		}
		c, err := combiners.NewPCA(len(a.Columns), outDim, d, copts...)
		if err != nil {
			return nil, err
		}
		return &build{combiner: fullpass.Erase[*combiners.CovarianceAccumulator](c), inputs: ins}, nil
	}
	return nil, fmt.Errorf("%w: analyzer %s has unknown kind %q", fullpass.ErrInvalidConfig, a.Name, a.Kind)
}
