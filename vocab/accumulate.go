// Package vocab builds vocabularies in four stages: Accumulate counts terms
// per batch, MergeAccumulators and Finalize combine shards and score terms,
// Prune applies top-k, frequency threshold and coverage, and OrderAndWrite
// persists one term per line.
package vocab

import (
	"fmt"
	"maps"
	"slices"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/tensor"
)

// Mode selects how terms are scored.
type Mode int

const (
	Frequency Mode = iota
	WeightedFrequency
	MutualInformation
)

func (m Mode) String() string {
	switch m {
	case Frequency:
		return "frequency"
	case WeightedFrequency:
		return "weighted_frequency"
	case MutualInformation:
		return "mutual_information"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// TermStats are the statistics of one term.
type TermStats struct {
	Count  float64
	Weight float64
	// Positives holds, per label, the summed weight of rows carrying the term.
	Positives []float64
}

// Accumulator is the mergeable state of the vocabulary pipeline. A nil
// accumulator has seen no rows.
type Accumulator struct {
	Terms        map[string]TermStats
	Records      float64
	TotalWeight  float64
	LabelWeights []float64
}

// Accumulate reduces one batch. The layout depends on mode: [terms] for
// Frequency, [terms, weights] for WeightedFrequency and [terms, labels] or
// [terms, labels, weights] for MutualInformation. Terms may have any rank;
// weights and labels hold one value per row.
func Accumulate(mode Mode, batch fullpass.Batch) (*Accumulator, error) {
	var labels, weights *tensor.Tensor
	switch mode {
	case Frequency:
		if err := batch.CheckArity(1); err != nil {
			return nil, err
		}
	case WeightedFrequency:
		if err := batch.CheckArity(2); err != nil {
			return nil, err
		}
		weights = &batch[1]
	case MutualInformation:
		if len(batch) != 2 {
			if err := batch.CheckArity(3); err != nil {
				return nil, err
			}
			weights = &batch[2]
		}
		labels = &batch[1]
	default:
		return nil, fmt.Errorf("%w: unknown vocabulary mode %d", fullpass.ErrInvalidConfig, mode)
	}
	if _, err := batch.NumRows(); err != nil {
		return nil, err
	}

	x := batch[0]
	if err := checkTermDType(x.DType()); err != nil {
		return nil, err
	}
	if labels != nil && !labels.DType().IsInteger() {
		return nil, fmt.Errorf("%w: labels of %s", fullpass.ErrUnsupportedDType, labels.DType())
	}

	acc := &Accumulator{Terms: make(map[string]TermStats)}
	rows := x.NumRows()
	perRow := x.RowSize()
	if x.Rank() == 0 {
		perRow = 1
	}
	for r := 0; r < rows; r++ {
		w := 1.0
		if weights != nil {
			w = weights.Float64(r)
		}
		label := -1
		if labels != nil {
			l := labels.Int64(r)
			if l < 0 {
				return nil, fmt.Errorf("%w: negative label %d", fullpass.ErrInvalidConfig, l)
			}
			label = int(l)
			acc.LabelWeights = growTo(acc.LabelWeights, label+1)
			acc.LabelWeights[label] += w
		}
		acc.Records++
		acc.TotalWeight += w
		for i := r * perRow; i < (r+1)*perRow; i++ {
			if x.Missing(i) {
				continue
			}
			term := x.StringAt(i)
			s := acc.Terms[term]
			s.Count++
			s.Weight += w
			if label >= 0 {
				s.Positives = growTo(s.Positives, label+1)
				s.Positives[label] += w
			}
			acc.Terms[term] = s
		}
	}
	return acc, nil
}

func checkTermDType(d tensor.DType) error {
	if d != tensor.String && !d.IsInteger() {
		return fmt.Errorf("%w: vocabulary of %s", fullpass.ErrUnsupportedDType, d)
	}
	return nil
}

// growTo zero extends s to length n.
func growTo(s []float64, n int) []float64 {
	if len(s) >= n {
		return s
	}
	return append(s, make([]float64, n-len(s))...)
}

func addInto(dst, src []float64) []float64 {
	dst = growTo(dst, len(src))
	for i, v := range src {
		dst[i] += v
	}
	return dst
}

// MergeAccumulators sums term and label statistics. Label vectors of
// different lengths are zero extended. Inputs are not modified.
func MergeAccumulators(accs ...*Accumulator) *Accumulator {
	var out *Accumulator
	for _, acc := range accs {
		if acc == nil {
			continue
		}
		if out == nil {
			out = &Accumulator{Terms: make(map[string]TermStats, len(acc.Terms))}
		}
		out.Records += acc.Records
		out.TotalWeight += acc.TotalWeight
		out.LabelWeights = addInto(out.LabelWeights, acc.LabelWeights)
		for term, s := range acc.Terms {
			cur := out.Terms[term]
			cur.Count += s.Count
			cur.Weight += s.Weight
			cur.Positives = addInto(slices.Clone(cur.Positives), s.Positives)
			out.Terms[term] = cur
		}
	}
	return out
}

// sortedTerms returns the terms of acc in byte order.
func (acc *Accumulator) sortedTerms() []string {
	if acc == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(acc.Terms))
}
