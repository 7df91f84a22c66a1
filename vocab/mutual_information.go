package vocab

import (
	"math"
)

// Entry is a scored vocabulary term. Key orders the vocabulary, Frequency is
// compared against frequency thresholds. Label, when set, is written instead
// of Key by store-frequency files.
type Entry struct {
	Term      string
	Key       float64
	Frequency float64
	Label     string
}

// FinalizeOptions configure Finalize.
type FinalizeOptions struct {
	Mode Mode
	// Adjusted subtracts the mutual information expected by chance.
	Adjusted bool
	// MinDiffFromAvg skips labels whose co-occurrence with a term deviates
	// less than this from the count expected under independence. Negative
	// means derive it from the number of records.
	MinDiffFromAvg float64
}

// Finalize scores every term of a merged accumulator.
func Finalize(acc *Accumulator, opts FinalizeOptions) []Entry {
	terms := acc.sortedTerms()
	entries := make([]Entry, 0, len(terms))
	minDiff := opts.MinDiffFromAvg
	if opts.Mode == MutualInformation && minDiff < 0 {
		minDiff = float64(CalculateRecommendedMinDiffFromAvg(int(acc.Records)))
	}
	for _, term := range terms {
		s := acc.Terms[term]
		e := Entry{Term: term, Frequency: s.Weight}
		switch opts.Mode {
		case Frequency:
			e.Key = s.Count
			e.Frequency = s.Count
		case WeightedFrequency:
			e.Key = s.Weight
		case MutualInformation:
			e.Key = mutualInformation(s, acc, opts.Adjusted, minDiff)
		}
		entries = append(entries, e)
	}
	return entries
}

// mutualInformation scores the binary feature "row contains the term"
// against every label. Each label contributes the partial mutual information
// of the present and the absent cell.
func mutualInformation(s TermStats, acc *Accumulator, adjusted bool, minDiff float64) float64 {
	n := acc.TotalWeight
	x1 := s.Weight
	x0 := n - x1
	var mi, expected float64
	for j, y := range acc.LabelWeights {
		var n1 float64
		if j < len(s.Positives) {
			n1 = s.Positives[j]
		}
		if math.Abs(x1*y/n-n1) < minDiff {
			continue
		}
		mi += partialMutualInformation(n1, x1, y, n) + partialMutualInformation(y-n1, x0, y, n)
		if adjusted {
			expected += partialExpectedMutualInformation(n, x1, y) + partialExpectedMutualInformation(n, x0, y)
		}
	}
	return mi - expected
}

// partialMutualInformation is n11/n * log2(n*n11 / (x*y)), zero for an
// empty cell.
func partialMutualInformation(n11, x, y, n float64) float64 {
	if n11 <= 0 || x <= 0 || y <= 0 || n <= 0 {
		return 0
	}
	return n11 / n * (math.Log2(n) + math.Log2(n11) - math.Log2(x) - math.Log2(y))
}

// partialExpectedMutualInformation is the expectation of
// partialMutualInformation when the cell count follows the hypergeometric
// distribution given the margins x and y.
func partialExpectedMutualInformation(n, x, y float64) float64 {
	ni, xi, yi := math.Round(n), math.Round(x), math.Round(y)
	start := math.Max(1, xi+yi-ni)
	end := math.Min(xi, yi)
	var expected float64
	for k := start; k <= end; k++ {
		expected += partialMutualInformation(k, xi, yi, ni) * hypergeometricPMF(k, ni, xi, yi)
	}
	return expected
}

// hypergeometricPMF is C(x,k) C(n-x,y-k) / C(n,y).
func hypergeometricPMF(k, n, x, y float64) float64 {
	return math.Exp(logChoose(x, k) + logChoose(n-x, y-k) - logChoose(n, y))
}

func logChoose(n, k float64) float64 {
	a, _ := math.Lgamma(n + 1)
	b, _ := math.Lgamma(k + 1)
	c, _ := math.Lgamma(n - k + 1)
	return a - b - c
}

// CalculateRecommendedMinDiffFromAvg interpolates linearly between 2 for
// 10,000 records and 25 for 1,000,000 records, clamped to that range.
func CalculateRecommendedMinDiffFromAvg(datasetSize int) int {
	const (
		smallSize, smallDiff = 10000, 2
		largeSize, largeDiff = 1000000, 25
	)
	v := int(float64(datasetSize-smallSize)/float64(largeSize-smallSize)*float64(largeDiff-smallDiff) + smallDiff)
	return min(max(v, smallDiff), largeDiff)
}
