package quantiles

import (
	"fmt"
	"math"
	"slices"

	"github.com/birdayz/fullpass/serde"
)

// entry is one summarized value. minRank and maxRank bound the total weight
// of the values strictly below and up to and including this one.
type entry struct {
	value   float64
	weight  float64
	minRank float64
	maxRank float64
}

func (e entry) prevMaxRank() float64 {
	return e.maxRank - e.weight
}

func (e entry) nextMinRank() float64 {
	return e.minRank + e.weight
}

// Summary is a weighted quantile summary: a sorted list of values with rank
// bounds from which any quantile can be recovered within the summary's
// approximation error. Summaries are immutable.
type Summary struct {
	entries []entry
}

type weightedValue struct {
	value  float64
	weight float64
}

// summaryFromBuffer builds an exact summary from values, which it sorts.
// Equal values are combined.
func summaryFromBuffer(buf []weightedValue) Summary {
	slices.SortFunc(buf, func(a, b weightedValue) int {
		switch {
		case a.value < b.value:
			return -1
		case a.value > b.value:
			return 1
		}
		return 0
	})
	s := Summary{entries: make([]entry, 0, len(buf))}
	var cum float64
	for _, v := range buf {
		if n := len(s.entries); n > 0 && s.entries[n-1].value == v.value {
			last := &s.entries[n-1]
			last.weight += v.weight
			last.maxRank += v.weight
			cum += v.weight
			continue
		}
		s.entries = append(s.entries, entry{value: v.value, weight: v.weight, minRank: cum, maxRank: cum + v.weight})
		cum += v.weight
	}
	return s
}

func (s Summary) Size() int {
	return len(s.entries)
}

func (s Summary) TotalWeight() float64 {
	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].maxRank
}

func (s Summary) MinValue() float64 {
	return s.entries[0].value
}

func (s Summary) MaxValue() float64 {
	return s.entries[len(s.entries)-1].value
}

// Merge combines two summaries. The approximation error of the result is
// the larger of the two input errors.
func (s Summary) Merge(o Summary) Summary {
	if len(o.entries) == 0 {
		return s
	}
	if len(s.entries) == 0 {
		return o
	}
	a, b := s.entries, o.entries
	out := make([]entry, 0, len(a)+len(b))
	var nextMinA, nextMinB float64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		x, y := a[i], b[j]
		switch {
		case x.value < y.value:
			out = append(out, entry{x.value, x.weight, x.minRank + nextMinB, x.maxRank + y.prevMaxRank()})
			nextMinA = x.nextMinRank()
			i++
		case x.value > y.value:
			out = append(out, entry{y.value, y.weight, y.minRank + nextMinA, y.maxRank + x.prevMaxRank()})
			nextMinB = y.nextMinRank()
			j++
		default:
			out = append(out, entry{x.value, x.weight + y.weight, x.minRank + y.minRank, x.maxRank + y.maxRank})
			nextMinA = x.nextMinRank()
			nextMinB = y.nextMinRank()
			i++
			j++
		}
	}
	lastB := b[len(b)-1].maxRank
	for ; i < len(a); i++ {
		x := a[i]
		out = append(out, entry{x.value, x.weight, x.minRank + nextMinB, x.maxRank + lastB})
	}
	lastA := a[len(a)-1].maxRank
	for ; j < len(b); j++ {
		y := b[j]
		out = append(out, entry{y.value, y.weight, y.minRank + nextMinA, y.maxRank + lastA})
	}
	return Summary{entries: out}
}

// Compress shrinks the summary to about sizeHint entries while adding at
// most max(1/sizeHint, minEps) of relative rank error. The first and last
// entries are always kept.
func (s Summary) Compress(sizeHint int, minEps float64) Summary {
	sizeHint = max(sizeHint, 2)
	n := len(s.entries)
	if n <= sizeHint {
		return s
	}
	epsDelta := s.TotalWeight() * math.Max(1/float64(sizeHint), minEps)
	addStep := n
	addAcc := 0

	out := make([]entry, 0, sizeHint+1)
	out = append(out, s.entries[0])
	lastKept := 0
	for read := 0; read+1 < n; {
		next := read + 1
		for next < n && addAcc < addStep && s.entries[next].prevMaxRank()-s.entries[read].nextMinRank() <= epsDelta {
			addAcc += sizeHint
			next++
		}
		if read == next-1 {
			read++
		} else {
			read = next - 1
		}
		out = append(out, s.entries[read])
		lastKept = read
		addAcc -= addStep
	}
	if lastKept != n-1 {
		out = append(out, s.entries[n-1])
	}
	return Summary{entries: out}
}

// GenerateQuantiles returns numQuantiles+1 values: the minimum, the
// numQuantiles-1 interior quantiles and the maximum. The result is
// non-decreasing.
func (s Summary) GenerateQuantiles(numQuantiles int) []float64 {
	if len(s.entries) == 0 {
		return nil
	}
	numQuantiles = max(numQuantiles, 2)
	out := make([]float64, 0, numQuantiles+1)
	total := s.TotalWeight()
	cur := 0
	for rank := 0; rank <= numQuantiles; rank++ {
		d2 := 2 * (float64(rank) * total / float64(numQuantiles))
		next := cur + 1
		for next < len(s.entries) && d2 >= s.entries[next].minRank+s.entries[next].maxRank {
			next++
		}
		cur = next - 1
		if next == len(s.entries) || d2 < s.entries[cur].nextMinRank()+s.entries[next].prevMaxRank() {
			out = append(out, s.entries[cur].value)
		} else {
			out = append(out, s.entries[next].value)
		}
	}
	return out
}

// GenerateBoundaries returns the distinct values of the summary compressed
// to about numBoundaries entries.
func (s Summary) GenerateBoundaries(numBoundaries int) []float64 {
	if len(s.entries) == 0 {
		return nil
	}
	compressed := s.Compress(numBoundaries, 0)
	out := make([]float64, 0, compressed.Size())
	for _, e := range compressed.entries {
		out = append(out, e.value)
	}
	return slices.Compact(out)
}

func (s Summary) MarshalBinary() ([]byte, error) {
	e := serde.NewEncoder()
	e.Len(len(s.entries))
	for _, en := range s.entries {
		e.Float64(en.value)
		e.Float64(en.weight)
		e.Float64(en.minRank)
		e.Float64(en.maxRank)
	}
	return e.Bytes(), nil
}

func (s *Summary) UnmarshalBinary(data []byte) error {
	d := serde.NewDecoder(data)
	n := d.Len(32)
	entries := make([]entry, n)
	for i := range entries {
		entries[i] = entry{value: d.Float64(), weight: d.Float64(), minRank: d.Float64(), maxRank: d.Float64()}
	}
	if err := d.Finish(); err != nil {
		return err
	}
	for i := 1; i < n; i++ {
		if entries[i].value < entries[i-1].value {
			return fmt.Errorf("%w: summary values out of order", serde.ErrCorruptCache)
		}
	}
	s.entries = entries
	return nil
}
