package vocab

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/tensor"
)

func terms(ts ...string) tensor.Tensor {
	return tensor.FromStrings(tensor.Shape{len(ts)}, ts)
}

func repeat(term string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = term
	}
	return out
}

// abc has a and b five times and c three times.
func abc() []string {
	var out []string
	out = append(out, repeat("a", 5)...)
	out = append(out, repeat("c", 3)...)
	out = append(out, repeat("b", 5)...)
	return out
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func run(t *testing.T, c *Combiner, batches ...fullpass.Batch) []tensor.Tensor {
	t.Helper()
	ctx := context.Background()
	var accs []*Accumulator
	for _, b := range batches {
		acc, err := c.AddInput(ctx, c.CreateAccumulator(), b)
		assert.NoError(t, err)
		accs = append(accs, acc)
	}
	merged, err := c.MergeAccumulators(ctx, accs)
	assert.NoError(t, err)
	out, err := c.ExtractOutput(ctx, merged)
	assert.NoError(t, err)
	return out
}

func TestFrequencyOrdering(t *testing.T) {
	t.Run("ties break reverse lexicographically", func(t *testing.T) {
		c, err := NewCombiner(tensor.String, WithFile(t.TempDir(), "words"))
		assert.NoError(t, err)
		out := run(t, c, fullpass.Batch{terms(abc()...)})
		assert.Equal(t, []string{"b", "a", "c"}, readLines(t, out[0].StringAt(0)))
		assert.Equal(t, int64(3), out[1].Int64(0))
	})

	t.Run("top k and threshold compose", func(t *testing.T) {
		c, err := NewCombiner(tensor.String, WithFile(t.TempDir(), "words"), WithTopK(2), WithFrequencyThreshold(4))
		assert.NoError(t, err)
		all := abc()
		out := run(t, c, fullpass.Batch{terms(all[:6]...)}, fullpass.Batch{terms(all[6:]...)})
		assert.Equal(t, []string{"b", "a"}, readLines(t, out[0].StringAt(0)))
		// The unpruned size still counts c.
		assert.Equal(t, int64(3), out[1].Int64(0))
	})

	t.Run("store frequency", func(t *testing.T) {
		c, err := NewCombiner(tensor.String, WithFile(t.TempDir(), ""), WithStoreFrequency())
		assert.NoError(t, err)
		out := run(t, c, fullpass.Batch{terms(abc()...)})
		path := out[0].StringAt(0)
		assert.Equal(t, FrequencyFilePrefix+"vocabulary", filepath.Base(path))
		assert.Equal(t, []string{"5 b", "5 a", "3 c"}, readLines(t, path))

		entries, err := ReadFile(path, true)
		assert.NoError(t, err)
		assert.Equal(t, "b", entries[0].Term)
		assert.Equal(t, 5.0, entries[0].Key)
	})

	t.Run("unwritable terms are dropped", func(t *testing.T) {
		c, err := NewCombiner(tensor.String, WithFile(t.TempDir(), "words"))
		assert.NoError(t, err)
		out := run(t, c, fullpass.Batch{terms("ok", "", "new\nline", "carriage\rreturn", "ok")})
		assert.Equal(t, []string{"ok"}, readLines(t, out[0].StringAt(0)))
		assert.Equal(t, int64(1), out[1].Int64(0))
	})

	t.Run("integer terms", func(t *testing.T) {
		c, err := NewCombiner(tensor.Int64, WithFile(t.TempDir(), "ids"))
		assert.NoError(t, err)
		ids := tensor.FromInts(tensor.Int64, tensor.Shape{4}, []int64{7, 7, 3, 12})
		out := run(t, c, fullpass.Batch{ids})
		assert.Equal(t, []string{"7", "3", "12"}, readLines(t, out[0].StringAt(0)))
	})

	t.Run("fingerprint shuffle keeps the pruned set", func(t *testing.T) {
		c, err := NewCombiner(tensor.String, WithFile(t.TempDir(), "words"), WithTopK(2), WithFingerprintShuffle())
		assert.NoError(t, err)
		out := run(t, c, fullpass.Batch{terms(abc()...)})
		lines := readLines(t, out[0].StringAt(0))
		assert.Equal(t, 2, len(lines))
		assert.Contains(t, strings.Join(lines, ","), "a")
		assert.Contains(t, strings.Join(lines, ","), "b")
	})
}

func TestWeightedFrequency(t *testing.T) {
	c, err := NewCombiner(tensor.String, WithFile(t.TempDir(), "weighted"), WithWeights())
	assert.NoError(t, err)
	assert.Equal(t, WeightedFrequency, c.Mode())
	out := run(t, c, fullpass.Batch{
		terms("a", "b", "b"),
		tensor.Vector(tensor.Float32, 10, 1, 2),
	})
	assert.Equal(t, []string{"a", "b"}, readLines(t, out[0].StringAt(0)))
}

func TestCoverage(t *testing.T) {
	prefix := func(term string) string {
		k, _, _ := strings.Cut(term, ":")
		return k
	}
	var words []string
	words = append(words, repeat("en:the", 10)...)
	words = append(words, repeat("en:a", 8)...)
	words = append(words, repeat("fr:le", 3)...)

	c, err := NewCombiner(tensor.String, WithFile(t.TempDir(), "coverage"), WithTopK(1), WithCoverage(1, 0, prefix))
	assert.NoError(t, err)
	out := run(t, c, fullpass.Batch{terms(words...)})
	assert.Equal(t, []string{"en:the", "fr:le"}, readLines(t, out[0].StringAt(0)))
}

func miBatch() fullpass.Batch {
	return fullpass.Batch{
		tensor.FromStrings(tensor.Shape{4, 2}, []string{
			"good", "neutral",
			"good", "neutral",
			"bad", "neutral",
			"bad", "neutral",
		}),
		tensor.FromInts(tensor.Int64, tensor.Shape{4}, []int64{1, 1, 0, 0}),
	}
}

func TestMutualInformation(t *testing.T) {
	acc, err := Accumulate(MutualInformation, miBatch())
	assert.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, acc.LabelWeights)

	entries := Finalize(acc, FinalizeOptions{Mode: MutualInformation})
	scores := map[string]float64{}
	for _, e := range entries {
		scores[e.Term] = e.Key
	}
	assert.Equal(t, 1.0, scores["good"])
	assert.Equal(t, 1.0, scores["bad"])
	assert.Equal(t, 0.0, scores["neutral"])

	t.Run("absent cells count toward the score", func(t *testing.T) {
		s := acc.Terms["good"]
		var presentOnly float64
		for j, y := range acc.LabelWeights {
			if j < len(s.Positives) {
				presentOnly += partialMutualInformation(s.Positives[j], s.Weight, y, acc.TotalWeight)
			}
		}
		assert.Equal(t, 0.5, presentOnly)
		assert.Equal(t, 1.0, mutualInformation(s, acc, false, 0))
	})

	t.Run("adjusted is smaller", func(t *testing.T) {
		adjusted := Finalize(acc, FinalizeOptions{Mode: MutualInformation, Adjusted: true})
		for _, e := range adjusted {
			if e.Term == "good" {
				assert.True(t, math.Abs(e.Key-2.0/3.0) < 1e-9, "got %v", e.Key)
			}
		}
	})

	t.Run("min diff suppresses weak terms", func(t *testing.T) {
		strict := Finalize(acc, FinalizeOptions{Mode: MutualInformation, MinDiffFromAvg: 5})
		for _, e := range strict {
			assert.Equal(t, 0.0, e.Key)
		}
	})

	t.Run("combiner orders by information", func(t *testing.T) {
		c, err := NewCombiner(tensor.String, WithFile(t.TempDir(), "mi"), WithLabels(tensor.Int64), WithMinDiffFromAvg(0))
		assert.NoError(t, err)
		out := run(t, c, miBatch())
		assert.Equal(t, []string{"good", "bad", "neutral"}, readLines(t, out[0].StringAt(0)))
	})
}

func TestCalculateRecommendedMinDiffFromAvg(t *testing.T) {
	assert.Equal(t, 2, CalculateRecommendedMinDiffFromAvg(0))
	assert.Equal(t, 2, CalculateRecommendedMinDiffFromAvg(10000))
	assert.Equal(t, 13, CalculateRecommendedMinDiffFromAvg(505000))
	assert.Equal(t, 25, CalculateRecommendedMinDiffFromAvg(1000000))
	assert.Equal(t, 25, CalculateRecommendedMinDiffFromAvg(50000000))
}

func TestNewCombinerValidation(t *testing.T) {
	dir := t.TempDir()
	keyFn := func(s string) string { return s }
	tests := []struct {
		name string
		in   tensor.DType
		opts []Option
		want error
	}{
		{"float terms", tensor.Float32, nil, fullpass.ErrUnsupportedDType},
		{"float labels", tensor.String, []Option{WithLabels(tensor.Float32)}, fullpass.ErrUnsupportedDType},
		{"negative top k", tensor.String, []Option{WithTopK(-1)}, fullpass.ErrInvalidConfig},
		{"negative threshold", tensor.String, []Option{WithFrequencyThreshold(-2)}, fullpass.ErrInvalidConfig},
		{"coverage without key fn", tensor.String, []Option{WithCoverage(3, 0, nil)}, fullpass.ErrInvalidConfig},
		{"key fn without coverage", tensor.String, []Option{WithCoverage(-1, 0, keyFn)}, fullpass.ErrInvalidConfig},
		{"adjusted without labels", tensor.String, []Option{WithAdjustedMutualInformation()}, fullpass.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCombiner(tt.in, append(tt.opts, WithFile(dir, "v"))...)
			assert.IsError(t, err, tt.want)
		})
	}

	t.Run("missing directory", func(t *testing.T) {
		_, err := NewCombiner(tensor.String)
		assert.IsError(t, err, fullpass.ErrInvalidConfig)
	})
}

func TestSanitizedFilename(t *testing.T) {
	assert.Equal(t, "my-vocab_v2_", SanitizedFilename("my vocab/v2?"))
	assert.Equal(t, "a-b", SanitizedFilename("  a \t b  "))
}

func TestCoder(t *testing.T) {
	acc, err := Accumulate(MutualInformation, miBatch())
	assert.NoError(t, err)
	data, err := Coder.Encode(acc)
	assert.NoError(t, err)
	decoded, err := Coder.Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, acc.Terms["good"], decoded.Terms["good"])
	assert.Equal(t, acc.TotalWeight, decoded.TotalWeight)

	data, err = Coder.Encode(nil)
	assert.NoError(t, err)
	decoded, err = Coder.Decode(data)
	assert.NoError(t, err)
	assert.Zero(t, decoded)
}

func TestMergeDoesNotAlias(t *testing.T) {
	a, err := Accumulate(MutualInformation, miBatch())
	assert.NoError(t, err)
	before := append([]float64(nil), a.Terms["good"].Positives...)
	merged := MergeAccumulators(a, a)
	assert.Equal(t, []float64{0, 4}, merged.Terms["good"].Positives)
	assert.Equal(t, before, a.Terms["good"].Positives)
}
