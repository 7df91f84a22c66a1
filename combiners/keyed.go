package combiners

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/serde"
	"github.com/birdayz/fullpass/tensor"
	"github.com/birdayz/fullpass/vocab"
	"github.com/go-logr/logr"
)

// KeyedAccumulator holds one base accumulator per key. Keys are the string
// form of the key tensor's elements.
type KeyedAccumulator[A any] struct {
	Keys map[string]A
}

// KeyedCombiner groups rows by the first input and runs base once per key.
//
// In memory it outputs the sorted keys followed by the stacked per-key
// outputs of base. With WithKeyVocabularyFile it instead writes one line per
// key to a vocabulary file and outputs the file path. The mode is fixed at
// construction.
type KeyedCombiner[A any] struct {
	base     fullpass.Combiner[A]
	keyDType tensor.DType
	// includeKeys passes the key tensor on to base as its only input.
	includeKeys bool
	vocabDir    string
	vocabName   string
	shuffle     bool
	log         logr.Logger
}

var _ fullpass.Combiner[*KeyedAccumulator[*NumericAccumulator]] = (*KeyedCombiner[*NumericAccumulator])(nil)

// NewKeyed wraps base. The batch layout is the key vector followed by the
// inputs of base.
func NewKeyed[A any](base fullpass.Combiner[A], opts ...Option) (*KeyedCombiner[A], error) {
	o := buildOptions(opts)
	if o.keyDType != tensor.String && !o.keyDType.IsInteger() {
		return nil, fmt.Errorf("%w: keys of %s", fullpass.ErrUnsupportedDType, o.keyDType)
	}
	c := &KeyedCombiner[A]{
		base:     base,
		keyDType: o.keyDType,
		shuffle:  !o.rankOrder,
		log:      o.log.WithName("keyed"),
	}
	if o.vocabName != "" && o.vocabDir == "" {
		return nil, fmt.Errorf("%w: key vocabulary file %q needs a directory", fullpass.ErrInvalidConfig, o.vocabName)
	}
	if o.vocabDir != "" {
		c.vocabDir = o.vocabDir
		c.vocabName = vocab.SanitizedFilename(o.vocabName)
		if c.vocabName == "" {
			label := o.name
			if label == "" {
				label = "per_key"
			}
			c.vocabName = vocab.DefaultFilename(label, false)
		}
	}
	return c, nil
}

func (c *KeyedCombiner[A]) largeKeys() bool {
	return c.vocabDir != ""
}

func (c *KeyedCombiner[A]) CreateAccumulator() *KeyedAccumulator[A] {
	return nil
}

func (c *KeyedCombiner[A]) AddInput(ctx context.Context, acc *KeyedAccumulator[A], batch fullpass.Batch) (*KeyedAccumulator[A], error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: keyed batch needs a key input", fullpass.ErrInputArity)
	}
	n, err := batch.NumRows()
	if err != nil {
		return nil, err
	}
	keys := batch[0]
	if keys.Rank() != 1 {
		return nil, fmt.Errorf("%w: keys must be a vector, got %s", tensor.ErrRankMismatch, keys.Shape())
	}

	var order []string
	rows := make(map[string][]int)
	for r := 0; r < n; r++ {
		if keys.Missing(r) {
			continue
		}
		k := keys.StringAt(r)
		if _, ok := rows[k]; !ok {
			order = append(order, k)
		}
		rows[k] = append(rows[k], r)
	}

	out := &KeyedAccumulator[A]{Keys: make(map[string]A, len(order))}
	if acc != nil {
		out.Keys = maps.Clone(acc.Keys)
	}
	inputs := batch[1:]
	if c.includeKeys {
		inputs = batch
	}
	for _, k := range order {
		sub := make(fullpass.Batch, len(inputs))
		for i, in := range inputs {
			if sub[i], err = in.GatherRows(rows[k]); err != nil {
				return nil, err
			}
		}
		cur, ok := out.Keys[k]
		if !ok {
			cur = c.base.CreateAccumulator()
		}
		if out.Keys[k], err = c.base.AddInput(ctx, cur, sub); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
	}
	return out, nil
}

func (c *KeyedCombiner[A]) MergeAccumulators(ctx context.Context, accs []*KeyedAccumulator[A]) (*KeyedAccumulator[A], error) {
	grouped := make(map[string][]A)
	seen := false
	for _, acc := range accs {
		if acc == nil {
			continue
		}
		seen = true
		for k, a := range acc.Keys {
			grouped[k] = append(grouped[k], a)
		}
	}
	if !seen {
		return nil, nil
	}
	out := &KeyedAccumulator[A]{Keys: make(map[string]A, len(grouped))}
	for k, list := range grouped {
		merged, err := c.base.MergeAccumulators(ctx, list)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out.Keys[k] = merged
	}
	return out, nil
}

// sortedKeys orders keys numerically for integer key dtypes and bytewise
// otherwise.
func (c *KeyedCombiner[A]) sortedKeys(acc *KeyedAccumulator[A]) []string {
	if acc == nil {
		return nil
	}
	keys := slices.Collect(maps.Keys(acc.Keys))
	if !c.keyDType.IsInteger() {
		slices.Sort(keys)
		return keys
	}
	slices.SortFunc(keys, func(a, b string) int {
		x, errA := strconv.ParseInt(a, 10, 64)
		y, errB := strconv.ParseInt(b, 10, 64)
		if errA != nil || errB != nil {
			return strings.Compare(a, b)
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
	return keys
}

func (c *KeyedCombiner[A]) ExtractOutput(ctx context.Context, acc *KeyedAccumulator[A]) ([]tensor.Tensor, error) {
	keys := c.sortedKeys(acc)
	perKey := make([][]tensor.Tensor, len(keys))
	for i, k := range keys {
		outs, err := c.base.ExtractOutput(ctx, acc.Keys[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		perKey[i] = outs
	}
	if c.largeKeys() {
		return c.writeKeyVocabulary(keys, perKey)
	}

	keyTensor, err := tensor.FromStrings(tensor.Shape{len(keys)}, keys).Cast(c.keyDType)
	if err != nil {
		return nil, err
	}
	result := []tensor.Tensor{keyTensor}
	for j, info := range c.base.OutputTensorInfos() {
		column := make([]tensor.Tensor, len(keys))
		for i := range keys {
			column[i] = perKey[i][j]
		}
		stacked, err := stackPadded(info, column)
		if err != nil {
			return nil, err
		}
		result = append(result, stacked)
	}
	return result, nil
}

// stackPadded stacks per-key outputs, zero padding them to a common shape
// first since keys may have seen differently sized instances.
func stackPadded(info fullpass.TensorInfo, ts []tensor.Tensor) (tensor.Tensor, error) {
	if len(ts) == 0 {
		return tensor.Stack(info.DType, info.Shape, nil)
	}
	shape := ts[0].Shape()
	for _, t := range ts[1:] {
		s := t.Shape()
		if len(s) != len(shape) {
			return tensor.Tensor{}, fmt.Errorf("%w: %s vs %s", tensor.ErrRankMismatch, s, shape)
		}
		for i := range s {
			shape[i] = max(shape[i], s[i])
		}
	}
	padded := make([]tensor.Tensor, len(ts))
	for i, t := range ts {
		var err error
		if padded[i], err = t.PadTo(shape, 0); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return tensor.Stack(info.DType, shape, padded)
}

// writeKeyVocabulary writes "<values> <key>" lines. Lines are shuffled by key
// fingerprint unless rank order was requested, which orders them by the first
// element of the first output, largest first.
func (c *KeyedCombiner[A]) writeKeyVocabulary(keys []string, perKey [][]tensor.Tensor) ([]tensor.Tensor, error) {
	entries := make([]vocab.Entry, len(keys))
	for i, k := range keys {
		var values []string
		var order float64
		for j, t := range perKey[i] {
			if j == 0 && t.Len() > 0 && t.DType().IsNumeric() {
				order = t.Float64(0)
			}
			values = append(values, t.Strings()...)
		}
		entries[i] = vocab.Entry{Term: k, Key: order, Frequency: order, Label: strings.Join(values, ",")}
	}
	path, err := vocab.OrderAndWrite(entries, vocab.WriteOptions{
		Dir:                c.vocabDir,
		Filename:           c.vocabName,
		StoreFrequency:     true,
		FingerprintShuffle: c.shuffle,
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("wrote key vocabulary", "path", path, "keys", len(keys))
	return []tensor.Tensor{tensor.ScalarString(path)}, nil
}

func (c *KeyedCombiner[A]) OutputTensorInfos() []fullpass.TensorInfo {
	if c.largeKeys() {
		return []fullpass.TensorInfo{{DType: tensor.String, Shape: tensor.Shape{}, IsAssetFile: true}}
	}
	infos := []fullpass.TensorInfo{{DType: c.keyDType, Shape: tensor.Shape{tensor.Unknown}}}
	for _, info := range c.base.OutputTensorInfos() {
		infos = append(infos, fullpass.TensorInfo{
			DType: info.DType,
			Shape: append(tensor.Shape{tensor.Unknown}, info.Shape...),
		})
	}
	return infos
}

func (c *KeyedCombiner[A]) CacheCoder() fullpass.CacheCoder[*KeyedAccumulator[A]] {
	inner := c.base.CacheCoder()
	return serde.Versioned(serde.Envelope{Kind: "keyed", Version: 1}, serde.Func(
		func(e *serde.Encoder, acc *KeyedAccumulator[A]) error {
			e.Bool(acc != nil)
			if acc == nil {
				return nil
			}
			keys := slices.Sorted(maps.Keys(acc.Keys))
			e.Len(len(keys))
			for _, k := range keys {
				b, err := inner.Encode(acc.Keys[k])
				if err != nil {
					return fmt.Errorf("key %q: %w", k, err)
				}
				e.String(k)
				e.Blob(b)
			}
			return nil
		},
		func(d *serde.Decoder) (*KeyedAccumulator[A], error) {
			if !d.Bool() {
				return nil, d.Err()
			}
			n := d.Len(8)
			acc := &KeyedAccumulator[A]{Keys: make(map[string]A, n)}
			for i := 0; i < n; i++ {
				k := d.String()
				b := d.Blob()
				if err := d.Err(); err != nil {
					return nil, err
				}
				a, err := inner.Decode(b)
				if err != nil {
					return nil, fmt.Errorf("key %q: %w", k, err)
				}
				acc.Keys[k] = a
			}
			return acc, d.Err()
		},
	))
}
