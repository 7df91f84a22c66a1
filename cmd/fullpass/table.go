package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/runner"
	"github.com/birdayz/fullpass/tensor"
)

// Table is a CSV file held in memory, column by column. Empty cells are
// missing values.
type Table struct {
	header map[string]int
	cells  [][]string
}

func ReadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read csv: missing header")
	}
	t := &Table{header: make(map[string]int, len(records[0])), cells: records[1:]}
	for i, name := range records[0] {
		t.header[name] = i
	}
	return t, nil
}

func (t *Table) NumRows() int {
	return len(t.cells)
}

// column parses rows [lo, hi) of each named column. One column gives a
// vector, several a row-major [n, len(columns)] matrix.
func (t *Table) column(in input, lo, hi int) (tensor.Tensor, error) {
	idx := make([]int, len(in.columns))
	for i, name := range in.columns {
		c, ok := t.header[name]
		if !ok {
			return tensor.Tensor{}, fmt.Errorf("%w: no column %q", fullpass.ErrInvalidConfig, name)
		}
		idx[i] = c
	}

	n := hi - lo
	width := len(idx)
	shape := tensor.Shape{n}
	if width > 1 {
		shape = tensor.Shape{n, width}
	}
	missing := make([]bool, n*width)
	anyMissing := false
	raw := make([]string, 0, n*width)
	for r := lo; r < hi; r++ {
		for j, c := range idx {
			v := t.cells[r][c]
			if v == "" {
				missing[(r-lo)*width+j] = true
				anyMissing = true
			}
			raw = append(raw, v)
		}
	}

	var out tensor.Tensor
	switch {
	case in.dtype == tensor.String:
		out = tensor.FromStrings(shape, raw)
	case in.dtype.IsInteger():
		vals := make([]int64, len(raw))
		for i, v := range raw {
			if missing[i] {
				continue
			}
			x, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return tensor.Tensor{}, fmt.Errorf("row %d: %w", lo+i/width+1, err)
			}
			vals[i] = x
		}
		out = tensor.FromInts(in.dtype, shape, vals)
	case in.dtype.IsFloating():
		vals := make([]float64, len(raw))
		for i, v := range raw {
			if missing[i] {
				continue
			}
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return tensor.Tensor{}, fmt.Errorf("row %d: %w", lo+i/width+1, err)
			}
			vals[i] = x
		}
		out = tensor.FromFloats(in.dtype, shape, vals)
	default:
		return tensor.Tensor{}, fmt.Errorf("%w: column dtype %s", fullpass.ErrUnsupportedDType, in.dtype)
	}
	if !anyMissing {
		return out, nil
	}
	return out.WithMissing(missing)
}

// Shards cuts the table into shards of at most shardRows rows, each holding
// one batch with the given inputs.
func (t *Table) Shards(inputs []input, shardRows int) ([]runner.Shard, error) {
	var shards []runner.Shard
	for lo := 0; lo < t.NumRows(); lo += shardRows {
		hi := min(lo+shardRows, t.NumRows())
		batch := make(fullpass.Batch, len(inputs))
		for i, in := range inputs {
			col, err := t.column(in, lo, hi)
			if err != nil {
				return nil, err
			}
			batch[i] = col
		}
		shards = append(shards, runner.Shard{
			Name:    fmt.Sprintf("rows[%d:%d]", lo, hi),
			Batches: []fullpass.Batch{batch},
		})
	}
	return shards, nil
}
