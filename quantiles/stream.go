package quantiles

import (
	"math"
)

// DefaultMaxElements bounds the number of values one stream is sized for.
const DefaultMaxElements = 1 << 32

// blockLayout returns the number of summary levels and the block size a stream
// needs to stay within eps relative error over maxElements values.
func blockLayout(eps float64, maxElements int64) (levels int, blockSize int) {
	if eps <= 2.220446049250313e-16 {
		return 1, int(max(maxElements, 2))
	}
	levels, blockSize = 1, 2
	for int64(1)<<(levels-1)*int64(blockSize) < maxElements {
		levels++
		blockSize = int(math.Ceil(float64(levels)/eps)) + 1
	}
	return levels, blockSize
}

// stream accumulates values and summaries into a multi-level summary whose
// relative rank error stays within eps.
type stream struct {
	eps       float64
	blockSize int
	buffer    []weightedValue
	levels    []Summary
}

func newStream(eps float64, maxElements int64) *stream {
	_, blockSize := blockLayout(eps, maxElements)
	return &stream{
		eps:       eps,
		blockSize: blockSize,
		buffer:    make([]weightedValue, 0, blockSize),
	}
}

func (s *stream) reset() {
	s.buffer = s.buffer[:0]
	s.levels = s.levels[:0]
}

// push adds a value. NaNs and non-positive weights are ignored.
func (s *stream) push(value, weight float64) {
	if math.IsNaN(value) || weight <= 0 {
		return
	}
	s.buffer = append(s.buffer, weightedValue{value: value, weight: weight})
	if len(s.buffer) >= s.blockSize {
		s.flushBuffer()
	}
}

func (s *stream) pushSummary(summary Summary) {
	if summary.Size() == 0 {
		return
	}
	s.propagate(summary.Compress(s.blockSize, s.eps))
}

func (s *stream) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}
	local := summaryFromBuffer(s.buffer).Compress(s.blockSize, s.eps)
	s.buffer = s.buffer[:0]
	s.propagate(local)
}

// propagate carries a summary up the levels until it lands on an empty one
// or is small enough to stay.
func (s *stream) propagate(local Summary) {
	for level := 0; ; level++ {
		if len(s.levels) <= level {
			s.levels = append(s.levels, Summary{})
		}
		current := s.levels[level]
		local = local.Merge(current)
		if current.Size() == 0 || local.Size() <= s.blockSize+1 {
			s.levels[level] = local
			return
		}
		local = local.Compress(s.blockSize, s.eps)
		s.levels[level] = Summary{}
	}
}

// finalize flushes the buffer and collapses all levels into one summary.
func (s *stream) finalize() Summary {
	s.flushBuffer()
	var out Summary
	for _, level := range s.levels {
		out = out.Merge(level)
	}
	return out.Compress(s.blockSize, s.eps)
}
