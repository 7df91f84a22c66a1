package tensor

import (
	"strconv"
	"strings"
)

// Unknown marks a dimension that is not known until the data was scanned.
const Unknown = -1

// Shape lists the dimensions of a tensor, outermost first. A nil or empty
// Shape is a scalar.
type Shape []int

func (s Shape) Rank() int {
	return len(s)
}

// NumElements returns the element count of a fully defined shape. Unknown
// dimensions count as zero.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		if d < 0 {
			return 0
		}
		n *= d
	}
	return n
}

func (s Shape) IsFullyDefined() bool {
	for _, d := range s {
		if d < 0 {
			return false
		}
	}
	return true
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not alias s.
func (s Shape) Clone() Shape {
	if s == nil {
		return Shape{}
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Concretize replaces unknown dimensions by zero.
func (s Shape) Concretize() Shape {
	out := s.Clone()
	for i, d := range out {
		if d < 0 {
			out[i] = 0
		}
	}
	return out
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		if d < 0 {
			parts[i] = "?"
			continue
		}
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
