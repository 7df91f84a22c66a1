// Package serde holds the binary codecs used to cache accumulators.
package serde

import "errors"

var (
	// ErrCorruptCache means the bytes are not an accumulator of the expected kind.
	ErrCorruptCache = errors.New("serde: corrupt cache entry")
	// ErrStaleCache means the bytes were written by another format version and
	// must be recomputed instead of being reinterpreted.
	ErrStaleCache = errors.New("serde: stale cache entry")
)

type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)

// Encode and Decode let a Serde act as a cache coder.
func (s Serde[T]) Encode(v T) ([]byte, error) {
	return s.Serializer(v)
}

func (s Serde[T]) Decode(data []byte) (T, error) {
	return s.Deserializer(data)
}

// Func builds a Serde from an encoder that appends to an Encoder and a decoder
// that consumes a Decoder. Trailing bytes are rejected.
func Func[T any](enc func(*Encoder, T) error, dec func(*Decoder) (T, error)) Serde[T] {
	return Serde[T]{
		Serializer: func(v T) ([]byte, error) {
			e := NewEncoder()
			if err := enc(e, v); err != nil {
				return nil, err
			}
			return e.Bytes(), nil
		},
		Deserializer: func(data []byte) (T, error) {
			d := NewDecoder(data)
			v, err := dec(d)
			if err != nil {
				return *new(T), err
			}
			if err := d.Finish(); err != nil {
				return *new(T), err
			}
			return v, nil
		},
	}
}
