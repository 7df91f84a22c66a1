package serde

import (
	"bytes"
	"fmt"
)

var magic = []byte("FPAC")

// Envelope is the header in front of every cached accumulator. Kind names the
// accumulator layout, Version its revision.
type Envelope struct {
	Kind    string
	Version uint16
}

// Seal prefixes payload with the envelope.
func (env Envelope) Seal(payload []byte) []byte {
	e := NewEncoder()
	e.buf.Write(magic)
	e.String(env.Kind)
	e.Uint16(env.Version)
	e.buf.Write(payload)
	return e.Bytes()
}

// Open strips the envelope. A foreign or truncated blob yields
// ErrCorruptCache; a blob of the right kind but another version yields
// ErrStaleCache.
func (env Envelope) Open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptCache)
	}
	d := NewDecoder(data[len(magic):])
	kind := d.String()
	version := d.Uint16()
	if err := d.Err(); err != nil {
		return nil, err
	}
	if kind != env.Kind {
		return nil, fmt.Errorf("%w: kind %q, want %q", ErrCorruptCache, kind, env.Kind)
	}
	if version != env.Version {
		return nil, fmt.Errorf("%w: %s version %d, want %d", ErrStaleCache, kind, version, env.Version)
	}
	return d.b, nil
}

// Versioned wraps inner so its output carries env.
func Versioned[T any](env Envelope, inner Serde[T]) Serde[T] {
	return Serde[T]{
		Serializer: func(v T) ([]byte, error) {
			payload, err := inner.Serializer(v)
			if err != nil {
				return nil, err
			}
			return env.Seal(payload), nil
		},
		Deserializer: func(data []byte) (T, error) {
			payload, err := env.Open(data)
			if err != nil {
				return *new(T), err
			}
			return inner.Deserializer(payload)
		},
	}
}
