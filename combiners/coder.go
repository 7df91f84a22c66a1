package combiners

import (
	"fmt"

	"github.com/birdayz/fullpass/serde"
	"github.com/birdayz/fullpass/tensor"
)

// tensorsCoder caches accumulators that flatten into a fixed tensor list. A
// nil list encodes the identity accumulator.
func tensorsCoder[A any](kind string, fields int, flatten func(A) []tensor.Tensor, build func([]tensor.Tensor) A) serde.Serde[A] {
	return serde.Versioned(serde.Envelope{Kind: kind, Version: 1}, serde.Serde[A]{
		Serializer: func(acc A) ([]byte, error) {
			return serde.Tensors.Encode(flatten(acc))
		},
		Deserializer: func(data []byte) (A, error) {
			ts, err := serde.Tensors.Decode(data)
			if err != nil {
				return *new(A), err
			}
			if ts != nil && fields > 0 && len(ts) != fields {
				return *new(A), fmt.Errorf("%w: %s accumulator has %d fields, want %d", serde.ErrCorruptCache, kind, len(ts), fields)
			}
			return build(ts), nil
		},
	})
}
