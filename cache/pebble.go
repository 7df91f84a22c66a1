package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/multierr"
)

type PebbleOption func(*pebble.Options)

// WithFS runs the store on fs instead of the local disk.
var WithFS = func(fs vfs.FS) PebbleOption {
	return func(o *pebble.Options) {
		o.FS = fs
	}
}

type pebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a pebble database in dir.
func NewPebbleStore(dir string, opts ...PebbleOption) (Store, error) {
	o := &pebble.Options{}
	for _, opt := range opts {
		opt(o)
	}
	db, err := pebble.Open(dir, o)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *pebbleStore) Set(_ context.Context, key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.NoSync)
}

func (s *pebbleStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.NoSync)
}

func (s *pebbleStore) Close() error {
	return multierr.Append(s.db.Flush(), s.db.Close())
}
