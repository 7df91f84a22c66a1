// Package cache persists accumulators between runs so unchanged input shards
// do not have to be read again.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/birdayz/fullpass"
)

var ErrKeyNotFound = errors.New("cache: key not found")

// Store is a flat byte store keyed by strings.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns a Store that lives as long as the process.
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = v
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

// Load reads and decodes the accumulator cached under key.
func Load[A any](ctx context.Context, s Store, key string, coder fullpass.CacheCoder[A]) (A, error) {
	var zero A
	data, err := s.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	acc, err := coder.Decode(data)
	if err != nil {
		return zero, fmt.Errorf("cache entry %s: %w", key, err)
	}
	return acc, nil
}

// Save encodes acc and stores it under key.
func Save[A any](ctx context.Context, s Store, key string, coder fullpass.CacheCoder[A], acc A) error {
	data, err := coder.Encode(acc)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// ErasedCoder adapts a TypeErasedCombiner to a CacheCoder over any, for use
// with Load and Save.
func ErasedCoder(c fullpass.TypeErasedCombiner) fullpass.CacheCoder[any] {
	return erasedCoder{c: c}
}

type erasedCoder struct {
	c fullpass.TypeErasedCombiner
}

func (e erasedCoder) Encode(acc any) ([]byte, error) {
	return e.c.EncodeAccumulator(acc)
}

func (e erasedCoder) Decode(data []byte) (any, error) {
	return e.c.DecodeAccumulator(data)
}
