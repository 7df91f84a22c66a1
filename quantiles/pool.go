package quantiles

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

// NumSlots is the number of resources one configuration is spread over.
const NumSlots = 10

type PoolOption func(*Pool)

// Pool hands out one Resource per Key, building each at most once.
type Pool struct {
	mu          sync.Mutex
	resources   map[Key]*Resource
	group       singleflight.Group
	lockTimeout time.Duration
	maxElements int64
	log         logr.Logger
}

var WithLockTimeout = func(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.lockTimeout = d
	}
}

// WithMaxElements sizes the resources' streams for at most n values.
var WithMaxElements = func(n int64) PoolOption {
	return func(p *Pool) {
		p.maxElements = n
	}
}

var WithPoolLogr = func(log logr.Logger) PoolOption {
	return func(p *Pool) {
		p.log = log
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		resources:   make(map[Key]*Resource),
		lockTimeout: 30 * time.Second,
		maxElements: DefaultMaxElements,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithName("quantiles")
	return p
}

// Resource returns the resource for key, building it on first use.
// Concurrent callers with the same key wait for a single construction.
func (p *Pool) Resource(key Key) (*Resource, error) {
	p.mu.Lock()
	r, ok := p.resources[key]
	p.mu.Unlock()
	if ok {
		return r, nil
	}

	v, err, _ := p.group.Do(key.String(), func() (any, error) {
		p.mu.Lock()
		if r, ok := p.resources[key]; ok {
			p.mu.Unlock()
			return r, nil
		}
		p.mu.Unlock()

		r, err := newResource(key, p.maxElements, p.lockTimeout, p.log.WithValues("key", key.String()))
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.resources[key] = r
		p.mu.Unlock()
		p.log.V(1).Info("built quantiles resource", "key", key.String())
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resource), nil
}

// Len returns the number of resources built so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}
