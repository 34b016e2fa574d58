package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Lifecycle hands out exclusive leases on a freshly created domain. One
// lease is active at a time; a second Acquire blocks until the first lease
// is released or its context is done.
type Lifecycle struct {
	factory Factory
	sem     chan struct{}

	acquired atomic.Uint64
	released atomic.Uint64
}

// NewLifecycle returns a lifecycle that creates domains with factory.
func NewLifecycle(factory Factory) *Lifecycle {
	return &Lifecycle{
		factory: factory,
		sem:     make(chan struct{}, 1),
	}
}

// Acquire waits for exclusive access and creates a new domain. A creation
// failure releases access and is reported as ErrDomainCreation.
func (l *Lifecycle) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for domain: %w", ctx.Err())
	}

	domain, err := l.factory.NewDomain(ctx)
	if err != nil {
		<-l.sem
		Logger().Debug("domain creation failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrDomainCreation, err)
	}

	l.acquired.Add(1)
	return &Lease{lifecycle: l, domain: domain}, nil
}

// Stats reports how many leases were acquired and released.
func (l *Lifecycle) Stats() (acquired, released uint64) {
	return l.acquired.Load(), l.released.Load()
}

// Lease is exclusive ownership of one domain.
type Lease struct {
	lifecycle *Lifecycle
	domain    Domain

	mu       sync.Mutex
	released bool
}

// Domain returns the leased domain. It is nil after Release.
func (ls *Lease) Domain() Domain {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.released {
		return nil
	}
	return ls.domain
}

// Release destroys the domain and gives up exclusive access. Calling it
// again is a no-op.
func (ls *Lease) Release() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.released {
		return nil
	}
	ls.released = true

	err := ls.domain.Close(context.Background())
	if err != nil {
		Logger().Warn("failed to close domain", zap.Error(err))
	}
	ls.domain = nil
	ls.lifecycle.released.Add(1)
	<-ls.lifecycle.sem
	return err
}
