package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDomain struct {
	closed atomic.Bool
}

func (d *fakeDomain) Memory() Memory { return nil }
func (d *fakeDomain) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	return nil, ErrNoExport
}
func (d *fakeDomain) Pin(ctx context.Context, buf []byte) (Pinned, error) { return nil, ErrOutOfBounds }
func (d *fakeDomain) Close(ctx context.Context) error {
	d.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	fail    error
	domains []*fakeDomain
}

func (f *fakeFactory) NewDomain(ctx context.Context) (Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	d := &fakeDomain{}
	f.domains = append(f.domains, d)
	return d, nil
}

func (f *fakeFactory) Close(ctx context.Context) error { return nil }

func TestAcquireRelease(t *testing.T) {
	factory := &fakeFactory{}
	lc := NewLifecycle(factory)

	lease, err := lc.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Domain() == nil {
		t.Fatal("expected a domain")
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !factory.domains[0].closed.Load() {
		t.Error("domain should be closed after release")
	}
	if lease.Domain() != nil {
		t.Error("released lease should not expose its domain")
	}

	acquired, released := lc.Stats()
	if acquired != 1 || released != 1 {
		t.Errorf("stats = %d/%d, want 1/1", acquired, released)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	lc := NewLifecycle(&fakeFactory{})
	lease, err := lc.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.Release()
	lease.Release()

	// A double release must not free the slot twice and let two leases in.
	second, err := lc.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lc.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected third acquire to block, got %v", err)
	}
	second.Release()

	if _, released := lc.Stats(); released != 2 {
		t.Errorf("released = %d, want 2", released)
	}
}

func TestCreationFailure(t *testing.T) {
	boom := errors.New("boom")
	factory := &fakeFactory{fail: boom}
	lc := NewLifecycle(factory)

	_, err := lc.Acquire(context.Background())
	if !errors.Is(err, ErrDomainCreation) {
		t.Fatalf("expected ErrDomainCreation, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}

	// The slot must be free again.
	factory.fail = nil
	lease, err := lc.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	lease.Release()
}

func TestAcquireSerializesCallers(t *testing.T) {
	lc := NewLifecycle(&fakeFactory{})

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := lc.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak concurrent leases = %d, want 1", peak.Load())
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	lc := NewLifecycle(&fakeFactory{})
	lease, err := lc.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lc.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
