package codec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caffeineduck/webpbox/sandbox"
	"github.com/caffeineduck/webpbox/tainted"
	"github.com/caffeineduck/webpbox/webpabi"
	"go.uber.org/zap"
)

// ErrIncompatibleModule is the cause of a DomainCreationFailure when the
// codec module fails the ABI handshake.
var ErrIncompatibleModule = errors.New("incompatible codec module")

// Driver runs WebP operations against codec domains created by a factory.
// Operations are serialized: each holds a lease on the domain from entry to
// exit.
type Driver struct {
	factory   sandbox.Factory
	lifecycle *sandbox.Lifecycle
	limits    Limits

	mu         sync.Mutex
	handshaken bool
}

// New returns a driver over factory.
func New(factory sandbox.Factory, opts ...Option) *Driver {
	var cfg driverConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{
		factory:   factory,
		lifecycle: sandbox.NewLifecycle(factory),
		limits:    cfg.limits.withDefaults(),
	}
}

// Limits returns the effective limits.
func (d *Driver) Limits() Limits { return d.limits }

// Lifecycle exposes the driver's lifecycle, for lease accounting.
func (d *Driver) Lifecycle() *sandbox.Lifecycle { return d.lifecycle }

// Close closes the underlying factory.
func (d *Driver) Close(ctx context.Context) error {
	return d.factory.Close(ctx)
}

// session is one operation's lease plus the arena allocating in it.
type session struct {
	op    string
	lease *sandbox.Lease
	arena *tainted.Arena
}

func (d *Driver) open(ctx context.Context, op string) (*session, error) {
	lease, err := d.lifecycle.Acquire(ctx)
	if err != nil {
		return nil, newError(KindDomainCreation, op, err, "")
	}
	s := &session{op: op, lease: lease, arena: tainted.NewArena(lease.Domain())}
	if err := d.handshake(ctx, s); err != nil {
		s.close(ctx)
		return nil, newError(KindDomainCreation, op, err, "ABI handshake")
	}
	return s, nil
}

// close frees what the arena still holds and releases the lease. Cleanup
// runs even if ctx was cancelled.
func (s *session) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := s.arena.FreeAll(ctx); err != nil {
		Logger().Debug("arena cleanup failed", zap.String("op", s.op), zap.Error(err))
	}
	if err := s.lease.Release(); err != nil {
		Logger().Debug("lease release failed", zap.String("op", s.op), zap.Error(err))
	}
}

func (s *session) mem() sandbox.Memory { return s.arena.Domain().Memory() }

// copyIn allocates a byte buffer in the domain holding data.
func (s *session) copyIn(ctx context.Context, data []byte) (tainted.Buffer[uint8], error) {
	buf, err := tainted.Alloc[uint8](ctx, s.arena, uint32(len(data)))
	if err != nil {
		return buf, err
	}
	return buf, buf.CopyIn(data)
}

// handshake checks the module's version exports and that its decoder
// accepts the ABI version this host was built against. A module that
// passes once is not checked again.
func (d *Driver) handshake(ctx context.Context, s *session) error {
	d.mu.Lock()
	done := d.handshaken
	d.mu.Unlock()
	if done {
		return nil
	}

	for _, name := range []string{webpabi.WebPGetDecoderVersion, webpabi.WebPGetMuxVersion} {
		res, err := s.arena.Call(ctx, name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, err := tainted.Extract(res.Int32(0), func(v int32) bool { return v > 0 }); err != nil {
			return fmt.Errorf("%w: %w", ErrIncompatibleModule, err)
		}
	}

	cfg, err := tainted.AllocStruct(ctx, s.arena, webpabi.DecoderConfig)
	if err != nil {
		return err
	}
	if err := tainted.Construct(cfg, nil); err != nil {
		return err
	}
	res, err := s.arena.Call(ctx, webpabi.WebPInitDecoderConfigInternal, cfg.Arg(), tainted.I32(webpabi.DecoderABIVersion))
	if err != nil {
		return fmt.Errorf("%s: %w", webpabi.WebPInitDecoderConfigInternal, err)
	}
	if _, err := tainted.Extract(res.Int32(0), tainted.NonZero[int32]); err != nil {
		return fmt.Errorf("%w: decoder ABI %#x refused: %w", ErrIncompatibleModule, webpabi.DecoderABIVersion, err)
	}
	if err := s.arena.Free(ctx, cfg); err != nil {
		return err
	}

	d.mu.Lock()
	d.handshaken = true
	d.mu.Unlock()
	return nil
}

// IsFormat reports whether data is a WebP image the codec can read.
// Malformed input, and any failure to ask the codec, yields false.
func (d *Driver) IsFormat(ctx context.Context, data []byte) bool {
	if len(data) == 0 || len(data) > d.limits.MaxInputBytes {
		return false
	}
	ok, err := d.isFormat(ctx, data)
	if err != nil {
		Logger().Debug("sniff failed", zap.Int("bytes", len(data)), zap.Error(err))
		return false
	}
	return ok
}

func (d *Driver) isFormat(ctx context.Context, data []byte) (bool, error) {
	s, err := d.open(ctx, "sniff")
	if err != nil {
		return false, err
	}
	defer s.close(ctx)

	in, err := s.copyIn(ctx, data)
	if err != nil {
		return false, err
	}
	res, err := s.arena.Call(ctx, webpabi.WebPGetInfo, in.Arg(), uint64(len(data)), 0, 0)
	if err != nil {
		return false, err
	}
	v, err := tainted.Extract(res.Int32(0), tainted.Bool)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// field reads and verifies one 32-bit struct field.
func field(s *tainted.Struct, path string, pred func(int32) bool) (int32, error) {
	v, err := s.Int32(path)
	if err != nil {
		return 0, err
	}
	return tainted.Extract(v, pred)
}
