package tainted

import (
	"context"
	"fmt"

	"github.com/caffeineduck/webpbox/sandbox"
)

// Pinned is a host buffer lent to the domain as external output. The
// domain may write exactly len(buf) bytes and never read them; the loan
// ends at Unpin or at the arena's FreeAll, whichever comes first.
type Pinned struct {
	buf      []byte
	pin      sandbox.Pinned
	unpinned bool
}

// Pin lends buf to the arena's domain.
func Pin(ctx context.Context, a *Arena, buf []byte) (*Pinned, error) {
	p, err := a.domain.Pin(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("pin %d bytes: %w", len(buf), err)
	}
	if uint64(p.Len()) != uint64(len(buf)) {
		p.Unpin(ctx)
		return nil, fmt.Errorf("pin %d bytes: domain pinned %d: %w", len(buf), p.Len(), ErrOverflow)
	}
	pinned := &Pinned{buf: buf, pin: p}
	a.pins = append(a.pins, pinned)
	return pinned, nil
}

// Arg returns the pinned address as a call argument.
func (p *Pinned) Arg() uint64 { return uint64(p.pin.Ptr()) }

// Addr is the raw pinned address.
func (p *Pinned) Addr() uint32 { return p.pin.Ptr() }

// Len is the exact byte count lent.
func (p *Pinned) Len() uint32 { return p.pin.Len() }

// Unpin ends the loan. Calling it again is a no-op.
func (p *Pinned) Unpin(ctx context.Context) error {
	if p.unpinned {
		return nil
	}
	p.unpinned = true
	if err := p.pin.Unpin(ctx); err != nil {
		return fmt.Errorf("unpin: %w", err)
	}
	return nil
}
