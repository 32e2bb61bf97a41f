package dma

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/pkg"
)

// TRBSize is the in-memory size of a transfer descriptor.
const TRBSize = 12

// TRBAlign is the required alignment of a descriptor in DMA memory.
const TRBAlign = 16

// TRB control word bits.
const (
	TRBCycle     = 1 << 0
	TRBChain     = 1 << 4
	TRBIOC       = 1 << 5
	trbTypeShift = 10
	trbTypeMask  = 0x3F << trbTypeShift
)

// TRB types.
const (
	TRBTypeNormal = 1
	TRBTypeLink   = 6
)

// MaxTRBLength is the largest byte count one descriptor can carry.
const MaxTRBLength = 1<<17 - 1

// TRB is a transfer descriptor: one DMA burst of Length bytes at Addr. On
// completion the controller writes the number of bytes actually moved back
// into Length.
type TRB struct {
	Addr    uint32
	Length  uint32
	Control uint32
}

// NormalTRB returns a single-burst descriptor with completion interrupt.
func NormalTRB(addr uint32, length int) TRB {
	return TRB{
		Addr:    addr,
		Length:  uint32(length) & MaxTRBLength,
		Control: TRBCycle | TRBIOC | TRBTypeNormal<<trbTypeShift,
	}
}

// Type returns the descriptor type field.
func (t TRB) Type() uint32 {
	return (t.Control & trbTypeMask) >> trbTypeShift
}

// Encode writes t into b, which must hold TRBSize bytes.
func (t TRB) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], t.Addr)
	binary.LittleEndian.PutUint32(b[4:], t.Length)
	binary.LittleEndian.PutUint32(b[8:], t.Control)
}

// DecodeTRB reads a descriptor from b.
func DecodeTRB(b []byte) TRB {
	return TRB{
		Addr:    binary.LittleEndian.Uint32(b[0:]),
		Length:  binary.LittleEndian.Uint32(b[4:]),
		Control: binary.LittleEndian.Uint32(b[8:]),
	}
}

func (t TRB) String() string {
	return fmt.Sprintf("trb{addr=%#08x len=%d ctrl=%#x}", t.Addr, t.Length, t.Control)
}

// Pool is a fixed set of descriptors laid out back to back in DMA memory.
type Pool struct {
	arena  *mmio.Arena
	region mmio.Region
	n      int
}

// NewPool allocates n descriptors from arena.
func NewPool(arena *mmio.Arena, n int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: trb pool size %d", pkg.ErrInvalidParameter, n)
	}
	r, err := arena.Alloc(n*TRBAlign, TRBAlign)
	if err != nil {
		return nil, err
	}
	return &Pool{arena: arena, region: r, n: n}, nil
}

// Len returns the number of descriptors in the pool.
func (p *Pool) Len() int { return p.n }

// Addr returns the bus address of descriptor i.
func (p *Pool) Addr(i int) uint32 {
	return p.region.Addr + uint32(i*TRBAlign)
}

// Put stores t in slot i and returns its bus address.
func (p *Pool) Put(i int, t TRB) uint32 {
	t.Encode(p.region.Bytes[i*TRBAlign:])
	return p.Addr(i)
}

// Get reads slot i back, including any length written by the controller.
func (p *Pool) Get(i int) TRB {
	return DecodeTRB(p.region.Bytes[i*TRBAlign:])
}

// Free returns the pool's memory to the arena. The pool must not be used
// afterwards.
func (p *Pool) Free() {
	if p == nil {
		return
	}
	p.arena.Free(p.region)
	p.region = mmio.Region{}
}
