package mmio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ardnew/otgusb/pkg"
)

// Region is a block of DMA-visible memory. Addr is the bus address the
// controller uses; Bytes aliases the same storage for the CPU side.
type Region struct {
	Addr  uint32
	Bytes []byte
}

// Len returns the region size in bytes.
func (r Region) Len() int { return len(r.Bytes) }

// IsZero reports whether r is the zero Region.
func (r Region) IsZero() bool { return r.Bytes == nil }

type span struct {
	off, size uint32
}

// Arena hands out DMA-visible memory from one contiguous block that both the
// engine and the controller can address. Allocation is first-fit over a
// sorted free list; freed spans are coalesced.
type Arena struct {
	mu     sync.Mutex
	base   uint32
	mem    []byte
	free   []span
	allocs map[uint32]span // keyed by returned Addr
}

// NewArena creates an arena of size bytes mapped at bus address base.
func NewArena(base uint32, size int) *Arena {
	return &Arena{
		base:   base,
		mem:    make([]byte, size),
		free:   []span{{0, uint32(size)}},
		allocs: make(map[uint32]span),
	}
}

// Base returns the bus address of the arena.
func (a *Arena) Base() uint32 { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// Alloc returns a zeroed region of size bytes whose bus address is a
// multiple of align (which must be a power of two; 0 means 1).
func (a *Arena) Alloc(size, align int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("%w: alloc size %d", pkg.ErrInvalidParameter, size)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return Region{}, fmt.Errorf("%w: alignment %d", pkg.ErrInvalidParameter, align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	mask := uint32(align - 1)
	for i, s := range a.free {
		start := ((a.base+s.off+mask)&^mask - a.base)
		end := start + uint32(size)
		if end > s.off+s.size || end < start {
			continue
		}

		// Split the span around [start, end).
		var rest []span
		if start > s.off {
			rest = append(rest, span{s.off, start - s.off})
		}
		if tail := s.off + s.size - end; tail > 0 {
			rest = append(rest, span{end, tail})
		}
		a.free = append(a.free[:i], append(rest, a.free[i+1:]...)...)

		b := a.mem[start:end:end]
		clear(b)
		addr := a.base + start
		a.allocs[addr] = span{start, uint32(size)}
		return Region{Addr: addr, Bytes: b}, nil
	}
	return Region{}, fmt.Errorf("%w: arena cannot fit %d bytes", pkg.ErrNoMemory, size)
}

// Free returns r to the arena. Freeing the zero Region or an unknown
// region is a no-op.
func (a *Arena) Free(r Region) {
	if r.IsZero() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.allocs[r.Addr]
	if !ok {
		return
	}
	delete(a.allocs, r.Addr)

	a.free = append(a.free, s)
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })

	merged := a.free[:1]
	for _, n := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.size == n.off {
			last.size += n.size
			continue
		}
		merged = append(merged, n)
	}
	a.free = merged
}

// Available returns the total number of free bytes (not necessarily
// contiguous).
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.free {
		n += int(s.size)
	}
	return n
}

// Allocations returns the number of live regions.
func (a *Arena) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocs)
}

// Slice resolves a bus address range to the backing storage, as the
// controller's DMA master would.
func (a *Arena) Slice(addr uint32, n int) ([]byte, bool) {
	if addr < a.base || n < 0 {
		return nil, false
	}
	off := uint64(addr - a.base)
	if off+uint64(n) > uint64(len(a.mem)) {
		return nil, false
	}
	return a.mem[off : off+uint64(n)], true
}

// Snapshot returns a copy of the whole arena.
func (a *Arena) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.mem))
	copy(out, a.mem)
	return out
}
