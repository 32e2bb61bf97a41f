package mmio

import (
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Op is a register access direction.
type Op uint8

const (
	OpRead  Op = 'R'
	OpWrite Op = 'W'
)

// Access is one recorded register access.
type Access struct {
	_     struct{} `cbor:",toarray"`
	Op    Op
	Width uint8 // bytes
	Addr  uint32
	Value uint32
}

func (a Access) String() string {
	return fmt.Sprintf("%c%d %#08x = %#x", a.Op, a.Width*8, a.Addr, a.Value)
}

// Trace is the serialized form of a Tracer's log.
type Trace struct {
	Dropped  uint64   `cbor:"dropped"`
	Accesses []Access `cbor:"accesses"`
}

// Tracer is a Bus that forwards to another Bus and records every access.
// At most limit records are kept; older ones are discarded first.
type Tracer struct {
	bus   Bus
	limit int

	mu      sync.Mutex
	log     []Access
	dropped uint64
}

// NewTracer wraps bus. A limit <= 0 keeps every access.
func NewTracer(bus Bus, limit int) *Tracer {
	return &Tracer{bus: bus, limit: limit}
}

func (t *Tracer) record(op Op, width uint8, addr, v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && len(t.log) >= t.limit {
		copy(t.log, t.log[1:])
		t.log = t.log[:len(t.log)-1]
		t.dropped++
	}
	t.log = append(t.log, Access{Op: op, Width: width, Addr: addr, Value: v})
}

func (t *Tracer) Read8(addr uint32) uint8 {
	v := t.bus.Read8(addr)
	t.record(OpRead, 1, addr, uint32(v))
	return v
}

func (t *Tracer) Read16(addr uint32) uint16 {
	v := t.bus.Read16(addr)
	t.record(OpRead, 2, addr, uint32(v))
	return v
}

func (t *Tracer) Read32(addr uint32) uint32 {
	v := t.bus.Read32(addr)
	t.record(OpRead, 4, addr, v)
	return v
}

func (t *Tracer) Write8(addr uint32, v uint8) {
	t.record(OpWrite, 1, addr, uint32(v))
	t.bus.Write8(addr, v)
}

func (t *Tracer) Write16(addr uint32, v uint16) {
	t.record(OpWrite, 2, addr, uint32(v))
	t.bus.Write16(addr, v)
}

func (t *Tracer) Write32(addr uint32, v uint32) {
	t.record(OpWrite, 4, addr, v)
	t.bus.Write32(addr, v)
}

// Accesses returns a copy of the recorded log.
func (t *Tracer) Accesses() []Access {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Access, len(t.log))
	copy(out, t.log)
	return out
}

// Reset discards the recorded log.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = t.log[:0]
	t.dropped = 0
}

// WriteCBOR encodes the recorded log to w.
func (t *Tracer) WriteCBOR(w io.Writer) error {
	t.mu.Lock()
	tr := Trace{Dropped: t.dropped, Accesses: t.log}
	data, err := cbor.Marshal(tr)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// ReadTrace decodes a log written by WriteCBOR.
func ReadTrace(r io.Reader) (Trace, error) {
	var tr Trace
	if err := cbor.NewDecoder(r).Decode(&tr); err != nil {
		return Trace{}, fmt.Errorf("decode trace: %w", err)
	}
	return tr, nil
}

var _ Bus = (*Tracer)(nil)
