package mmio

import "encoding/binary"

// RegisterFile is plain little-endian register storage covering
// [base, base+size). Accesses outside the range read as zero and writes are
// dropped, like an unmapped hole on a real interconnect.
type RegisterFile struct {
	base uint32
	mem  []byte
}

// NewRegisterFile allocates size bytes of zeroed register storage at base.
func NewRegisterFile(base uint32, size int) *RegisterFile {
	return &RegisterFile{base: base, mem: make([]byte, size)}
}

// Base returns the first address covered by the file.
func (f *RegisterFile) Base() uint32 { return f.base }

// Size returns the number of bytes covered by the file.
func (f *RegisterFile) Size() int { return len(f.mem) }

// Contains reports whether [addr, addr+width) lies inside the file.
func (f *RegisterFile) Contains(addr uint32, width int) bool {
	return addr >= f.base && uint64(addr-f.base)+uint64(width) <= uint64(len(f.mem))
}

// Snapshot returns a copy of the register contents.
func (f *RegisterFile) Snapshot() []byte {
	out := make([]byte, len(f.mem))
	copy(out, f.mem)
	return out
}

func (f *RegisterFile) slot(addr uint32, width int) []byte {
	if !f.Contains(addr, width) {
		return nil
	}
	off := addr - f.base
	return f.mem[off : off+uint32(width)]
}

func (f *RegisterFile) Read8(addr uint32) uint8 {
	if b := f.slot(addr, 1); b != nil {
		return b[0]
	}
	return 0
}

func (f *RegisterFile) Read16(addr uint32) uint16 {
	if b := f.slot(addr, 2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (f *RegisterFile) Read32(addr uint32) uint32 {
	if b := f.slot(addr, 4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (f *RegisterFile) Write8(addr uint32, v uint8) {
	if b := f.slot(addr, 1); b != nil {
		b[0] = v
	}
}

func (f *RegisterFile) Write16(addr uint32, v uint16) {
	if b := f.slot(addr, 2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
	}
}

func (f *RegisterFile) Write32(addr uint32, v uint32) {
	if b := f.slot(addr, 4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

var _ Bus = (*RegisterFile)(nil)
