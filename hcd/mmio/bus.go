package mmio

// Bus is the register access capability the engine consumes. Addresses are
// absolute; the only ordering guarantee is that calls reach the device in
// the order they are issued.
type Bus interface {
	Read8(addr uint32) uint8
	Read16(addr uint32) uint16
	Read32(addr uint32) uint32
	Write8(addr uint32, v uint8)
	Write16(addr uint32, v uint16)
	Write32(addr uint32, v uint32)
}

// Window is a base-relative view of a register block on a Bus.
type Window struct {
	Bus  Bus
	Base uint32
}

// NewWindow returns a window of bus starting at base.
func NewWindow(bus Bus, base uint32) Window {
	return Window{Bus: bus, Base: base}
}

func (w Window) Read8(off uint32) uint8   { return w.Bus.Read8(w.Base + off) }
func (w Window) Read16(off uint32) uint16 { return w.Bus.Read16(w.Base + off) }
func (w Window) Read32(off uint32) uint32 { return w.Bus.Read32(w.Base + off) }

func (w Window) Write8(off uint32, v uint8)   { w.Bus.Write8(w.Base+off, v) }
func (w Window) Write16(off uint32, v uint16) { w.Bus.Write16(w.Base+off, v) }
func (w Window) Write32(off uint32, v uint32) { w.Bus.Write32(w.Base+off, v) }

// Set8 read-modify-writes off, setting mask.
func (w Window) Set8(off uint32, mask uint8) {
	w.Write8(off, w.Read8(off)|mask)
}

// Clear8 read-modify-writes off, clearing mask.
func (w Window) Clear8(off uint32, mask uint8) {
	w.Write8(off, w.Read8(off)&^mask)
}

// Set16 read-modify-writes off, setting mask.
func (w Window) Set16(off uint32, mask uint16) {
	w.Write16(off, w.Read16(off)|mask)
}

// Set32 read-modify-writes off, setting mask.
func (w Window) Set32(off uint32, mask uint32) {
	w.Write32(off, w.Read32(off)|mask)
}

// Clear32 read-modify-writes off, clearing mask.
func (w Window) Clear32(off uint32, mask uint32) {
	w.Write32(off, w.Read32(off)&^mask)
}

// Test8 reports whether any bit of mask is set at off.
func (w Window) Test8(off uint32, mask uint8) bool {
	return w.Read8(off)&mask != 0
}

// Test16 reports whether any bit of mask is set at off.
func (w Window) Test16(off uint32, mask uint16) bool {
	return w.Read16(off)&mask != 0
}

// Test32 reports whether any bit of mask is set at off.
func (w Window) Test32(off uint32, mask uint32) bool {
	return w.Read32(off)&mask != 0
}
