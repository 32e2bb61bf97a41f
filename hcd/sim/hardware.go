package sim

import (
	"sync"

	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Default DMA memory window.
const (
	DefaultArenaBase = 0x2000_0000
	DefaultArenaSize = 64 << 10
)

// Program records one DMA channel program as the hardware saw it.
type Program struct {
	Endpoint uint8
	Dir      hal.Direction
	TRB      uint32 // descriptor address
	Addr     uint32 // data address from the descriptor
	Length   int    // byte count from the descriptor
}

type channel struct {
	trb     uint32
	stsEn   uint32
	sts     uint32
	ready   bool
	enabled bool
	pending bool // NAKed, retried on the next status read
}

type controlState struct {
	setup   hal.SetupPacket
	valid   bool
	resp    []byte
	hs      Handshake
	address int // pending SET_ADDRESS value, -1 when none
}

// Hardware simulates the controller's core and DMA register blocks and the
// device on its port. It implements mmio.Bus.
type Hardware struct {
	cfg hcd.Config

	mu      sync.Mutex
	core    *mmio.RegisterFile
	dmaRegs *mmio.RegisterFile
	arena   *mmio.Arena

	fn      Function
	speed   hal.Speed
	address uint8
	ctrl    controlState
	toggles [2][16]uint8

	sel      uint32 // EPSEL
	chans    [2][16]channel
	programs []Program
	resets   int

	stuck      bool
	stateReads int
}

// Option adjusts a Hardware at construction.
type Option func(*Hardware)

// WithArena sets the DMA memory window.
func WithArena(base uint32, size int) Option {
	return func(h *Hardware) {
		h.arena = mmio.NewArena(base, size)
	}
}

// New returns powered-down hardware at the register bases of cfg, with the
// ID pin grounded (A-device) and nothing attached.
func New(cfg hcd.Config, opts ...Option) *Hardware {
	h := &Hardware{
		cfg:     cfg,
		core:    mmio.NewRegisterFile(cfg.CoreBase, hcd.CoreSize),
		dmaRegs: mmio.NewRegisterFile(cfg.DMABase, dma.RegSize),
		ctrl:    controlState{address: -1},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.arena == nil {
		h.arena = mmio.NewArena(DefaultArenaBase, DefaultArenaSize)
	}
	h.core.Write8(cfg.CoreBase+hcd.RegOTGState, uint8(hcd.AIdle))
	h.core.Write8(cfg.CoreBase+hcd.RegOTGStatus, hcd.OTGStatusVBUSValid|hcd.OTGStatusASessValid)
	return h
}

// Arena returns the DMA memory shared with the controller.
func (h *Hardware) Arena() *mmio.Arena { return h.arena }

// Segments returns snapshots of the core registers, DMA registers and DMA
// memory.
func (h *Hardware) Segments() []mmio.Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	return []mmio.Segment{
		{Addr: h.core.Base(), Data: h.core.Snapshot()},
		{Addr: h.dmaRegs.Base(), Data: h.dmaRegs.Snapshot()},
		{Addr: h.arena.Base(), Data: h.arena.Snapshot()},
	}
}

// Attach connects fn at speed and raises the connect interrupt.
func (h *Hardware) Attach(fn Function, speed hal.Speed) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.fn = fn
	h.speed = speed
	h.address = 0
	h.ctrl = controlState{address: -1}
	h.toggles = [2][16]uint8{}

	var sc uint8
	switch speed {
	case hal.SpeedLow:
		sc = hcd.SpeedCtrlLS
	case hal.SpeedHigh:
		sc = hcd.SpeedCtrlHS
	default:
		sc = hcd.SpeedCtrlFS
	}
	h.writeRaw8(hcd.RegSpeedCtrl, sc)

	state := hcd.AHost
	if h.bDevice() {
		state = hcd.BHost
	}
	h.writeRaw8(hcd.RegOTGState, uint8(state))
	h.raise(hcd.OTGIrqConn)
	pkg.LogDebug(pkg.ComponentSim, "attach", "speed", speed)
}

// Detach removes the attached function and raises the connect interrupt.
func (h *Hardware) Detach() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.fn = nil
	h.address = 0
	h.stateReads = 0
	h.writeRaw8(hcd.RegSpeedCtrl, 0)

	state := hcd.AWaitBcon
	if h.bDevice() {
		state = hcd.BWaitAcon
	}
	h.writeRaw8(hcd.RegOTGState, uint8(state))
	h.raise(hcd.OTGIrqConn)
	pkg.LogDebug(pkg.ComponentSim, "detach")
}

// VBUSError raises a VBUS error.
func (h *Hardware) VBUSError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeRaw8(hcd.RegOTGState, uint8(hcd.AVBUSErr))
	h.raise(hcd.OTGIrqVBUSErr)
}

// SetID sets the ID pin (bDevice true: floating, B-device) and raises the
// idle interrupt.
func (h *Hardware) SetID(bDevice bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.readRaw8(hcd.RegOTGStatus)
	state := hcd.AIdle
	if bDevice {
		st |= hcd.OTGStatusID
		state = hcd.BIdle
	} else {
		st &^= hcd.OTGStatusID
	}
	h.writeRaw8(hcd.RegOTGStatus, st)
	h.writeRaw8(hcd.RegOTGState, uint8(state))
	h.raise(hcd.OTGIrqIdle)
}

// RaiseOTG sets arbitrary OTG interrupt flags.
func (h *Hardware) RaiseOTG(flags uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.raise(flags)
}

// StickHostState makes the OTG state register keep reporting a host state
// after the first read following a detach.
func (h *Hardware) StickHostState(stuck bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stuck = stuck
}

// Programs returns every DMA program since construction or the last
// ResetPrograms.
func (h *Hardware) Programs() []Program {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Program, len(h.programs))
	copy(out, h.programs)
	return out
}

// ResetPrograms clears the program record.
func (h *Hardware) ResetPrograms() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.programs = nil
}

// DMAResets returns the number of DMA soft resets seen.
func (h *Hardware) DMAResets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

// Enabled reports whether the DMA channel of (ep, dir) is enabled.
func (h *Hardware) Enabled(ep uint8, dir hal.Direction) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chans[dir&1][ep&0x0F].enabled
}

// VBUS reports whether the controller is driving VBUS.
func (h *Hardware) VBUS() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ctrl := h.readRaw8(hcd.RegOTGCtrl)
	return ctrl&hcd.OTGCtrlBusReq != 0 && ctrl&hcd.OTGCtrlABusDrop == 0
}

// Address returns the address the attached device answers to.
func (h *Hardware) Address() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.address
}

// Toggle returns the device-side data toggle of (ep, dir).
func (h *Hardware) Toggle(ep uint8, dir hal.Direction) uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.toggles[dir&1][ep&0x0F]
}

// CoreReg8 reads a core register without side effects.
func (h *Hardware) CoreReg8(off uint32) uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readRaw8(off)
}

// CoreReg32 reads a 32-bit core register without side effects.
func (h *Hardware) CoreReg32(off uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.core.Read32(h.cfg.CoreBase + off)
}

func (h *Hardware) bDevice() bool {
	return h.readRaw8(hcd.RegOTGStatus)&hcd.OTGStatusID != 0
}

func (h *Hardware) raise(flags uint8) {
	h.writeRaw8(hcd.RegOTGIRQ, h.readRaw8(hcd.RegOTGIRQ)|flags)
}

func (h *Hardware) readRaw8(off uint32) uint8 {
	return h.core.Read8(h.cfg.CoreBase + off)
}

func (h *Hardware) writeRaw8(off uint32, v uint8) {
	h.core.Write8(h.cfg.CoreBase+off, v)
}

// Bus interface.

func (h *Hardware) Read8(addr uint32) uint8   { return uint8(h.read(addr, 1)) }
func (h *Hardware) Read16(addr uint32) uint16 { return uint16(h.read(addr, 2)) }
func (h *Hardware) Read32(addr uint32) uint32 { return h.read(addr, 4) }

func (h *Hardware) Write8(addr uint32, v uint8)   { h.write(addr, 1, uint32(v)) }
func (h *Hardware) Write16(addr uint32, v uint16) { h.write(addr, 2, uint32(v)) }
func (h *Hardware) Write32(addr uint32, v uint32) { h.write(addr, 4, v) }

func (h *Hardware) read(addr uint32, width int) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.core.Contains(addr, width):
		return h.readCore(addr-h.cfg.CoreBase, width)
	case h.dmaRegs.Contains(addr, width):
		return h.readDMA(addr-h.cfg.DMABase, width)
	}
	return 0
}

func (h *Hardware) write(addr uint32, width int, v uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.core.Contains(addr, width):
		h.writeCore(addr-h.cfg.CoreBase, width, v)
	case h.dmaRegs.Contains(addr, width):
		h.writeDMA(addr-h.cfg.DMABase, width, v)
	}
}

func readFile(f *mmio.RegisterFile, addr uint32, width int) uint32 {
	switch width {
	case 1:
		return uint32(f.Read8(addr))
	case 2:
		return uint32(f.Read16(addr))
	default:
		return f.Read32(addr)
	}
}

func writeFile(f *mmio.RegisterFile, addr uint32, width int, v uint32) {
	switch width {
	case 1:
		f.Write8(addr, uint8(v))
	case 2:
		f.Write16(addr, uint16(v))
	default:
		f.Write32(addr, v)
	}
}

var _ mmio.Bus = (*Hardware)(nil)
