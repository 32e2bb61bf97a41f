package hcd

import (
	"fmt"
	"sync"

	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/pkg"
)

// Controller is one OTG host controller instance. It owns the core and DMA
// register blocks and all USB activity on them: synchronous transfers,
// OTG servicing and async dispatch are serialized on one mutex.
type Controller struct {
	cfg   Config
	core  mmio.Window
	dma   dma.Engine
	arena *mmio.Arena

	mu         sync.Mutex
	closed     bool
	role       OTGState
	port       PortStatus
	vbusErrors int
	ep0Stage   uint8
	power      PowerState

	// resetPending is set by connect and cleared once the caller has
	// driven a port reset.
	resetPending bool

	// disconnectPending is set when a disconnect gave up waiting for the
	// controller to leave the host state. service retries it every poll.
	disconnectPending bool

	async      map[asyncKey]*asyncEntry
	asyncOrder []asyncKey
}

// New attaches a controller to the register blocks at cfg.CoreBase and
// cfg.DMABase on bus. Descriptors and data buffers are allocated from
// arena, which must be visible to the controller's DMA.
func New(bus mmio.Bus, arena *mmio.Arena, cfg Config) (*Controller, error) {
	if bus == nil || arena == nil {
		return nil, fmt.Errorf("%w: nil bus or arena", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:   cfg,
		core:  mmio.NewWindow(bus, cfg.CoreBase),
		dma:   dma.New(mmio.NewWindow(bus, cfg.DMABase)),
		arena: arena,
		async: make(map[asyncKey]*asyncEntry),
	}
	c.attach()
	return c, nil
}

// attach brings the OTG block to a known idle state.
func (c *Controller) attach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.core.Write8(RegOTGIRQ, otgIrqAll)
	c.core.Write8(RegOTGIEN, otgIrqAll)
	c.power = PowerOperational

	if c.core.Test8(RegOTGStatus, OTGStatusID) {
		c.bIdle()
	} else {
		c.aIdle()
	}
	pkg.LogInfo(pkg.ComponentOTG, "controller attached",
		"core", fmt.Sprintf("%#x", c.cfg.CoreBase),
		"dma", fmt.Sprintf("%#x", c.cfg.DMABase),
		"aux", c.cfg.Aux,
		"role", c.role)
}

// Close cancels every async registration, resets the DMA block and drops
// VBUS. Operations on a closed controller return pkg.ErrNotRunning.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	for _, key := range c.asyncOrder {
		c.freeAsync(c.async[key])
	}
	c.async = make(map[asyncKey]*asyncEntry)
	c.asyncOrder = nil

	c.dma.Reset()
	c.core.Write8(RegOTGIEN, 0)
	c.vbusOff()
	c.power = PowerHalt
	c.closed = true

	pkg.LogInfo(pkg.ComponentOTG, "controller detached")
	return nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// DMA returns the controller's DMA channel engine.
func (c *Controller) DMA() dma.Engine {
	return c.dma
}

// Arena returns the DMA memory the controller allocates from.
func (c *Controller) Arena() *mmio.Arena {
	return c.arena
}

// EP0Stage returns the endpoint 0 stage most recently programmed.
func (c *Controller) EP0Stage() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep0Stage
}

// alloc returns a zeroed DMA buffer of n bytes. A zero-length request
// yields the zero Region.
func (c *Controller) alloc(n int) (mmio.Region, error) {
	if n == 0 {
		return mmio.Region{}, nil
	}
	return c.arena.Alloc(n, 4)
}

func (c *Controller) free(r mmio.Region) {
	if !r.IsZero() {
		c.arena.Free(r)
	}
}
