package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// ErrChannelBusy is returned by Program when the channel for an
// (endpoint, direction) pair has not been released since its last program.
var ErrChannelBusy = errors.New("dma channel busy")

// MaxEndpoint is the highest endpoint number with a DMA channel.
const MaxEndpoint = 15

// Engine drives the DMA channel bound to one (endpoint, direction) pair.
// It exposes raw completion/error state; deciding what an error means is
// the caller's job.
type Engine interface {
	// Program arms the channel with the descriptor at trb.
	Program(ep uint8, dir hal.Direction, trb uint32) error

	// CheckComplete reports the channel's transfer-complete bit without
	// clearing it.
	CheckComplete(ep uint8, dir hal.Direction) bool

	// CheckError reports the channel's descriptor-error bit.
	CheckError(ep uint8, dir hal.Direction) bool

	// ClearInterrupt clears the channel's completion and error status.
	ClearInterrupt(ep uint8, dir hal.Direction)

	// Release disables the channel. It is idempotent.
	Release(ep uint8, dir hal.Direction)

	// Reset soft-resets the whole DMA block.
	Reset()

	// Busy reports whether the channel is programmed and not yet released.
	Busy(ep uint8, dir hal.Direction) bool
}

// Channels is the register-backed Engine.
type Channels struct {
	regs mmio.Window

	mu         sync.Mutex
	programmed uint32 // bit ep for OUT, bit 16+ep for IN
}

// New returns an Engine for the DMA block at regs.
func New(regs mmio.Window) *Channels {
	return &Channels{regs: regs}
}

func channelBit(ep uint8, dir hal.Direction) uint32 {
	if dir == hal.DirIn {
		return 1 << (16 + uint32(ep&EpSelNumMask))
	}
	return 1 << uint32(ep&EpSelNumMask)
}

func (c *Channels) selectChannel(ep uint8, dir hal.Direction) {
	sel := uint32(ep & EpSelNumMask)
	if dir == hal.DirIn {
		sel |= EpSelDirIn
	}
	c.regs.Write32(RegEpSel, sel)
}

// Program selects single-burst mode, enables the channel interrupt, selects
// the channel, enables its completion and error status, loads the
// descriptor address, issues the fetch command and enables the channel.
func (c *Channels) Program(ep uint8, dir hal.Direction, trb uint32) error {
	if ep > MaxEndpoint {
		return fmt.Errorf("%w: endpoint %d", pkg.ErrInvalidParameter, ep)
	}
	bit := channelBit(ep, dir)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.programmed&bit != 0 {
		return fmt.Errorf("%w: ep%d %v", ErrChannelBusy, ep, dir)
	}

	c.regs.Set32(RegConf, ConfDSING)
	c.regs.Set32(RegEpIEN, bit)
	c.selectChannel(ep, dir)
	c.regs.Write32(RegEpStsEn, EpStsIOC|EpStsTRBErr)
	c.regs.Write32(RegTrAddr, trb)
	c.regs.Write32(RegEpCmd, EpCmdDRDY)
	c.regs.Write32(RegEpCfg, EpCfgEnable)

	c.programmed |= bit
	pkg.LogDebug(pkg.ComponentDMA, "program", "ep", ep, "dir", dir, "trb", trb)
	return nil
}

func (c *Channels) CheckComplete(ep uint8, dir hal.Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectChannel(ep, dir)
	return c.regs.Test32(RegEpSts, EpStsIOC)
}

func (c *Channels) CheckError(ep uint8, dir hal.Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectChannel(ep, dir)
	return c.regs.Test32(RegEpSts, EpStsTRBErr)
}

func (c *Channels) ClearInterrupt(ep uint8, dir hal.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectChannel(ep, dir)
	c.regs.Write32(RegEpSts, EpStsIOC|EpStsTRBErr)
}

func (c *Channels) Release(ep uint8, dir hal.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectChannel(ep, dir)
	c.regs.Clear32(RegEpCfg, EpCfgEnable)
	c.regs.Clear32(RegEpIEN, channelBit(ep, dir))
	c.programmed &^= channelBit(ep, dir)
}

// Reset asserts the global soft reset. Bookkeeping of programmed channels
// is kept: every channel still has to be released by its owner.
func (c *Channels) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs.Set32(RegConf, ConfSWRST)
	pkg.LogDebug(pkg.ComponentDMA, "soft reset")
}

func (c *Channels) Busy(ep uint8, dir hal.Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programmed&channelBit(ep, dir) != 0
}

// Programmed returns the bitmap of programmed channels (bit ep for OUT,
// bit 16+ep for IN).
func (c *Channels) Programmed() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programmed
}

var _ Engine = (*Channels)(nil)
