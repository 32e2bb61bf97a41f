package hcd

import (
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// MaxAddress is the highest USB device address.
const MaxAddress = 127

// Request describes one transfer to a device endpoint.
type Request struct {
	Address   uint8            // device address
	Endpoint  uint8            // endpoint number, 0-15
	Dir       hal.Direction    // data direction (ignored for control)
	Type      hal.TransferType // set by the transfer entry points
	MaxPacket uint16           // endpoint max packet size
	Speed     hal.Speed        // device speed
	Toggle    uint8            // initial data toggle, 0 or 1
	Interval  uint8            // interrupt polling interval
	Setup     hal.SetupPacket  // control requests only
}

// Result is the outcome of a synchronous transfer.
type Result struct {
	Length int                // bytes moved in the data phase
	Toggle uint8              // hardware data toggle after the transfer
	Status pkg.TransferStatus // decoded completion status
}

func (r *Request) validate() error {
	switch {
	case r.Address > MaxAddress:
		return fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, r.Address)
	case r.Endpoint > dma.MaxEndpoint:
		return fmt.Errorf("%w: endpoint %d", pkg.ErrInvalidParameter, r.Endpoint)
	case r.Toggle > 1:
		return fmt.Errorf("%w: toggle %d", pkg.ErrInvalidParameter, r.Toggle)
	case r.Dir != hal.DirIn && r.Dir != hal.DirOut:
		return fmt.Errorf("%w: direction %d", pkg.ErrInvalidParameter, r.Dir)
	}
	return nil
}

// translateError maps a hardware error code to a transfer status.
func translateError(code uint8) pkg.TransferStatus {
	switch code & HCErrTypeMask {
	case ErrCodeNone:
		return pkg.TransferStatusSuccess
	case ErrCodeCRC:
		return pkg.TransferStatusCRC
	case ErrCodeStall:
		return pkg.TransferStatusStall
	case ErrCodeTimeout:
		return pkg.TransferStatusDeviceTimeout
	default:
		return pkg.TransferStatusBabble
	}
}

func irqRegs(dir hal.Direction) (irq, errIRQ uint32) {
	if dir == hal.DirIn {
		return RegRXIRQ, RegRXERRIRQ
	}
	return RegTXIRQ, RegTXERRIRQ
}

// poll checks (ep, dir) once. done reports whether the channel finished,
// and status how.
func (c *Controller) poll(ep uint8, dir hal.Direction) (done bool, status pkg.TransferStatus) {
	_, errIRQ := irqRegs(dir)
	bit := uint16(1) << ep

	if c.core.Test16(errIRQ, bit) {
		code := c.core.Read8(RegHCErr(ep, dir))
		c.core.Write16(errIRQ, bit)
		c.core.Write8(RegHCErr(ep, dir), 0)
		status = translateError(code)
		if status == pkg.TransferStatusSuccess {
			status = pkg.TransferStatusBabble
		}
		return true, status
	}
	if c.dma.CheckError(ep, dir) {
		return true, pkg.TransferStatusBabble
	}
	if c.dma.CheckComplete(ep, dir) {
		return true, pkg.TransferStatusSuccess
	}
	return false, pkg.TransferStatusSuccess
}

// acknowledge clears the channel and core completion flags of (ep, dir).
func (c *Controller) acknowledge(ep uint8, dir hal.Direction) {
	irq, _ := irqRegs(dir)
	c.dma.ClearInterrupt(ep, dir)
	c.core.Write16(irq, uint16(1)<<ep)
}

// waitFor spins until (ep, dir) completes or the deadline passes.
func (c *Controller) waitFor(ep uint8, dir hal.Direction, deadline time.Time) pkg.TransferStatus {
	for {
		if done, status := c.poll(ep, dir); done {
			return status
		}
		if !time.Now().Before(deadline) {
			return pkg.TransferStatusTimeout
		}
		if c.cfg.PollDelay > 0 {
			time.Sleep(c.cfg.PollDelay)
		}
	}
}

// stage is one program/poll/release cycle on an already configured
// endpoint.
type stage struct {
	op   string
	name string
	ep   uint8
	dir  hal.Direction
	buf  mmio.Region // data in DMA memory; zero for a zero-length stage
	n    int
}

// checkIdle rejects a transfer on a channel that is still programmed,
// before any of the endpoint's registers are touched.
func (c *Controller) checkIdle(ep uint8, dir hal.Direction) error {
	if c.dma.Busy(ep, dir) {
		return fmt.Errorf("%w: %w: ep%d %v", pkg.ErrBusy, dma.ErrChannelBusy, ep, dir)
	}
	return nil
}

// run programs trb slot 0 of pool with the stage's buffer, busy-waits for
// completion and releases the channel on every path. It returns the number
// of bytes the controller reports moved.
func (c *Controller) run(s stage, pool *dma.Pool, timeout time.Duration) (int, error) {
	addr := pool.Put(0, dma.NormalTRB(s.buf.Addr, s.n))
	if err := c.dma.Program(s.ep, s.dir, addr); err != nil {
		if errors.Is(err, dma.ErrChannelBusy) {
			return 0, fmt.Errorf("%w: %w", pkg.ErrBusy, err)
		}
		return 0, err
	}
	defer c.dma.Release(s.ep, s.dir)

	status := c.waitFor(s.ep, s.dir, time.Now().Add(timeout))
	if status != pkg.TransferStatusSuccess {
		c.dma.Reset()
		c.acknowledge(s.ep, s.dir)
		pkg.LogWarn(pkg.ComponentTransfer, "transfer failed",
			"op", s.op, "stage", s.name, "ep", s.ep, "dir", s.dir, "status", status)
		return 0, pkg.NewTransferError(s.op, s.name, s.ep, s.dir == hal.DirIn, status)
	}

	n := int(pool.Get(0).Length)
	if n > s.n {
		n = s.n
	}
	c.acknowledge(s.ep, s.dir)
	return n, nil
}

// transferBuffers allocates the DMA memory for one synchronous transfer:
// a single-descriptor pool plus a data buffer of n bytes. On failure
// nothing is left allocated.
func (c *Controller) transferBuffers(n int) (*dma.Pool, mmio.Region, error) {
	pool, err := dma.NewPool(c.arena, 1)
	if err != nil {
		return nil, mmio.Region{}, err
	}
	buf, err := c.alloc(n)
	if err != nil {
		pool.Free()
		return nil, mmio.Region{}, err
	}
	return pool, buf, nil
}

func (c *Controller) releaseBuffers(pool *dma.Pool, buf mmio.Region) {
	c.free(buf)
	pool.Free()
}

func checkTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout %v", pkg.ErrInvalidParameter, timeout)
	}
	return nil
}

// resultOf fills res.Status from err.
func resultOf(res Result, err error) (Result, error) {
	res.Status = pkg.StatusOf(err)
	return res, err
}
