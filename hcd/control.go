package hcd

import (
	"fmt"
	"time"

	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Control stage names reported in transfer errors.
const (
	StageSetup  = "setup"
	StageData   = "data"
	StageStatus = "status"
)

func validControlMaxPacket(mp uint16) bool {
	switch mp {
	case 8, 16, 32, 64:
		return true
	}
	return false
}

// ControlTransfer runs a control transfer on endpoint 0 of req.Address: a
// SETUP stage carrying req.Setup, a DATA stage of req.Setup.Length bytes in
// the direction the setup packet names, and a zero-length STATUS stage in
// the opposite direction (IN when there is no data stage). data must hold
// at least req.Setup.Length bytes, and must be empty when the length is
// zero. Each stage waits at most timeout.
func (c *Controller) ControlTransfer(req Request, data []byte, timeout time.Duration) (Result, error) {
	req.Endpoint = 0
	req.Type = hal.TransferControl
	req.Dir = hal.DirOut
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if err := checkTimeout(timeout); err != nil {
		return Result{}, err
	}
	if !validControlMaxPacket(req.MaxPacket) {
		return Result{}, fmt.Errorf("%w: control max packet %d", pkg.ErrInvalidParameter, req.MaxPacket)
	}
	n := int(req.Setup.Length)
	switch {
	case n == 0 && len(data) != 0:
		return Result{}, fmt.Errorf("%w: %d data bytes for a no-data request", pkg.ErrInvalidParameter, len(data))
	case len(data) < n:
		return Result{}, fmt.Errorf("%w: buffer of %d bytes for wLength %d", pkg.ErrInvalidParameter, len(data), n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, pkg.ErrNotRunning
	}

	pool, buf, err := c.transferBuffers(hal.SetupPacketSize + n)
	if err != nil {
		return Result{}, err
	}
	defer c.releaseBuffers(pool, buf)

	res, err := c.control(&req, data[:n], buf, pool, timeout)
	return resultOf(res, err)
}

func (c *Controller) control(req *Request, data []byte, buf mmio.Region, pool *dma.Pool, timeout time.Duration) (Result, error) {
	var res Result
	n := len(data)

	setup := buf.Bytes[:hal.SetupPacketSize]
	req.Setup.MarshalTo(setup)
	req.Dir = hal.DirOut
	c.configure(req, EP0StageSetup)
	s := stage{op: "control", name: StageSetup, dir: hal.DirOut, buf: region(buf, 0, hal.SetupPacketSize), n: hal.SetupPacketSize}
	if _, err := c.run(s, pool, timeout); err != nil {
		return res, err
	}

	statusDir := hal.DirIn
	if n > 0 {
		dir := req.Setup.DataDirection()
		statusDir = dir.Opposite()
		payload := region(buf, hal.SetupPacketSize, n)
		if dir == hal.DirOut {
			copy(payload.Bytes, data)
		}

		req.Dir = dir
		c.configure(req, EP0StageData)
		s = stage{op: "control", name: StageData, dir: dir, buf: payload, n: n}
		got, err := c.run(s, pool, timeout)
		if err != nil {
			return res, err
		}
		if dir == hal.DirIn {
			copy(data, payload.Bytes[:got])
		}
		res.Length = got
	}

	req.Dir = statusDir
	c.configure(req, EP0StageStatus)
	s = stage{op: "control", name: StageStatus, dir: statusDir}
	if _, err := c.run(s, pool, timeout); err != nil {
		return res, err
	}

	pkg.LogDebug(pkg.ComponentTransfer, "control transfer",
		"addr", req.Address, "request", fmt.Sprintf("%#02x", req.Setup.Request), "length", res.Length)
	return res, nil
}

// region returns the n-byte sub-region of r at off.
func region(r mmio.Region, off, n int) mmio.Region {
	return mmio.Region{Addr: r.Addr + uint32(off), Bytes: r.Bytes[off : off+n]}
}
