package hcd

import (
	"fmt"
	"time"

	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

func validBulkMaxPacket(mp uint16) bool {
	switch mp {
	case 8, 16, 32, 64, 512:
		return true
	}
	return false
}

// chunkSizes splits length bytes into DMA programs of at most burst bytes.
// Every chunk but the last is burst bytes long.
func chunkSizes(length, burst int) []int {
	if length <= 0 || burst <= 0 {
		return nil
	}
	count := (length + burst - 1) / burst
	sizes := make([]int, count)
	for i := range sizes {
		sizes[i] = burst
	}
	if rem := length % burst; rem != 0 {
		sizes[count-1] = rem
	}
	return sizes
}

// BulkTransfer moves data to or from bulk endpoint req.Endpoint in
// Config.BurstSize chunks, each its own program/poll/release cycle on the
// same endpoint configuration. An IN transfer stops early at the first
// short chunk. Result.Toggle carries the hardware toggle after the
// transfer, whether or not it succeeded. Each chunk waits at most timeout.
func (c *Controller) BulkTransfer(req Request, data []byte, timeout time.Duration) (Result, error) {
	req.Type = hal.TransferBulk
	if err := c.validateData(&req, data, timeout); err != nil {
		return Result{}, err
	}
	if !validBulkMaxPacket(req.MaxPacket) {
		return Result{}, fmt.Errorf("%w: bulk max packet %d", pkg.ErrInvalidParameter, req.MaxPacket)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, pkg.ErrNotRunning
	}
	if err := c.checkIdle(req.Endpoint, req.Dir); err != nil {
		return Result{}, err
	}

	pool, buf, err := c.transferBuffers(len(data))
	if err != nil {
		return Result{}, err
	}
	defer c.releaseBuffers(pool, buf)

	if req.Dir == hal.DirOut {
		copy(buf.Bytes, data)
	}
	c.configure(&req, 0)

	var res Result
	off := 0
	for _, size := range chunkSizes(len(data), c.cfg.BurstSize) {
		s := stage{op: "bulk", ep: req.Endpoint, dir: req.Dir, buf: region(buf, off, size), n: size}
		got, err := c.run(s, pool, timeout)
		if err != nil {
			res.Length = off
			res.Toggle = c.readToggle(req.Endpoint, req.Dir)
			return resultOf(res, err)
		}
		if req.Dir == hal.DirIn {
			copy(data[off:], buf.Bytes[off:off+got])
		}
		off += got
		if got < size {
			break
		}
	}

	res.Length = off
	res.Toggle = c.readToggle(req.Endpoint, req.Dir)
	pkg.LogDebug(pkg.ComponentTransfer, "bulk transfer",
		"addr", req.Address, "ep", req.Endpoint, "dir", req.Dir,
		"length", res.Length, "toggle", res.Toggle)
	return res, nil
}

// validateData checks the request and payload of a bulk or interrupt
// transfer.
func (c *Controller) validateData(req *Request, data []byte, timeout time.Duration) error {
	if err := req.validate(); err != nil {
		return err
	}
	if req.Endpoint == 0 {
		return fmt.Errorf("%w: %v transfer on endpoint 0", pkg.ErrInvalidParameter, req.Type)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: zero-length %v transfer", pkg.ErrInvalidParameter, req.Type)
	}
	return checkTimeout(timeout)
}
