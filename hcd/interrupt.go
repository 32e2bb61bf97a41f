package hcd

import (
	"fmt"
	"time"

	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// MaxInterruptPacket is the largest interrupt endpoint max packet size.
const MaxInterruptPacket = 1024

// InterruptTransfer performs one blocking interrupt exchange of len(data)
// bytes on req.Endpoint, paced by req.Interval. It is a single
// program/poll/release cycle bounded by timeout.
func (c *Controller) InterruptTransfer(req Request, data []byte, timeout time.Duration) (Result, error) {
	req.Type = hal.TransferInterrupt
	if err := c.validateData(&req, data, timeout); err != nil {
		return Result{}, err
	}
	if req.MaxPacket == 0 || req.MaxPacket > MaxInterruptPacket {
		return Result{}, fmt.Errorf("%w: interrupt max packet %d", pkg.ErrInvalidParameter, req.MaxPacket)
	}
	if len(data) > dma.MaxTRBLength {
		return Result{}, fmt.Errorf("%w: interrupt length %d", pkg.ErrInvalidParameter, len(data))
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
	s := stage{op: "interrupt", ep: req.Endpoint, dir: req.Dir, buf: buf, n: len(data)}
	got, err := c.run(s, pool, timeout)
	if err == nil && req.Dir == hal.DirIn {
		copy(data, buf.Bytes[:got])
	}
	res.Length = got
	res.Toggle = c.readToggle(req.Endpoint, req.Dir)
	return resultOf(res, err)
}

// armAsyncInterrupt configures e's endpoint and programs the descriptor of
// its current slice. Completion is left to DispatchAsync.
func (c *Controller) armAsyncInterrupt(e *asyncEntry) error {
	req := Request{
		Address:   e.key.addr,
		Endpoint:  e.key.ep,
		Dir:       hal.DirIn,
		Type:      hal.TransferInterrupt,
		MaxPacket: e.maxPacket,
		Speed:     e.speed,
		Toggle:    e.toggle,
		Interval:  e.interval,
	}
	if err := c.checkIdle(req.Endpoint, req.Dir); err != nil {
		return err
	}
	c.configure(&req, 0)

	slice := e.slice(e.index)
	addr := e.pool.Put(e.index, dma.NormalTRB(slice.Addr, e.length))
	if err := c.dma.Program(e.key.ep, hal.DirIn, addr); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrBusy, err)
	}
	return nil
}
