package hcd

import (
	"fmt"

	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// AsyncIterations is the number of buffered slices, and descriptors, each
// async registration owns.
const AsyncIterations = 8

// Async polling interval bounds.
const (
	MinAsyncInterval = 1
	MaxAsyncInterval = 255
)

// AsyncCompletion is delivered to an async callback for every completed
// poll of its endpoint.
type AsyncCompletion struct {
	Address  uint8
	Endpoint uint8

	// Data is the completed slice. It stays valid until AsyncIterations
	// further completions of the same registration.
	Data    []byte
	Length  int
	Context any
	Status  pkg.TransferStatus
	Toggle  uint8
}

// AsyncCallback receives async completions. It runs on the dispatching
// goroutine without the controller lock held.
type AsyncCallback func(AsyncCompletion)

// AsyncRequest registers a periodically re-armed interrupt IN transfer.
type AsyncRequest struct {
	Address   uint8
	Endpoint  uint8
	Dir       hal.Direction // must be DirIn
	MaxPacket uint16
	Speed     hal.Speed
	Interval  int   // polling interval, 1-255
	Length    int   // bytes per poll
	Toggle    uint8 // initial data toggle
	Callback  AsyncCallback
	Context   any
}

type asyncKey struct {
	addr uint8
	ep   uint8
}

type asyncEntry struct {
	key       asyncKey
	maxPacket uint16
	speed     hal.Speed
	interval  uint8
	length    int
	toggle    uint8
	callback  AsyncCallback
	context   any

	buf   mmio.Region // length * AsyncIterations bytes
	pool  *dma.Pool   // AsyncIterations descriptors
	index int         // slice currently armed
}

func (e *asyncEntry) slice(i int) mmio.Region {
	return region(e.buf, i*e.length, e.length)
}

func (r *AsyncRequest) validate() error {
	switch {
	case r.Dir != hal.DirIn:
		return fmt.Errorf("%w: async transfers are interrupt IN only", pkg.ErrInvalidParameter)
	case r.Address > MaxAddress:
		return fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, r.Address)
	case r.Endpoint == 0 || r.Endpoint > dma.MaxEndpoint:
		return fmt.Errorf("%w: endpoint %d", pkg.ErrInvalidParameter, r.Endpoint)
	case r.Toggle > 1:
		return fmt.Errorf("%w: toggle %d", pkg.ErrInvalidParameter, r.Toggle)
	case r.Interval < MinAsyncInterval || r.Interval > MaxAsyncInterval:
		return fmt.Errorf("%w: polling interval %d", pkg.ErrInvalidParameter, r.Interval)
	case r.Length <= 0 || r.Length > dma.MaxTRBLength:
		return fmt.Errorf("%w: length %d", pkg.ErrInvalidParameter, r.Length)
	case r.MaxPacket == 0 || r.MaxPacket > MaxInterruptPacket:
		return fmt.Errorf("%w: max packet %d", pkg.ErrInvalidParameter, r.MaxPacket)
	case r.Callback == nil:
		return fmt.Errorf("%w: nil callback", pkg.ErrInvalidParameter)
	}
	return nil
}

// AsyncInterruptTransfer registers r and arms its first poll. A second
// registration for the same (address, endpoint) is rejected with
// pkg.ErrInvalidParameter and leaves the first in place.
func (c *Controller) AsyncInterruptTransfer(r AsyncRequest) error {
	if err := r.validate(); err != nil {
		return err
	}
	key := asyncKey{addr: r.Address, ep: r.Endpoint}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrNotRunning
	}
	if _, dup := c.async[key]; dup {
		return fmt.Errorf("%w: async transfer already registered for addr %d ep %d",
			pkg.ErrInvalidParameter, r.Address, r.Endpoint)
	}
	if err := c.checkIdle(r.Endpoint, hal.DirIn); err != nil {
		return err
	}

	buf, err := c.alloc(r.Length * AsyncIterations)
	if err != nil {
		return err
	}
	pool, err := dma.NewPool(c.arena, AsyncIterations)
	if err != nil {
		c.free(buf)
		return err
	}

	e := &asyncEntry{
		key:       key,
		maxPacket: r.MaxPacket,
		speed:     r.Speed,
		interval:  uint8(r.Interval),
		length:    r.Length,
		toggle:    r.Toggle,
		callback:  r.Callback,
		context:   r.Context,
		buf:       buf,
		pool:      pool,
	}
	if err := c.armAsyncInterrupt(e); err != nil {
		c.freeAsync(e)
		return err
	}

	c.async[key] = e
	c.asyncOrder = append(c.asyncOrder, key)
	pkg.LogDebug(pkg.ComponentAsync, "registered",
		"addr", r.Address, "ep", r.Endpoint, "interval", r.Interval, "length", r.Length)
	return nil
}

// CancelAsyncInterruptTransfer removes the registration for (addr, ep) and
// returns its data toggle. Cancelling an unknown registration returns
// pkg.ErrInvalidParameter and changes nothing.
func (c *Controller) CancelAsyncInterruptTransfer(addr, ep uint8) (uint8, error) {
	key := asyncKey{addr: addr, ep: ep}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, pkg.ErrNotRunning
	}
	e, ok := c.async[key]
	if !ok {
		return 0, fmt.Errorf("%w: %w: async transfer addr %d ep %d",
			pkg.ErrInvalidParameter, pkg.ErrNotFound, addr, ep)
	}

	c.freeAsync(e)
	delete(c.async, key)
	for i, k := range c.asyncOrder {
		if k == key {
			c.asyncOrder = append(c.asyncOrder[:i], c.asyncOrder[i+1:]...)
			break
		}
	}
	pkg.LogDebug(pkg.ComponentAsync, "cancelled", "addr", addr, "ep", ep, "toggle", e.toggle)
	return e.toggle, nil
}

// freeAsync stops e's channel and returns its memory.
func (c *Controller) freeAsync(e *asyncEntry) {
	c.dma.Release(e.key.ep, hal.DirIn)
	e.pool.Free()
	c.free(e.buf)
}

// AsyncPending returns the number of registered async transfers.
func (c *Controller) AsyncPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.async)
}

type asyncDelivery struct {
	fn AsyncCallback
	ac AsyncCompletion
}

// DispatchAsync checks every registration once. Each completed one moves to
// its next slice and is re-armed before its callback receives the slice
// that just completed. Errors are delivered like data. Callbacks run after
// the controller lock is released; the number delivered is returned.
func (c *Controller) DispatchAsync() int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}

	var out []asyncDelivery
	for _, key := range c.asyncOrder {
		e := c.async[key]
		done, status := c.poll(key.ep, hal.DirIn)
		if !done {
			continue
		}

		n := 0
		if status == pkg.TransferStatusSuccess {
			n = int(e.pool.Get(e.index).Length)
			if n > e.length {
				n = e.length
			}
		} else {
			c.dma.Reset()
		}
		c.acknowledge(key.ep, hal.DirIn)
		c.dma.Release(key.ep, hal.DirIn)
		e.toggle = c.readToggle(key.ep, hal.DirIn)

		prev := e.slice(e.index)
		e.index = (e.index + 1) % AsyncIterations
		if err := c.armAsyncInterrupt(e); err != nil {
			pkg.LogError(pkg.ComponentAsync, "re-arm failed",
				"addr", key.addr, "ep", key.ep, "error", err)
		}

		out = append(out, asyncDelivery{
			fn: e.callback,
			ac: AsyncCompletion{
				Address:  key.addr,
				Endpoint: key.ep,
				Data:     prev.Bytes[:n],
				Length:   n,
				Context:  e.context,
				Status:   status,
				Toggle:   e.toggle,
			},
		})
	}
	c.mu.Unlock()

	for _, d := range out {
		d.fn(d.ac)
	}
	return len(out)
}
