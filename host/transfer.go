package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Pipe is a buffered byte stream over a pair of bulk endpoints.
type Pipe struct {
	device *Device
	epIn   uint8
	epOut  uint8

	mu      sync.Mutex
	readBuf []byte
	readPos int
	readLen int
	outSize int
}

// NewPipe returns a pipe reading from bulk endpoint epIn and writing to
// bulk endpoint epOut of dev.
func NewPipe(dev *Device, epIn, epOut uint8) (*Pipe, error) {
	in, out := dev.Endpoint(epIn), dev.Endpoint(epOut)
	switch {
	case in == nil || !in.IsIn() || in.TransferType() != hal.TransferBulk:
		return nil, fmt.Errorf("%w: bulk IN endpoint %#02x", pkg.ErrNotFound, epIn)
	case out == nil || out.IsIn() || out.TransferType() != hal.TransferBulk:
		return nil, fmt.Errorf("%w: bulk OUT endpoint %#02x", pkg.ErrNotFound, epOut)
	}
	return &Pipe{
		device:  dev,
		epIn:    epIn,
		epOut:   epOut,
		readBuf: make([]byte, in.MaxPacketSize),
		outSize: int(out.MaxPacketSize),
	}, nil
}

// Read returns buffered data, or reads one packet from the IN endpoint
// when the buffer is empty.
func (p *Pipe) Read(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readPos < p.readLen {
		n := copy(data, p.readBuf[p.readPos:p.readLen])
		p.readPos += n
		return n, nil
	}

	n, err := p.device.BulkTransfer(ctx, p.epIn, p.readBuf)
	if err != nil {
		return 0, err
	}
	p.readLen = n
	p.readPos = copy(data, p.readBuf[:n])
	return p.readPos, nil
}

// Write sends data to the OUT endpoint one packet at a time.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for len(data) > 0 {
		n := min(len(data), p.outSize)
		written, err := p.device.BulkTransfer(ctx, p.epOut, data[:n])
		total += written
		if err != nil {
			return total, err
		}
		data = data[n:]
	}
	return total, nil
}

// Device returns the device this pipe is connected to.
func (p *Pipe) Device() *Device {
	return p.device
}
