package sim

import (
	"sync"

	"github.com/ardnew/otgusb/host/hal"
)

// Loopback parameters.
const (
	LoopbackVendor  = 0x1209
	LoopbackProduct = 0x0002
	LoopbackOut     = 0x01
	LoopbackIn      = 0x82
)

// Loopback is a vendor-class function that echoes bulk OUT data on
// endpoint 1 back on bulk IN endpoint 2. An IN poll with nothing buffered
// NAKs.
type Loopback struct {
	Device

	mu  sync.Mutex
	buf []byte
}

// NewLoopback returns a loopback function whose bulk endpoints use the
// max packet size legal at speed.
func NewLoopback(speed hal.Speed) *Loopback {
	mp := uint16(64)
	ep0 := uint8(8)
	if speed == hal.SpeedHigh {
		mp, ep0 = 512, 64
	}
	l := &Loopback{}
	l.DeviceDescriptor = deviceDescriptor(0xFF, ep0, LoopbackVendor, LoopbackProduct)
	l.ConfigDescriptor = configDescriptor(0xFF, 0, 0, nil,
		endpointSpec{address: LoopbackOut, attr: uint8(hal.TransferBulk), maxPacket: mp},
		endpointSpec{address: LoopbackIn, attr: uint8(hal.TransferBulk), maxPacket: mp},
	)
	l.Strings = []string{"otgusb", "Simulated Loopback"}
	return l
}

// Buffered returns the number of bytes waiting to be read back.
func (l *Loopback) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func (l *Loopback) Out(ep uint8, data []byte) Handshake {
	if ep != LoopbackOut {
		return STALL
	}
	l.mu.Lock()
	l.buf = append(l.buf, data...)
	l.mu.Unlock()
	return ACK
}

func (l *Loopback) In(ep uint8, buf []byte) (int, Handshake) {
	if ep != LoopbackIn&0x0F {
		return 0, STALL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) == 0 {
		return 0, NAK
	}
	n := copy(buf, l.buf)
	l.buf = l.buf[n:]
	return n, ACK
}

var _ Function = (*Loopback)(nil)
