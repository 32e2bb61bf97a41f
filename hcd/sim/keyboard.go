package sim

import (
	"sync"

	"github.com/ardnew/otgusb/host"
	"github.com/ardnew/otgusb/host/hal"
)

// Keyboard parameters.
const (
	KeyboardVendor     = 0x1209
	KeyboardProduct    = 0x0001
	KeyboardEndpoint   = 0x81
	KeyboardReportSize = 8
	KeyboardInterval   = 10
)

// hidReportDescriptorLen is the size announced for the boot keyboard
// report descriptor.
const hidReportDescriptorLen = 63

// Keyboard is a low/full-speed HID boot keyboard with one interrupt IN
// endpoint. Queued reports are returned one per poll; an empty queue NAKs.
type Keyboard struct {
	Device

	mu      sync.Mutex
	reports [][]byte
	idle    uint8
}

// NewKeyboard returns a keyboard with an empty report queue.
func NewKeyboard() *Keyboard {
	k := &Keyboard{}
	k.DeviceDescriptor = deviceDescriptor(0, 8, KeyboardVendor, KeyboardProduct)
	hid := []byte{9, host.DescriptorTypeHID, 0x11, 0x01, 0, 1, 0x22, hidReportDescriptorLen, 0}
	k.ConfigDescriptor = configDescriptor(0x03, 0x01, 0x01, hid, endpointSpec{
		address:   KeyboardEndpoint,
		attr:      uint8(hal.TransferInterrupt),
		maxPacket: KeyboardReportSize,
		interval:  KeyboardInterval,
	})
	k.Strings = []string{"otgusb", "Simulated Keyboard"}
	k.ClassRequest = k.classRequest
	return k
}

// Press queues a key report. Reports longer than KeyboardReportSize are
// truncated.
func (k *Keyboard) Press(report []byte) {
	r := make([]byte, KeyboardReportSize)
	copy(r, report)
	k.mu.Lock()
	k.reports = append(k.reports, r)
	k.mu.Unlock()
}

// Pending returns the number of queued reports.
func (k *Keyboard) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.reports)
}

func (k *Keyboard) In(ep uint8, buf []byte) (int, Handshake) {
	if ep != KeyboardEndpoint&0x0F {
		return 0, STALL
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.reports) == 0 {
		return 0, NAK
	}
	r := k.reports[0]
	k.reports = k.reports[1:]
	return copy(buf, r), ACK
}

// HID class requests.
const (
	hidGetIdle     = 0x02
	hidSetIdle     = 0x0A
	hidSetProtocol = 0x0B
)

// classRequest answers the HID SET_IDLE, GET_IDLE and SET_PROTOCOL
// requests addressed to the keyboard interface.
func (k *Keyboard) classRequest(setup hal.SetupPacket, data []byte) (int, Handshake) {
	const recipient = 0x1F
	if setup.RequestType&(host.RequestTypeClass|host.RequestTypeVendor) != host.RequestTypeClass ||
		setup.RequestType&recipient != host.RequestTypeInterface {
		return 0, STALL
	}
	switch setup.Request {
	case hidSetIdle:
		k.mu.Lock()
		k.idle = uint8(setup.Value >> 8)
		k.mu.Unlock()
		return 0, ACK
	case hidGetIdle:
		if len(data) < 1 {
			return 0, STALL
		}
		k.mu.Lock()
		data[0] = k.idle
		k.mu.Unlock()
		return 1, ACK
	case hidSetProtocol:
		return 0, ACK
	}
	return 0, STALL
}

var _ Function = (*Keyboard)(nil)
