package hal

import (
	"context"
	"encoding/binary"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB link speeds.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// DefaultMaxPacket0 is the endpoint 0 packet size assumed before the device
// descriptor has been read.
func (s Speed) DefaultMaxPacket0() uint16 {
	if s == SpeedHigh {
		return 64
	}
	return 8
}

// Direction is the data direction of an endpoint or transfer stage.
type Direction uint8

// Direction values. The numeric value doubles as the IN bit in the
// controller's endpoint select registers.
const (
	DirOut Direction = 0 // Host to device
	DirIn  Direction = 1 // Device to host
)

// String returns "in" or "out".
func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	return d ^ 1
}

// DirectionOf returns the direction encoded in an endpoint address.
func DirectionOf(endpointAddress uint8) Direction {
	if endpointAddress&0x80 != 0 {
		return DirIn
	}
	return DirOut
}

// PortStatus represents the status of a host port.
type PortStatus struct {
	Connected         bool  // Device is connected
	Enabled           bool  // Port is enabled
	Suspended         bool  // Port is suspended
	OverCurrent       bool  // Over-current condition detected
	Reset             bool  // Port is being reset
	PowerOn           bool  // Port has power applied
	Speed             Speed // Connected device speed
	ConnectChange     bool  // Connection status has changed
	EnableChange      bool  // Enable status has changed
	SuspendChange     bool  // Suspend status has changed
	OverCurrentChange bool  // Over-current status has changed
	ResetChange       bool  // Reset has completed
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:])
	out.Index = binary.LittleEndian.Uint16(data[4:])
	out.Length = binary.LittleEndian.Uint16(data[6:])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// DataDirection returns the direction of the data stage requested by the
// setup packet.
func (s *SetupPacket) DataDirection() Direction {
	return DirectionOf(s.RequestType)
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants (bmAttributes encoding).
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// EndpointDescriptor describes an endpoint for HAL configuration.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// DeviceAddress represents a USB device address (0-127).
type DeviceAddress uint8

// HostHAL is the boundary between the bus-enumeration caller and a host
// controller engine.
//
// Transfers honour ctx only until the hardware has been armed; once a
// synchronous transfer is in flight it ends by completion, error or the
// engine's own timeout.
type HostHAL interface {
	// Initialization and Lifecycle

	// Init initializes the USB host controller hardware.
	Init(ctx context.Context) error

	// Start enables the host controller and applies power to ports.
	Start() error

	// Stop disables the host controller and removes power from ports.
	Stop() error

	// Close releases all resources associated with the HAL.
	Close() error

	// Port Operations

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// PortSpeed returns the connection speed of a device on the given port.
	PortSpeed(port int) Speed

	// ResetPort drives a port reset (1-indexed). After reset the device
	// answers at address 0.
	ResetPort(port int) error

	// EnablePort enables or disables a port.
	EnablePort(port int, enable bool) error

	// Transfers

	// ControlTransfer performs a control transfer to a device.
	// The data direction follows setup.RequestType.
	// Returns the number of bytes transferred in the data phase.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer performs a bulk transfer to/from an endpoint address.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// InterruptTransfer performs a blocking interrupt transfer.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer performs an isochronous transfer.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// Device Management

	// SetDeviceAddress assigns an address to the device at address 0.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ConfigureEndpoint records an endpoint's transfer parameters. An
	// endpoint number of 0 updates the control endpoint max packet size.
	ConfigureEndpoint(addr DeviceAddress, ep EndpointDescriptor) error

	// ClaimInterface claims exclusive access to an interface on a device.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// Connection Events

	// WaitForConnection blocks until a device connects or ctx is cancelled.
	// Returns the port number (1-indexed) where the device connected.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device disconnects or ctx is
	// cancelled.
	WaitForDisconnection(ctx context.Context) (int, error)
}

// InterruptCompletion is delivered to an interrupt subscription each time
// the endpoint returns a report.
type InterruptCompletion struct {
	Data []byte // valid only for the duration of the callback
	Err  error
}

// AsyncInterruptHAL is implemented by HALs that can keep an interrupt IN
// endpoint polled in the background.
type AsyncInterruptHAL interface {
	// SubscribeInterrupt arms a periodic interrupt IN transfer of length
	// bytes and calls fn for each completion.
	SubscribeInterrupt(addr DeviceAddress, endpoint uint8, length int, fn func(InterruptCompletion)) error

	// UnsubscribeInterrupt cancels a subscription.
	UnsubscribeInterrupt(addr DeviceAddress, endpoint uint8) error
}
