package pkg

import (
	"errors"
	"fmt"
)

// Parameter and resource errors.
var (
	// ErrInvalidParameter indicates an invalid parameter was provided.
	// No hardware was touched when this is returned.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNoMemory indicates a DMA descriptor or buffer allocation failed.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrNotFound indicates a lookup (e.g. an async registration) failed.
	ErrNotFound = errors.New("not found")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNoDevice indicates no device is present on the port.
	ErrNoDevice = errors.New("device not present")
)

// Transfer outcome errors.
var (
	// ErrTimeout indicates the hardware never signalled completion within
	// the caller's budget.
	ErrTimeout = errors.New("transfer timeout")

	// ErrDevice is the class of all device/protocol errors reported by the
	// controller's error-code registers.
	ErrDevice = errors.New("device error")

	// ErrCRC indicates a CRC error.
	ErrCRC = errors.New("CRC error")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrDeviceTimeout indicates the device did not answer a token.
	ErrDeviceTimeout = errors.New("device not responding")

	// ErrBabble indicates an unexpected or inconsistent bus/hardware state.
	ErrBabble = errors.New("babble")
)

// TransferStatus represents the completion status of a USB transfer as
// decoded from the controller.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess       TransferStatus = iota // Transfer completed successfully
	TransferStatusCRC                                 // CRC error on the wire
	TransferStatusStall                               // Endpoint stalled
	TransferStatusDeviceTimeout                       // Device did not respond
	TransferStatusBabble                              // Any other hardware error
	TransferStatusTimeout                             // Completion never signalled
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusCRC:
		return "crc"
	case TransferStatusStall:
		return "stall"
	case TransferStatusDeviceTimeout:
		return "device-timeout"
	case TransferStatusBabble:
		return "babble"
	case TransferStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// IsDeviceError reports whether s belongs to the device/protocol error class.
func (s TransferStatus) IsDeviceError() bool {
	switch s {
	case TransferStatusCRC, TransferStatusStall, TransferStatusDeviceTimeout, TransferStatusBabble:
		return true
	}
	return false
}

// Error returns the corresponding sentinel error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusCRC:
		return ErrCRC
	case TransferStatusStall:
		return ErrStall
	case TransferStatusDeviceTimeout:
		return ErrDeviceTimeout
	case TransferStatusTimeout:
		return ErrTimeout
	default:
		return ErrBabble
	}
}

// TransferError describes a failed transfer. It matches both the class
// sentinel ([ErrDevice] or [ErrTimeout]) and the specific status sentinel
// with [errors.Is].
type TransferError struct {
	Op       string         // "control", "bulk", "interrupt"
	Stage    string         // control stage, empty otherwise
	Endpoint uint8          // endpoint number
	In       bool           // direction of the failing stage
	Status   TransferStatus // decoded outcome
}

// NewTransferError builds a TransferError for a non-success status.
func NewTransferError(op, stage string, ep uint8, in bool, status TransferStatus) *TransferError {
	return &TransferError{Op: op, Stage: stage, Endpoint: ep, In: in, Status: status}
}

func (e *TransferError) Error() string {
	dir := "out"
	if e.In {
		dir = "in"
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s %s stage ep%d %s: %v", e.Op, e.Stage, e.Endpoint, dir, e.Status.Error())
	}
	return fmt.Sprintf("%s ep%d %s: %v", e.Op, e.Endpoint, dir, e.Status.Error())
}

// Unwrap exposes the class and status sentinels.
func (e *TransferError) Unwrap() []error {
	if e.Status == TransferStatusTimeout {
		return []error{ErrTimeout}
	}
	return []error{ErrDevice, e.Status.Error()}
}

// StatusOf extracts the TransferStatus carried by err. A nil error is
// success; errors without a status report TransferStatusBabble.
func StatusOf(err error) TransferStatus {
	if err == nil {
		return TransferStatusSuccess
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Status
	}
	return TransferStatusBabble
}
