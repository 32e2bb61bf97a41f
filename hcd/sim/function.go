package sim

import (
	"fmt"

	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/host/hal"
)

// Handshake is a virtual function's answer to one transaction.
type Handshake uint8

const (
	ACK            Handshake = iota // data accepted or delivered
	NAK                             // not ready, retried by the controller
	STALL                           // endpoint halted or request unsupported
	CRCError                        // corrupted packet
	NoResponse                      // device did not answer the token
	Babble                          // device talked past the end of a packet
	ToggleMismatch                  // data toggle out of sequence
)

func (h Handshake) String() string {
	switch h {
	case ACK:
		return "ACK"
	case NAK:
		return "NAK"
	case STALL:
		return "STALL"
	case CRCError:
		return "CRC"
	case NoResponse:
		return "no-response"
	case Babble:
		return "babble"
	case ToggleMismatch:
		return "toggle-mismatch"
	default:
		return fmt.Sprintf("handshake(%d)", uint8(h))
	}
}

// errCode returns the HCERR code the controller reports for h.
func (h Handshake) errCode() uint8 {
	switch h {
	case CRCError:
		return hcd.ErrCodeCRC
	case STALL:
		return hcd.ErrCodeStall
	case NoResponse:
		return hcd.ErrCodeTimeout
	case ToggleMismatch:
		return hcd.ErrCodeToggle
	case Babble:
		return hcd.ErrCodeBabble
	default:
		return hcd.ErrCodeOther
	}
}

// Function is a virtual USB device function attached to the simulated
// port.
type Function interface {
	// Control handles a control request other than SET_ADDRESS. For IN
	// requests data is the response buffer of setup.Length bytes and the
	// returned count is how much of it was filled; for OUT requests data
	// holds the host's payload.
	Control(setup hal.SetupPacket, data []byte) (int, Handshake)

	// In fills buf for an IN transaction on endpoint ep.
	In(ep uint8, buf []byte) (int, Handshake)

	// Out consumes data from an OUT transaction on endpoint ep.
	Out(ep uint8, data []byte) Handshake
}

// Funcs adapts plain functions to Function. Nil members STALL.
type Funcs struct {
	ControlFunc func(setup hal.SetupPacket, data []byte) (int, Handshake)
	InFunc      func(ep uint8, buf []byte) (int, Handshake)
	OutFunc     func(ep uint8, data []byte) Handshake
}

func (f Funcs) Control(setup hal.SetupPacket, data []byte) (int, Handshake) {
	if f.ControlFunc == nil {
		return 0, STALL
	}
	return f.ControlFunc(setup, data)
}

func (f Funcs) In(ep uint8, buf []byte) (int, Handshake) {
	if f.InFunc == nil {
		return 0, STALL
	}
	return f.InFunc(ep, buf)
}

func (f Funcs) Out(ep uint8, data []byte) Handshake {
	if f.OutFunc == nil {
		return STALL
	}
	return f.OutFunc(ep, data)
}

var _ Function = Funcs{}
