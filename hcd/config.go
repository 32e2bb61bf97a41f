package hcd

import (
	"fmt"
	"time"

	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/pkg"
)

// AuxVariant selects which secondary register set the controller carries.
// The two variants are mutually exclusive in hardware.
type AuxVariant uint8

const (
	AuxWakeCtrl AuxVariant = iota // 8-bit WAKECTRL at RegWakeCtrl
	AuxSysCtrl                    // 32-bit SYSCTRL at RegSysCtrl
)

func (v AuxVariant) String() string {
	switch v {
	case AuxWakeCtrl:
		return "wakectrl"
	case AuxSysCtrl:
		return "sysctrl"
	default:
		return fmt.Sprintf("aux(%d)", uint8(v))
	}
}

// Default register and timing parameters.
const (
	DefaultCoreBase            = 0x3110_0000
	DefaultDMABase             = 0x3110_0400
	DefaultBurstSize           = 512
	DefaultPollDelay           = 10 * time.Microsecond
	DefaultTimeout             = 500 * time.Millisecond
	DefaultDispatchInterval    = 10 * time.Millisecond
	DefaultHotplugInterval     = 50 * time.Millisecond
	DefaultDisconnectSpinLimit = 1000
	DefaultResetDelay          = 10 * time.Millisecond
)

// Config holds controller parameters.
type Config struct {
	CoreBase uint32     // core register block
	DMABase  uint32     // DMA sub-block
	Aux      AuxVariant // secondary register set

	// BurstSize is the number of bytes moved per bulk DMA program.
	BurstSize int

	// PollDelay is the pause between completion checks of a busy-wait.
	// Zero spins without sleeping.
	PollDelay time.Duration

	// DefaultTimeout bounds each wait of transfers issued through the HAL
	// adapter.
	DefaultTimeout time.Duration

	DispatchInterval time.Duration // async dispatch tick
	HotplugInterval  time.Duration // OTG hot-plug poll

	// DisconnectSpinLimit bounds the number of OTG state reads the
	// disconnect handler makes while the hardware still reports a host
	// state.
	DisconnectSpinLimit int

	// ResetDelay is how long the HAL adapter holds the port in reset.
	ResetDelay time.Duration
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		CoreBase:            DefaultCoreBase,
		DMABase:             DefaultDMABase,
		Aux:                 AuxWakeCtrl,
		BurstSize:           DefaultBurstSize,
		PollDelay:           DefaultPollDelay,
		DefaultTimeout:      DefaultTimeout,
		DispatchInterval:    DefaultDispatchInterval,
		HotplugInterval:     DefaultHotplugInterval,
		DisconnectSpinLimit: DefaultDisconnectSpinLimit,
		ResetDelay:          DefaultResetDelay,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch {
	case c.Aux != AuxWakeCtrl && c.Aux != AuxSysCtrl:
		return fmt.Errorf("%w: aux variant %v", pkg.ErrInvalidParameter, c.Aux)
	case overlaps(c.CoreBase, CoreSize, c.DMABase, dma.RegSize):
		return fmt.Errorf("%w: core %#x and dma %#x register blocks overlap",
			pkg.ErrInvalidParameter, c.CoreBase, c.DMABase)
	case c.BurstSize <= 0 || c.BurstSize > dma.MaxTRBLength:
		return fmt.Errorf("%w: burst size %d", pkg.ErrInvalidParameter, c.BurstSize)
	case c.PollDelay < 0:
		return fmt.Errorf("%w: poll delay %v", pkg.ErrInvalidParameter, c.PollDelay)
	case c.DefaultTimeout <= 0:
		return fmt.Errorf("%w: timeout %v", pkg.ErrInvalidParameter, c.DefaultTimeout)
	case c.DispatchInterval <= 0 || c.HotplugInterval <= 0:
		return fmt.Errorf("%w: timer intervals %v/%v", pkg.ErrInvalidParameter,
			c.DispatchInterval, c.HotplugInterval)
	case c.DisconnectSpinLimit <= 0:
		return fmt.Errorf("%w: disconnect spin limit %d", pkg.ErrInvalidParameter, c.DisconnectSpinLimit)
	case c.ResetDelay < 0:
		return fmt.Errorf("%w: reset delay %v", pkg.ErrInvalidParameter, c.ResetDelay)
	}
	return nil
}

func overlaps(a uint32, alen int, b uint32, blen int) bool {
	return uint64(a) < uint64(b)+uint64(blen) && uint64(b) < uint64(a)+uint64(alen)
}
