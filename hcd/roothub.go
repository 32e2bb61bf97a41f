package hcd

import (
	"fmt"
	"strings"

	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// PortStatus is the root-hub port status vector: the low 16 bits follow the
// USB hub wPortStatus layout and the high 16 bits the wPortChange layout.
type PortStatus uint32

// Port status bits.
const (
	PortConnection  PortStatus = 0x0001
	PortEnable      PortStatus = 0x0002
	PortSuspend     PortStatus = 0x0004
	PortOverCurrent PortStatus = 0x0008
	PortReset       PortStatus = 0x0010
	PortPower       PortStatus = 0x0100
	PortLowSpeed    PortStatus = 0x0200
	PortHighSpeed   PortStatus = 0x0400
)

// Port change bits.
const (
	PortCConnection  PortStatus = PortConnection << 16
	PortCEnable      PortStatus = PortEnable << 16
	PortCSuspend     PortStatus = PortSuspend << 16
	PortCOverCurrent PortStatus = PortOverCurrent << 16
	PortCReset       PortStatus = PortReset << 16
)

// Status returns wPortStatus.
func (s PortStatus) Status() uint16 { return uint16(s) }

// Change returns wPortChange.
func (s PortStatus) Change() uint16 { return uint16(s >> 16) }

// Has reports whether every bit of mask is set.
func (s PortStatus) Has(mask PortStatus) bool { return s&mask == mask }

var portStatusNames = []struct {
	bit  PortStatus
	name string
}{
	{PortConnection, "connection"},
	{PortEnable, "enable"},
	{PortSuspend, "suspend"},
	{PortOverCurrent, "over-current"},
	{PortReset, "reset"},
	{PortPower, "power"},
	{PortLowSpeed, "low-speed"},
	{PortHighSpeed, "high-speed"},
	{PortCConnection, "c_connection"},
	{PortCEnable, "c_enable"},
	{PortCSuspend, "c_suspend"},
	{PortCOverCurrent, "c_over-current"},
	{PortCReset, "c_reset"},
}

func (s PortStatus) String() string {
	var names []string
	for _, n := range portStatusNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// HAL converts the bit vector into a hal.PortStatus.
func (s PortStatus) HAL() hal.PortStatus {
	ps := hal.PortStatus{
		Connected:         s&PortConnection != 0,
		Enabled:           s&PortEnable != 0,
		Suspended:         s&PortSuspend != 0,
		OverCurrent:       s&PortOverCurrent != 0,
		Reset:             s&PortReset != 0,
		PowerOn:           s&PortPower != 0,
		ConnectChange:     s&PortCConnection != 0,
		EnableChange:      s&PortCEnable != 0,
		SuspendChange:     s&PortCSuspend != 0,
		OverCurrentChange: s&PortCOverCurrent != 0,
		ResetChange:       s&PortCReset != 0,
	}
	switch {
	case !ps.Connected:
		ps.Speed = hal.SpeedUnknown
	case s&PortHighSpeed != 0:
		ps.Speed = hal.SpeedHigh
	case s&PortLowSpeed != 0:
		ps.Speed = hal.SpeedLow
	default:
		ps.Speed = hal.SpeedFull
	}
	return ps
}

// Feature is a root-hub port feature selector.
type Feature uint16

// Port features (USB 2.0 hub class selectors).
const (
	FeatureConnection   Feature = 0
	FeatureEnable       Feature = 1
	FeatureSuspend      Feature = 2
	FeatureOverCurrent  Feature = 3
	FeatureReset        Feature = 4
	FeaturePower        Feature = 8
	FeatureLowSpeed     Feature = 9
	FeatureCConnection  Feature = 16
	FeatureCEnable      Feature = 17
	FeatureCSuspend     Feature = 18
	FeatureCOverCurrent Feature = 19
	FeatureCReset       Feature = 20

	// FeatureOwner is controller specific: the port is always owned by
	// this controller, so setting or clearing it is accepted and ignored.
	FeatureOwner Feature = 0x100
)

// Capabilities describes the root hub.
type Capabilities struct {
	MaxSpeed hal.Speed
	NumPorts int
	Is64Bit  bool
}

// Capabilities returns the fixed root-hub description: one high-speed
// port, 32-bit DMA addressing.
func (c *Controller) Capabilities() Capabilities {
	return Capabilities{MaxSpeed: hal.SpeedHigh, NumPorts: 1, Is64Bit: false}
}

// ResetController is accepted for compatibility and does nothing.
func (c *Controller) ResetController() error {
	return nil
}

// PowerState is the controller power state.
type PowerState uint8

const (
	PowerHalt PowerState = iota
	PowerOperational
	PowerSuspend
)

func (p PowerState) String() string {
	switch p {
	case PowerHalt:
		return "halt"
	case PowerOperational:
		return "operational"
	case PowerSuspend:
		return "suspend"
	default:
		return fmt.Sprintf("power(%d)", uint8(p))
	}
}

// PowerState returns the current controller power state.
func (c *Controller) PowerState() PowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power
}

// SetPowerState moves the controller to p. Halting drops VBUS; returning
// to operational restores it on the A side.
func (c *Controller) SetPowerState(p PowerState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrNotRunning
	}

	switch p {
	case PowerHalt:
		c.vbusOff()
	case PowerOperational:
		if c.role.IsASide() {
			c.vbusOn()
		}
	case PowerSuspend:
	default:
		return fmt.Errorf("%w: power state %v", pkg.ErrInvalidParameter, p)
	}
	if p != c.power {
		pkg.LogDebug(pkg.ComponentRootHub, "power state", "from", c.power, "to", p)
	}
	c.power = p
	return nil
}

func checkPort(port int) error {
	if port != 1 {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	return nil
}

// PortStatus services the OTG state machine and returns the cached port
// status. A servicing fault is returned alongside the still valid status.
func (c *Controller) PortStatus(port int) (PortStatus, error) {
	if err := checkPort(port); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, pkg.ErrNotRunning
	}
	err := c.service()
	return c.port, err
}

// SetPortFeature sets feature f on port.
func (c *Controller) SetPortFeature(port int, f Feature) error {
	if err := checkPort(port); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrNotRunning
	}

	switch f {
	case FeatureEnable:
		c.setRole(c.role, c.port|PortEnable)
	case FeatureSuspend:
		c.suspendPort(true)
	case FeatureReset:
		c.resetPort(true)
	case FeaturePower:
		c.vbusOn()
		c.setRole(c.role, c.port|PortPower)
	case FeatureOwner:
	default:
		return fmt.Errorf("%w: set port feature %d", pkg.ErrInvalidParameter, f)
	}
	pkg.LogDebug(pkg.ComponentRootHub, "set port feature", "feature", f, "status", c.port)
	return nil
}

// ClearPortFeature clears feature f on port. Change features acknowledge
// the matching change bit.
func (c *Controller) ClearPortFeature(port int, f Feature) error {
	if err := checkPort(port); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrNotRunning
	}

	switch f {
	case FeatureEnable:
		c.setRole(c.role, c.port&^PortEnable|PortCEnable)
	case FeatureSuspend:
		c.suspendPort(false)
	case FeatureReset:
		c.resetPort(false)
	case FeaturePower:
		c.vbusOff()
		c.setRole(c.role, c.port&^PortPower)
	case FeatureOwner:
	case FeatureCConnection:
		c.setRole(c.role, c.port&^PortCConnection)
	case FeatureCEnable:
		c.setRole(c.role, c.port&^PortCEnable)
	case FeatureCSuspend:
		c.setRole(c.role, c.port&^PortCSuspend)
	case FeatureCOverCurrent:
		c.setRole(c.role, c.port&^PortCOverCurrent)
	case FeatureCReset:
		c.setRole(c.role, c.port&^PortCReset)
	default:
		return fmt.Errorf("%w: clear port feature %d", pkg.ErrInvalidParameter, f)
	}
	pkg.LogDebug(pkg.ComponentRootHub, "clear port feature", "feature", f, "status", c.port)
	return nil
}
