package hcd

import (
	"fmt"

	"github.com/ardnew/otgusb/pkg"
)

// OTGState is the controller's OTG role and link phase. The values match
// the hardware FSM encoding reported in RegOTGState.
type OTGState uint8

// OTG states.
const (
	AIdle       OTGState = 0x0
	AWaitVrise  OTGState = 0x1
	AWaitBcon   OTGState = 0x2
	AHost       OTGState = 0x3
	ASuspend    OTGState = 0x4
	APeripheral OTGState = 0x5
	AVBUSErr    OTGState = 0x6
	AWaitVfall  OTGState = 0x7
	BIdle       OTGState = 0x8
	BPeripheral OTGState = 0x9
	BWaitAcon   OTGState = 0xA
	BHost       OTGState = 0xB
	BHost2      OTGState = 0xC
	BSRPInit    OTGState = 0xD
	BSRPWait    OTGState = 0xE
)

var otgStateNames = [...]string{
	AIdle:       "a_idle",
	AWaitVrise:  "a_wait_vrise",
	AWaitBcon:   "a_wait_bcon",
	AHost:       "a_host",
	ASuspend:    "a_suspend",
	APeripheral: "a_peripheral",
	AVBUSErr:    "a_vbus_err",
	AWaitVfall:  "a_wait_vfall",
	BIdle:       "b_idle",
	BPeripheral: "b_peripheral",
	BWaitAcon:   "b_wait_acon",
	BHost:       "b_host",
	BHost2:      "b_host_2",
	BSRPInit:    "b_srp_init",
	BSRPWait:    "b_srp_wait",
}

func (s OTGState) String() string {
	if int(s) < len(otgStateNames) {
		return otgStateNames[s]
	}
	return fmt.Sprintf("otg(%#x)", uint8(s))
}

// IsHost reports whether s is a host role.
func (s OTGState) IsHost() bool {
	return s == AHost || s == BHost || s == BHost2
}

// IsASide reports whether s belongs to the A-device (VBUS supplier) side.
func (s OTGState) IsASide() bool {
	return s <= AWaitVfall
}

// IsWait reports whether s is a wait-for-connect sub-state, which the
// hardware enters once the far end has gone away.
func (s OTGState) IsWait() bool {
	switch s {
	case AWaitVrise, AWaitBcon, AWaitVfall, BWaitAcon:
		return true
	}
	return false
}

// maxVBUSErrors is the number of consecutive VBUS errors tolerated before
// over-current is reported.
const maxVBUSErrors = 3

// Role returns the current OTG state.
func (c *Controller) Role() OTGState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// VBUSErrors returns the current consecutive VBUS error count.
func (c *Controller) VBUSErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vbusErrors
}

// setRole updates the role and cached port status together. Callers hold
// c.mu, so the pair is never observed half-updated.
func (c *Controller) setRole(role OTGState, port PortStatus) {
	if role != c.role {
		pkg.LogDebug(pkg.ComponentOTG, "role change", "from", c.role, "to", role)
	}
	c.role = role
	c.port = port
}

// Service reads the unmasked OTG interrupt flags and performs one action
// per asserted flag in fixed priority order: transitional flag clear, VBUS
// error, connect change, idle change. Unknown flags are logged and
// cleared.
func (c *Controller) Service() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrNotRunning
	}
	return c.service()
}

func (c *Controller) service() error {
	var err error
	if c.disconnectPending {
		err = c.disconnect()
	}

	irq := c.core.Read8(RegOTGIRQ) & c.core.Read8(RegOTGIEN)
	if irq == 0 {
		return err
	}

	if t := irq & (OTGIrqSRPDet | OTGIrqBSE0SRP); t != 0 {
		c.core.Write8(RegOTGIRQ, t)
	}

	if irq&OTGIrqVBUSErr != 0 {
		c.vbusError()
	}

	if irq&OTGIrqConn != 0 {
		hw := OTGState(c.core.Read8(RegOTGState))
		hosting := c.role.IsHost() || c.role == ASuspend
		switch {
		case hosting && hw.IsWait():
			c.core.Write8(RegOTGIRQ, OTGIrqConn)
			err = c.disconnect()
		case !hosting:
			c.connect()
		default:
			pkg.LogWarn(pkg.ComponentOTG, "babble: connect change while hosting",
				"role", c.role, "hw", hw)
			c.core.Write8(RegOTGIRQ, OTGIrqConn)
		}
	}

	if irq&OTGIrqIdle != 0 {
		c.core.Write8(RegOTGIRQ, OTGIrqIdle)
		if c.core.Test8(RegOTGStatus, OTGStatusID) {
			c.bIdle()
		} else {
			c.aIdle()
		}
	}

	if unknown := irq &^ otgIrqKnown; unknown != 0 {
		pkg.LogWarn(pkg.ComponentOTG, "babble: unhandled otg flags",
			"flags", fmt.Sprintf("%#02x", unknown), "role", c.role)
		c.core.Write8(RegOTGIRQ, unknown)
	}
	return err
}

func (c *Controller) vbusOn() {
	c.core.Clear8(RegOTGCtrl, OTGCtrlABusDrop)
	c.core.Set8(RegOTGCtrl, OTGCtrlBusReq)
}

func (c *Controller) vbusOff() {
	c.core.Clear8(RegOTGCtrl, OTGCtrlBusReq)
	c.core.Set8(RegOTGCtrl, OTGCtrlABusDrop)
}

func (c *Controller) vbusError() {
	c.core.Write8(RegOTGIRQ, OTGIrqVBUSErr)
	c.vbusOff()
	c.vbusErrors++

	if c.vbusErrors >= maxVBUSErrors {
		pkg.LogWarn(pkg.ComponentOTG, "vbus over-current", "errors", c.vbusErrors)
		c.vbusErrors = 0
		c.setRole(AVBUSErr, c.port|PortOverCurrent|PortCOverCurrent)
		return
	}
	pkg.LogDebug(pkg.ComponentOTG, "vbus error, retrying", "errors", c.vbusErrors)
	c.setRole(AVBUSErr, c.port)
	c.vbusOn()
}

func (c *Controller) connect() {
	c.core.Write8(RegOTGIRQ, OTGIrqConn)

	st := c.port | PortConnection | PortCConnection
	st &^= PortEnable | PortLowSpeed | PortHighSpeed
	speed := c.core.Read8(RegSpeedCtrl)
	switch {
	case speed&SpeedCtrlHS != 0:
		st |= PortHighSpeed
	case speed&SpeedCtrlLS != 0:
		st |= PortLowSpeed
	}

	c.resetPending = true
	c.vbusOn()

	next := AHost
	if !c.role.IsASide() {
		next = BHost
	}
	c.setRole(next, st)
	c.vbusErrors = 0
	c.setWakeDisable(false)

	pkg.LogInfo(pkg.ComponentOTG, "device connected", "speed", st.HAL().Speed, "role", next)
}

// disconnect waits, bounded by Config.DisconnectSpinLimit, for the
// controller to leave the host state before tearing the port down. Giving
// up leaves the disconnect pending for the next service call.
func (c *Controller) disconnect() error {
	for i := 0; ; i++ {
		hw := OTGState(c.core.Read8(RegOTGState))
		if hw != AHost && hw != BHost {
			break
		}
		if i >= c.cfg.DisconnectSpinLimit {
			pkg.LogError(pkg.ComponentOTG, "babble: controller stuck in host state",
				"hw", hw, "reads", i)
			c.disconnectPending = true
			return fmt.Errorf("%w: controller still %v after %d reads",
				pkg.ErrBabble, hw, i)
		}
	}

	c.disconnectPending = false
	c.core.Write8(RegEndpRst, EndpRstFIFORst)
	c.core.Write8(RegEndpRst, EndpRstDirIn|EndpRstFIFORst)

	prior := c.role
	if prior == ASuspend {
		c.vbusOn()
	}
	c.resetPending = false
	c.setRole(AIdle, PortPower|PortCConnection)
	c.setWakeDisable(true)

	pkg.LogInfo(pkg.ComponentOTG, "device disconnected", "prior", prior)
	return nil
}

func (c *Controller) aIdle() {
	c.core.Clear8(RegOTGCtrl, OTGCtrlSRPVBUSDetEn|OTGCtrlSRPDatDetEn)
	c.vbusOn()
	c.setRole(AIdle, c.port|PortPower)
}

func (c *Controller) bIdle() {
	c.core.Clear8(RegOTGCtrl, OTGCtrlSRPVBUSDetEn|OTGCtrlSRPDatDetEn)
	c.vbusOff()
	c.setRole(BIdle, c.port&^PortPower)
}

// setWakeDisable signals device presence to the owning subsystem through
// the variant's wake-disable bit.
func (c *Controller) setWakeDisable(disable bool) {
	switch c.cfg.Aux {
	case AuxSysCtrl:
		if disable {
			c.core.Set32(RegSysCtrl, SysCtrlWakeDis)
		} else {
			c.core.Clear32(RegSysCtrl, SysCtrlWakeDis)
		}
	default:
		if disable {
			c.core.Set8(RegWakeCtrl, WakeCtrlWakeDis)
		} else {
			c.core.Clear8(RegWakeCtrl, WakeCtrlWakeDis)
		}
	}
}

// SuspendPort suspends (enable) or resumes the bus. It acts only from the
// matching host state; from any other state it is logged and ignored.
func (c *Controller) SuspendPort(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrNotRunning
	}
	c.suspendPort(enable)
	return nil
}

func (c *Controller) suspendPort(enable bool) {
	switch {
	case enable && c.role == AHost:
		c.core.Clear8(RegOTGCtrl, OTGCtrlBusReq)
		c.setRole(ASuspend, c.port|PortSuspend|PortCSuspend)
	case !enable && c.role == ASuspend:
		c.vbusOn()
		c.setRole(AHost, c.port&^PortSuspend|PortCSuspend)
	default:
		pkg.LogWarn(pkg.ComponentOTG, "babble: suspend request ignored",
			"enable", enable, "role", c.role)
	}
}

// ResetPort drives (enable) or completes a port reset. Starting a reset
// clears every pending bus and endpoint interrupt flag; completing one
// enables the port.
func (c *Controller) ResetPort(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrNotRunning
	}
	c.resetPort(enable)
	return nil
}

func (c *Controller) resetPort(enable bool) {
	if enable {
		c.core.Write8(RegUSBIRQ, 0xFF)
		c.core.Write16(RegTXIRQ, 0xFFFF)
		c.core.Write16(RegRXIRQ, 0xFFFF)
		c.core.Write16(RegTXERRIRQ, 0xFFFF)
		c.core.Write16(RegRXERRIRQ, 0xFFFF)
		c.setRole(c.role, c.port&^PortEnable|PortReset)
		return
	}

	st := c.port &^ PortReset
	if st&PortConnection != 0 {
		st |= PortEnable | PortCReset
	}
	c.resetPending = false
	c.setRole(c.role, st)
}

// ResetPending reports whether a device connected and no port reset has
// completed since.
func (c *Controller) ResetPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetPending
}
