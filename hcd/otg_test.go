package hcd_test

import (
	"errors"
	"testing"

	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/hcd/sim"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// =============================================================================
// OTG State Tests
// =============================================================================

func TestOTGState_String(t *testing.T) {
	tests := []struct {
		state hcd.OTGState
		want  string
	}{
		{hcd.AIdle, "a_idle"},
		{hcd.AHost, "a_host"},
		{hcd.AVBUSErr, "a_vbus_err"},
		{hcd.BHost2, "b_host_2"},
		{hcd.BSRPWait, "b_srp_wait"},
		{hcd.OTGState(0x3F), "otg(0x3f)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("OTGState(%#x).String() = %q, want %q", uint8(tt.state), got, tt.want)
		}
	}
}

func TestOTGState_Predicates(t *testing.T) {
	for _, s := range []hcd.OTGState{hcd.AHost, hcd.BHost, hcd.BHost2} {
		if !s.IsHost() {
			t.Errorf("%v.IsHost() = false", s)
		}
	}
	if hcd.ASuspend.IsHost() {
		t.Error("a_suspend reported as host")
	}
	for _, s := range []hcd.OTGState{hcd.AWaitVrise, hcd.AWaitBcon, hcd.AWaitVfall, hcd.BWaitAcon} {
		if !s.IsWait() {
			t.Errorf("%v.IsWait() = false", s)
		}
	}
	if hcd.AHost.IsWait() {
		t.Error("a_host reported as wait state")
	}
	if !hcd.AWaitVfall.IsASide() || hcd.BIdle.IsASide() {
		t.Error("IsASide boundary wrong")
	}
}

// =============================================================================
// Connect / Disconnect Tests
// =============================================================================

func TestController_InitialState(t *testing.T) {
	ctrl, hw := newController(t, testConfig())

	if got := ctrl.Role(); got != hcd.AIdle {
		t.Errorf("Role() = %v, want a_idle", got)
	}
	if !hw.VBUS() {
		t.Error("VBUS not driven in a_idle")
	}
	st, err := ctrl.PortStatus(1)
	if err != nil {
		t.Fatalf("PortStatus: %v", err)
	}
	if st != hcd.PortPower {
		t.Errorf("PortStatus = %v, want power only", st)
	}
	if got := ctrl.PowerState(); got != hcd.PowerOperational {
		t.Errorf("PowerState = %v, want operational", got)
	}
}

func TestController_Connect(t *testing.T) {
	tests := []struct {
		name  string
		speed hal.Speed
		bits  hcd.PortStatus
	}{
		{"full speed", hal.SpeedFull, 0},
		{"low speed", hal.SpeedLow, hcd.PortLowSpeed},
		{"high speed", hal.SpeedHigh, hcd.PortHighSpeed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, hw := newController(t, testConfig())
			st := attach(t, ctrl, hw, sim.NewLoopback(tt.speed), tt.speed)

			want := hcd.PortConnection | hcd.PortCConnection | hcd.PortPower | tt.bits
			if st != want {
				t.Errorf("PortStatus = %v, want %v", st, want)
			}
			if got := st.HAL().Speed; got != tt.speed {
				t.Errorf("HAL speed = %v, want %v", got, tt.speed)
			}
			if got := ctrl.Role(); got != hcd.AHost {
				t.Errorf("Role = %v, want a_host", got)
			}
			if !ctrl.ResetPending() {
				t.Error("ResetPending() = false after connect")
			}
			if !hw.VBUS() {
				t.Error("VBUS off after connect")
			}
			if hw.CoreReg8(hcd.RegWakeCtrl)&hcd.WakeCtrlWakeDis != 0 {
				t.Error("wake disable still set after connect")
			}
			if got := hw.CoreReg8(hcd.RegOTGIRQ); got != 0 {
				t.Errorf("OTGIRQ = %#x after service, want 0", got)
			}
		})
	}
}

func TestController_Disconnect(t *testing.T) {
	tests := []struct {
		name   string
		aux    hcd.AuxVariant
		wakeDT func(hw *sim.Hardware) bool
	}{
		{"wakectrl", hcd.AuxWakeCtrl, func(hw *sim.Hardware) bool {
			return hw.CoreReg8(hcd.RegWakeCtrl)&hcd.WakeCtrlWakeDis != 0
		}},
		{"sysctrl", hcd.AuxSysCtrl, func(hw *sim.Hardware) bool {
			return hw.CoreReg32(hcd.RegSysCtrl)&hcd.SysCtrlWakeDis != 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Aux = tt.aux
			ctrl, hw := newController(t, cfg)
			attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
			if tt.wakeDT(hw) {
				t.Fatal("wake disable set while connected")
			}

			hw.Detach()
			st, err := ctrl.PortStatus(1)
			if err != nil {
				t.Fatalf("PortStatus after detach: %v", err)
			}
			if st != hcd.PortPower|hcd.PortCConnection {
				t.Errorf("PortStatus = %v, want power|c_connection", st)
			}
			if got := ctrl.Role(); got != hcd.AIdle {
				t.Errorf("Role = %v, want a_idle", got)
			}
			if ctrl.ResetPending() {
				t.Error("ResetPending() still set after disconnect")
			}
			if !tt.wakeDT(hw) {
				t.Error("wake disable not set after disconnect")
			}
		})
	}
}

func TestController_ReconnectMatchesFirstConnect(t *testing.T) {
	first, hw1 := newController(t, testConfig())
	want := attach(t, first, hw1, sim.NewLoopback(hal.SpeedHigh), hal.SpeedHigh)

	ctrl, hw := newController(t, testConfig())
	attach(t, ctrl, hw, sim.NewLoopback(hal.SpeedFull), hal.SpeedFull)
	hw.Detach()
	if _, err := ctrl.PortStatus(1); err != nil {
		t.Fatalf("PortStatus after detach: %v", err)
	}
	got := attach(t, ctrl, hw, sim.NewLoopback(hal.SpeedHigh), hal.SpeedHigh)

	if got != want {
		t.Errorf("reconnect PortStatus = %v, isolated connect = %v", got, want)
	}
	if ctrl.Role() != first.Role() {
		t.Errorf("reconnect role = %v, isolated connect role = %v", ctrl.Role(), first.Role())
	}
}

func TestController_DisconnectStuck(t *testing.T) {
	cfg := testConfig()
	cfg.DisconnectSpinLimit = 4
	ctrl, hw := newController(t, cfg)
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)

	hw.StickHostState(true)
	hw.Detach()

	_, err := ctrl.PortStatus(1)
	if !errors.Is(err, pkg.ErrBabble) {
		t.Fatalf("PortStatus error = %v, want ErrBabble", err)
	}
	if got := ctrl.Role(); got != hcd.AHost {
		t.Errorf("Role = %v after failed disconnect, want a_host", got)
	}

	// Still stuck: every poll retries and reports the fault again.
	if _, err := ctrl.PortStatus(1); !errors.Is(err, pkg.ErrBabble) {
		t.Errorf("second PortStatus error = %v, want ErrBabble", err)
	}

	// Once the controller leaves the host state the disconnect completes.
	hw.StickHostState(false)
	st, err := ctrl.PortStatus(1)
	if err != nil {
		t.Fatalf("PortStatus after unstick: %v", err)
	}
	if want := hcd.PortPower | hcd.PortCConnection; st != want {
		t.Errorf("PortStatus = %v, want %v", st, want)
	}
	if got := ctrl.Role(); got != hcd.AIdle {
		t.Errorf("Role = %v, want a_idle", got)
	}

	// Nothing left pending: a new device connects normally.
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
	if got := ctrl.Role(); got != hcd.AHost {
		t.Errorf("Role = %v after reattach, want a_host", got)
	}
}

func TestController_DisconnectFromSuspend(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)

	if err := ctrl.SuspendPort(true); err != nil {
		t.Fatalf("SuspendPort: %v", err)
	}
	if hw.VBUS() {
		t.Fatal("bus request still asserted in a_suspend")
	}

	hw.Detach()
	if _, err := ctrl.PortStatus(1); err != nil {
		t.Fatalf("PortStatus: %v", err)
	}
	if got := ctrl.Role(); got != hcd.AIdle {
		t.Errorf("Role = %v, want a_idle", got)
	}
	if !hw.VBUS() {
		t.Error("VBUS not restored after disconnect from a_suspend")
	}
}

// =============================================================================
// VBUS Error Tests
// =============================================================================

func TestController_VBUSErrors(t *testing.T) {
	ctrl, hw := newController(t, testConfig())

	for i := 1; i < 3; i++ {
		hw.VBUSError()
		if err := ctrl.Service(); err != nil {
			t.Fatalf("Service: %v", err)
		}
		if got := ctrl.VBUSErrors(); got != i {
			t.Errorf("after error %d: VBUSErrors() = %d", i, got)
		}
		if !hw.VBUS() {
			t.Errorf("after error %d: VBUS not re-requested", i)
		}
		st, _ := ctrl.PortStatus(1)
		if st.Has(hcd.PortOverCurrent) {
			t.Errorf("after error %d: over-current reported early", i)
		}
	}

	hw.VBUSError()
	if err := ctrl.Service(); err != nil {
		t.Fatalf("Service: %v", err)
	}
	st, _ := ctrl.PortStatus(1)
	if !st.Has(hcd.PortOverCurrent | hcd.PortCOverCurrent) {
		t.Errorf("PortStatus = %v, want over-current and its change bit", st)
	}
	if got := ctrl.VBUSErrors(); got != 0 {
		t.Errorf("VBUSErrors() = %d after over-current, want 0", got)
	}
	if hw.VBUS() {
		t.Error("VBUS driven after over-current")
	}
	if got := ctrl.Role(); got != hcd.AVBUSErr {
		t.Errorf("Role = %v, want a_vbus_err", got)
	}
}

func TestController_ConnectClearsVBUSErrors(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	hw.VBUSError()
	if err := ctrl.Service(); err != nil {
		t.Fatalf("Service: %v", err)
	}
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
	if got := ctrl.VBUSErrors(); got != 0 {
		t.Errorf("VBUSErrors() = %d after connect, want 0", got)
	}
}

// =============================================================================
// ID Pin and Unknown Flag Tests
// =============================================================================

func TestController_BDevice(t *testing.T) {
	ctrl, hw := newController(t, testConfig())

	hw.SetID(true)
	if err := ctrl.Service(); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if got := ctrl.Role(); got != hcd.BIdle {
		t.Fatalf("Role = %v, want b_idle", got)
	}
	if hw.VBUS() {
		t.Error("B-device drives VBUS")
	}
	st, _ := ctrl.PortStatus(1)
	if st.Has(hcd.PortPower) {
		t.Error("port power reported on the B side")
	}

	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
	if got := ctrl.Role(); got != hcd.BHost {
		t.Errorf("Role = %v, want b_host", got)
	}

	hw.Detach()
	if _, err := ctrl.PortStatus(1); err != nil {
		t.Fatalf("PortStatus after detach: %v", err)
	}
	if got := ctrl.Role(); got != hcd.AIdle {
		t.Errorf("Role = %v after detach, want a_idle", got)
	}
}

func TestController_BDeviceAtAttach(t *testing.T) {
	cfg := testConfig()
	hw := sim.New(cfg)
	hw.SetID(true)
	ctrl, err := hcd.New(hw, hw.Arena(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctrl.Close()

	if got := ctrl.Role(); got != hcd.BIdle {
		t.Errorf("Role = %v, want b_idle", got)
	}
}

func TestController_UnknownFlagsCleared(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	before, _ := ctrl.PortStatus(1)

	hw.RaiseOTG(hcd.OTGIrqPeriph)
	if err := ctrl.Service(); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if got := hw.CoreReg8(hcd.RegOTGIRQ); got != 0 {
		t.Errorf("OTGIRQ = %#x, want cleared", got)
	}
	if got := ctrl.Role(); got != hcd.AIdle {
		t.Errorf("Role = %v, want unchanged a_idle", got)
	}
	after, _ := ctrl.PortStatus(1)
	if after != before {
		t.Errorf("PortStatus changed from %v to %v", before, after)
	}
}

func TestController_TransitionalFlagsCleared(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	hw.RaiseOTG(hcd.OTGIrqSRPDet | hcd.OTGIrqBSE0SRP)
	if err := ctrl.Service(); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if got := hw.CoreReg8(hcd.RegOTGIRQ); got != 0 {
		t.Errorf("OTGIRQ = %#x, want cleared", got)
	}
	if got := ctrl.Role(); got != hcd.AIdle {
		t.Errorf("Role = %v, want a_idle", got)
	}
}

func TestController_ServiceIdle(t *testing.T) {
	ctrl, _ := newController(t, testConfig())
	for i := 0; i < 3; i++ {
		if err := ctrl.Service(); err != nil {
			t.Fatalf("Service with no flags: %v", err)
		}
	}
	if got := ctrl.Role(); got != hcd.AIdle {
		t.Errorf("Role = %v", got)
	}
}

// =============================================================================
// Suspend and Reset Tests
// =============================================================================

func TestController_SuspendResume(t *testing.T) {
	ctrl, hw := newController(t, testConfig())

	// Ignored outside a host state.
	if err := ctrl.SuspendPort(true); err != nil {
		t.Fatalf("SuspendPort: %v", err)
	}
	if got := ctrl.Role(); got != hcd.AIdle {
		t.Fatalf("Role = %v after ignored suspend", got)
	}

	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
	if err := ctrl.SuspendPort(true); err != nil {
		t.Fatalf("SuspendPort: %v", err)
	}
	st, _ := ctrl.PortStatus(1)
	if ctrl.Role() != hcd.ASuspend || !st.Has(hcd.PortSuspend|hcd.PortCSuspend) {
		t.Errorf("after suspend: role %v status %v", ctrl.Role(), st)
	}

	if err := ctrl.SuspendPort(false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	st, _ = ctrl.PortStatus(1)
	if ctrl.Role() != hcd.AHost || st.Has(hcd.PortSuspend) {
		t.Errorf("after resume: role %v status %v", ctrl.Role(), st)
	}
	if !hw.VBUS() {
		t.Error("bus request not restored on resume")
	}
}

func TestController_ResetPort(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)

	if err := ctrl.ResetPort(true); err != nil {
		t.Fatalf("ResetPort(true): %v", err)
	}
	st, _ := ctrl.PortStatus(1)
	if !st.Has(hcd.PortReset) || st.Has(hcd.PortEnable) {
		t.Errorf("during reset: %v", st)
	}
	if !ctrl.ResetPending() {
		t.Error("ResetPending cleared before reset completed")
	}

	if err := ctrl.ResetPort(false); err != nil {
		t.Fatalf("ResetPort(false): %v", err)
	}
	st, _ = ctrl.PortStatus(1)
	if st.Has(hcd.PortReset) || !st.Has(hcd.PortEnable|hcd.PortCReset) {
		t.Errorf("after reset: %v", st)
	}
	if ctrl.ResetPending() {
		t.Error("ResetPending still set after reset")
	}
}

func TestController_ResetPortClearsIRQs(t *testing.T) {
	cfg := testConfig()
	hw := sim.New(cfg)
	tr := mmio.NewTracer(hw, 0)
	ctrl, err := hcd.New(tr, hw.Arena(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctrl.Close()

	tr.Reset()
	if err := ctrl.ResetPort(true); err != nil {
		t.Fatalf("ResetPort: %v", err)
	}

	cleared := map[uint32]bool{}
	for _, a := range tr.Accesses() {
		if a.Op == mmio.OpWrite && a.Width == 2 && a.Value == 0xFFFF {
			cleared[a.Addr-cfg.CoreBase] = true
		}
	}
	for _, reg := range []uint32{hcd.RegTXIRQ, hcd.RegRXIRQ, hcd.RegTXERRIRQ, hcd.RegRXERRIRQ} {
		if !cleared[reg] {
			t.Errorf("register %#x not cleared by port reset", reg)
		}
	}
}
