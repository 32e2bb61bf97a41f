package hcd_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/hcd/sim"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

func newHAL(t *testing.T) (*hcd.HAL, *sim.Hardware) {
	t.Helper()
	ctrl, hw := newController(t, testConfig())
	h := hcd.NewHAL(ctrl)
	if err := h.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Stop() })
	return h, hw
}

// =============================================================================
// HAL Lifecycle Tests
// =============================================================================

func TestHAL_StartStop(t *testing.T) {
	h, hw := newHAL(t)

	if err := h.Start(); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if h.NumPorts() != 1 {
		t.Errorf("NumPorts() = %d", h.NumPorts())
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if hw.VBUS() {
		t.Error("VBUS driven after Stop")
	}
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestHAL_InitCancelled(t *testing.T) {
	ctrl, _ := newController(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hcd.NewHAL(ctrl).Init(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Init = %v, want context.Canceled", err)
	}
}

// =============================================================================
// HAL Port Tests
// =============================================================================

func TestHAL_WaitForConnection(t *testing.T) {
	h, hw := newHAL(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.WaitForConnection(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForConnection with no device = %v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		hw.Attach(sim.NewKeyboard(), hal.SpeedLow)
	}()
	port, err := h.WaitForConnection(context.Background())
	if err != nil || port != 1 {
		t.Fatalf("WaitForConnection = %d, %v", port, err)
	}
	if got := h.PortSpeed(1); got != hal.SpeedLow {
		t.Errorf("PortSpeed = %v, want low", got)
	}
	st, err := h.GetPortStatus(1)
	if err != nil || !st.Connected || !st.ConnectChange {
		t.Errorf("GetPortStatus = %+v, %v", st, err)
	}

	hw.Detach()
	if _, err := h.WaitForDisconnection(context.Background()); err != nil {
		t.Fatalf("WaitForDisconnection: %v", err)
	}
	if got := h.PortSpeed(1); got != hal.SpeedUnknown {
		t.Errorf("PortSpeed after detach = %v", got)
	}
}

func TestHAL_ResetPort(t *testing.T) {
	h, hw := newHAL(t)
	hw.Attach(sim.NewKeyboard(), hal.SpeedFull)
	if _, err := h.WaitForConnection(context.Background()); err != nil {
		t.Fatalf("WaitForConnection: %v", err)
	}

	if err := h.ResetPort(1); err != nil {
		t.Fatalf("ResetPort: %v", err)
	}
	st, _ := h.GetPortStatus(1)
	if !st.Enabled || st.Reset || !st.ResetChange {
		t.Errorf("after reset: %+v", st)
	}
	if h.Controller().ResetPending() {
		t.Error("reset still pending")
	}
	if err := h.ResetPort(2); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ResetPort(2) = %v", err)
	}
}

// =============================================================================
// HAL Transfer Tests
// =============================================================================

func TestHAL_Enumerate(t *testing.T) {
	h, hw := newHAL(t)
	kbd := sim.NewKeyboard()
	hw.Attach(kbd, hal.SpeedFull)
	ctx := context.Background()

	if _, err := h.WaitForConnection(ctx); err != nil {
		t.Fatalf("WaitForConnection: %v", err)
	}
	if err := h.ResetPort(1); err != nil {
		t.Fatalf("ResetPort: %v", err)
	}
	desc := make([]byte, 8)
	setup := getDescriptor(0x01, 8)
	if n, err := h.ControlTransfer(ctx, 0, &setup, desc); err != nil || n != 8 {
		t.Fatalf("GET_DESCRIPTOR(8) = %d, %v", n, err)
	}
	if err := h.ConfigureEndpoint(0, hal.EndpointDescriptor{MaxPacketSize: uint16(desc[7])}); err != nil {
		t.Fatalf("ConfigureEndpoint(ep0): %v", err)
	}
	if err := h.SetDeviceAddress(ctx, 3); err != nil {
		t.Fatalf("SetDeviceAddress: %v", err)
	}
	if got := hw.Address(); got != 3 {
		t.Fatalf("device address = %d", got)
	}

	full := make([]byte, 18)
	setup = getDescriptor(0x01, 18)
	if n, err := h.ControlTransfer(ctx, 3, &setup, full); err != nil || n != 18 {
		t.Fatalf("GET_DESCRIPTOR(18) = %d, %v", n, err)
	}
	if !bytes.Equal(full, kbd.DeviceDescriptor) {
		t.Errorf("descriptor % x", full)
	}

	setup = hal.SetupPacket{RequestType: 0x00, Request: 0x09, Value: 1}
	if _, err := h.ControlTransfer(ctx, 3, &setup, nil); err != nil {
		t.Fatalf("SET_CONFIGURATION: %v", err)
	}
	if kbd.Configuration() != 1 {
		t.Errorf("configuration = %d", kbd.Configuration())
	}
}

func TestHAL_ControlTransfer_Invalid(t *testing.T) {
	h, _ := newHAL(t)
	ctx := context.Background()

	if _, err := h.ControlTransfer(ctx, 0, nil, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("nil setup = %v", err)
	}
	setup := getDescriptor(0x01, 18)
	if _, err := h.ControlTransfer(ctx, 0, &setup, make([]byte, 2)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("short buffer = %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := h.ControlTransfer(cancelled, 0, &setup, make([]byte, 18)); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx = %v", err)
	}
	if err := h.SetDeviceAddress(ctx, 0); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetDeviceAddress(0) = %v", err)
	}
	if err := h.ConfigureEndpoint(1, hal.EndpointDescriptor{MaxPacketSize: 9}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ep0 max packet 9 = %v", err)
	}
}

func TestHAL_BulkToggleCarried(t *testing.T) {
	h, hw := newHAL(t)
	lb := sim.NewLoopback(hal.SpeedFull)
	hw.Attach(lb, hal.SpeedFull)
	ctx := context.Background()

	out := hal.EndpointDescriptor{Address: sim.LoopbackOut, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 64}
	in := hal.EndpointDescriptor{Address: sim.LoopbackIn, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 64}
	for _, ep := range []hal.EndpointDescriptor{out, in} {
		if err := h.ConfigureEndpoint(0, ep); err != nil {
			t.Fatalf("ConfigureEndpoint(%#02x): %v", ep.Address, err)
		}
	}

	for i := 0; i < 2; i++ {
		if n, err := h.BulkTransfer(ctx, 0, sim.LoopbackOut, pattern(64)); err != nil || n != 64 {
			t.Fatalf("OUT %d = %d, %v", i, n, err)
		}
	}
	// Two single-packet transfers: DATA0 then DATA1.
	if got := hw.Toggle(1, hal.DirOut); got != 0 {
		t.Errorf("device toggle = %d, want 0", got)
	}

	buf := make([]byte, 256)
	n, err := h.BulkTransfer(ctx, 0, sim.LoopbackIn, buf)
	if err != nil || n != 128 {
		t.Fatalf("IN = %d, %v", n, err)
	}
	if !bytes.Equal(buf[:64], pattern(64)) {
		t.Errorf("IN data % x", buf[:8])
	}
}

func TestHAL_TransferErrors(t *testing.T) {
	h, hw := newHAL(t)
	hw.Attach(sim.NewLoopback(hal.SpeedFull), hal.SpeedFull)
	ctx := context.Background()

	if _, err := h.BulkTransfer(ctx, 0, 0x01, pattern(8)); !errors.Is(err, pkg.ErrNotFound) {
		t.Errorf("unconfigured endpoint = %v", err)
	}
	ep := hal.EndpointDescriptor{Address: 0x01, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 64}
	if err := h.ConfigureEndpoint(0, ep); err != nil {
		t.Fatal(err)
	}
	if _, err := h.InterruptTransfer(ctx, 0, 0x01, pattern(8)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("wrong transfer type = %v", err)
	}
	if _, err := h.IsochronousTransfer(ctx, 0, 0x01, pattern(8)); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("isochronous = %v", err)
	}
	if err := h.ConfigureEndpoint(0, hal.EndpointDescriptor{Address: 0x02}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("max packet 0 = %v", err)
	}

	h.ForgetDevice(0)
	if _, err := h.BulkTransfer(ctx, 0, 0x01, pattern(8)); !errors.Is(err, pkg.ErrNotFound) {
		t.Errorf("after ForgetDevice = %v", err)
	}
}

func TestHAL_ClaimInterface(t *testing.T) {
	h, _ := newHAL(t)

	if err := h.ClaimInterface(1, 0); err != nil {
		t.Fatalf("ClaimInterface: %v", err)
	}
	if err := h.ClaimInterface(1, 0); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second claim = %v, want ErrBusy", err)
	}
	if err := h.ClaimInterface(1, 1); err != nil {
		t.Errorf("other interface: %v", err)
	}
	if err := h.ReleaseInterface(1, 0); err != nil {
		t.Errorf("ReleaseInterface: %v", err)
	}
	if err := h.ReleaseInterface(1, 0); !errors.Is(err, pkg.ErrNotFound) {
		t.Errorf("second release = %v, want ErrNotFound", err)
	}
	h.ForgetDevice(1)
	if err := h.ClaimInterface(1, 1); err != nil {
		t.Errorf("claim after ForgetDevice: %v", err)
	}
}

// =============================================================================
// HAL Interrupt Subscription Tests
// =============================================================================

func TestHAL_SubscribeInterrupt(t *testing.T) {
	h, hw := newHAL(t)
	kbd := sim.NewKeyboard()
	hw.Attach(kbd, hal.SpeedFull)

	ep := hal.EndpointDescriptor{
		Address:       sim.KeyboardEndpoint,
		Attributes:    uint8(hal.TransferInterrupt),
		MaxPacketSize: sim.KeyboardReportSize,
		Interval:      sim.KeyboardInterval,
	}
	if err := h.ConfigureEndpoint(0, ep); err != nil {
		t.Fatalf("ConfigureEndpoint: %v", err)
	}

	var got []hal.InterruptCompletion
	err := h.SubscribeInterrupt(0, sim.KeyboardEndpoint, sim.KeyboardReportSize, func(c hal.InterruptCompletion) {
		c.Data = append([]byte(nil), c.Data...)
		got = append(got, c)
	})
	if err != nil {
		t.Fatalf("SubscribeInterrupt: %v", err)
	}

	kbd.Press([]byte{0, 0, 0x28})
	h.Controller().DispatchAsync()
	if len(got) != 1 || got[0].Err != nil || got[0].Data[2] != 0x28 {
		t.Fatalf("completions = %+v", got)
	}

	if err := h.UnsubscribeInterrupt(0, sim.KeyboardEndpoint); err != nil {
		t.Fatalf("UnsubscribeInterrupt: %v", err)
	}
	if err := h.UnsubscribeInterrupt(0, sim.KeyboardEndpoint); !errors.Is(err, pkg.ErrNotFound) {
		t.Errorf("second unsubscribe = %v", err)
	}

	// The toggle from the subscription carries into a blocking read.
	kbd.Press([]byte{0, 0, 0x29})
	buf := make([]byte, sim.KeyboardReportSize)
	if _, err := h.InterruptTransfer(context.Background(), 0, sim.KeyboardEndpoint, buf); err != nil {
		t.Fatalf("InterruptTransfer: %v", err)
	}
	if got := hw.Toggle(1, hal.DirIn); got != 0 {
		t.Errorf("device toggle = %d after two reports, want 0", got)
	}
}

func TestHAL_SubscribeInterrupt_Errors(t *testing.T) {
	h, hw := newHAL(t)
	fn := sim.Funcs{InFunc: func(uint8, []byte) (int, sim.Handshake) { return 0, sim.CRCError }}
	hw.Attach(fn, hal.SpeedFull)

	if err := h.SubscribeInterrupt(0, 0x81, 8, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("nil callback = %v", err)
	}
	if err := h.SubscribeInterrupt(0, 0x81, 8, func(hal.InterruptCompletion) {}); !errors.Is(err, pkg.ErrNotFound) {
		t.Errorf("unconfigured endpoint = %v", err)
	}

	ep := hal.EndpointDescriptor{Address: 0x81, Attributes: uint8(hal.TransferInterrupt), MaxPacketSize: 8}
	if err := h.ConfigureEndpoint(0, ep); err != nil {
		t.Fatal(err)
	}
	var errs []error
	if err := h.SubscribeInterrupt(0, 0x81, 8, func(c hal.InterruptCompletion) { errs = append(errs, c.Err) }); err != nil {
		t.Fatalf("SubscribeInterrupt: %v", err)
	}
	h.Controller().DispatchAsync()
	if len(errs) != 1 || !errors.Is(errs[0], pkg.ErrCRC) {
		t.Errorf("delivered errors = %v, want one CRC error", errs)
	}
}
