package hcd_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/hcd/sim"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

type completionLog struct {
	got []hcd.AsyncCompletion
}

func (l *completionLog) callback(ac hcd.AsyncCompletion) {
	l.got = append(l.got, ac)
}

func keyboardAsync(cb hcd.AsyncCallback) hcd.AsyncRequest {
	return hcd.AsyncRequest{
		Endpoint:  1,
		Dir:       hal.DirIn,
		MaxPacket: sim.KeyboardReportSize,
		Speed:     hal.SpeedFull,
		Interval:  sim.KeyboardInterval,
		Length:    sim.KeyboardReportSize,
		Callback:  cb,
		Context:   "keyboard",
	}
}

// =============================================================================
// Registration Tests
// =============================================================================

func TestAsyncInterruptTransfer_Register(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
	var log completionLog

	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}
	if got := ctrl.AsyncPending(); got != 1 {
		t.Errorf("AsyncPending() = %d, want 1", got)
	}
	if !ctrl.DMA().Busy(1, hal.DirIn) || !hw.Enabled(1, hal.DirIn) {
		t.Error("first poll not armed")
	}

	// Nothing to report yet.
	if n := ctrl.DispatchAsync(); n != 0 {
		t.Errorf("DispatchAsync() = %d with an idle keyboard", n)
	}
}

func TestAsyncInterruptTransfer_Duplicate(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
	var log completionLog

	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	allocs := ctrl.Arena().Allocations()

	err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback))
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("duplicate registration = %v, want ErrInvalidParameter", err)
	}
	if got := ctrl.AsyncPending(); got != 1 {
		t.Errorf("AsyncPending() = %d, want 1", got)
	}
	if got := ctrl.Arena().Allocations(); got != allocs {
		t.Errorf("allocations %d -> %d after rejected duplicate", allocs, got)
	}
}

func TestAsyncInterruptTransfer_Invalid(t *testing.T) {
	ctrl, _ := newController(t, testConfig())
	var log completionLog

	tests := []struct {
		name   string
		mutate func(*hcd.AsyncRequest)
	}{
		{"out direction", func(r *hcd.AsyncRequest) { r.Dir = hal.DirOut }},
		{"endpoint 0", func(r *hcd.AsyncRequest) { r.Endpoint = 0 }},
		{"endpoint 16", func(r *hcd.AsyncRequest) { r.Endpoint = 16 }},
		{"address 200", func(r *hcd.AsyncRequest) { r.Address = 200 }},
		{"interval 0", func(r *hcd.AsyncRequest) { r.Interval = 0 }},
		{"interval 300", func(r *hcd.AsyncRequest) { r.Interval = 300 }},
		{"zero length", func(r *hcd.AsyncRequest) { r.Length = 0 }},
		{"zero max packet", func(r *hcd.AsyncRequest) { r.MaxPacket = 0 }},
		{"toggle 2", func(r *hcd.AsyncRequest) { r.Toggle = 2 }},
		{"nil callback", func(r *hcd.AsyncRequest) { r.Callback = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := keyboardAsync(log.callback)
			tt.mutate(&r)
			if err := ctrl.AsyncInterruptTransfer(r); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("error = %v, want ErrInvalidParameter", err)
			}
			if got := ctrl.AsyncPending(); got != 0 {
				t.Errorf("AsyncPending() = %d", got)
			}
		})
	}
}

func TestAsyncInterruptTransfer_BusyChannelUntouched(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	kbd := sim.NewKeyboard()
	attach(t, ctrl, hw, kbd, hal.SpeedFull)
	var log completionLog

	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}
	addrReg := hcd.RegEPAddr(1, hal.DirIn)
	conReg := hcd.RegEPCon(1, hal.DirIn)
	addr, con := hw.CoreReg8(addrReg), hw.CoreReg8(conReg)
	programs := len(hw.Programs())

	tests := []struct {
		name string
		run  func() error
	}{
		{"interrupt", func() error {
			req := hcd.Request{Address: 9, Endpoint: 1, Dir: hal.DirIn, MaxPacket: 8, Speed: hal.SpeedFull}
			_, err := ctrl.InterruptTransfer(req, make([]byte, 8), testTimeout)
			return err
		}},
		{"bulk", func() error {
			req := hcd.Request{Address: 9, Endpoint: 1, Dir: hal.DirIn, MaxPacket: 64, Speed: hal.SpeedFull}
			_, err := ctrl.BulkTransfer(req, make([]byte, 64), testTimeout)
			return err
		}},
		{"async", func() error {
			r := keyboardAsync(log.callback)
			r.Address = 9
			return ctrl.AsyncInterruptTransfer(r)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, pkg.ErrBusy) {
				t.Errorf("error = %v, want ErrBusy", err)
			}
			if got := hw.CoreReg8(addrReg); got != addr {
				t.Errorf("EPADDR %d -> %d", addr, got)
			}
			if got := hw.CoreReg8(conReg); got != con {
				t.Errorf("EPCON %#x -> %#x", con, got)
			}
			if got := len(hw.Programs()); got != programs {
				t.Errorf("%d programs -> %d", programs, got)
			}
		})
	}

	if got := ctrl.AsyncPending(); got != 1 {
		t.Errorf("AsyncPending() = %d, want 1", got)
	}
	// The original registration still polls its device.
	kbd.Press([]byte{0, 0, 0x04})
	if n := ctrl.DispatchAsync(); n != 1 {
		t.Fatalf("DispatchAsync() = %d, want 1", n)
	}
	if len(log.got) != 1 || log.got[0].Address != 0 || log.got[0].Data[2] != 0x04 {
		t.Errorf("completions %+v", log.got)
	}
}

func TestAsyncInterruptTransfer_OutOfMemory(t *testing.T) {
	ctrl, hw := newController(t, testConfig(), sim.WithArena(sim.DefaultArenaBase, 64))
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
	var log completionLog

	// 64 bytes of buffer leave no room for the descriptor pool.
	err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback))
	if !errors.Is(err, pkg.ErrNoMemory) {
		t.Fatalf("error = %v, want ErrNoMemory", err)
	}
	if got := ctrl.Arena().Allocations(); got != 0 {
		t.Errorf("%d allocations left", got)
	}
	if got := ctrl.AsyncPending(); got != 0 {
		t.Errorf("AsyncPending() = %d", got)
	}
}

// =============================================================================
// Cancel Tests
// =============================================================================

func TestCancelAsyncInterruptTransfer(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	kbd := sim.NewKeyboard()
	attach(t, ctrl, hw, kbd, hal.SpeedFull)
	var log completionLog

	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}
	kbd.Press([]byte{0, 0, 0x05})
	ctrl.DispatchAsync()

	toggle, err := ctrl.CancelAsyncInterruptTransfer(0, 1)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if toggle != 1 {
		t.Errorf("toggle = %d after one report, want 1", toggle)
	}
	if got := ctrl.AsyncPending(); got != 0 {
		t.Errorf("AsyncPending() = %d", got)
	}
	if got := ctrl.Arena().Allocations(); got != 0 {
		t.Errorf("%d allocations left after cancel", got)
	}
	if hw.Enabled(1, hal.DirIn) {
		t.Error("channel still enabled after cancel")
	}
	assertReleased(t, ctrl)

	kbd.Press([]byte{0, 0, 0x06})
	if n := ctrl.DispatchAsync(); n != 0 {
		t.Errorf("cancelled registration delivered %d completions", n)
	}
}

func TestCancelAsyncInterruptTransfer_Missing(t *testing.T) {
	ctrl, _ := newController(t, testConfig())

	_, err := ctrl.CancelAsyncInterruptTransfer(3, 1)
	if !errors.Is(err, pkg.ErrInvalidParameter) || !errors.Is(err, pkg.ErrNotFound) {
		t.Errorf("error = %v, want ErrInvalidParameter and ErrNotFound", err)
	}
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestDispatchAsync_Delivers(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	kbd := sim.NewKeyboard()
	attach(t, ctrl, hw, kbd, hal.SpeedFull)
	var log completionLog

	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}

	reports := [][]byte{
		{0, 0, 0x0B, 0, 0, 0, 0, 0},
		{0, 0, 0x08, 0, 0, 0, 0, 0},
		{0, 0, 0x0F, 0, 0, 0, 0, 0},
	}
	for _, r := range reports {
		kbd.Press(r)
		if n := ctrl.DispatchAsync(); n != 1 {
			t.Fatalf("DispatchAsync() = %d, want 1", n)
		}
	}

	if len(log.got) != len(reports) {
		t.Fatalf("%d completions, want %d", len(log.got), len(reports))
	}
	for i, ac := range log.got {
		if ac.Status != pkg.TransferStatusSuccess {
			t.Errorf("completion %d status %v", i, ac.Status)
		}
		// Earlier slices stay intact while later ones complete.
		if !bytes.Equal(ac.Data, reports[i]) || ac.Length != len(reports[i]) {
			t.Errorf("completion %d data % x, want % x", i, ac.Data, reports[i])
		}
		if ac.Context != "keyboard" || ac.Endpoint != 1 || ac.Address != 0 {
			t.Errorf("completion %d = %+v", i, ac)
		}
		if want := uint8((i + 1) & 1); ac.Toggle != want {
			t.Errorf("completion %d toggle %d, want %d", i, ac.Toggle, want)
		}
	}

	// Re-armed after every completion.
	if !hw.Enabled(1, hal.DirIn) {
		t.Error("registration not re-armed")
	}
	if got := ctrl.AsyncPending(); got != 1 {
		t.Errorf("AsyncPending() = %d", got)
	}
}

func TestDispatchAsync_SliceRotation(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	kbd := sim.NewKeyboard()
	attach(t, ctrl, hw, kbd, hal.SpeedFull)
	var log completionLog

	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}
	hw.ResetPrograms()

	for i := 0; i < hcd.AsyncIterations+1; i++ {
		kbd.Press([]byte{byte(i)})
		ctrl.DispatchAsync()
	}

	progs := hw.Programs()
	if len(progs) != hcd.AsyncIterations+1 {
		t.Fatalf("%d re-arms, want %d", len(progs), hcd.AsyncIterations+1)
	}
	seen := map[uint32]bool{}
	for _, p := range progs[:hcd.AsyncIterations] {
		seen[p.Addr] = true
	}
	if len(seen) != hcd.AsyncIterations {
		t.Errorf("%d distinct buffers over %d polls", len(seen), hcd.AsyncIterations)
	}
	if progs[hcd.AsyncIterations].Addr != progs[0].Addr {
		t.Error("slice index did not wrap")
	}
}

func TestDispatchAsync_CallbackMayReenter(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	kbd := sim.NewKeyboard()
	attach(t, ctrl, hw, kbd, hal.SpeedFull)

	var pending []int
	cb := func(ac hcd.AsyncCompletion) {
		pending = append(pending, ctrl.AsyncPending())
		if _, err := ctrl.CancelAsyncInterruptTransfer(ac.Address, ac.Endpoint); err != nil {
			t.Errorf("cancel from callback: %v", err)
		}
	}
	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(cb)); err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}
	kbd.Press([]byte{1})

	if n := ctrl.DispatchAsync(); n != 1 {
		t.Fatalf("DispatchAsync() = %d", n)
	}
	if len(pending) != 1 || pending[0] != 1 {
		t.Errorf("AsyncPending seen from callback = %v", pending)
	}
	if got := ctrl.AsyncPending(); got != 0 {
		t.Errorf("AsyncPending() = %d after cancel from callback", got)
	}
	if got := ctrl.Arena().Allocations(); got != 0 {
		t.Errorf("%d allocations left", got)
	}
}

func TestDispatchAsync_Error(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	fn := sim.Funcs{InFunc: func(uint8, []byte) (int, sim.Handshake) { return 0, sim.STALL }}
	attach(t, ctrl, hw, fn, hal.SpeedFull)
	var log completionLog

	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}
	if n := ctrl.DispatchAsync(); n != 1 {
		t.Fatalf("DispatchAsync() = %d, want 1", n)
	}
	ac := log.got[0]
	if ac.Status != pkg.TransferStatusStall || ac.Length != 0 || len(ac.Data) != 0 {
		t.Errorf("completion = %+v, want empty stall", ac)
	}
	if got := hw.DMAResets(); got != 1 {
		t.Errorf("DMA resets = %d, want 1", got)
	}
	if got := ctrl.AsyncPending(); got != 1 {
		t.Errorf("registration dropped after error: AsyncPending() = %d", got)
	}
}

func TestDispatchAsync_MultipleRegistrations(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	reports := map[uint8]byte{1: 0xA1, 2: 0xB2}
	fn := sim.Funcs{InFunc: func(ep uint8, buf []byte) (int, sim.Handshake) {
		buf[0] = reports[ep]
		return 1, sim.ACK
	}}
	attach(t, ctrl, hw, fn, hal.SpeedFull)

	got := map[uint8]byte{}
	cb := func(ac hcd.AsyncCompletion) { got[ac.Endpoint] = ac.Data[0] }
	for ep := range reports {
		r := keyboardAsync(cb)
		r.Endpoint = ep
		r.Length = 4
		if err := ctrl.AsyncInterruptTransfer(r); err != nil {
			t.Fatalf("register ep%d: %v", ep, err)
		}
	}
	if got := ctrl.AsyncPending(); got != 2 {
		t.Fatalf("AsyncPending() = %d", got)
	}

	if n := ctrl.DispatchAsync(); n != 2 {
		t.Fatalf("DispatchAsync() = %d, want 2", n)
	}
	for ep, want := range reports {
		if got[ep] != want {
			t.Errorf("ep%d delivered %#x, want %#x", ep, got[ep], want)
		}
	}
}

func TestController_CloseFreesAsync(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	attach(t, ctrl, hw, sim.NewKeyboard(), hal.SpeedFull)
	var log completionLog

	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := ctrl.Arena().Allocations(); got != 0 {
		t.Errorf("%d allocations left after Close", got)
	}
	if n := ctrl.DispatchAsync(); n != 0 {
		t.Errorf("DispatchAsync() after Close = %d", n)
	}
	if err := ctrl.AsyncInterruptTransfer(keyboardAsync(log.callback)); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("register after Close = %v", err)
	}
	if _, err := ctrl.CancelAsyncInterruptTransfer(0, 1); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("cancel after Close = %v", err)
	}
}
