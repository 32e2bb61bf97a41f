package hcd_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/hcd/sim"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// =============================================================================
// Timer Facility Tests
// =============================================================================

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestController_Run(t *testing.T) {
	ctrl, hw := newController(t, testConfig())
	kbd := sim.NewKeyboard()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	hw.Attach(kbd, hal.SpeedFull)
	eventually(t, "hot-plug connect", func() bool { return ctrl.Role() == hcd.AHost })

	reports := make(chan []byte, 4)
	err := ctrl.AsyncInterruptTransfer(keyboardAsync(func(ac hcd.AsyncCompletion) {
		if ac.Status != pkg.TransferStatusSuccess {
			return
		}
		select {
		case reports <- append([]byte(nil), ac.Data...):
		default:
		}
	}))
	if err != nil {
		t.Fatalf("AsyncInterruptTransfer: %v", err)
	}
	kbd.Press([]byte{0, 0, 0x1D})

	select {
	case r := <-reports:
		if r[2] != 0x1D {
			t.Errorf("report % x", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no async delivery from the dispatch timer")
	}

	hw.Detach()
	eventually(t, "hot-plug disconnect", func() bool { return ctrl.Role() == hcd.AIdle })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v after cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestController_RunAfterClose(t *testing.T) {
	ctrl, _ := newController(t, testConfig())
	ctrl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctrl.Run(ctx); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Run() = %v, want ErrNotRunning", err)
	}
}

func TestController_RunStuckDisconnectKeepsRunning(t *testing.T) {
	cfg := testConfig()
	cfg.DisconnectSpinLimit = 2
	ctrl, hw := newController(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	hw.Attach(sim.NewKeyboard(), hal.SpeedFull)
	eventually(t, "hot-plug connect", func() bool { return ctrl.Role() == hcd.AHost })

	hw.StickHostState(true)
	hw.Detach()
	time.Sleep(10 * cfg.HotplugInterval)

	select {
	case err := <-done:
		t.Fatalf("Run returned %v on a servicing fault", err)
	default:
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}
