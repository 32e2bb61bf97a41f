package host

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Host enumerates and tracks the devices behind a host controller.
type Host struct {
	hal hal.HostHAL

	mu          sync.RWMutex
	devices     [MaxDevices]*Device // indexed by address - 1
	nextAddress uint8
	running     bool

	onConnect    func(*Device)
	onDisconnect func(*Device)
}

// New returns a host driving h.
func New(h hal.HostHAL) *Host {
	return &Host{hal: h, nextAddress: 1}
}

// HAL returns the underlying host controller interface.
func (h *Host) HAL() hal.HostHAL {
	return h.hal
}

// Start initializes the host controller and powers its ports.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	if err := h.hal.Init(ctx); err != nil {
		return err
	}
	if err := h.hal.Start(); err != nil {
		return err
	}
	h.running = true
	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop detaches every device and removes port power.
func (h *Host) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	var devs []*Device
	for i, d := range h.devices {
		if d != nil {
			devs = append(devs, d)
			h.devices[i] = nil
		}
	}
	h.mu.Unlock()

	for _, d := range devs {
		d.Close()
	}
	if err := h.hal.Stop(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning reports whether Start has succeeded without a later Stop.
func (h *Host) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Devices returns the enumerated devices in address order.
func (h *Host) Devices() []*Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Device
	for _, d := range h.devices {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Device returns the device at address, or nil.
func (h *Host) Device(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.devices[address-1]
}

// SetOnDeviceConnect sets the callback Watch runs after each enumeration.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = cb
}

// SetOnDeviceDisconnect sets the callback Watch runs after each removal.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = cb
}

// Watch enumerates each device that connects and removes it again when it
// disconnects, until ctx ends. Enumeration failures are logged and the
// device is ignored until it reconnects.
func (h *Host) Watch(ctx context.Context) error {
	if !h.IsRunning() {
		return pkg.ErrNotRunning
	}
	for {
		port, err := h.hal.WaitForConnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		dev, err := h.Enumerate(ctx, port)
		switch {
		case err == nil:
			h.mu.RLock()
			cb := h.onConnect
			h.mu.RUnlock()
			if cb != nil {
				cb(dev)
			}
		case ctx.Err() != nil:
			return nil
		default:
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "port", port, "error", err)
		}

		if _, err := h.hal.WaitForDisconnection(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port)
		for _, d := range h.Devices() {
			if d.Port() == port {
				h.remove(d)
			}
		}
	}
}

// remove forgets dev and runs the disconnect callback.
func (h *Host) remove(dev *Device) {
	h.mu.Lock()
	if h.devices[dev.address-1] == dev {
		h.devices[dev.address-1] = nil
	}
	cb := h.onDisconnect
	h.mu.Unlock()

	dev.Close()
	if f, ok := h.hal.(interface{ ForgetDevice(hal.DeviceAddress) }); ok {
		f.ForgetDevice(hal.DeviceAddress(dev.address))
	}
	if cb != nil {
		cb(dev)
	}
}

// allocateAddress returns a free device address, or 0.
func (h *Host) allocateAddress() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < MaxDevices; i++ {
		addr := h.nextAddress
		h.nextAddress = addr%MaxDevices + 1
		if h.devices[addr-1] == nil {
			return addr
		}
	}
	return 0
}

// register records dev under its address.
func (h *Host) register(dev *Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return pkg.ErrNotRunning
	}
	if h.devices[dev.address-1] != nil {
		return errors.Join(ErrNoAddress, pkg.ErrBusy)
	}
	h.devices[dev.address-1] = dev
	return nil
}
