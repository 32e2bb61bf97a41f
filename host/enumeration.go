package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// Enumerate resets the device on port, assigns it an address, reads its
// descriptors, selects its first configuration and configures every
// endpoint of that configuration with the host controller.
func (h *Host) Enumerate(ctx context.Context, port int) (*Device, error) {
	if !h.IsRunning() {
		return nil, pkg.ErrNotRunning
	}
	st, err := h.hal.GetPortStatus(port)
	if err != nil {
		return nil, err
	}
	if !st.Connected {
		return nil, fmt.Errorf("port %d: %w", port, pkg.ErrNoDevice)
	}
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port, "speed", st.Speed)

	if err := h.hal.ResetPort(port); err != nil {
		return nil, err
	}
	dev := newDevice(h, port, 0, h.hal.PortSpeed(port))

	// The first eight bytes carry bMaxPacketSize0.
	var buf [DeviceDescriptorSize]byte
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: device descriptor of %d bytes", ErrEnumerationFailed, n)
	}
	mp0 := uint16(buf[7])
	if err := h.hal.ConfigureEndpoint(0, hal.EndpointDescriptor{MaxPacketSize: mp0}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "control max packet", "size", mp0)

	addr := h.allocateAddress()
	if addr == 0 {
		return nil, ErrNoAddress
	}
	if err := h.hal.SetDeviceAddress(ctx, hal.DeviceAddress(addr)); err != nil {
		return nil, fmt.Errorf("%w: set address %d: %w", ErrEnumerationFailed, addr, err)
	}
	dev.address = addr
	dev.state = DeviceStateAddress
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", addr)

	n, err = dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.descriptor) {
		return nil, fmt.Errorf("%w: malformed device descriptor", ErrEnumerationFailed)
	}

	if err := h.readConfiguration(ctx, dev); err != nil {
		return nil, err
	}
	h.readStrings(ctx, dev)

	if v := dev.tree.Config.ConfigurationValue; v > 0 {
		if err := dev.SetConfiguration(ctx, v); err != nil {
			return nil, fmt.Errorf("%w: set configuration %d: %w", ErrEnumerationFailed, v, err)
		}
	}
	for i := range dev.tree.Endpoints {
		ep := &dev.tree.Endpoints[i]
		if err := h.hal.ConfigureEndpoint(hal.DeviceAddress(addr), ep.HAL()); err != nil {
			return nil, fmt.Errorf("%w: endpoint %#02x: %w", ErrEnumerationFailed, ep.EndpointAddress, err)
		}
	}

	if err := h.register(dev); err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", addr,
		"vendor", fmt.Sprintf("%04x", dev.descriptor.VendorID),
		"product", fmt.Sprintf("%04x", dev.descriptor.ProductID),
		"speed", dev.speed)
	return dev, nil
}

// readConfiguration reads the header of configuration 0 and then the whole
// tree.
func (h *Host) readConfiguration(ctx context.Context, dev *Device) error {
	buf := make([]byte, MaxDescriptorSize)
	n, err := dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return fmt.Errorf("%w: configuration descriptor: %w", ErrEnumerationFailed, err)
	}
	var cfg ConfigurationDescriptor
	if !ParseConfigurationDescriptor(buf[:n], &cfg) {
		return fmt.Errorf("%w: malformed configuration descriptor", ErrEnumerationFailed)
	}

	total := int(cfg.TotalLength)
	if total > len(buf) {
		total = len(buf)
	}
	if total > ConfigurationDescriptorSize {
		if n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total]); err != nil {
			return fmt.Errorf("%w: configuration tree: %w", ErrEnumerationFailed, err)
		}
	}
	if !ParseConfigurationTree(buf[:n], &dev.tree) {
		return fmt.Errorf("%w: malformed configuration tree", ErrEnumerationFailed)
	}
	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"interfaces", len(dev.tree.Interfaces),
		"endpoints", len(dev.tree.Endpoints),
		"value", dev.tree.Config.ConfigurationValue)
	return nil
}

// readStrings caches the manufacturer, product and serial strings. A
// string that cannot be read is left empty.
func (h *Host) readStrings(ctx context.Context, dev *Device) {
	buf := make([]byte, MaxStringSize)
	for _, idx := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if idx == 0 {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, idx, LangIDUSEnglish, buf)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "index", idx, "error", err)
			continue
		}
		if s, ok := DecodeString(buf[:n]); ok {
			dev.strings[idx] = s
		}
	}
}
