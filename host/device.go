package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Device is an enumerated USB device.
type Device struct {
	host    *Host
	address uint8
	port    int
	speed   hal.Speed

	descriptor DeviceDescriptor
	tree       ConfigurationTree
	strings    map[uint8]string

	mu            sync.RWMutex
	state         DeviceState
	configuration uint8
	subscribed    map[uint8]struct{}
}

func newDevice(host *Host, port int, address uint8, speed hal.Speed) *Device {
	return &Device{
		host:       host,
		address:    address,
		port:       port,
		speed:      speed,
		state:      DeviceStateDefault,
		strings:    make(map[uint8]string),
		subscribed: make(map[uint8]struct{}),
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 { return d.address }

// Port returns the root hub port the device is attached to.
func (d *Device) Port() int { return d.port }

// Speed returns the link speed.
func (d *Device) Speed() hal.Speed { return d.speed }

// VendorID returns idVendor.
func (d *Device) VendorID() uint16 { return d.descriptor.VendorID }

// ProductID returns idProduct.
func (d *Device) ProductID() uint16 { return d.descriptor.ProductID }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Configuration returns the descriptor header of the active configuration.
func (d *Device) Configuration() ConfigurationDescriptor { return d.tree.Config }

// Interfaces returns the interfaces of the active configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor { return d.tree.Interfaces }

// Endpoints returns the endpoints of the active configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Endpoints() []EndpointDescriptor { return d.tree.Endpoints }

// ClassDescriptors returns the class-specific descriptors that follow
// interface num.
func (d *Device) ClassDescriptors(num uint8) [][]byte { return d.tree.Class[num] }

// Interface returns the descriptor of interface num, or nil.
func (d *Device) Interface(num uint8) *InterfaceDescriptor {
	for i := range d.tree.Interfaces {
		if d.tree.Interfaces[i].InterfaceNumber == num {
			return &d.tree.Interfaces[i]
		}
	}
	return nil
}

// Endpoint returns the descriptor of the endpoint at address, or nil.
func (d *Device) Endpoint(address uint8) *EndpointDescriptor {
	for i := range d.tree.Endpoints {
		if d.tree.Endpoints[i].EndpointAddress == address {
			return &d.tree.Endpoints[i]
		}
	}
	return nil
}

// GetString returns a cached string descriptor, or "".
func (d *Device) GetString(index uint8) string { return d.strings[index] }

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string { return d.GetString(d.descriptor.ManufacturerIndex) }

// Product returns the product string.
func (d *Device) Product() string { return d.GetString(d.descriptor.ProductIndex) }

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string { return d.GetString(d.descriptor.SerialNumberIndex) }

// State returns the enumeration state.
func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) halAddress() hal.DeviceAddress {
	return hal.DeviceAddress(d.address)
}

func (d *Device) checkAttached() error {
	if d.State() == DeviceStateDetached {
		return fmt.Errorf("device %d: %w", d.address, pkg.ErrNoDevice)
	}
	return nil
}

// Control runs a control transfer on endpoint 0. The data stage direction
// follows setup.RequestType.
func (d *Device) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := d.checkAttached(); err != nil {
		return 0, err
	}
	return d.host.hal.ControlTransfer(ctx, d.halAddress(), setup, data)
}

// BulkTransfer moves data on the bulk endpoint at endpoint. The direction
// follows the endpoint address.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if err := d.checkAttached(); err != nil {
		return 0, err
	}
	return d.host.hal.BulkTransfer(ctx, d.halAddress(), endpoint, data)
}

// InterruptTransfer runs one blocking interrupt transfer.
func (d *Device) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if err := d.checkAttached(); err != nil {
		return 0, err
	}
	return d.host.hal.InterruptTransfer(ctx, d.halAddress(), endpoint, data)
}

// SubscribeInterrupt keeps the interrupt IN endpoint polled in the
// background and calls fn with each report. The host controller must
// implement hal.AsyncInterruptHAL.
func (d *Device) SubscribeInterrupt(endpoint uint8, length int, fn func(hal.InterruptCompletion)) error {
	if err := d.checkAttached(); err != nil {
		return err
	}
	async, ok := d.host.hal.(hal.AsyncInterruptHAL)
	if !ok {
		return fmt.Errorf("%w: background interrupt polling", pkg.ErrNotSupported)
	}
	if err := async.SubscribeInterrupt(d.halAddress(), endpoint, length, fn); err != nil {
		return err
	}
	d.mu.Lock()
	d.subscribed[endpoint] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Unsubscribe stops background polling of endpoint.
func (d *Device) Unsubscribe(endpoint uint8) error {
	async, ok := d.host.hal.(hal.AsyncInterruptHAL)
	if !ok {
		return fmt.Errorf("%w: background interrupt polling", pkg.ErrNotSupported)
	}
	if err := async.UnsubscribeInterrupt(d.halAddress(), endpoint); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.subscribed, endpoint)
	d.mu.Unlock()
	return nil
}

// Close cancels every subscription and marks the device detached.
func (d *Device) Close() error {
	d.mu.Lock()
	eps := make([]uint8, 0, len(d.subscribed))
	for ep := range d.subscribed {
		eps = append(eps, ep)
	}
	d.state = DeviceStateDetached
	d.mu.Unlock()

	for _, ep := range eps {
		if err := d.Unsubscribe(ep); err != nil {
			pkg.LogDebug(pkg.ComponentHost, "unsubscribe on close", "ep", ep, "error", err)
		}
	}
	return nil
}

// SetConfiguration selects configuration value. Zero returns the device to
// the address state.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.Control(ctx, &setup, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.configuration = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mu.Unlock()
	return nil
}

// ConfigurationValue returns the value of the last SetConfiguration.
func (d *Device) ConfigurationValue() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.configuration
}

// GetDescriptor reads descriptor (typ, index) into data.
func (d *Device) GetDescriptor(ctx context.Context, typ, index uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(typ)<<8 | uint16(index),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.Control(ctx, &setup, data)
}

// GetStatus reads the device status word.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
	if _, err := d.Control(ctx, &setup, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ClearEndpointHalt clears the halt condition on endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
	_, err := d.Control(ctx, &setup, nil)
	return err
}

// ClaimInterface claims exclusive use of interface num.
func (d *Device) ClaimInterface(num uint8) error {
	if d.Interface(num) == nil {
		return fmt.Errorf("%w: interface %d", pkg.ErrNotFound, num)
	}
	return d.host.hal.ClaimInterface(d.halAddress(), num)
}

// ReleaseInterface releases a claimed interface.
func (d *Device) ReleaseInterface(num uint8) error {
	return d.host.hal.ReleaseInterface(d.halAddress(), num)
}
