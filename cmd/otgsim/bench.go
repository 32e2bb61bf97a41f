package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/hcd/sim"
	"github.com/ardnew/otgusb/host"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
	"github.com/ardnew/otgusb/pkg/usbid"
)

// bench is a simulated controller with a virtual device and a running
// host stack on top.
type bench struct {
	hw     *sim.Hardware
	ctrl   *hcd.Controller
	host   *host.Host
	fn     sim.Function
	speed  hal.Speed
	tracer *mmio.Tracer
}

// newBench builds and starts a bench. A traceLimit >= 0 routes every
// register access through a tracer keeping that many records (0: all).
func newBench(ctx context.Context, opts *options, traceLimit int) (*bench, error) {
	cfg, err := opts.config()
	if err != nil {
		return nil, err
	}
	speed, err := opts.linkSpeed()
	if err != nil {
		return nil, err
	}

	var fn sim.Function
	switch opts.device {
	case "keyboard":
		if speed == hal.SpeedHigh {
			return nil, fmt.Errorf("%w: keyboard at high speed", pkg.ErrInvalidParameter)
		}
		fn = sim.NewKeyboard()
	case "loopback":
		if speed == hal.SpeedLow {
			return nil, fmt.Errorf("%w: bulk endpoints at low speed", pkg.ErrInvalidParameter)
		}
		fn = sim.NewLoopback(speed)
	default:
		return nil, fmt.Errorf("%w: device %q", pkg.ErrInvalidParameter, opts.device)
	}

	b := &bench{hw: sim.New(cfg), fn: fn, speed: speed}
	var bus mmio.Bus = b.hw
	if traceLimit >= 0 {
		b.tracer = mmio.NewTracer(b.hw, traceLimit)
		bus = b.tracer
	}
	if b.ctrl, err = hcd.New(bus, b.hw.Arena(), cfg); err != nil {
		return nil, err
	}
	b.host = host.New(hcd.NewHAL(b.ctrl))
	if err := b.host.Start(ctx); err != nil {
		b.ctrl.Close()
		return nil, err
	}
	return b, nil
}

// attach plugs the virtual device in and enumerates it.
func (b *bench) attach(ctx context.Context) (*host.Device, error) {
	b.hw.Attach(b.fn, b.speed)
	return b.host.Enumerate(ctx, 1)
}

func (b *bench) close() {
	if err := b.host.Stop(); err != nil {
		pkg.LogWarn(pkg.ComponentHost, "stop", "error", err)
	}
	b.ctrl.Close()
}

// usbIDs loads the name database from --usb-ids, or from the system copy.
// A missing database leaves names blank.
func (o *options) usbIDs() *usbid.Database {
	db := usbid.New()
	paths := usbid.DefaultPaths
	if o.ids != "" {
		paths = []string{o.ids}
	}
	path, err := db.Open(paths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "no usb.ids database", "error", err)
		return db
	}
	vendors, products := db.Len()
	pkg.LogDebug(pkg.ComponentHost, "usb.ids loaded", "path", path,
		"vendors", vendors, "products", products)
	return db
}

// describe prints the enumerated view of dev.
func describe(w io.Writer, dev *host.Device, names *usbid.Database) {
	d := dev.Descriptor()
	fmt.Fprintf(w, "device %d on port %d: %04x:%04x %v\n",
		dev.Address(), dev.Port(), d.VendorID, d.ProductID, dev.Speed())
	if s := names.Vendor(d.VendorID); s != "" {
		fmt.Fprintf(w, "  vendor:       %s\n", s)
	}
	if s := names.Product(d.VendorID, d.ProductID); s != "" {
		fmt.Fprintf(w, "  known as:     %s\n", s)
	}
	if s := dev.Manufacturer(); s != "" {
		fmt.Fprintf(w, "  manufacturer: %s\n", s)
	}
	if s := dev.Product(); s != "" {
		fmt.Fprintf(w, "  product:      %s\n", s)
	}
	fmt.Fprintf(w, "  usb %x.%02x, ep0 max packet %d, configuration %d (%s)\n",
		d.USBVersion>>8, d.USBVersion&0xFF, d.MaxPacketSize0,
		dev.ConfigurationValue(), dev.State())
	for _, iface := range dev.Interfaces() {
		fmt.Fprintf(w, "  interface %d: class %#02x/%#02x/%#02x, %d endpoints\n",
			iface.InterfaceNumber, iface.InterfaceClass, iface.InterfaceSubClass,
			iface.InterfaceProtocol, iface.NumEndpoints)
	}
	for _, ep := range dev.Endpoints() {
		fmt.Fprintf(w, "    endpoint %#02x: %v, max packet %d, interval %d\n",
			ep.EndpointAddress, ep.TransferType(), ep.MaxPacketSize, ep.Interval)
	}
}
