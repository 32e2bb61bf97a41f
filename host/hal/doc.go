// Package hal defines the boundary between the bus-enumeration caller in
// package host and a USB host controller engine.
//
// The HAL carries only value types and the [HostHAL] contract:
//   - Initialization and port management
//   - Control, bulk and interrupt transfers (isochronous is part of the
//     contract but engines may reject it)
//   - Endpoint parameter registration via ConfigureEndpoint
//   - Port status and device connection detection
//
// Engines that can poll interrupt IN endpoints in the background also
// implement [AsyncInterruptHAL].
//
// The hcd package provides the implementation for OTG-capable USB2
// controllers:
//
//	ctrl, err := hcd.New(bus, arena, hcd.DefaultConfig())
//	h := host.New(hcd.NewHAL(ctrl))
package hal
