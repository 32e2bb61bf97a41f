// Package hcd implements the host side of a USB2 OTG controller.
//
// A [Controller] owns one controller instance: the core register block,
// the DMA sub-block and a DMA-visible [mmio.Arena]. It provides
//
//   - the OTG state machine ([Controller.Service]), which reacts to
//     connect, disconnect, VBUS-error and idle flags and keeps the OTG role
//     and root-hub port status consistent with each other;
//   - synchronous control, bulk and interrupt transfers, each built from
//     configure, program, poll and release cycles on one DMA channel;
//   - an async queue of periodically re-armed interrupt IN transfers,
//     advanced by [Controller.DispatchAsync];
//   - the root-hub port status and feature requests used by enumeration
//     software.
//
// All USB activity is serialized on the controller. Synchronous transfers
// busy-wait against a deadline and cannot be cancelled once the hardware is
// armed. [Controller.Run] supplies the periodic dispatch and hot-plug
// ticks.
//
// [HAL] adapts a Controller to [hal.HostHAL] for the host package:
//
//	ctrl, err := hcd.New(bus, arena, hcd.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer ctrl.Close()
//	go ctrl.Run(ctx)
//	h := host.New(hcd.NewHAL(ctrl))
package hcd
