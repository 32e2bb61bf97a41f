// Package sim simulates the OTG controller hardware driven by package hcd.
//
// [Hardware] implements [mmio.Bus] over the core and DMA register blocks,
// with the write-one-to-clear flags, toggle readback and self-clearing
// reset of the real part. When a DMA channel is enabled it reads the
// descriptor from the shared [mmio.Arena] and runs the transaction against
// the [Function] attached to the port, then posts completion or an error
// code the way the controller does. NAKed transactions are retried each
// time a channel status register is read.
//
// Port events are injected with [Hardware.Attach], [Hardware.Detach],
// [Hardware.VBUSError] and [Hardware.SetID]. [Keyboard] and [Loopback] are
// ready-made functions.
package sim
