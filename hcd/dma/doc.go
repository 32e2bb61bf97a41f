// Package dma drives the host controller's DMA sub-block.
//
// Each (endpoint, direction) pair owns one hardware channel. A transfer
// stage writes a [TRB] into DMA memory, programs the channel with
// [Engine.Program], polls [Engine.CheckComplete], then clears and releases
// the channel. A channel cannot be programmed again until it has been
// released.
package dma
