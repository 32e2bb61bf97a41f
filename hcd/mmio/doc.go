// Package mmio is the register and DMA-memory access layer underneath the
// host-controller engine.
//
// The engine never touches hardware directly. It talks to a [Bus] through
// base-relative [Window] views (one for the controller core, one for the
// DMA sub-block) and obtains descriptor and data memory from an [Arena]
// that the controller's DMA master can address.
//
// [RegisterFile] is plain byte-backed storage used by simulated hardware,
// [Tracer] records every access for offline inspection (CBOR encoded), and
// [DumpIntelHex] writes register or arena snapshots as Intel HEX images.
package mmio
