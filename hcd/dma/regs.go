package dma

// DMA sub-block register offsets (32-bit registers).
const (
	RegConf    = 0x00 // global configuration
	RegSts     = 0x04 // global status
	RegEpSel   = 0x08 // channel select: [3:0] endpoint, bit7 IN
	RegTrAddr  = 0x0C // TRB address of the selected channel
	RegEpCfg   = 0x10 // selected channel configuration
	RegEpCmd   = 0x14 // selected channel command
	RegEpSts   = 0x18 // selected channel status (W1C)
	RegEpStsEn = 0x1C // selected channel status-interrupt enables
	RegEpIEN   = 0x20 // per-channel interrupt enable: [15:0] OUT, [31:16] IN
)

// RegConf bits.
const (
	ConfSWRST = 1 << 0 // soft reset, self clearing
	ConfDSING = 1 << 8 // single-TRB (burst) mode
	ConfDMULT = 1 << 9 // multi-TRB ring mode
)

// RegEpSel bits.
const (
	EpSelNumMask = 0x0F
	EpSelDirIn   = 1 << 7
)

// RegEpCfg bits.
const (
	EpCfgEnable = 1 << 0
)

// RegEpCmd bits.
const (
	EpCmdEPRST = 1 << 0 // channel reset
	EpCmdDRDY  = 1 << 6 // descriptor ready: fetch the TRB at TRADDR
)

// RegEpSts and RegEpStsEn bits.
const (
	EpStsIOC    = 1 << 2 // transfer complete
	EpStsTRBErr = 1 << 7 // descriptor error
)

// RegSize is the span of the DMA register block.
const RegSize = 0x40
