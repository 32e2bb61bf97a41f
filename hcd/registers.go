package hcd

import "github.com/ardnew/otgusb/host/hal"

// Core register offsets, relative to Config.CoreBase. Registers are 8-bit
// unless noted.
const (
	RegEP0MaxPack = 0x000 // endpoint 0 max packet size
	RegEP0Ctrl    = 0x001 // endpoint 0 stage and direction
	RegEP0Addr    = 0x002 // device address used by endpoint 0
	RegUSBIRQ     = 0x00C // bus interrupt flags (W1C)
	RegTXIRQ      = 0x010 // 16-bit OUT completion flags (W1C)
	RegRXIRQ      = 0x012 // 16-bit IN completion flags (W1C)
	RegTXIEN      = 0x014 // 16-bit OUT completion enables
	RegRXIEN      = 0x016 // 16-bit IN completion enables
	RegTXERRIRQ   = 0x018 // 16-bit OUT error flags (W1C)
	RegRXERRIRQ   = 0x01A // 16-bit IN error flags (W1C)
	RegTXERRIEN   = 0x01C // 16-bit OUT error enables
	RegRXERRIEN   = 0x01E // 16-bit IN error enables
	RegEndpRst    = 0x020 // endpoint select, toggle and FIFO reset
	RegSpeedCtrl  = 0x022 // negotiated link speed
	RegOTGIRQ     = 0x024 // OTG interrupt flags (W1C)
	RegOTGState   = 0x025 // hardware OTG FSM state
	RegOTGCtrl    = 0x026 // OTG control
	RegOTGStatus  = 0x027 // OTG line status
	RegOTGIEN     = 0x028 // OTG interrupt enables
	RegWakeCtrl   = 0x100 // wake control (AuxWakeCtrl variant)
	RegSysCtrl    = 0x104 // 32-bit system control (AuxSysCtrl variant)

	regHCErrBase     = 0x040
	regEPConBase     = 0x060
	regEPAddrBase    = 0x080
	regEPMaxPackBase = 0x0A0
	regEPTimerBase   = 0x0E0
)

// CoreSize is the span of the core register block.
const CoreSize = 0x108

// RegHCErr returns the offset of the error register of (ep, dir).
func RegHCErr(ep uint8, dir hal.Direction) uint32 {
	return regHCErrBase + 2*uint32(ep) + uint32(dir)
}

// RegEPCon returns the offset of the endpoint control register of (ep, dir).
func RegEPCon(ep uint8, dir hal.Direction) uint32 {
	return regEPConBase + 2*uint32(ep) + uint32(dir)
}

// RegEPAddr returns the offset of the device address register of (ep, dir).
func RegEPAddr(ep uint8, dir hal.Direction) uint32 {
	return regEPAddrBase + 2*uint32(ep) + uint32(dir)
}

// RegEPMaxPack returns the offset of the 16-bit max packet register of
// (ep, dir).
func RegEPMaxPack(ep uint8, dir hal.Direction) uint32 {
	return regEPMaxPackBase + 4*uint32(ep) + 2*uint32(dir)
}

// RegEPTimer returns the offset of the 16-bit interrupt IN polling timer of
// ep.
func RegEPTimer(ep uint8) uint32 {
	return regEPTimerBase + 2*uint32(ep)
}

// RegEP0Ctrl bits.
const (
	EP0StageMask   = 0x03
	EP0StageSetup  = 0
	EP0StageData   = 1
	EP0StageStatus = 2
	EP0CtrlDirIn   = 1 << 2
	EP0CtrlTogSet  = 1 << 3
)

// RegEndpRst bits. Reading the register returns the selection plus the
// data toggle of the selected endpoint in EndpRstTogSet.
const (
	EndpRstEPMask  = 0x0F
	EndpRstDirIn   = 1 << 4
	EndpRstTogRst  = 1 << 5
	EndpRstFIFORst = 1 << 6
	EndpRstTogSet  = 1 << 7
)

// RegSpeedCtrl bits.
const (
	SpeedCtrlLS = 1 << 1
	SpeedCtrlFS = 1 << 2
	SpeedCtrlHS = 1 << 3
)

// RegOTGIRQ and RegOTGIEN bits.
const (
	OTGIrqIdle    = 1 << 0
	OTGIrqSRPDet  = 1 << 1
	OTGIrqConn    = 1 << 2
	OTGIrqVBUSErr = 1 << 3
	OTGIrqPeriph  = 1 << 4
	OTGIrqBSE0SRP = 1 << 5

	otgIrqKnown = OTGIrqIdle | OTGIrqSRPDet | OTGIrqConn | OTGIrqVBUSErr | OTGIrqBSE0SRP
	otgIrqAll   = otgIrqKnown | OTGIrqPeriph
)

// RegOTGCtrl bits.
const (
	OTGCtrlBusReq       = 1 << 0
	OTGCtrlABusDrop     = 1 << 1
	OTGCtrlASetBHNPEn   = 1 << 2
	OTGCtrlBHNPEn       = 1 << 3
	OTGCtrlSRPVBUSDetEn = 1 << 4
	OTGCtrlSRPDatDetEn  = 1 << 5
	OTGCtrlForceBConn   = 1 << 6
)

// RegOTGStatus bits.
const (
	OTGStatusID         = 1 << 1 // set: B-device (ID pin floating)
	OTGStatusVBUSValid  = 1 << 2
	OTGStatusASessValid = 1 << 3
	OTGStatusBSessValid = 1 << 4
)

// HCERR bits and error codes.
const (
	HCErrTypeMask = 0x07
	HCErrResend   = 1 << 3
)

// Hardware error codes reported in HCERR.
const (
	ErrCodeNone    = 0
	ErrCodeCRC     = 1
	ErrCodeToggle  = 2
	ErrCodeStall   = 3
	ErrCodeTimeout = 4
	ErrCodePID     = 5
	ErrCodeBabble  = 6
	ErrCodeOther   = 7
)

// EPCON bits.
const (
	EPConTypeShift = 2
	EPConTypeMask  = 0x03 << EPConTypeShift
	EPConVal       = 1 << 7
)

// Auxiliary wake-disable bits.
const (
	WakeCtrlWakeDis = 1 << 0
	SysCtrlWakeDis  = 1 << 16
)
