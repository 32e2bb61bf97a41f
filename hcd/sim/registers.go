package sim

import (
	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/host/hal"
)

// hcErrSpan covers every HCERR register (16 endpoints, two directions).
const hcErrSpan = 0x20

func isW1C(off uint32, width int) bool {
	switch off {
	case hcd.RegUSBIRQ, hcd.RegOTGIRQ:
		return width == 1
	case hcd.RegTXIRQ, hcd.RegRXIRQ, hcd.RegTXERRIRQ, hcd.RegRXERRIRQ:
		return width == 2
	}
	return false
}

func isHCErr(off uint32) bool {
	base := hcd.RegHCErr(0, hal.DirOut)
	return off >= base && off < base+hcErrSpan
}

func (h *Hardware) readCore(off uint32, width int) uint32 {
	addr := h.cfg.CoreBase + off
	switch {
	case off == hcd.RegEndpRst && width == 1:
		sel := h.readRaw8(off)
		ep, dir := sel&hcd.EndpRstEPMask, (sel&hcd.EndpRstDirIn)>>4
		v := sel & (hcd.EndpRstEPMask | hcd.EndpRstDirIn)
		if h.toggles[dir][ep] != 0 {
			v |= hcd.EndpRstTogSet
		}
		return uint32(v)

	case off == hcd.RegOTGState && width == 1:
		if h.stuck {
			h.stateReads++
			if h.stateReads > 1 {
				return uint32(hcd.AHost)
			}
		}
	}
	return readFile(h.core, addr, width)
}

func (h *Hardware) writeCore(off uint32, width int, v uint32) {
	addr := h.cfg.CoreBase + off
	switch {
	case isW1C(off, width):
		writeFile(h.core, addr, width, readFile(h.core, addr, width)&^v)

	case isHCErr(off) && width == 1:
		h.core.Write8(addr, 0)

	case off == hcd.RegEndpRst && width == 1:
		sel := uint8(v)
		ep, dir := sel&hcd.EndpRstEPMask, (sel&hcd.EndpRstDirIn)>>4
		switch {
		case sel&hcd.EndpRstTogSet != 0:
			h.toggles[dir][ep] = 1
		case sel&hcd.EndpRstTogRst != 0:
			h.toggles[dir][ep] = 0
		}
		h.core.Write8(addr, sel&(hcd.EndpRstEPMask|hcd.EndpRstDirIn))

	default:
		writeFile(h.core, addr, width, v)
	}
}

// selected returns the channel EPSEL points at.
func (h *Hardware) selected() (*channel, uint8, hal.Direction) {
	ep := uint8(h.sel & dma.EpSelNumMask)
	dir := hal.DirOut
	if h.sel&dma.EpSelDirIn != 0 {
		dir = hal.DirIn
	}
	return &h.chans[dir][ep], ep, dir
}

func (h *Hardware) readDMA(off uint32, width int) uint32 {
	if width != 4 {
		return readFile(h.dmaRegs, h.cfg.DMABase+off, width)
	}
	ch, _, _ := h.selected()
	switch off {
	case dma.RegEpSts:
		h.retryPending()
		return ch.sts
	case dma.RegEpCfg:
		if ch.enabled {
			return dma.EpCfgEnable
		}
		return 0
	case dma.RegTrAddr:
		return ch.trb
	case dma.RegEpStsEn:
		return ch.stsEn
	case dma.RegEpSel:
		return h.sel
	}
	return h.dmaRegs.Read32(h.cfg.DMABase + off)
}

func (h *Hardware) writeDMA(off uint32, width int, v uint32) {
	addr := h.cfg.DMABase + off
	if width != 4 {
		writeFile(h.dmaRegs, addr, width, v)
		return
	}
	ch, ep, dir := h.selected()
	switch off {
	case dma.RegConf:
		if v&dma.ConfSWRST != 0 {
			h.resets++
		}
		h.dmaRegs.Write32(addr, v&^dma.ConfSWRST)
	case dma.RegEpSel:
		h.sel = v & (dma.EpSelNumMask | dma.EpSelDirIn)
	case dma.RegTrAddr:
		ch.trb = v
	case dma.RegEpCmd:
		if v&dma.EpCmdEPRST != 0 {
			*ch = channel{trb: ch.trb, stsEn: ch.stsEn}
		}
		if v&dma.EpCmdDRDY != 0 {
			ch.ready = true
		}
	case dma.RegEpCfg:
		if v&dma.EpCfgEnable == 0 {
			ch.enabled, ch.ready, ch.pending = false, false, false
			return
		}
		if !ch.enabled && ch.ready {
			ch.enabled = true
			h.start(ep, dir)
		}
	case dma.RegEpSts:
		ch.sts &^= v
	case dma.RegEpStsEn:
		ch.stsEn = v
	default:
		h.dmaRegs.Write32(addr, v)
	}
}
