package sim

import (
	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/hcd/dma"
	"github.com/ardnew/otgusb/host"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// start records a channel program and runs its first attempt.
func (h *Hardware) start(ep uint8, dir hal.Direction) {
	ch := &h.chans[dir][ep]
	p := Program{Endpoint: ep, Dir: dir, TRB: ch.trb}
	if raw, ok := h.arena.Slice(ch.trb, dma.TRBSize); ok {
		t := dma.DecodeTRB(raw)
		p.Addr, p.Length = t.Addr, int(t.Length)
	}
	h.programs = append(h.programs, p)
	h.execute(ep, dir)
}

// retryPending re-runs every NAKed channel.
func (h *Hardware) retryPending() {
	for dir := range h.chans {
		for ep := range h.chans[dir] {
			ch := &h.chans[dir][ep]
			if ch.enabled && ch.pending {
				h.execute(uint8(ep), hal.Direction(dir))
			}
		}
	}
}

// execute performs the transaction described by the channel's descriptor
// and posts its outcome to the status registers.
func (h *Hardware) execute(ep uint8, dir hal.Direction) {
	ch := &h.chans[dir][ep]
	ch.pending = false

	raw, ok := h.arena.Slice(ch.trb, dma.TRBSize)
	if !ok {
		ch.sts |= dma.EpStsTRBErr
		return
	}
	trb := dma.DecodeTRB(raw)
	var buf []byte
	if trb.Length > 0 {
		if buf, ok = h.arena.Slice(trb.Addr, int(trb.Length)); !ok {
			ch.sts |= dma.EpStsTRBErr
			return
		}
	}

	n, hs := h.transact(ep, dir, buf)
	switch hs {
	case ACK:
		trb.Length = uint32(n)
		trb.Encode(raw)
		if ep != 0 {
			h.advanceToggle(ep, dir, n)
		}
		ch.sts |= dma.EpStsIOC
		h.setIRQ(irqReg(dir, false), ep)
	case NAK:
		ch.pending = true
	default:
		h.writeRaw8(hcd.RegHCErr(ep, dir), hs.errCode())
		h.setIRQ(irqReg(dir, true), ep)
		pkg.LogDebug(pkg.ComponentSim, "transaction failed", "ep", ep, "dir", dir, "handshake", hs)
	}
}

func irqReg(dir hal.Direction, isErr bool) uint32 {
	switch {
	case dir == hal.DirIn && isErr:
		return hcd.RegRXERRIRQ
	case dir == hal.DirIn:
		return hcd.RegRXIRQ
	case isErr:
		return hcd.RegTXERRIRQ
	default:
		return hcd.RegTXIRQ
	}
}

func (h *Hardware) setIRQ(reg uint32, ep uint8) {
	addr := h.cfg.CoreBase + reg
	h.core.Write16(addr, h.core.Read16(addr)|uint16(1)<<ep)
}

// advanceToggle flips the endpoint toggle once per packet moved.
func (h *Hardware) advanceToggle(ep uint8, dir hal.Direction, n int) {
	mp := int(h.core.Read16(h.cfg.CoreBase + hcd.RegEPMaxPack(ep, dir)))
	packets := 1
	if mp > 0 && n > 0 {
		packets = (n + mp - 1) / mp
	}
	h.toggles[dir][ep] ^= uint8(packets & 1)
}

func (h *Hardware) transact(ep uint8, dir hal.Direction, buf []byte) (int, Handshake) {
	if h.fn == nil {
		return 0, NoResponse
	}
	if ep == 0 {
		if h.readRaw8(hcd.RegEP0Addr) != h.address {
			return 0, NoResponse
		}
		return h.control(buf)
	}

	con := h.readRaw8(hcd.RegEPCon(ep, dir))
	if con&hcd.EPConVal == 0 {
		return 0, Babble
	}
	if h.readRaw8(hcd.RegEPAddr(ep, dir)) != h.address {
		return 0, NoResponse
	}
	if dir == hal.DirIn {
		n, hs := h.fn.In(ep, buf)
		return clamp(n, len(buf)), hs
	}
	hs := h.fn.Out(ep, buf)
	return len(buf), hs
}

// control runs the endpoint 0 stage selected in EP0CTRL.
func (h *Hardware) control(buf []byte) (int, Handshake) {
	ctrl := h.readRaw8(hcd.RegEP0Ctrl)
	in := ctrl&hcd.EP0CtrlDirIn != 0

	switch ctrl & hcd.EP0StageMask {
	case hcd.EP0StageSetup:
		var setup hal.SetupPacket
		if in || !hal.ParseSetupPacket(buf, &setup) {
			return 0, Babble
		}
		h.ctrl = controlState{setup: setup, valid: true, hs: ACK, address: -1}
		switch {
		case setup.RequestType == host.RequestTypeOut|host.RequestTypeStandard|host.RequestTypeDevice &&
			setup.Request == host.RequestSetAddress:
			h.ctrl.address = int(setup.Value & 0x7F)
		case setup.Length == 0 || setup.DataDirection() == hal.DirIn:
			resp := make([]byte, setup.Length)
			n, hs := h.fn.Control(setup, resp)
			h.ctrl.resp, h.ctrl.hs = resp[:clamp(n, len(resp))], hs
		}
		return len(buf), ACK

	case hcd.EP0StageData:
		if !h.ctrl.valid {
			return 0, Babble
		}
		if in {
			if h.ctrl.hs != ACK {
				return 0, h.ctrl.hs
			}
			return copy(buf, h.ctrl.resp), ACK
		}
		_, hs := h.fn.Control(h.ctrl.setup, buf)
		h.ctrl.hs = hs
		if hs != ACK {
			return 0, hs
		}
		return len(buf), ACK

	case hcd.EP0StageStatus:
		if !h.ctrl.valid {
			return 0, Babble
		}
		if h.ctrl.hs != ACK {
			return 0, h.ctrl.hs
		}
		if h.ctrl.address >= 0 {
			h.address = uint8(h.ctrl.address)
			pkg.LogDebug(pkg.ComponentSim, "address set", "addr", h.address)
		}
		h.ctrl = controlState{address: -1}
		return 0, ACK
	}
	return 0, Babble
}

func clamp(n, limit int) int {
	switch {
	case n < 0:
		return 0
	case n > limit:
		return limit
	}
	return n
}
