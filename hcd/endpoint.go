package hcd

import (
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

func endpointSelect(ep uint8, dir hal.Direction) uint8 {
	sel := ep & EndpRstEPMask
	if dir == hal.DirIn {
		sel |= EndpRstDirIn
	}
	return sel
}

// configure programs the endpoint addressed by req immediately before a DMA
// program. For endpoint 0, stage selects the control stage being run.
// Endpoint numbers are not checked here; callers validate requests first.
func (c *Controller) configure(req *Request, stage uint8) {
	if req.Endpoint == 0 {
		c.configureEP0(req, stage)
		return
	}

	ep, dir := req.Endpoint, req.Dir
	bit := uint16(1) << ep
	if dir == hal.DirIn {
		c.core.Set16(RegRXIEN, bit)
		c.core.Set16(RegRXERRIEN, bit)
	} else {
		c.core.Set16(RegTXIEN, bit)
		c.core.Set16(RegTXERRIEN, bit)
	}

	typ := uint8(req.Type) << EPConTypeShift & EPConTypeMask
	c.core.Write8(RegEPCon(ep, dir), typ)
	c.core.Write8(RegEPAddr(ep, dir), req.Address)

	sel := endpointSelect(ep, dir)
	c.core.Write8(RegEndpRst, sel)
	tog := uint8(EndpRstTogRst)
	if req.Toggle != 0 {
		tog = EndpRstTogSet
	}
	c.core.Write8(RegEndpRst, sel|EndpRstFIFORst|tog)

	c.core.Write16(RegEPMaxPack(ep, dir), req.MaxPacket)
	if req.Type == hal.TransferInterrupt && req.Interval > 0 {
		c.core.Write16(RegEPTimer(ep), uint16(req.Interval))
	}
	c.core.Write8(RegEPCon(ep, dir), typ|EPConVal)

	pkg.LogDebug(pkg.ComponentTransfer, "endpoint configured",
		"addr", req.Address, "ep", ep, "dir", dir, "type", req.Type,
		"maxpacket", req.MaxPacket, "toggle", req.Toggle)
}

func (c *Controller) configureEP0(req *Request, stage uint8) {
	c.core.Write8(RegEP0MaxPack, uint8(req.MaxPacket))
	c.core.Write8(RegEP0Addr, req.Address)

	ctrl := stage & EP0StageMask
	if req.Dir == hal.DirIn {
		ctrl |= EP0CtrlDirIn
		if stage == EP0StageData {
			ctrl |= EP0CtrlTogSet
		}
	}
	c.core.Write8(RegEP0Ctrl, ctrl)
	c.core.Write8(RegEndpRst, endpointSelect(0, req.Dir)|EndpRstFIFORst)
	c.ep0Stage = stage
}

// readToggle returns the hardware data toggle of (ep, dir).
func (c *Controller) readToggle(ep uint8, dir hal.Direction) uint8 {
	c.core.Write8(RegEndpRst, endpointSelect(ep, dir))
	if c.core.Test8(RegEndpRst, EndpRstTogSet) {
		return 1
	}
	return 0
}
