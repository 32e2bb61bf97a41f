package hcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/otgusb/host"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

// HAL adapts a Controller to hal.HostHAL and hal.AsyncInterruptHAL. It
// keeps the per-device endpoint parameters and data toggles the controller
// itself does not track.
type HAL struct {
	ctrl *Controller

	mu      sync.Mutex
	started bool
	ep0     map[hal.DeviceAddress]uint16
	eps     map[endpointKey]*endpointState
	claimed map[interfaceKey]struct{}
}

type endpointKey struct {
	addr hal.DeviceAddress
	ep   uint8 // endpoint address including direction bit
}

type interfaceKey struct {
	addr  hal.DeviceAddress
	iface uint8
}

type endpointState struct {
	maxPacket uint16
	typ       hal.TransferType
	interval  uint8
	toggle    uint8
}

// NewHAL wraps ctrl.
func NewHAL(ctrl *Controller) *HAL {
	return &HAL{
		ctrl:    ctrl,
		ep0:     make(map[hal.DeviceAddress]uint16),
		eps:     make(map[endpointKey]*endpointState),
		claimed: make(map[interfaceKey]struct{}),
	}
}

// Controller returns the wrapped controller.
func (h *HAL) Controller() *Controller {
	return h.ctrl
}

func (h *HAL) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.ctrl.ResetController()
}

func (h *HAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return pkg.ErrAlreadyRunning
	}
	if err := h.ctrl.SetPowerState(PowerOperational); err != nil {
		return err
	}
	h.started = true
	return nil
}

func (h *HAL) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil
	}
	h.started = false
	return h.ctrl.SetPowerState(PowerHalt)
}

func (h *HAL) Close() error {
	return h.ctrl.Close()
}

func (h *HAL) NumPorts() int {
	return h.ctrl.Capabilities().NumPorts
}

func (h *HAL) GetPortStatus(port int) (hal.PortStatus, error) {
	st, err := h.ctrl.PortStatus(port)
	return st.HAL(), err
}

func (h *HAL) PortSpeed(port int) hal.Speed {
	st, _ := h.ctrl.PortStatus(port)
	return st.HAL().Speed
}

// ResetPort holds the port in reset for Config.ResetDelay. Afterwards the
// device answers at address 0 with the default control packet size.
func (h *HAL) ResetPort(port int) error {
	if err := h.ctrl.SetPortFeature(port, FeatureReset); err != nil {
		return err
	}
	if d := h.ctrl.cfg.ResetDelay; d > 0 {
		time.Sleep(d)
	}
	if err := h.ctrl.ClearPortFeature(port, FeatureReset); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.ep0, 0)
	h.mu.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "port reset", "port", port)
	return nil
}

func (h *HAL) EnablePort(port int, enable bool) error {
	if enable {
		return h.ctrl.SetPortFeature(port, FeatureEnable)
	}
	return h.ctrl.ClearPortFeature(port, FeatureEnable)
}

func (h *HAL) speed() hal.Speed {
	return h.PortSpeed(1)
}

func (h *HAL) ep0MaxPacket(addr hal.DeviceAddress, speed hal.Speed) uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mp, ok := h.ep0[addr]; ok {
		return mp
	}
	return speed.DefaultMaxPacket0()
}

func (h *HAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if setup == nil {
		return 0, fmt.Errorf("%w: nil setup packet", pkg.ErrInvalidParameter)
	}
	n := int(setup.Length)
	if len(data) < n {
		return 0, fmt.Errorf("%w: buffer of %d bytes for wLength %d", pkg.ErrInvalidParameter, len(data), n)
	}

	speed := h.speed()
	req := Request{
		Address:   uint8(addr),
		Speed:     speed,
		MaxPacket: h.ep0MaxPacket(addr, speed),
		Setup:     *setup,
	}
	res, err := h.ctrl.ControlTransfer(req, data[:n], h.ctrl.cfg.DefaultTimeout)
	return res.Length, err
}

func (h *HAL) endpoint(addr hal.DeviceAddress, endpoint uint8, want hal.TransferType) (endpointState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.eps[endpointKey{addr, endpoint}]
	if !ok {
		return endpointState{}, fmt.Errorf("%w: endpoint %#02x of device %d not configured",
			pkg.ErrNotFound, endpoint, addr)
	}
	if st.typ != want {
		return endpointState{}, fmt.Errorf("%w: endpoint %#02x is %v, not %v",
			pkg.ErrInvalidParameter, endpoint, st.typ, want)
	}
	return *st, nil
}

func (h *HAL) setToggle(addr hal.DeviceAddress, endpoint uint8, toggle uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.eps[endpointKey{addr, endpoint}]; ok {
		st.toggle = toggle
	}
}

func (h *HAL) dataRequest(addr hal.DeviceAddress, endpoint uint8, st endpointState) Request {
	return Request{
		Address:   uint8(addr),
		Endpoint:  endpoint & 0x0F,
		Dir:       hal.DirectionOf(endpoint),
		MaxPacket: st.maxPacket,
		Speed:     h.speed(),
		Toggle:    st.toggle,
		Interval:  st.interval,
	}
}

// BulkTransfer runs a bulk transfer on a configured endpoint and carries
// the resulting data toggle over to the next call.
func (h *HAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st, err := h.endpoint(addr, endpoint, hal.TransferBulk)
	if err != nil {
		return 0, err
	}
	res, err := h.ctrl.BulkTransfer(h.dataRequest(addr, endpoint, st), data, h.ctrl.cfg.DefaultTimeout)
	if err == nil || isTransferError(err) {
		h.setToggle(addr, endpoint, res.Toggle)
	}
	return res.Length, err
}

func (h *HAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st, err := h.endpoint(addr, endpoint, hal.TransferInterrupt)
	if err != nil {
		return 0, err
	}
	res, err := h.ctrl.InterruptTransfer(h.dataRequest(addr, endpoint, st), data, h.ctrl.cfg.DefaultTimeout)
	if err == nil || isTransferError(err) {
		h.setToggle(addr, endpoint, res.Toggle)
	}
	return res.Length, err
}

// IsochronousTransfer is not implemented by the hardware.
func (h *HAL) IsochronousTransfer(context.Context, hal.DeviceAddress, uint8, []byte) (int, error) {
	return 0, fmt.Errorf("%w: isochronous transfers", pkg.ErrNotSupported)
}

// SetDeviceAddress moves the device at address 0 to newAddr, keeping the
// control packet size learned for address 0.
func (h *HAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if newAddr == 0 || newAddr > MaxAddress {
		return fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, newAddr)
	}
	setup := hal.SetupPacket{
		RequestType: host.RequestTypeOut | host.RequestTypeStandard | host.RequestTypeDevice,
		Request:     host.RequestSetAddress,
		Value:       uint16(newAddr),
	}
	if _, err := h.ControlTransfer(ctx, 0, &setup, nil); err != nil {
		return err
	}

	h.mu.Lock()
	if mp, ok := h.ep0[0]; ok {
		h.ep0[newAddr] = mp
	}
	h.mu.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address assigned", "addr", newAddr)
	return nil
}

// ConfigureEndpoint records ep for addr. Endpoint 0 sets the control
// packet size; other endpoints start with toggle 0.
func (h *HAL) ConfigureEndpoint(addr hal.DeviceAddress, ep hal.EndpointDescriptor) error {
	if ep.Number() == 0 {
		if !validControlMaxPacket(ep.MaxPacketSize) {
			return fmt.Errorf("%w: control max packet %d", pkg.ErrInvalidParameter, ep.MaxPacketSize)
		}
		h.mu.Lock()
		h.ep0[addr] = ep.MaxPacketSize
		h.mu.Unlock()
		return nil
	}
	if ep.MaxPacketSize == 0 {
		return fmt.Errorf("%w: endpoint %#02x max packet 0", pkg.ErrInvalidParameter, ep.Address)
	}

	h.mu.Lock()
	h.eps[endpointKey{addr, ep.Address}] = &endpointState{
		maxPacket: ep.MaxPacketSize,
		typ:       ep.TransferType(),
		interval:  ep.Interval,
	}
	h.mu.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "endpoint configured",
		"addr", addr, "ep", fmt.Sprintf("%#02x", ep.Address), "type", ep.TransferType(),
		"maxpacket", ep.MaxPacketSize)
	return nil
}

func (h *HAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := interfaceKey{addr, iface}
	if _, ok := h.claimed[k]; ok {
		return fmt.Errorf("%w: interface %d of device %d", pkg.ErrBusy, iface, addr)
	}
	h.claimed[k] = struct{}{}
	return nil
}

func (h *HAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := interfaceKey{addr, iface}
	if _, ok := h.claimed[k]; !ok {
		return fmt.Errorf("%w: interface %d of device %d not claimed", pkg.ErrNotFound, iface, addr)
	}
	delete(h.claimed, k)
	return nil
}

// ForgetDevice drops everything recorded for addr.
func (h *HAL) ForgetDevice(addr hal.DeviceAddress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ep0, addr)
	for k := range h.eps {
		if k.addr == addr {
			delete(h.eps, k)
		}
	}
	for k := range h.claimed {
		if k.addr == addr {
			delete(h.claimed, k)
		}
	}
}

func (h *HAL) WaitForConnection(ctx context.Context) (int, error) {
	return h.waitPort(ctx, true)
}

func (h *HAL) WaitForDisconnection(ctx context.Context) (int, error) {
	return h.waitPort(ctx, false)
}

// waitPort polls the port every Config.HotplugInterval until its
// connection state equals connected.
func (h *HAL) waitPort(ctx context.Context, connected bool) (int, error) {
	t := time.NewTicker(h.ctrl.cfg.HotplugInterval)
	defer t.Stop()
	for {
		st, err := h.ctrl.PortStatus(1)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "port status", "error", err)
		}
		if (st&PortConnection != 0) == connected {
			return 1, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}
}

// SubscribeInterrupt registers an async interrupt IN transfer of length
// bytes on a configured endpoint. fn receives pkg.TransferError values for
// failed polls.
func (h *HAL) SubscribeInterrupt(addr hal.DeviceAddress, endpoint uint8, length int, fn func(hal.InterruptCompletion)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback", pkg.ErrInvalidParameter)
	}
	st, err := h.endpoint(addr, endpoint, hal.TransferInterrupt)
	if err != nil {
		return err
	}
	interval := int(st.interval)
	if interval < MinAsyncInterval {
		interval = MinAsyncInterval
	}
	ep := endpoint & 0x0F
	return h.ctrl.AsyncInterruptTransfer(AsyncRequest{
		Address:   uint8(addr),
		Endpoint:  ep,
		Dir:       hal.DirectionOf(endpoint),
		MaxPacket: st.maxPacket,
		Speed:     h.speed(),
		Interval:  interval,
		Length:    length,
		Toggle:    st.toggle,
		Callback: func(ac AsyncCompletion) {
			var err error
			if ac.Status != pkg.TransferStatusSuccess {
				err = pkg.NewTransferError("interrupt", "", ep, true, ac.Status)
			}
			fn(hal.InterruptCompletion{Data: ac.Data, Err: err})
		},
	})
}

// UnsubscribeInterrupt cancels a subscription and keeps its data toggle
// for later transfers on the endpoint.
func (h *HAL) UnsubscribeInterrupt(addr hal.DeviceAddress, endpoint uint8) error {
	toggle, err := h.ctrl.CancelAsyncInterruptTransfer(uint8(addr), endpoint&0x0F)
	if err != nil {
		return err
	}
	h.setToggle(addr, endpoint, toggle)
	return nil
}

func isTransferError(err error) bool {
	var te *pkg.TransferError
	return errors.As(err, &te)
}

var (
	_ hal.HostHAL           = (*HAL)(nil)
	_ hal.AsyncInterruptHAL = (*HAL)(nil)
)
