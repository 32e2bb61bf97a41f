package sim

import (
	"encoding/binary"
	"sync"
	"unicode/utf16"

	"github.com/ardnew/otgusb/host"
	"github.com/ardnew/otgusb/host/hal"
)

// Device answers the standard chapter 9 requests from a fixed descriptor
// set. Class and vendor requests are passed to ClassRequest when set and
// stalled otherwise. It is embedded by the stock functions.
type Device struct {
	DeviceDescriptor []byte
	ConfigDescriptor []byte // full configuration tree
	Strings          []string

	// ClassRequest handles non-standard requests.
	ClassRequest func(setup hal.SetupPacket, data []byte) (int, Handshake)

	mu            sync.Mutex
	configuration uint8
}

// Configuration returns the value of the last SET_CONFIGURATION.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configuration
}

func (d *Device) Control(setup hal.SetupPacket, data []byte) (int, Handshake) {
	if setup.RequestType&(host.RequestTypeClass|host.RequestTypeVendor) != 0 {
		if d.ClassRequest == nil {
			return 0, STALL
		}
		return d.ClassRequest(setup, data)
	}

	switch setup.Request {
	case host.RequestGetDescriptor:
		desc := d.descriptor(uint8(setup.Value>>8), uint8(setup.Value))
		if desc == nil {
			return 0, STALL
		}
		return copy(data, desc), ACK

	case host.RequestSetConfiguration:
		d.mu.Lock()
		d.configuration = uint8(setup.Value)
		d.mu.Unlock()
		return 0, ACK

	case host.RequestGetConfiguration:
		if len(data) < 1 {
			return 0, STALL
		}
		data[0] = d.Configuration()
		return 1, ACK

	case host.RequestGetStatus:
		return copy(data, []byte{0, 0}), ACK

	case host.RequestGetInterface:
		if len(data) < 1 {
			return 0, STALL
		}
		data[0] = 0
		return 1, ACK

	case host.RequestClearFeature, host.RequestSetFeature, host.RequestSetInterface:
		return 0, ACK
	}
	return 0, STALL
}

func (d *Device) descriptor(typ, index uint8) []byte {
	switch typ {
	case host.DescriptorTypeDevice:
		return d.DeviceDescriptor
	case host.DescriptorTypeConfiguration:
		return d.ConfigDescriptor
	case host.DescriptorTypeString:
		if index == 0 {
			return []byte{4, host.DescriptorTypeString, 0x09, 0x04} // en-US
		}
		if int(index) > len(d.Strings) {
			return nil
		}
		return stringDescriptor(d.Strings[index-1])
	}
	return nil
}

// In stalls: Device has no data endpoints of its own.
func (d *Device) In(uint8, []byte) (int, Handshake) { return 0, STALL }

// Out stalls: Device has no data endpoints of its own.
func (d *Device) Out(uint8, []byte) Handshake { return STALL }

func stringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2+2*len(units))
	b[0], b[1] = uint8(len(b)), host.DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+2*i:], u)
	}
	return b
}

// deviceDescriptor builds an 18-byte device descriptor with manufacturer
// and product strings 1 and 2 and one configuration.
func deviceDescriptor(class, maxPacket0 uint8, vendor, product uint16) []byte {
	b := []byte{
		18, host.DescriptorTypeDevice,
		0x00, 0x02, // bcdUSB 2.00
		class, 0, 0,
		maxPacket0,
		0, 0, // idVendor
		0, 0, // idProduct
		0x00, 0x01, // bcdDevice 1.00
		1, 2, 0, // iManufacturer, iProduct, iSerialNumber
		1, // bNumConfigurations
	}
	binary.LittleEndian.PutUint16(b[8:], vendor)
	binary.LittleEndian.PutUint16(b[10:], product)
	return b
}

type endpointSpec struct {
	address   uint8
	attr      uint8
	maxPacket uint16
	interval  uint8
}

// configDescriptor builds a single-interface configuration tree. extra is
// inserted between the interface and its endpoints (class descriptors).
func configDescriptor(class, subclass, protocol uint8, extra []byte, eps ...endpointSpec) []byte {
	b := []byte{
		9, host.DescriptorTypeConfiguration, 0, 0, // wTotalLength patched below
		1,    // bNumInterfaces
		1,    // bConfigurationValue
		0,    // iConfiguration
		0x80, // bus powered
		50,   // 100 mA
		9, host.DescriptorTypeInterface, 0, 0, uint8(len(eps)), class, subclass, protocol, 0,
	}
	b = append(b, extra...)
	for _, ep := range eps {
		b = append(b, 7, host.DescriptorTypeEndpoint, ep.address, ep.attr, 0, 0, ep.interval)
		binary.LittleEndian.PutUint16(b[len(b)-3:], ep.maxPacket)
	}
	binary.LittleEndian.PutUint16(b[2:], uint16(len(b)))
	return b
}

var _ Function = (*Device)(nil)
