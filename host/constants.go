package host

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/otgusb/host/hal"
)

// Device states as seen from the host.
const (
	DeviceStateDetached   DeviceState = 0 // Device is not connected
	DeviceStateDefault    DeviceState = 1 // Device has been reset, at address 0
	DeviceStateAddress    DeviceState = 2 // Device has been assigned an address
	DeviceStateConfigured DeviceState = 3 // Device is configured
)

// DeviceState is the enumeration state of a device.
type DeviceState uint8

// String returns a human-readable state description.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Bus limits.
const (
	// MaxDevices is the number of addresses the host hands out.
	MaxDevices = 16

	// MaxDescriptorSize caps configuration tree and string reads.
	MaxDescriptorSize = 512

	// MaxStringSize is the largest string descriptor.
	MaxStringSize = 255
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeHID           = 0x21
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// FeatureEndpointHalt is the ENDPOINT_HALT feature selector.
const FeatureEndpointHalt = 0x00

// LangIDUSEnglish is the language ID used for string reads.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses a device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize || data[1] != DescriptorTypeDevice {
		return false
	}
	*out = DeviceDescriptor{
		Length:            data[0],
		DescriptorType:    data[1],
		USBVersion:        binary.LittleEndian.Uint16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:]),
		ProductID:         binary.LittleEndian.Uint16(data[10:]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return true
}

// ConfigurationDescriptor is a USB configuration descriptor header.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor
// header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses a configuration descriptor header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return false
	}
	*out = ConfigurationDescriptor{
		Length:             data[0],
		DescriptorType:     data[1],
		TotalLength:        binary.LittleEndian.Uint16(data[2:]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return true
}

// InterfaceDescriptor is a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses an interface descriptor from data.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	*out = InterfaceDescriptor{
		Length:            data[0],
		DescriptorType:    data[1],
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}
	return true
}

// EndpointDescriptor is a USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
	Interface       uint8 // number of the owning interface
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses an endpoint descriptor from data.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	*out = EndpointDescriptor{
		Length:          data[0],
		DescriptorType:  data[1],
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(data[4:]) & 0x07FF,
		Interval:        data[6],
	}
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return hal.DirectionOf(e.EndpointAddress) == hal.DirIn
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() hal.TransferType {
	return hal.TransferType(e.Attributes & 0x03)
}

// HAL returns the endpoint parameters the host controller needs.
func (e *EndpointDescriptor) HAL() hal.EndpointDescriptor {
	return hal.EndpointDescriptor{
		Address:       e.EndpointAddress,
		Attributes:    e.Attributes,
		MaxPacketSize: e.MaxPacketSize,
		Interval:      e.Interval,
	}
}

// ConfigurationTree is a parsed configuration descriptor and everything
// nested in it.
type ConfigurationTree struct {
	Config     ConfigurationDescriptor
	Interfaces []InterfaceDescriptor
	Endpoints  []EndpointDescriptor

	// Class holds class-specific descriptors keyed by interface number.
	Class map[uint8][][]byte
}

// ParseConfigurationTree walks a full configuration descriptor. Parsing
// stops at wTotalLength or at the first malformed descriptor.
func ParseConfigurationTree(data []byte, out *ConfigurationTree) bool {
	var cfg ConfigurationDescriptor
	if !ParseConfigurationDescriptor(data, &cfg) {
		return false
	}
	*out = ConfigurationTree{Config: cfg, Class: make(map[uint8][][]byte)}

	end := len(data)
	if int(cfg.TotalLength) < end {
		end = int(cfg.TotalLength)
	}
	iface := -1
	for off := int(cfg.Length); off+2 <= end; {
		length := int(data[off])
		if length < 2 || off+length > end {
			break
		}
		desc := data[off : off+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			var id InterfaceDescriptor
			if ParseInterfaceDescriptor(desc, &id) {
				out.Interfaces = append(out.Interfaces, id)
				iface = int(id.InterfaceNumber)
			}
		case DescriptorTypeEndpoint:
			var ed EndpointDescriptor
			if ParseEndpointDescriptor(desc, &ed) && iface >= 0 {
				ed.Interface = uint8(iface)
				out.Endpoints = append(out.Endpoints, ed)
			}
		default:
			if iface >= 0 {
				k := uint8(iface)
				out.Class[k] = append(out.Class[k], append([]byte(nil), desc...))
			}
		}
		off += length
	}
	return true
}

// DecodeString returns the text of a string descriptor.
func DecodeString(data []byte) (string, bool) {
	if len(data) < 2 || data[1] != DescriptorTypeString {
		return "", false
	}
	n := int(data[0])
	if n > len(data) {
		n = len(data)
	}
	units := make([]uint16, 0, (n-2)/2)
	for i := 2; i+1 < n; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units)), true
}
