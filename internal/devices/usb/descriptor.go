package usb

import (
	"encoding/binary"
	"unicode/utf16"
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// ConfigAttrBusPowered is the reserved bit that must be set in
// bmAttributes.
const ConfigAttrBusPowered = 0x80

// Endpoint transfer types carried in bmAttributes.
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// LangIDUSEnglish is the only language the emulated devices report.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is the 18-byte standard device descriptor.
type DeviceDescriptor struct {
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

// Append encodes the descriptor onto b.
func (d DeviceDescriptor) Append(b []byte) []byte {
	b = append(b, DeviceDescriptorSize, DescriptorTypeDevice)
	b = binary.LittleEndian.AppendUint16(b, d.USBVersion)
	b = append(b, d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, d.MaxPacketSize0)
	b = binary.LittleEndian.AppendUint16(b, d.VendorID)
	b = binary.LittleEndian.AppendUint16(b, d.ProductID)
	b = binary.LittleEndian.AppendUint16(b, d.DeviceVersion)
	return append(b, d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex, d.NumConfigurations)
}

// ConfigurationDescriptor is the 9-byte header of a configuration. TotalLength
// covers every interface, class and endpoint descriptor that follows.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units
}

func (c ConfigurationDescriptor) Append(b []byte) []byte {
	b = append(b, ConfigurationDescriptorSize, DescriptorTypeConfiguration)
	b = binary.LittleEndian.AppendUint16(b, c.TotalLength)
	return append(b, c.NumInterfaces, c.ConfigurationValue, c.ConfigurationIndex, c.Attributes, c.MaxPower)
}

type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

func (i InterfaceDescriptor) Append(b []byte) []byte {
	return append(b, InterfaceDescriptorSize, DescriptorTypeInterface,
		i.InterfaceNumber, i.AlternateSetting, i.NumEndpoints,
		i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol, i.InterfaceIndex)
}

type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

func (e EndpointDescriptor) Append(b []byte) []byte {
	b = append(b, EndpointDescriptorSize, DescriptorTypeEndpoint, e.EndpointAddress, e.Attributes)
	b = binary.LittleEndian.AppendUint16(b, e.MaxPacketSize)
	return append(b, e.Interval)
}

// StringDescriptor encodes s as a UTF-16LE string descriptor, truncated to
// the 255-byte descriptor limit.
func StringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	b := make([]byte, 0, 2+2*len(units))
	b = append(b, byte(2+2*len(units)), DescriptorTypeString)
	for _, u := range units {
		b = binary.LittleEndian.AppendUint16(b, u)
	}
	return b
}

// LanguageDescriptor is string descriptor zero listing the supported
// language IDs.
func LanguageDescriptor(langIDs ...uint16) []byte {
	b := make([]byte, 0, 2+2*len(langIDs))
	b = append(b, byte(2+2*len(langIDs)), DescriptorTypeString)
	for _, id := range langIDs {
		b = binary.LittleEndian.AppendUint16(b, id)
	}
	return b
}
