package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// bmRequestType fields.
const (
	RequestDirIn = 0x80

	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientMask      = 0x1F
	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// SetupPacketSize is the length of the SETUP stage of a control transfer.
const SetupPacketSize = 8

// SetupPacket is a decoded SETUP stage.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes the first eight bytes of data.
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, fmt.Errorf("%w: %d bytes", ErrShortSetup, len(data))
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:]),
		Index:       binary.LittleEndian.Uint16(data[4:]),
		Length:      binary.LittleEndian.Uint16(data[6:]),
	}, nil
}

// Bytes encodes the packet in wire order.
func (s SetupPacket) Bytes() []byte {
	buf := make([]byte, SetupPacketSize)
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return buf
}

func (s SetupPacket) In() bool         { return s.RequestType&RequestDirIn != 0 }
func (s SetupPacket) Type() uint8      { return s.RequestType & RequestTypeMask }
func (s SetupPacket) IsStandard() bool { return s.Type() == RequestTypeStandard }
func (s SetupPacket) IsClass() bool    { return s.Type() == RequestTypeClass }

// DescriptorType is the high byte of wValue in GET_DESCRIPTOR.
func (s SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex is the low byte of wValue in GET_DESCRIPTOR.
func (s SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

func (s SetupPacket) String() string {
	dir := "out"
	if s.In() {
		dir = "in"
	}
	return fmt.Sprintf("%s type=0x%02x req=0x%02x value=0x%04x index=0x%04x len=%d",
		dir, s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
