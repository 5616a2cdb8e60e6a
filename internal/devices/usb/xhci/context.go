package xhci

import (
	"encoding/binary"
	"fmt"
)

// contextSize is the size of a slot or endpoint context (HCCPARAMS1.CSZ=0).
const contextSize = 32

// SlotState is the state of a device slot.
type SlotState uint8

const (
	SlotDisabled SlotState = iota
	SlotDefault
	SlotAddressed
	SlotConfigured
)

func (s SlotState) String() string {
	switch s {
	case SlotDisabled:
		return "disabled"
	case SlotDefault:
		return "default"
	case SlotAddressed:
		return "addressed"
	case SlotConfigured:
		return "configured"
	default:
		return fmt.Sprintf("SlotState(%d)", uint8(s))
	}
}

// EndpointState is the state of an endpoint context.
type EndpointState uint8

const (
	EndpointDisabled EndpointState = iota
	EndpointRunning
	EndpointHalted
	EndpointStopped
	EndpointError
)

func (s EndpointState) String() string {
	switch s {
	case EndpointDisabled:
		return "disabled"
	case EndpointRunning:
		return "running"
	case EndpointHalted:
		return "halted"
	case EndpointStopped:
		return "stopped"
	case EndpointError:
		return "error"
	default:
		return fmt.Sprintf("EndpointState(%d)", uint8(s))
	}
}

// EndpointType is the EP Type field of an endpoint context.
type EndpointType uint8

const (
	EndpointTypeInvalid EndpointType = iota
	EndpointTypeIsochOut
	EndpointTypeBulkOut
	EndpointTypeInterruptOut
	EndpointTypeControl
	EndpointTypeIsochIn
	EndpointTypeBulkIn
	EndpointTypeInterruptIn
)

// SlotContext mirrors the fields of the xHCI slot context the controller
// tracks.
type SlotContext struct {
	RouteString       uint32
	Speed             Speed
	ContextEntries    uint8
	RootHubPort       uint8
	InterrupterTarget uint16
	DeviceAddress     uint8
	State             SlotState
}

// MarshalTo writes the 32-byte guest representation and returns the number
// of bytes written, or 0 if buf is too small.
func (s SlotContext) MarshalTo(buf []byte) int {
	if len(buf) < contextSize {
		return 0
	}
	clear(buf[:contextSize])
	binary.LittleEndian.PutUint32(buf[0:], s.RouteString&0xFFFFF|uint32(s.Speed&0xF)<<20|uint32(s.ContextEntries&0x1F)<<27)
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.RootHubPort)<<16)
	binary.LittleEndian.PutUint32(buf[8:], uint32(s.InterrupterTarget&0x3FF)<<22)
	binary.LittleEndian.PutUint32(buf[12:], uint32(s.DeviceAddress)|uint32(s.State)<<27)
	return contextSize
}

// ParseSlotContext decodes the guest representation of a slot context.
func ParseSlotContext(buf []byte, out *SlotContext) error {
	if len(buf) < contextSize {
		return fmt.Errorf("slot context: need %d bytes, got %d", contextSize, len(buf))
	}
	*out = decodeSlotContext((*[contextSize]byte)(buf))
	return nil
}

func decodeSlotContext(buf *[contextSize]byte) SlotContext {
	dw0 := binary.LittleEndian.Uint32(buf[0:])
	dw1 := binary.LittleEndian.Uint32(buf[4:])
	dw2 := binary.LittleEndian.Uint32(buf[8:])
	dw3 := binary.LittleEndian.Uint32(buf[12:])
	return SlotContext{
		RouteString:       dw0 & 0xFFFFF,
		Speed:             Speed(dw0 >> 20 & 0xF),
		ContextEntries:    uint8(dw0 >> 27),
		RootHubPort:       uint8(dw1 >> 16),
		InterrupterTarget: uint16(dw2 >> 22),
		DeviceAddress:     uint8(dw3),
		State:             SlotState(dw3 >> 27),
	}
}

// EndpointContext mirrors the fields of the xHCI endpoint context the
// controller tracks.
type EndpointContext struct {
	State         EndpointState
	Type          EndpointType
	Interval      uint8
	MaxBurst      uint8
	MaxPacketSize uint16
	DequeuePtr    uint64
	DequeueCycle  bool
	AverageTRBLen uint16
}

func (e EndpointContext) MarshalTo(buf []byte) int {
	if len(buf) < contextSize {
		return 0
	}
	clear(buf[:contextSize])
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.State&0x7)|uint32(e.Interval)<<16)
	// CErr is fixed at 3.
	binary.LittleEndian.PutUint32(buf[4:], 3<<1|uint32(e.Type&0x7)<<3|uint32(e.MaxBurst)<<8|uint32(e.MaxPacketSize)<<16)
	deq := e.DequeuePtr &^ 0xF
	if e.DequeueCycle {
		deq |= 1
	}
	binary.LittleEndian.PutUint64(buf[8:], deq)
	binary.LittleEndian.PutUint32(buf[16:], uint32(e.AverageTRBLen))
	return contextSize
}

func ParseEndpointContext(buf []byte, out *EndpointContext) error {
	if len(buf) < contextSize {
		return fmt.Errorf("endpoint context: need %d bytes, got %d", contextSize, len(buf))
	}
	*out = decodeEndpointContext((*[contextSize]byte)(buf))
	return nil
}

func decodeEndpointContext(buf *[contextSize]byte) EndpointContext {
	dw0 := binary.LittleEndian.Uint32(buf[0:])
	dw1 := binary.LittleEndian.Uint32(buf[4:])
	deq := binary.LittleEndian.Uint64(buf[8:])
	dw4 := binary.LittleEndian.Uint32(buf[16:])
	return EndpointContext{
		State:         EndpointState(dw0 & 0x7),
		Type:          EndpointType(dw1 >> 3 & 0x7),
		Interval:      uint8(dw0 >> 16),
		MaxBurst:      uint8(dw1 >> 8),
		MaxPacketSize: uint16(dw1 >> 16),
		DequeuePtr:    deq &^ 0xF,
		DequeueCycle:  deq&1 != 0,
		AverageTRBLen: uint16(dw4),
	}
}

// inputControlContext holds the drop and add flags of an input context.
type inputControlContext struct {
	drop uint32
	add  uint32
}

func parseInputControlContext(buf []byte) inputControlContext {
	return inputControlContext{
		drop: binary.LittleEndian.Uint32(buf[0:]),
		add:  binary.LittleEndian.Uint32(buf[4:]),
	}
}
