package xhci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

// Speed is a USB bus speed, encoded with the xHCI default protocol speed IDs.
type Speed uint8

const (
	SpeedFull  Speed = 1
	SpeedLow   Speed = 2
	SpeedHigh  Speed = 3
	SpeedSuper Speed = 4
)

func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "full"
	case SpeedLow:
		return "low"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return fmt.Sprintf("Speed(%d)", uint8(s))
	}
}

// defaultControlPacketSize is the EP0 max packet size used before the guest
// reads the device descriptor.
func (s Speed) defaultControlPacketSize() uint16 {
	switch s {
	case SpeedSuper:
		return 512
	case SpeedLow:
		return 8
	default:
		return 64
	}
}

// Device is an emulated USB device plugged into a root hub port. The
// controller never parses descriptors; it only moves bytes.
type Device interface {
	DeviceDescriptor() []byte
	ConfigurationDescriptor() []byte

	// HandleControl executes a control request on EP0. request is the
	// 8-byte setup packet followed by any OUT data stage bytes. The returned
	// bytes form the IN data stage.
	HandleControl(request []byte) ([]byte, error)

	// HandleTransfer moves data on a non-control endpoint. ep is the device
	// context index: odd indexes above 1 are IN endpoints and return the
	// data to deliver, even indexes are OUT endpoints and receive data.
	HandleTransfer(ep uint8, data []byte) ([]byte, error)

	Speed() Speed
	Reset()
}

// completionPending marks a TRB the device NAKed. It is never reported to
// the guest; the TRB stays at the ring head until the endpoint is rung again.
const completionPending = CompletionInvalid

// completionForError maps a device error onto the completion code reported
// to the guest.
func completionForError(err error) CompletionCode {
	switch {
	case err == nil:
		return CompletionSuccess
	case errors.Is(err, usb.ErrNAK):
		return completionPending
	case errors.Is(err, usb.ErrStall),
		errors.Is(err, usb.ErrInvalidRequest),
		errors.Is(err, usb.ErrNotSupported):
		return CompletionStallError
	case errors.Is(err, usb.ErrOverrun):
		return CompletionBabbleDetected
	case errors.Is(err, usb.ErrBufferTooSmall):
		return CompletionDataBufferError
	case errors.Is(err, usb.ErrBandwidth):
		return CompletionBandwidthError
	default:
		return CompletionUSBTransactionError
	}
}

// EndpointDCI converts a USB endpoint address (bit 7 set for IN) to its
// device context index.
func EndpointDCI(addr uint8) uint8 {
	num := addr & 0x0F
	if num == 0 {
		return 1
	}
	dci := num * 2
	if addr&0x80 != 0 {
		dci++
	}
	return dci
}

// isInEndpoint reports whether the device context index names an IN
// endpoint. DCI 1 is the bidirectional default control endpoint.
func isInEndpoint(dci uint8) bool {
	return dci > 1 && dci%2 == 1
}
