// Package usb holds the USB 2.0 chapter 9 framing shared by the host
// controller and the emulated devices: setup packets, standard descriptors
// and the errors a device reports back for a transfer.
package usb

import "errors"

// Errors a device returns from a control or data transfer. The host
// controller maps each one onto a completion code.
var (
	// ErrStall means the endpoint answered with a STALL handshake.
	ErrStall = errors.New("usb: endpoint stalled")
	// ErrNAK means the device has nothing to send yet. The host retries
	// the transfer later instead of failing it.
	ErrNAK = errors.New("usb: NAK")

	ErrNotSupported    = errors.New("usb: request not supported")
	ErrInvalidRequest  = errors.New("usb: invalid request")
	ErrInvalidEndpoint = errors.New("usb: invalid endpoint")
	ErrOverrun         = errors.New("usb: data overrun")
	ErrBufferTooSmall  = errors.New("usb: buffer too small")
	ErrBandwidth       = errors.New("usb: insufficient bandwidth")
	ErrShortSetup      = errors.New("usb: setup packet too short")
)
