package xhci

import "errors"

var (
	ErrNoFreeSlots  = errors.New("xhci: no free device slots")
	ErrInvalidPort  = errors.New("xhci: invalid root hub port")
	ErrPortInUse    = errors.New("xhci: root hub port already connected")
	ErrInvalidSlot  = errors.New("xhci: invalid device slot")
	ErrMalformedTRB = errors.New("xhci: malformed TRB")
	ErrInvalidRing  = errors.New("xhci: invalid ring")
	ErrNilDevice    = errors.New("xhci: nil device")
)
