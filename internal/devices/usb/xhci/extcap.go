package xhci

// Supported Protocol extended capability, one per USB major revision.
const (
	extCapIDSupportedProtocol = 2
	extCapProtocolSize        = 0x10
	extCapNameUSB             = 0x20425355 // "USB "
)

type supportedProtocol struct {
	major, minor uint8
	firstPort    uint8 // one-based
	portCount    uint8
}

// extendedCapabilities lays out the xECP list: USB 2.0 for the first half of
// the root hub ports, USB 3.0 for the rest.
type extendedCapabilities struct {
	protocols []supportedProtocol
}

func newExtendedCapabilities(maxPorts uint8) *extendedCapabilities {
	usb2 := maxPorts / 2
	usb3 := maxPorts - usb2
	var protocols []supportedProtocol
	if usb2 > 0 {
		protocols = append(protocols, supportedProtocol{major: 2, firstPort: 1, portCount: usb2})
	}
	if usb3 > 0 {
		protocols = append(protocols, supportedProtocol{major: 3, firstPort: usb2 + 1, portCount: usb3})
	}
	return &extendedCapabilities{protocols: protocols}
}

func (e *extendedCapabilities) size() uint64 {
	return uint64(len(e.protocols)) * extCapProtocolSize
}

// superSpeedPort reports whether the zero-based port belongs to the USB 3
// protocol range.
func (e *extendedCapabilities) superSpeedPort(port uint8) bool {
	for _, p := range e.protocols {
		if p.major == 3 && port+1 >= p.firstPort && port+1 < p.firstPort+p.portCount {
			return true
		}
	}
	return false
}

func (e *extendedCapabilities) Read(offset uint64) uint32 {
	idx := offset / extCapProtocolSize
	if idx >= uint64(len(e.protocols)) {
		return 0
	}
	p := e.protocols[idx]
	switch offset % extCapProtocolSize {
	case 0x0:
		next := uint32(0)
		if idx+1 < uint64(len(e.protocols)) {
			next = extCapProtocolSize / 4
		}
		return extCapIDSupportedProtocol | next<<8 | uint32(p.minor)<<16 | uint32(p.major)<<24
	case 0x4:
		return extCapNameUSB
	case 0x8:
		return uint32(p.firstPort) | uint32(p.portCount)<<8
	default:
		return 0
	}
}
