package xhci

// Operational register offsets relative to CAPLENGTH.
const (
	opRegUSBCmd   = 0x00 // USB command (RW)
	opRegUSBSts   = 0x04 // USB status (RW1C)
	opRegPageSize = 0x08 // page size (R)
	opRegDNCtrl   = 0x14 // device notification control (RW)
	opRegCRCRLo   = 0x18 // command ring control, low dword (RW)
	opRegCRCRHi   = 0x1C // command ring control, high dword (RW)
	opRegDCBAAPLo = 0x30 // device context base address array pointer (RW)
	opRegDCBAAPHi = 0x34
	opRegConfig   = 0x38 // configure (RW)
	opRegPortBase = 0x400
	portStride    = 0x10

	portRegSC    = 0x0 // PORTSC
	portRegPMSC  = 0x4 // PORTPMSC
	portRegLI    = 0x8 // PORTLI
	portRegHLPMC = 0xC // PORTHLPMC
)

const (
	usbcmdRunStop uint32 = 1 << 0
	usbcmdHCRST   uint32 = 1 << 1
	usbcmdINTE    uint32 = 1 << 2
	usbcmdHSEE    uint32 = 1 << 3
	usbcmdLHCRST  uint32 = 1 << 7
	usbcmdCSS     uint32 = 1 << 8
	usbcmdCRS     uint32 = 1 << 9
	usbcmdEWE     uint32 = 1 << 10
	usbcmdEU3S    uint32 = 1 << 11

	usbcmdWritable = usbcmdRunStop | usbcmdINTE | usbcmdHSEE | usbcmdEWE | usbcmdEU3S

	usbstsHCH  uint32 = 1 << 0
	usbstsHSE  uint32 = 1 << 2
	usbstsEINT uint32 = 1 << 3
	usbstsPCD  uint32 = 1 << 4
	usbstsSSS  uint32 = 1 << 8
	usbstsRSS  uint32 = 1 << 9
	usbstsSRE  uint32 = 1 << 10
	usbstsCNR  uint32 = 1 << 11
	usbstsHCE  uint32 = 1 << 12

	usbstsW1C = usbstsHSE | usbstsEINT | usbstsPCD | usbstsSRE

	pageSize4K = 1

	crcrRCS         uint64 = 1 << 0
	crcrCS          uint64 = 1 << 1
	crcrCA          uint64 = 1 << 2
	crcrCRR         uint64 = 1 << 3
	crcrPointerMask uint64 = ^uint64(0x3F)

	dcbaapMask uint64 = ^uint64(0x3F)
	dnctrlMask uint32 = 0xFFFF
	configMask uint32 = 0x3FF
)

// opChange reports the side effects of an operational register write that
// the controller must act on.
type opChange uint32

const (
	changeReset opChange = 1 << iota
	changeRun
	changeHalt
	changeCommandRing
	changeCommandStop
	changeCommandAbort
	changePortReset
)

// OperationalRegisters is the operational bank including the port register
// sets. It holds register state only; the controller performs side effects.
type OperationalRegisters struct {
	usbcmd uint32
	usbsts uint32
	dnctrl uint32
	config uint32
	crcr   uint64
	crr    bool
	dcbaap uint64
	ports  []PortRegisters
}

func NewOperationalRegisters(maxPorts uint8) *OperationalRegisters {
	o := &OperationalRegisters{ports: make([]PortRegisters, maxPorts)}
	o.reset()
	return o
}

func (o *OperationalRegisters) reset() {
	o.usbcmd = 0
	o.usbsts = usbstsHCH
	o.dnctrl = 0
	o.config = 0
	o.crcr = 0
	o.crr = false
	o.dcbaap = 0
	for i := range o.ports {
		o.ports[i].reset()
	}
}

func (o *OperationalRegisters) Command() uint32 { return o.usbcmd }
func (o *OperationalRegisters) Status() uint32  { return o.usbsts }
func (o *OperationalRegisters) DCBAAP() uint64  { return o.dcbaap }
func (o *OperationalRegisters) NumPorts() int   { return len(o.ports) }

// Port returns the register set of the zero-based root hub port i.
func (o *OperationalRegisters) Port(i int) *PortRegisters {
	if i < 0 || i >= len(o.ports) {
		return nil
	}
	return &o.ports[i]
}

func (o *OperationalRegisters) interruptsEnabled() bool { return o.usbcmd&usbcmdINTE != 0 }

func (o *OperationalRegisters) setStatus(bits uint32)   { o.usbsts |= bits }
func (o *OperationalRegisters) clearStatus(bits uint32) { o.usbsts &^= bits }

func (o *OperationalRegisters) commandRingPointer() uint64 { return o.crcr & crcrPointerMask }
func (o *OperationalRegisters) commandRingCycle() bool     { return o.crcr&crcrRCS != 0 }

// setCommandRingRunning drives CRCR.CRR.
func (o *OperationalRegisters) setCommandRingRunning(running bool) { o.crr = running }

// Read returns the 32-bit register at offset (relative to the operational
// base); unknown offsets read 0.
func (o *OperationalRegisters) Read(offset uint64) uint32 {
	switch offset {
	case opRegUSBCmd:
		return o.usbcmd
	case opRegUSBSts:
		return o.usbsts
	case opRegPageSize:
		return pageSize4K
	case opRegDNCtrl:
		return o.dnctrl
	case opRegCRCRLo:
		// The ring pointer is write-only; only CRR is visible.
		if o.crr {
			return uint32(crcrCRR)
		}
		return 0
	case opRegCRCRHi:
		return 0
	case opRegDCBAAPLo:
		return uint32(o.dcbaap)
	case opRegDCBAAPHi:
		return uint32(o.dcbaap >> 32)
	case opRegConfig:
		return o.config
	}
	if port, reg, ok := o.portOffset(offset); ok {
		return o.ports[port].Read(reg)
	}
	return 0
}

// Write applies value to the register at offset and returns what the
// controller must do in response. For changePortReset the affected
// zero-based port index is returned as well.
func (o *OperationalRegisters) Write(offset uint64, value uint32) (opChange, int) {
	switch offset {
	case opRegUSBCmd:
		return o.writeCommand(value), -1
	case opRegUSBSts:
		o.usbsts &^= value & usbstsW1C
	case opRegDNCtrl:
		o.dnctrl = value & dnctrlMask
	case opRegCRCRLo:
		return o.writeCRCR(value, false), -1
	case opRegCRCRHi:
		return o.writeCRCR(value, true), -1
	case opRegDCBAAPLo:
		o.dcbaap = (o.dcbaap&^0xFFFFFFFF | uint64(value)) & dcbaapMask
	case opRegDCBAAPHi:
		o.dcbaap = o.dcbaap&0xFFFFFFFF | uint64(value)<<32
	case opRegConfig:
		o.config = value & configMask
	default:
		if port, reg, ok := o.portOffset(offset); ok {
			if o.ports[port].Write(reg, value) {
				return changePortReset, port
			}
		}
	}
	return 0, -1
}

// preserved returns the bits of the register at offset that survive a
// partial write. CRCR's pointer reads as zero but must not be lost.
func (o *OperationalRegisters) preserved(offset uint64, cur uint32) uint32 {
	switch offset {
	case opRegUSBSts:
		return cur &^ usbstsW1C
	case opRegCRCRLo:
		if o.crr {
			return 0
		}
		return uint32(o.crcr & (crcrPointerMask | crcrRCS))
	case opRegCRCRHi:
		return uint32(o.crcr >> 32)
	}
	if _, reg, ok := o.portOffset(offset); ok && reg == portRegSC {
		return cur &^ portscWriteOneBits
	}
	return cur
}

func (o *OperationalRegisters) writeCommand(value uint32) opChange {
	if value&usbcmdHCRST != 0 {
		o.reset()
		return changeReset
	}
	var change opChange
	wasRunning := o.usbcmd&usbcmdRunStop != 0
	o.usbcmd = value & usbcmdWritable
	running := o.usbcmd&usbcmdRunStop != 0
	switch {
	case running && !wasRunning:
		o.usbsts &^= usbstsHCH
		change |= changeRun
	case !running && wasRunning:
		o.usbsts |= usbstsHCH
		change |= changeHalt
	}
	return change
}

// writeCRCR handles either half of the 64-bit CRCR. The pointer and RCS are
// only accepted while the ring is not running; CS and CA only while it is.
func (o *OperationalRegisters) writeCRCR(value uint32, high bool) opChange {
	if o.crr {
		if high {
			return 0
		}
		switch {
		case uint64(value)&crcrCA != 0:
			return changeCommandAbort
		case uint64(value)&crcrCS != 0:
			return changeCommandStop
		}
		return 0
	}
	if high {
		o.crcr = o.crcr&0xFFFFFFFF | uint64(value)<<32
	} else {
		o.crcr = o.crcr&^0xFFFFFFFF | uint64(value)&(crcrPointerMask|crcrRCS)&0xFFFFFFFF
	}
	return changeCommandRing
}

func (o *OperationalRegisters) portOffset(offset uint64) (int, uint64, bool) {
	if offset < opRegPortBase {
		return 0, 0, false
	}
	idx := (offset - opRegPortBase) / portStride
	if idx >= uint64(len(o.ports)) {
		return 0, 0, false
	}
	return int(idx), (offset - opRegPortBase) % portStride, true
}

const (
	portscCCS        uint32 = 1 << 0
	portscPED        uint32 = 1 << 1
	portscOCA        uint32 = 1 << 3
	portscPR         uint32 = 1 << 4
	portscPLSShift          = 5
	portscPLSMask    uint32 = 0xF << portscPLSShift
	portscPP         uint32 = 1 << 9
	portscSpeedShift        = 10
	portscSpeedMask  uint32 = 0xF << portscSpeedShift
	portscPICMask    uint32 = 0x3 << 14
	portscLWS        uint32 = 1 << 16
	portscCSC        uint32 = 1 << 17
	portscPEC        uint32 = 1 << 18
	portscWRC        uint32 = 1 << 19
	portscOCC        uint32 = 1 << 20
	portscPRC        uint32 = 1 << 21
	portscPLC        uint32 = 1 << 22
	portscCEC        uint32 = 1 << 23
	portscWCE        uint32 = 1 << 25
	portscWDE        uint32 = 1 << 26
	portscWOE        uint32 = 1 << 27
	portscWPR        uint32 = 1 << 31

	portscChangeBits = portscCSC | portscPEC | portscWRC | portscOCC | portscPRC | portscPLC | portscCEC
	portscRWBits     = portscPICMask | portscWCE | portscWDE | portscWOE
	// Bits with an effect when written as 1.
	portscWriteOneBits = portscChangeBits | portscPED | portscPR | portscWPR | portscLWS

	linkStateU0       = 0
	linkStateU3       = 3
	linkStateRxDetect = 5
	linkStatePolling  = 7
	linkStateResume   = 15
)

// PortRegisters is one root hub port register set.
type PortRegisters struct {
	portsc    uint32
	portpmsc  uint32
	portli    uint32
	porthlpmc uint32
}

func (p *PortRegisters) reset() {
	*p = PortRegisters{portsc: portscPP | linkStateRxDetect<<portscPLSShift}
}

func (p *PortRegisters) PORTSC() uint32 { return p.portsc }

func (p *PortRegisters) Connected() bool { return p.portsc&portscCCS != 0 }
func (p *PortRegisters) Enabled() bool   { return p.portsc&portscPED != 0 }
func (p *PortRegisters) LinkState() uint32 {
	return (p.portsc & portscPLSMask) >> portscPLSShift
}

func (p *PortRegisters) setLinkState(pls uint32) {
	p.portsc = p.portsc&^portscPLSMask | pls<<portscPLSShift&portscPLSMask
}

// connect reports a newly attached device of the given speed. SuperSpeed
// ports enable themselves after link training; USB 2 ports wait for a reset.
func (p *PortRegisters) connect(speed Speed) {
	p.portsc |= portscCCS | portscCSC
	p.portsc = p.portsc&^portscSpeedMask | uint32(speed)<<portscSpeedShift&portscSpeedMask
	if speed == SpeedSuper {
		p.portsc |= portscPED
		p.setLinkState(linkStateU0)
	} else {
		p.portsc &^= portscPED
		p.setLinkState(linkStatePolling)
	}
}

func (p *PortRegisters) disconnect() {
	p.portsc &^= portscCCS | portscPED | portscSpeedMask
	p.portsc |= portscCSC
	p.setLinkState(linkStateRxDetect)
}

// completeReset finishes a pending (warm) port reset synchronously.
func (p *PortRegisters) completeReset() {
	if p.portsc&portscWPR != 0 {
		p.portsc |= portscWRC
	}
	p.portsc &^= portscPR | portscWPR
	p.portsc |= portscPRC
	if p.Connected() {
		p.portsc |= portscPED
		p.setLinkState(linkStateU0)
	}
}

// Read returns the port register at reg (0x0-0xC).
func (p *PortRegisters) Read(reg uint64) uint32 {
	switch reg {
	case portRegSC:
		return p.portsc
	case portRegPMSC:
		return p.portpmsc
	case portRegLI:
		return p.portli
	case portRegHLPMC:
		return p.porthlpmc
	default:
		return 0
	}
}

// Write applies value and reports whether a port reset was requested.
func (p *PortRegisters) Write(reg uint64, value uint32) bool {
	switch reg {
	case portRegSC:
		p.portsc &^= value & portscChangeBits
		if value&portscPED != 0 {
			p.portsc &^= portscPED
		}
		p.portsc = p.portsc&^portscRWBits | value&portscRWBits
		if value&portscLWS != 0 {
			pls := (value & portscPLSMask) >> portscPLSShift
			if pls != p.LinkState() {
				p.setLinkState(pls)
				p.portsc |= portscPLC
			}
		}
		if value&(portscPR|portscWPR) != 0 {
			p.portsc |= portscPR
			if value&portscWPR != 0 {
				p.portsc |= portscWPR
			}
			return true
		}
	case portRegPMSC:
		p.portpmsc = value
	case portRegHLPMC:
		p.porthlpmc = value
	}
	return false
}
