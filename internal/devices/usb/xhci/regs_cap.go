package xhci

// Capability register offsets relative to the MMIO base.
const (
	capRegLength     = 0x00 // CAPLENGTH (byte 0) and HCIVERSION (bytes 2-3) (R)
	capRegHCSParams1 = 0x04 // structural parameters 1 (R)
	capRegHCSParams2 = 0x08 // structural parameters 2 (R)
	capRegHCSParams3 = 0x0C // structural parameters 3 (R)
	capRegHCCParams1 = 0x10 // capability parameters 1 (R)
	capRegDBOff      = 0x14 // doorbell array offset (R)
	capRegRTSOff     = 0x18 // runtime register space offset (R)
	capRegHCCParams2 = 0x1C // capability parameters 2 (R)

	capLength = 0x20

	doorbellOffset = 0x1000
	runtimeOffset  = 0x2000
	extCapOffset   = 0x3000

	hccParams1AC64      = 1 << 0
	hccParams1XECPShift = 16
	hcsParams2ERSTMax   = 4 << 4 // 2^4 = maxERSTSize segments
)

// CapabilityRegisters is the read-only capability bank. Its contents are
// fixed when the controller is created.
type CapabilityRegisters struct {
	hciVersion uint16
	hcsParams1 uint32
	hcsParams2 uint32
	hcsParams3 uint32
	hccParams1 uint32
	hccParams2 uint32
}

func NewCapabilityRegisters(maxSlots, maxIntrs, maxPorts uint8) *CapabilityRegisters {
	return &CapabilityRegisters{
		hciVersion: Version,
		hcsParams1: uint32(maxSlots) | uint32(maxIntrs)<<8 | uint32(maxPorts)<<24,
		hcsParams2: hcsParams2ERSTMax,
		hccParams1: hccParams1AC64 | (extCapOffset>>2)<<hccParams1XECPShift,
	}
}

func (c *CapabilityRegisters) HCIVersion() uint16 { return c.hciVersion }
func (c *CapabilityRegisters) HCSParams1() uint32 { return c.hcsParams1 }
func (c *CapabilityRegisters) MaxSlots() uint8    { return uint8(c.hcsParams1) }
func (c *CapabilityRegisters) MaxIntrs() uint16   { return uint16(c.hcsParams1>>8) & 0x7FF }
func (c *CapabilityRegisters) MaxPorts() uint8    { return uint8(c.hcsParams1 >> 24) }

// Read returns the 32-bit register at offset; unknown offsets read 0.
func (c *CapabilityRegisters) Read(offset uint64) uint32 {
	switch offset {
	case capRegLength:
		return capLength | uint32(c.hciVersion)<<16
	case capRegHCSParams1:
		return c.hcsParams1
	case capRegHCSParams2:
		return c.hcsParams2
	case capRegHCSParams3:
		return c.hcsParams3
	case capRegHCCParams1:
		return c.hccParams1
	case capRegDBOff:
		return doorbellOffset
	case capRegRTSOff:
		return runtimeOffset
	case capRegHCCParams2:
		return c.hccParams2
	default:
		return 0
	}
}
