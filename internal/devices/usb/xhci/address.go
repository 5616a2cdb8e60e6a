package xhci

// maxDeviceAddress is the highest assignable USB device address.
const maxDeviceAddress = 127

// AddressBitmap tracks USB device addresses 1..127. Address 0 is the
// default address and never handed out.
type AddressBitmap struct {
	lo, hi uint64
}

// Allocate returns the lowest free address and marks it used.
func (b *AddressBitmap) Allocate() (uint8, bool) {
	for addr := uint8(1); addr <= maxDeviceAddress; addr++ {
		if !b.InUse(addr) {
			b.set(addr, true)
			return addr, true
		}
	}
	return 0, false
}

// Free releases addr. Address 0 and values above 127 are ignored.
func (b *AddressBitmap) Free(addr uint8) {
	if addr == 0 || addr > maxDeviceAddress {
		return
	}
	b.set(addr, false)
}

func (b *AddressBitmap) InUse(addr uint8) bool {
	if addr == 0 || addr > maxDeviceAddress {
		return false
	}
	if addr < 64 {
		return b.lo&(1<<addr) != 0
	}
	return b.hi&(1<<(addr-64)) != 0
}

func (b *AddressBitmap) set(addr uint8, used bool) {
	word, bit := &b.lo, addr
	if addr >= 64 {
		word, bit = &b.hi, addr-64
	}
	if used {
		*word |= 1 << bit
	} else {
		*word &^= 1 << bit
	}
}

func (b *AddressBitmap) reset() { *b = AddressBitmap{} }
