package xhci

import "time"

// Runtime register offsets relative to RTSOFF.
const (
	rtRegMFIndex      = 0x00 // microframe index (R)
	rtInterrupterBase = 0x20
	interrupterStride = 0x20

	intrRegIMAN     = 0x00 // interrupter management (RW, IP is RW1C)
	intrRegIMOD     = 0x04 // interrupter moderation (RW)
	intrRegERSTSZ   = 0x08 // event ring segment table size (RW)
	intrRegERSTBALo = 0x10 // event ring segment table base (RW)
	intrRegERSTBAHi = 0x14
	intrRegERDPLo   = 0x18 // event ring dequeue pointer (RW, EHB is RW1C)
	intrRegERDPHi   = 0x1C

	imanIP uint32 = 1 << 0
	imanIE uint32 = 1 << 1

	erstszMask   uint32 = 0xFFFF
	erstbaMask   uint64 = ^uint64(0x3F)
	erdpDESIMask uint64 = 0x7
	erdpEHB      uint64 = 1 << 3
	erdpPtrMask  uint64 = ^uint64(0xF)

	mfindexMask      = 0x3FFF
	microframePeriod = 125 * time.Microsecond
)

// rtChange reports the side effects of a runtime register write.
type rtChange uint8

const (
	changeIMAN rtChange = 1 << iota
	changeERSTBA
	changeERDP
)

// InterrupterRegisters is one interrupter register set.
type InterrupterRegisters struct {
	iman   uint32
	imod   uint32
	erstsz uint32
	erstba uint64
	erdp   uint64
}

func (i *InterrupterRegisters) IMAN() uint32   { return i.iman }
func (i *InterrupterRegisters) ERSTSZ() uint32 { return i.erstsz }
func (i *InterrupterRegisters) ERSTBA() uint64 { return i.erstba }
func (i *InterrupterRegisters) ERDP() uint64   { return i.erdp }

func (i *InterrupterRegisters) pending() bool { return i.iman&imanIP != 0 }
func (i *InterrupterRegisters) enabled() bool { return i.iman&imanIE != 0 }

// RuntimeRegisters is the runtime bank: MFINDEX and the interrupter array.
type RuntimeRegisters struct {
	interrupters []InterrupterRegisters

	running    bool
	started    time.Time
	frameIndex uint64
	now        func() time.Time
}

func NewRuntimeRegisters(maxIntrs uint8) *RuntimeRegisters {
	return &RuntimeRegisters{
		interrupters: make([]InterrupterRegisters, maxIntrs),
		now:          time.Now,
	}
}

func (r *RuntimeRegisters) reset() {
	for i := range r.interrupters {
		r.interrupters[i] = InterrupterRegisters{}
	}
	r.running = false
	r.frameIndex = 0
}

// Interrupter returns the register set for interrupter i.
func (r *RuntimeRegisters) Interrupter(i int) *InterrupterRegisters {
	if i < 0 || i >= len(r.interrupters) {
		return nil
	}
	return &r.interrupters[i]
}

func (r *RuntimeRegisters) startClock() {
	if r.running {
		return
	}
	r.running = true
	r.started = r.now()
}

func (r *RuntimeRegisters) stopClock() {
	if !r.running {
		return
	}
	r.frameIndex = r.currentFrame()
	r.running = false
}

func (r *RuntimeRegisters) currentFrame() uint64 {
	if !r.running {
		return r.frameIndex
	}
	return r.frameIndex + uint64(r.now().Sub(r.started)/microframePeriod)
}

// MFINDEX advances once per 125us microframe while the controller runs.
func (r *RuntimeRegisters) MFINDEX() uint32 {
	return uint32(r.currentFrame()) & mfindexMask
}

// Read returns the runtime register at offset (relative to RTSOFF).
func (r *RuntimeRegisters) Read(offset uint64) uint32 {
	if offset == rtRegMFIndex {
		return r.MFINDEX()
	}
	idx, reg, ok := r.interrupterOffset(offset)
	if !ok {
		return 0
	}
	ir := &r.interrupters[idx]
	switch reg {
	case intrRegIMAN:
		return ir.iman
	case intrRegIMOD:
		return ir.imod
	case intrRegERSTSZ:
		return ir.erstsz
	case intrRegERSTBALo:
		return uint32(ir.erstba)
	case intrRegERSTBAHi:
		return uint32(ir.erstba >> 32)
	case intrRegERDPLo:
		return uint32(ir.erdp)
	case intrRegERDPHi:
		return uint32(ir.erdp >> 32)
	default:
		return 0
	}
}

// Write applies value and reports the affected interrupter and the side
// effect the controller must carry out.
func (r *RuntimeRegisters) Write(offset uint64, value uint32) (int, rtChange) {
	idx, reg, ok := r.interrupterOffset(offset)
	if !ok {
		return -1, 0
	}
	ir := &r.interrupters[idx]
	switch reg {
	case intrRegIMAN:
		ir.iman &^= value & imanIP
		ir.iman = ir.iman&^imanIE | value&imanIE
		return idx, changeIMAN
	case intrRegIMOD:
		ir.imod = value
	case intrRegERSTSZ:
		ir.erstsz = value & erstszMask
	case intrRegERSTBALo:
		ir.erstba = (ir.erstba&^0xFFFFFFFF | uint64(value)) & erstbaMask
		return idx, changeERSTBA
	case intrRegERSTBAHi:
		ir.erstba = ir.erstba&0xFFFFFFFF | uint64(value)<<32
		return idx, changeERSTBA
	case intrRegERDPLo:
		v := uint64(value)
		ehb := ir.erdp & erdpEHB
		if v&erdpEHB != 0 {
			ehb = 0
		}
		ir.erdp = ir.erdp&^0xFFFFFFFF | v&(erdpPtrMask|erdpDESIMask)&0xFFFFFFFF | ehb
		return idx, changeERDP
	case intrRegERDPHi:
		ir.erdp = ir.erdp&0xFFFFFFFF | uint64(value)<<32
		return idx, changeERDP
	}
	return idx, 0
}

// preserved returns the bits of the register at offset that survive a
// partial write.
func (r *RuntimeRegisters) preserved(offset uint64, cur uint32) uint32 {
	_, reg, ok := r.interrupterOffset(offset)
	if !ok {
		return cur
	}
	switch reg {
	case intrRegIMAN:
		return cur &^ imanIP
	case intrRegERDPLo:
		return cur &^ uint32(erdpEHB)
	default:
		return cur
	}
}

func (r *RuntimeRegisters) interrupterOffset(offset uint64) (int, uint64, bool) {
	if offset < rtInterrupterBase {
		return 0, 0, false
	}
	idx := (offset - rtInterrupterBase) / interrupterStride
	if idx >= uint64(len(r.interrupters)) {
		return 0, 0, false
	}
	return int(idx), (offset - rtInterrupterBase) % interrupterStride, true
}
