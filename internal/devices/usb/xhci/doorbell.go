package xhci

// DoorbellRegisters is the doorbell array. Doorbell 0 belongs to the
// command ring, doorbell n to device slot n.
type DoorbellRegisters struct {
	targets []uint32
}

func NewDoorbellRegisters(maxSlots uint8) *DoorbellRegisters {
	return &DoorbellRegisters{targets: make([]uint32, int(maxSlots)+1)}
}

func (d *DoorbellRegisters) reset() {
	for i := range d.targets {
		d.targets[i] = 0
	}
}

func (d *DoorbellRegisters) Len() int { return len(d.targets) }

// Read returns the doorbell register at offset (relative to DBOFF).
func (d *DoorbellRegisters) Read(offset uint64) uint32 {
	idx := offset / 4
	if offset%4 != 0 || idx >= uint64(len(d.targets)) {
		return 0
	}
	return d.targets[idx]
}

// Write stores the low byte (the DB target) and returns the doorbell index
// that was rung.
func (d *DoorbellRegisters) Write(offset uint64, value uint32) (uint8, uint8, bool) {
	idx := offset / 4
	if offset%4 != 0 || idx >= uint64(len(d.targets)) {
		return 0, 0, false
	}
	target := uint8(value)
	d.targets[idx] = uint32(target)
	return uint8(idx), target, true
}
