package hv

import (
	"errors"
	"io"
)

var (
	ErrOutOfRange    = errors.New("guest physical address out of range")
	ErrUnalignedMMIO = errors.New("unsupported MMIO access size")
)

// GuestMemory is flat guest-physical memory. Offsets passed to ReadAt and
// WriteAt are guest-physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

type Device interface {
	Init(mem GuestMemory) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies entirely inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}
