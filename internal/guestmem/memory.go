// Package guestmem provides flat guest-physical RAM for device models that
// perform DMA.
package guestmem

import (
	"fmt"
	"sync"

	"github.com/tinyrange/xhci/internal/hv"
)

// Memory is a contiguous block of guest RAM starting at a guest-physical base.
type Memory struct {
	mu     sync.RWMutex
	base   uint64
	memory []byte
}

// New allocates size bytes of zeroed guest RAM mapped at base.
func New(base, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: memory size must be greater than 0")
	}
	if base+size < base {
		return nil, fmt.Errorf("guestmem: region 0x%x size 0x%x overflows", base, size)
	}
	mem, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate guest memory: %w", err)
	}
	return &Memory{base: base, memory: mem}, nil
}

func (m *Memory) Base() uint64 { return m.base }
func (m *Memory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.memory))
}

func (m *Memory) hostOffset(gpa uint64, n int) (int, error) {
	if gpa < m.base || gpa-m.base >= uint64(len(m.memory)) {
		return 0, fmt.Errorf("guestmem: GPA 0x%x: %w", gpa, hv.ErrOutOfRange)
	}
	off := int(gpa - m.base)
	if off+n > len(m.memory) {
		return 0, fmt.Errorf("guestmem: GPA 0x%x length %d: %w", gpa, n, hv.ErrOutOfRange)
	}
	return off, nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.memory == nil {
		return 0, fmt.Errorf("guestmem: ReadAt after close")
	}
	hostOff, err := m.hostOffset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.memory[hostOff:]), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.memory == nil {
		return 0, fmt.Errorf("guestmem: WriteAt after close")
	}
	hostOff, err := m.hostOffset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.memory[hostOff:], p), nil
}

// Close releases the backing mapping. Further accesses fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memory == nil {
		return nil
	}
	err := release(m.memory)
	m.memory = nil
	if err != nil {
		return fmt.Errorf("guestmem: release guest memory: %w", err)
	}
	return nil
}

var _ hv.GuestMemory = (*Memory)(nil)
