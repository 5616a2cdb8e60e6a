package xhci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/hv"
)

// MMIOWindowSize is the size of the controller's register window.
const MMIOWindowSize = 0x10000

func (c *Controller) Init(mem hv.GuestMemory) error {
	if mem != nil {
		c.SetMemory(mem)
	}
	return nil
}

func (c *Controller) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: c.base, Size: MMIOWindowSize}}
}

func (c *Controller) offsetFor(addr uint64) (uint64, error) {
	if addr < c.base || addr >= c.base+MMIOWindowSize {
		return 0, fmt.Errorf("xhci: address 0x%x outside MMIO window", addr)
	}
	return addr - c.base, nil
}

// ReadMMIO handles register reads of 1, 2, 4 or 8 bytes.
func (c *Controller) ReadMMIO(addr uint64, data []byte) error {
	offset, err := c.offsetFor(addr)
	if err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 8 {
		return fmt.Errorf("xhci: read size %d: %w", len(data), hv.ErrUnalignedMMIO)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	aligned := offset &^ 3
	val := uint64(c.readRegisterLocked(aligned))
	if offset-aligned+uint64(len(data)) > 4 {
		val |= uint64(c.readRegisterLocked(aligned+4)) << 32
	}
	val >>= (offset - aligned) * 8
	for i := range data {
		data[i] = byte(val >> (i * 8))
	}
	return nil
}

// WriteMMIO handles register writes. Sub-dword writes are merged with the
// preserved bits of the current register value; 8-byte writes are split low
// dword first.
func (c *Controller) WriteMMIO(addr uint64, data []byte) error {
	offset, err := c.offsetFor(addr)
	if err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 8 {
		return fmt.Errorf("xhci: write size %d: %w", len(data), hv.ErrUnalignedMMIO)
	}

	var val uint64
	for i := range data {
		val |= uint64(data[i]) << (i * 8)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) == 8 && offset%4 == 0 {
		c.writeRegisterLocked(offset, uint32(val))
		c.writeRegisterLocked(offset+4, uint32(val>>32))
		return nil
	}
	if len(data) == 4 && offset%4 == 0 {
		c.writeRegisterLocked(offset, uint32(val))
		return nil
	}

	aligned := offset &^ 3
	shift := (offset - aligned) * 8
	if shift+uint64(len(data))*8 > 32 {
		slog.Warn("xhci: unaligned MMIO write ignored", "offset", fmt.Sprintf("0x%x", offset), "size", len(data))
		return nil
	}
	mask := uint32((uint64(1)<<(len(data)*8))-1) << shift
	cur := c.preservedLocked(aligned)
	c.writeRegisterLocked(aligned, cur&^mask|uint32(val)<<shift&mask)
	return nil
}

// preservedLocked is the value a partial write merges into the byte lanes
// it does not cover. Write-1-to-clear and trigger bits are dropped so the
// merge never replays them.
func (c *Controller) preservedLocked(offset uint64) uint32 {
	cur := c.readRegisterLocked(offset)
	switch {
	case offset >= capLength && offset < doorbellOffset:
		return c.op.preserved(offset-capLength, cur)
	case offset >= runtimeOffset && offset < extCapOffset:
		return c.rt.preserved(offset-runtimeOffset, cur)
	default:
		return cur
	}
}

func (c *Controller) readRegisterLocked(offset uint64) uint32 {
	switch {
	case offset < capLength:
		return c.caps.Read(offset)
	case offset < doorbellOffset:
		return c.op.Read(offset - capLength)
	case offset < runtimeOffset:
		return c.db.Read(offset - doorbellOffset)
	case offset < extCapOffset:
		return c.rt.Read(offset - runtimeOffset)
	case offset < extCapOffset+c.ext.size():
		return c.ext.Read(offset - extCapOffset)
	default:
		return 0
	}
}

func (c *Controller) writeRegisterLocked(offset uint64, value uint32) {
	switch {
	case offset < capLength:
		// capability registers are read-only
	case offset < doorbellOffset:
		c.writeOperationalLocked(offset-capLength, value)
	case offset < runtimeOffset:
		if slotID, target, ok := c.db.Write(offset-doorbellOffset, value); ok {
			c.ringDoorbellLocked(slotID, target)
		}
	case offset < extCapOffset:
		c.writeRuntimeLocked(offset-runtimeOffset, value)
	default:
		slog.Debug("xhci: write to read-only or unmapped register", "offset", fmt.Sprintf("0x%x", offset))
	}
}

func (c *Controller) writeOperationalLocked(offset uint64, value uint32) {
	change, port := c.op.Write(offset, value)
	if change&changeReset != 0 {
		c.resetLocked()
		return
	}
	if change&changeRun != 0 {
		c.state = StateRunning
		c.rt.startClock()
		slog.Info("xhci: controller running")
	}
	if change&changeHalt != 0 {
		c.state = StateHalted
		c.rt.stopClock()
		c.op.setCommandRingRunning(false)
		slog.Info("xhci: controller halted")
	}
	if change&changeCommandRing != 0 {
		if ptr := c.op.commandRingPointer(); ptr != 0 {
			if err := c.cmdRing.initGuest(ptr, c.op.commandRingCycle()); err != nil {
				slog.Warn("xhci: command ring", "err", err)
			}
		}
	}
	if change&changeCommandAbort != 0 {
		c.stopCommandRingLocked(true)
	} else if change&changeCommandStop != 0 {
		c.stopCommandRingLocked(false)
	}
	if change&changePortReset != 0 {
		c.op.Port(port).completeReset()
		c.portChangeLocked(port)
	}
	if offset == opRegUSBCmd {
		c.updateInterruptLocked()
	}
}

func (c *Controller) writeRuntimeLocked(offset uint64, value uint32) {
	intr, change := c.rt.Write(offset, value)
	if intr < 0 {
		return
	}
	ir := c.rt.Interrupter(intr)
	switch change {
	case changeIMAN:
		c.updateInterruptLocked()
	case changeERSTBA:
		if c.mem == nil || ir.erstsz == 0 {
			return
		}
		if err := c.eventRings[intr].loadERST(c.mem, ir.erstba, ir.erstsz); err != nil {
			slog.Warn("xhci: load event ring segment table", "interrupter", intr, "err", err)
		}
	case changeERDP:
		c.eventRings[intr].SetDequeuePtr(ir.erdp & erdpPtrMask)
	}
}

// ReadCapability, ReadOperational, ReadRuntime and ReadDoorbell read a
// register bank directly at a bank-relative offset.
func (c *Controller) ReadCapability(offset uint64) uint32 {
	return c.caps.Read(offset)
}

func (c *Controller) ReadOperational(offset uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.op.Read(offset)
}

func (c *Controller) WriteOperational(offset uint64, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeOperationalLocked(offset, value)
}

func (c *Controller) ReadRuntime(offset uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rt.Read(offset)
}

func (c *Controller) WriteRuntime(offset uint64, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeRuntimeLocked(offset, value)
}

func (c *Controller) ReadDoorbell(offset uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Read(offset)
}

func (c *Controller) WriteDoorbell(offset uint64, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slotID, target, ok := c.db.Write(offset, value); ok {
		c.ringDoorbellLocked(slotID, target)
	}
}

// Start is a no-op: the guest starts the controller through USBCMD.R/S.
func (c *Controller) Start() error { return nil }

// Stop halts the controller as if the guest cleared USBCMD.R/S.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeOperationalLocked(opRegUSBCmd, c.op.Command()&^usbcmdRunStop)
	return nil
}

// Reset performs a host controller reset.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

func (c *Controller) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: c.MMIORegions(),
		Handler: c,
	}
}

var (
	_ hv.MemoryMappedIODevice = (*Controller)(nil)
	_ chipset.ChipsetDevice   = (*Controller)(nil)
)
