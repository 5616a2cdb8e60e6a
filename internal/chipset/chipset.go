package chipset

import (
	"fmt"
	"log/slog"
	"sort"
)

func (c *Chipset) Start() error { return c.each("start", ChipsetDevice.Start) }
func (c *Chipset) Stop() error  { return c.each("stop", ChipsetDevice.Stop) }
func (c *Chipset) Reset() error { return c.each("reset", ChipsetDevice.Reset) }

// each runs op on every device in name order and stops at the first error.
func (c *Chipset) each(verb string, op func(ChipsetDevice) error) error {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := op(c.devices[name]); err != nil {
			return fmt.Errorf("chipset: %s device %q: %w", verb, name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandleMMIO routes a guest access to the device whose region covers all of
// [addr, addr+len(data)).
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	for _, b := range c.mmio {
		if !b.region.Contains(addr, uint64(len(data))) {
			continue
		}
		if isWrite {
			return b.handler.WriteMMIO(addr, data)
		}
		return b.handler.ReadMMIO(addr, data)
	}
	slog.Debug("chipset: unclaimed MMIO access", "addr", fmt.Sprintf("0x%x", addr), "size", len(data), "write", isWrite)
	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}
