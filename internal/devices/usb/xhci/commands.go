package xhci

import (
	"log/slog"
)

// dispatchCommandLocked executes one command TRB and returns its completion
// code together with the slot id reported in the completion event.
func (c *Controller) dispatchCommandLocked(cmd QueuedTRB) (CompletionCode, uint8) {
	switch cmd.Type() {
	case TRBEnableSlot:
		return c.enableSlotLocked()
	case TRBDisableSlot:
		return c.disableSlotLocked(cmd.SlotID())
	case TRBNoOpCommand:
		return CompletionSuccess, 0
	case TRBAddressDevice,
		TRBConfigureEndpoint,
		TRBEvaluateContext,
		TRBResetEndpoint,
		TRBStopEndpoint,
		TRBSetTRDequeue,
		TRBResetDevice:
		return c.slotCommandLocked(cmd)
	default:
		slog.Warn("xhci: unsupported command", "type", cmd.Type())
		return CompletionTRBError, 0
	}
}

// enableSlotLocked hands out the lowest attached slot that is still
// Disabled.
func (c *Controller) enableSlotLocked() (CompletionCode, uint8) {
	for id := 1; id < len(c.slots); id++ {
		s := c.slots[id]
		if s != nil && s.enable() {
			return CompletionSuccess, uint8(id)
		}
	}
	return CompletionNoSlotsAvailable, 0
}

func (c *Controller) disableSlotLocked(id uint8) (CompletionCode, uint8) {
	slot := c.lookupSlotLocked(id)
	if slot == nil || slot.State() == SlotDisabled {
		return CompletionSlotNotEnabled, id
	}
	slot.disable()
	return CompletionSuccess, id
}

func (c *Controller) slotCommandLocked(cmd QueuedTRB) (CompletionCode, uint8) {
	id := cmd.SlotID()
	slot := c.lookupSlotLocked(id)
	if slot == nil {
		slog.Warn("xhci: command for absent slot", "type", cmd.Type(), "slot", id)
		return CompletionSlotNotEnabled, id
	}
	// AddressDevice implicitly enables a slot the guest never enabled.
	if cmd.Type() != TRBAddressDevice && slot.State() == SlotDisabled {
		return CompletionSlotNotEnabled, id
	}
	slot.setMemory(c.mem, c.outputContextLocked(id))
	code, _ := slot.HandleCommand(cmd.TRB)
	return code, id
}

func (c *Controller) lookupSlotLocked(id uint8) *DeviceSlot {
	if id == 0 || int(id) >= len(c.slots) {
		return nil
	}
	return c.slots[id]
}
