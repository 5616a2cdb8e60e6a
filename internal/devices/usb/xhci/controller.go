// Package xhci emulates a USB 3.0 eXtensible Host Controller. The guest
// drives it through MMIO registers and TRB rings in guest memory; emulated
// devices plug into root hub ports through the Device interface.
package xhci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/hv"
)

const (
	Version  = 0x0100
	MaxSlots = 32
	MaxIntrs = 8
	MaxPorts = 8

	maxConfigIntrs = 127
	maxConfigPorts = 64
)

// Config sizes the controller.
type Config struct {
	MaxSlots uint8
	MaxIntrs uint8
	MaxPorts uint8
}

func DefaultConfig() Config {
	return Config{MaxSlots: MaxSlots, MaxIntrs: MaxIntrs, MaxPorts: MaxPorts}
}

func (c Config) Validate() error {
	if c.MaxSlots == 0 {
		return fmt.Errorf("xhci: max slots must be at least 1")
	}
	if c.MaxIntrs == 0 || c.MaxIntrs > maxConfigIntrs {
		return fmt.Errorf("xhci: max interrupters %d out of range 1-%d", c.MaxIntrs, maxConfigIntrs)
	}
	if c.MaxPorts == 0 || c.MaxPorts > maxConfigPorts {
		return fmt.Errorf("xhci: max ports %d out of range 1-%d", c.MaxPorts, maxConfigPorts)
	}
	return nil
}

// State is the controller run state as seen through USBCMD.R/S.
type State int

const (
	StateHalted State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateHalted:
		return "halted"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller is an xHCI host controller. All register accesses and
// doorbells are processed synchronously on the caller's goroutine.
type Controller struct {
	base uint64
	cfg  Config

	mu         sync.Mutex
	state      State
	caps       *CapabilityRegisters
	op         *OperationalRegisters
	rt         *RuntimeRegisters
	db         *DoorbellRegisters
	ext        *extendedCapabilities
	cmdRing    *CommandRing
	eventRings []*EventRing
	slots      []*DeviceSlot
	addrs      AddressBitmap
	mem        hv.GuestMemory

	irq      chipset.LineInterrupt
	irqLevel bool
	metrics  *Metrics
}

type Option func(*Controller)

// WithBase places the MMIO window at base.
func WithBase(base uint64) Option {
	return func(c *Controller) { c.base = base }
}

func WithInterruptLine(line chipset.LineInterrupt) Option {
	return func(c *Controller) {
		if line != nil {
			c.irq = line
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithMemory(mem hv.GuestMemory) Option {
	return func(c *Controller) { c.mem = mem }
}

// New builds a halted controller sized by cfg.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:     cfg,
		state:   StateHalted,
		caps:    NewCapabilityRegisters(cfg.MaxSlots, cfg.MaxIntrs, cfg.MaxPorts),
		op:      NewOperationalRegisters(cfg.MaxPorts),
		rt:      NewRuntimeRegisters(cfg.MaxIntrs),
		db:      NewDoorbellRegisters(cfg.MaxSlots),
		ext:     newExtendedCapabilities(cfg.MaxPorts),
		cmdRing: NewCommandRing(),
		slots:   make([]*DeviceSlot, int(cfg.MaxSlots)+1),
		irq:     chipset.LineInterruptDetached(),
	}
	c.eventRings = make([]*EventRing, cfg.MaxIntrs)
	for i := range c.eventRings {
		c.eventRings[i] = NewEventRing()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.setMemoryLocked(c.mem)
	return c, nil
}

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) Capabilities() *CapabilityRegisters { return c.caps }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetMemory attaches guest memory. Rings, contexts and transfer buffers are
// then read from and written to the guest.
func (c *Controller) SetMemory(mem hv.GuestMemory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setMemoryLocked(mem)
}

func (c *Controller) setMemoryLocked(mem hv.GuestMemory) {
	c.mem = mem
	for _, er := range c.eventRings {
		er.setMemory(mem)
	}
	for _, s := range c.slots {
		if s != nil {
			s.setMemory(mem, 0)
		}
	}
}

// InitCommandRing points the command ring at base without going through
// CRCR.
func (c *Controller) InitCommandRing(base uint64, size uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmdRing.Init(base, size)
}

// QueueCommand appends a command as the guest driver would and returns its
// ring address.
func (c *Controller) QueueCommand(trb TRB) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmdRing.Queue(trb)
}

func (c *Controller) CommandRingState() CommandRingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmdRing.State()
}

// SetEventRingSegments installs the segment table for interrupter intr.
func (c *Controller) SetEventRingSegments(intr int, segs []Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if intr < 0 || intr >= len(c.eventRings) {
		return fmt.Errorf("xhci: interrupter %d out of range", intr)
	}
	return c.eventRings[intr].SetSegments(segs)
}

// NextEvent pops the oldest event posted to interrupter intr.
func (c *Controller) NextEvent(intr int) (TRB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if intr < 0 || intr >= len(c.eventRings) {
		return TRB{}, false
	}
	return c.eventRings[intr].Next()
}

func (c *Controller) PendingEvents(intr int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if intr < 0 || intr >= len(c.eventRings) {
		return 0
	}
	return c.eventRings[intr].Pending()
}

// Slot returns the device slot with the given id, or nil.
func (c *Controller) Slot(id uint8) *DeviceSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= len(c.slots) {
		return nil
	}
	return c.slots[id]
}

// PortStatus returns the PORTSC value of the zero-based root hub port.
func (c *Controller) PortStatus(port uint8) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.op.Port(int(port))
	if p == nil {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return p.PORTSC(), nil
}

func (c *Controller) AllocateAddress() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addrs.Allocate()
}

func (c *Controller) FreeAddress(addr uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs.Free(addr)
}

// AttachDevice connects dev to the zero-based root hub port and binds it to
// the lowest free device slot. The slot starts Disabled until the guest
// enables or addresses it.
func (c *Controller) AttachDevice(port uint8, dev Device) (uint8, error) {
	if dev == nil {
		return 0, ErrNilDevice
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.op.Port(int(port))
	if p == nil {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	for _, s := range c.slots {
		if s != nil && s.port == port {
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, port)
		}
	}
	id := c.findFreeSlotLocked()
	if id == 0 {
		return 0, ErrNoFreeSlots
	}

	c.slots[id] = newDeviceSlot(id, port, dev, &c.addrs, c.mem)
	p.connect(dev.Speed())
	c.portChangeLocked(int(port))
	c.metrics.setAttached(c.attachedLocked())
	slog.Info("xhci: device attached", "slot", id, "port", port+1, "speed", dev.Speed())
	return id, nil
}

// DetachDevice unplugs the device bound to slotID, releasing its address.
func (c *Controller) DetachDevice(slotID uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slotID == 0 || int(slotID) >= len(c.slots) || c.slots[slotID] == nil {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slotID)
	}
	slot := c.slots[slotID]
	slot.disable()
	c.slots[slotID] = nil
	if p := c.op.Port(int(slot.port)); p != nil {
		p.disconnect()
		c.portChangeLocked(int(slot.port))
	}
	c.metrics.setAttached(c.attachedLocked())
	slog.Info("xhci: device detached", "slot", slotID, "port", slot.port+1)
	return nil
}

func (c *Controller) findFreeSlotLocked() uint8 {
	for id := 1; id < len(c.slots); id++ {
		if c.slots[id] == nil {
			return uint8(id)
		}
	}
	return 0
}

func (c *Controller) attachedLocked() int {
	n := 0
	for _, s := range c.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// RingDoorbell rings doorbell slotID with the given target. Doorbell 0
// processes the command ring; doorbell n drains endpoint target of slot n.
func (c *Controller) RingDoorbell(slotID, target uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(slotID) >= c.db.Len() {
		return
	}
	c.db.Write(uint64(slotID)*4, uint32(target))
	c.ringDoorbellLocked(slotID, target)
}

func (c *Controller) ringDoorbellLocked(slotID, target uint8) {
	if slotID == 0 {
		c.metrics.doorbell("command")
		c.processCommandRingLocked()
		return
	}
	c.metrics.doorbell("transfer")

	slot := c.slots[slotID]
	if slot == nil {
		slog.Debug("xhci: doorbell for empty slot", "slot", slotID, "target", target)
		return
	}
	if c.state != StateRunning {
		slog.Debug("xhci: doorbell while halted", "slot", slotID, "target", target)
		return
	}
	slot.setMemory(c.mem, c.outputContextLocked(slotID))
	events := slot.RingEndpoint(target)
	intr := int(slot.interrupterTarget())
	for _, ev := range events {
		c.postEventLocked(intr, ev)
		c.metrics.transferEvent(ev.CompletionCode())
	}
}

func (c *Controller) processCommandRingLocked() {
	if c.state != StateRunning {
		slog.Debug("xhci: command doorbell while halted")
		return
	}
	if !c.cmdRing.Initialized() {
		slog.Warn("xhci: command doorbell without a command ring")
		return
	}
	c.cmdRing.Start()
	c.op.setCommandRingRunning(true)

	if err := c.cmdRing.Fetch(c.mem); err != nil {
		slog.Warn("xhci: fetch commands", "err", err)
	}
	for {
		cmd, ok := c.cmdRing.Next()
		if !ok {
			return
		}
		code, slotID := c.dispatchCommandLocked(cmd)
		slog.Debug("xhci: command", "type", cmd.Type(), "addr", fmt.Sprintf("0x%x", cmd.Addr), "slot", slotID, "code", code)
		c.metrics.command(cmd.Type(), code)
		c.postEventLocked(0, c.cmdRing.CompletionEvent(cmd, slotID, code))
	}
}

// stopCommandRingLocked handles CRCR.CS and CRCR.CA. Commands run
// synchronously, so there is never one in flight to abort.
func (c *Controller) stopCommandRingLocked(abort bool) {
	if abort {
		c.cmdRing.Abort()
	} else {
		c.cmdRing.Stop()
	}
	c.op.setCommandRingRunning(false)
	c.postEventLocked(0, c.cmdRing.stoppedEvent())
}

// outputContextLocked reads DCBAA[slotID].
func (c *Controller) outputContextLocked(slotID uint8) uint64 {
	dcbaap := c.op.DCBAAP()
	if c.mem == nil || dcbaap == 0 {
		return 0
	}
	var buf [8]byte
	addr := dcbaap + 8*uint64(slotID)
	if _, err := c.mem.ReadAt(buf[:], int64(addr)); err != nil {
		slog.Warn("xhci: read DCBAA entry", "slot", slotID, "addr", fmt.Sprintf("0x%x", addr), "err", err)
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:]) &^ 0x3F
}

// postEventLocked queues ev on interrupter intr and raises its interrupt.
func (c *Controller) postEventLocked(intr int, ev TRB) {
	if intr < 0 || intr >= len(c.eventRings) {
		intr = 0
	}
	if err := c.eventRings[intr].Queue(ev); err != nil {
		slog.Warn("xhci: post event", "interrupter", intr, "type", ev.Type(), "err", err)
	}
	ir := c.rt.Interrupter(intr)
	ir.iman |= imanIP
	ir.erdp |= erdpEHB
	c.op.setStatus(usbstsEINT)
	c.updateInterruptLocked()
}

// updateInterruptLocked drives the interrupt line high while any enabled
// interrupter has an interrupt pending and USBCMD.INTE is set.
func (c *Controller) updateInterruptLocked() {
	level := false
	if c.op.interruptsEnabled() {
		for i := range c.rt.interrupters {
			ir := &c.rt.interrupters[i]
			if ir.pending() && ir.enabled() {
				level = true
				break
			}
		}
	}
	if level == c.irqLevel {
		return
	}
	c.irqLevel = level
	c.irq.SetLevel(level)
	if level {
		c.metrics.interrupt()
	}
}

// portChangeLocked flags a port status change and, while running, posts a
// Port Status Change event for it.
func (c *Controller) portChangeLocked(port int) {
	c.op.setStatus(usbstsPCD)
	if c.state != StateRunning {
		return
	}
	ev := NewTRB(TRBPortStatusChange)
	ev.Parameter = uint64(port+1) << 24
	ev.SetCompletionCode(CompletionSuccess)
	c.postEventLocked(0, ev)
}

// resetLocked performs a host controller reset. Attached devices stay
// plugged in but every slot returns to Disabled.
func (c *Controller) resetLocked() {
	c.state = StateHalted
	c.op.reset()
	c.rt.reset()
	c.db.reset()
	c.cmdRing.reset()
	for _, er := range c.eventRings {
		er.reset()
	}
	for _, s := range c.slots {
		if s != nil {
			s.disable()
		}
	}
	c.addrs.reset()
	for _, s := range c.slots {
		if s != nil {
			c.op.Port(int(s.port)).connect(s.dev.Speed())
		}
	}
	c.irqLevel = false
	c.irq.SetLevel(false)
	slog.Info("xhci: controller reset")
}
