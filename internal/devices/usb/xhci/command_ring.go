package xhci

import (
	"fmt"

	"github.com/tinyrange/xhci/internal/hv"
)

// CommandRingState is the run state of the command ring.
type CommandRingState int

const (
	CommandRingStopped CommandRingState = iota
	CommandRingRunning
	CommandRingAborted
)

func (s CommandRingState) String() string {
	switch s {
	case CommandRingStopped:
		return "stopped"
	case CommandRingRunning:
		return "running"
	case CommandRingAborted:
		return "aborted"
	default:
		return fmt.Sprintf("CommandRingState(%d)", int(s))
	}
}

// CommandRing is the guest-produced ring of command TRBs. The guest is the
// only producer and the controller the only consumer.
type CommandRing struct {
	ring  producerRing
	state CommandRingState
}

func NewCommandRing() *CommandRing {
	return &CommandRing{state: CommandRingStopped}
}

// Init points the ring at base, resets both cursors to cycle state 1 and
// marks the ring Running.
func (c *CommandRing) Init(base uint64, size uint32) error {
	if err := c.ring.init(base, size); err != nil {
		return fmt.Errorf("command ring: %w", err)
	}
	c.state = CommandRingRunning
	return nil
}

// initGuest points the ring at the CRCR pointer. The guest segment's length
// is unknown, so the ring wraps only through Link TRBs.
func (c *CommandRing) initGuest(base uint64, cycle bool) error {
	if err := c.ring.initLinked(base); err != nil {
		return fmt.Errorf("command ring: %w", err)
	}
	c.setCycle(cycle)
	c.state = CommandRingRunning
	return nil
}

// setCycle overrides the cycle state after Init with the guest's RCS bit.
func (c *CommandRing) setCycle(cycle bool) {
	c.ring.pcs, c.ring.ccs = cycle, cycle
}

// Queue appends trb at the producer cursor and returns its ring address.
func (c *CommandRing) Queue(trb TRB) uint64 {
	return c.ring.queue(trb)
}

// Fetch pulls newly produced commands out of guest memory.
func (c *CommandRing) Fetch(mem hv.GuestMemory) error {
	if err := c.ring.fetch(mem); err != nil {
		return fmt.Errorf("command ring: %w", err)
	}
	return nil
}

// Next returns the oldest pending command. A ring that is not Running yields
// nothing; its commands stay queued.
func (c *CommandRing) Next() (QueuedTRB, bool) {
	if c.state != CommandRingRunning {
		return QueuedTRB{}, false
	}
	return c.ring.next()
}

// CompletionEvent builds the CommandCompletion event for cmd. The event's
// parameter is the command's ring address so the guest can correlate it.
func (c *CommandRing) CompletionEvent(cmd QueuedTRB, slotID uint8, code CompletionCode) TRB {
	ev := NewTRB(TRBCommandCompletion)
	ev.Parameter = cmd.Addr
	ev.SetCompletionCode(code)
	ev.SetSlotID(slotID)
	return ev
}

// stoppedEvent reports that the ring stopped or aborted at the current
// dequeue pointer.
func (c *CommandRing) stoppedEvent() TRB {
	ev := NewTRB(TRBCommandCompletion)
	ev.Parameter = c.ring.deq
	ev.SetCompletionCode(CompletionCommandRingStopped)
	return ev
}

func (c *CommandRing) State() CommandRingState { return c.state }

func (c *CommandRing) Start() {
	if c.ring.initialized() {
		c.state = CommandRingRunning
	}
}

func (c *CommandRing) Stop()  { c.state = CommandRingStopped }
func (c *CommandRing) Abort() { c.state = CommandRingAborted }

func (c *CommandRing) DequeuePtr() uint64  { return c.ring.deq }
func (c *CommandRing) ConsumerCycle() bool { return c.ring.ccs }
func (c *CommandRing) Pending() int        { return len(c.ring.pending) }
func (c *CommandRing) Initialized() bool   { return c.ring.initialized() }

func (c *CommandRing) reset() {
	c.ring.reset()
	c.state = CommandRingStopped
}
