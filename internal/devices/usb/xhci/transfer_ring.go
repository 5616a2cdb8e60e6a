package xhci

import (
	"fmt"

	"github.com/tinyrange/xhci/internal/hv"
)

// TransferRing is the guest-produced ring of transfer TRBs for one endpoint
// of one device slot.
type TransferRing struct {
	ring     producerRing
	endpoint uint8
}

// NewTransferRing returns an uninitialized ring for device context index ep.
func NewTransferRing(ep uint8) *TransferRing {
	return &TransferRing{endpoint: ep}
}

func (t *TransferRing) Init(base uint64, size uint32) error {
	if err := t.ring.init(base, size); err != nil {
		return fmt.Errorf("transfer ring ep %d: %w", t.endpoint, err)
	}
	return nil
}

// initGuest points the ring at a dequeue pointer taken from a guest context
// or command; it wraps only through Link TRBs.
func (t *TransferRing) initGuest(base uint64) error {
	if err := t.ring.initLinked(base); err != nil {
		return fmt.Errorf("transfer ring ep %d: %w", t.endpoint, err)
	}
	return nil
}

func (t *TransferRing) Queue(trb TRB) uint64 { return t.ring.queue(trb) }

func (t *TransferRing) Next() (QueuedTRB, bool) { return t.ring.next() }

// requeue returns a TRB the device could not service yet to the ring head.
func (t *TransferRing) requeue(q QueuedTRB) { t.ring.requeue(q) }

func (t *TransferRing) Fetch(mem hv.GuestMemory) error {
	if err := t.ring.fetch(mem); err != nil {
		return fmt.Errorf("transfer ring ep %d: %w", t.endpoint, err)
	}
	return nil
}

// SetDequeuePtr resynchronizes the consumer with the guest. It is the only
// way the producer and consumer cycle states are reconciled.
func (t *TransferRing) SetDequeuePtr(ptr uint64, cycle bool) {
	t.ring.setDequeue(ptr, cycle)
}

// TransferEvent builds the event reporting completion of trb with the given
// code and residual byte count. The caller fills in the slot id.
func (t *TransferRing) TransferEvent(trb QueuedTRB, code CompletionCode, residual uint32) TRB {
	ev := NewTRB(TRBTransferEvent)
	ev.Parameter = trb.Addr
	ev.SetTransferLength(residual)
	ev.SetCompletionCode(code)
	ev.SetEndpointID(t.endpoint)
	return ev
}

func (t *TransferRing) Endpoint() uint8     { return t.endpoint }
func (t *TransferRing) DequeuePtr() uint64  { return t.ring.deq }
func (t *TransferRing) ConsumerCycle() bool { return t.ring.ccs }
func (t *TransferRing) ProducerCycle() bool { return t.ring.pcs }
func (t *TransferRing) EnqueuePtr() uint64  { return t.ring.enq }
func (t *TransferRing) Pending() int        { return len(t.ring.pending) }
