package xhci

import (
	"fmt"

	"github.com/tinyrange/xhci/internal/hv"
)

// maxFetchPerDoorbell bounds a single fetch so a guest ring made only of
// Link TRBs cannot spin the vCPU forever.
const maxFetchPerDoorbell = 4096

// QueuedTRB is a TRB together with the guest address of the slot it occupied.
type QueuedTRB struct {
	TRB
	Addr uint64
}

// producerRing is a guest-produced, controller-consumed TRB ring. The
// producer cursor (enq, pcs) tracks where the next TRB is written or fetched
// from; the consumer cursor (deq, ccs) tracks what the controller has
// executed. Fetched but not yet executed TRBs sit in pending. A ring with
// size 0 was located through a guest register or context and wraps only
// through its Link TRB.
type producerRing struct {
	base uint64
	size uint32

	enq uint64
	pcs bool

	deq uint64
	ccs bool

	pending []QueuedTRB
}

func (r *producerRing) init(base uint64, size uint32) error {
	if base == 0 || size == 0 {
		return fmt.Errorf("%w: base=0x%x size=%d", ErrInvalidRing, base, size)
	}
	if base%TRBSize != 0 {
		return fmt.Errorf("%w: base 0x%x is not 16-byte aligned", ErrInvalidRing, base)
	}
	r.base = base
	r.size = size
	r.enq, r.deq = base, base
	r.pcs, r.ccs = true, true
	r.pending = r.pending[:0]
	return nil
}

// initLinked points the ring at a guest segment of unknown length.
func (r *producerRing) initLinked(base uint64) error {
	if err := r.init(base, 1); err != nil {
		return err
	}
	r.size = 0
	return nil
}

func (r *producerRing) initialized() bool { return r.base != 0 }

// wrapsAt reports whether addr is one past the last slot of a sized ring.
func (r *producerRing) wrapsAt(addr uint64) bool {
	return r.size != 0 && addr == r.base+uint64(r.size)*TRBSize
}

// queue appends t at the producer cursor, stamping the producer cycle.
func (r *producerRing) queue(t TRB) uint64 {
	t.SetCycle(r.pcs)
	addr := r.enq
	r.pending = append(r.pending, QueuedTRB{TRB: t, Addr: addr})
	r.advanceProducer(t)
	return addr
}

func (r *producerRing) advanceProducer(t TRB) {
	if t.Type() == TRBLink {
		r.enq = t.Parameter &^ 0xF
		if t.Last() {
			r.pcs = !r.pcs
		}
		return
	}
	r.enq += TRBSize
	if r.wrapsAt(r.enq) {
		r.enq = r.base
		r.pcs = !r.pcs
	}
}

// fetch reads TRBs from guest memory at the producer cursor for as long as
// their cycle bit matches the producer cycle state.
func (r *producerRing) fetch(mem hv.GuestMemory) error {
	if mem == nil || !r.initialized() {
		return nil
	}
	var buf [TRBSize]byte
	for i := 0; i < maxFetchPerDoorbell; i++ {
		if _, err := mem.ReadAt(buf[:], int64(r.enq)); err != nil {
			return fmt.Errorf("read TRB at 0x%x: %w", r.enq, err)
		}
		t := rawTRB(buf[:])
		if t.Cycle() != r.pcs {
			return nil
		}
		r.pending = append(r.pending, QueuedTRB{TRB: t, Addr: r.enq})
		r.advanceProducer(t)
	}
	return nil
}

// next pops the oldest pending TRB whose cycle bit matches the consumer
// cycle state. Link TRBs are consumed internally.
func (r *producerRing) next() (QueuedTRB, bool) {
	for len(r.pending) > 0 {
		q := r.pending[0]
		if q.Cycle() != r.ccs {
			return QueuedTRB{}, false
		}
		r.pending = r.pending[1:]
		if len(r.pending) == 0 {
			r.pending = nil
		}
		if q.Type() == TRBLink {
			r.deq = q.Parameter &^ 0xF
			if q.Last() {
				r.ccs = !r.ccs
			}
			continue
		}
		r.deq = q.Addr + TRBSize
		if r.wrapsAt(r.deq) {
			r.deq = r.base
			r.ccs = !r.ccs
		}
		return q, true
	}
	return QueuedTRB{}, false
}

// requeue puts q back at the head of the ring so the next call to next
// returns it again.
func (r *producerRing) requeue(q QueuedTRB) {
	r.pending = append([]QueuedTRB{q}, r.pending...)
	r.deq, r.ccs = q.Addr, q.Cycle()
}

// setDequeue moves the consumer cursor to ptr with the given cycle state.
// Pending TRBs before ptr are discarded; if ptr is not pending the producer
// cursor is moved there as well so the next fetch starts at ptr.
func (r *producerRing) setDequeue(ptr uint64, cycle bool) {
	ptr &^= 0xF
	for i, q := range r.pending {
		if q.Addr == ptr {
			r.pending = append(r.pending[:0], r.pending[i:]...)
			r.deq, r.ccs = ptr, cycle
			return
		}
	}
	r.pending = nil
	r.deq, r.ccs = ptr, cycle
	r.enq, r.pcs = ptr, cycle
}

func (r *producerRing) reset() {
	*r = producerRing{}
}
