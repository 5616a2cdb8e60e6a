package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhci/internal/hv"
)

const (
	erstEntrySize = 16
	// maxERSTSize is 2^ERST Max as advertised in HCSPARAMS2.
	maxERSTSize = 16
)

// Segment is one Event Ring Segment Table entry.
type Segment struct {
	Base uint64
	Size uint16
}

// EventRing is the controller-produced ring of event TRBs for a single
// interrupter. It spans one or more guest segments.
type EventRing struct {
	segments []Segment

	enqSeg int
	enqIdx int
	cycle  bool

	deqSeg int
	deqIdx int

	pending []postedEvent
	mem     hv.GuestMemory
}

// postedEvent is an event not yet consumed, with the guest address it was
// written to (0 without segments).
type postedEvent struct {
	trb  TRB
	addr uint64
}

func NewEventRing() *EventRing {
	return &EventRing{cycle: true}
}

// SetSegments replaces the segment table and resets both cursors to the
// start of the first segment with producer cycle state 1.
func (e *EventRing) SetSegments(segs []Segment) error {
	for i, s := range segs {
		if s.Base == 0 || s.Size == 0 {
			return fmt.Errorf("%w: event ring segment %d base=0x%x size=%d", ErrInvalidRing, i, s.Base, s.Size)
		}
	}
	e.segments = append(e.segments[:0], segs...)
	e.enqSeg, e.enqIdx = 0, 0
	e.deqSeg, e.deqIdx = 0, 0
	e.cycle = true
	e.pending = nil
	return nil
}

func (e *EventRing) Segments() []Segment {
	return append([]Segment(nil), e.segments...)
}

func (e *EventRing) setMemory(mem hv.GuestMemory) { e.mem = mem }

// loadERST reads size table entries at base from guest memory and installs
// them as the segment table.
func (e *EventRing) loadERST(mem hv.GuestMemory, base uint64, size uint32) error {
	if size == 0 || size > maxERSTSize {
		return fmt.Errorf("%w: ERST size %d", ErrInvalidRing, size)
	}
	buf := make([]byte, int(size)*erstEntrySize)
	if _, err := mem.ReadAt(buf, int64(base)); err != nil {
		return fmt.Errorf("read ERST at 0x%x: %w", base, err)
	}
	segs := make([]Segment, size)
	for i := range segs {
		entry := buf[i*erstEntrySize:]
		segs[i] = Segment{
			Base: binary.LittleEndian.Uint64(entry[0:8]) &^ 0x3F,
			Size: binary.LittleEndian.Uint16(entry[8:10]),
		}
	}
	return e.SetSegments(segs)
}

// Queue stamps the producer cycle on ev and appends it. When guest memory is
// attached the event is also written to the current segment slot. The
// enqueue cursor moves to the next segment only after the current
// segment's last slot has been filled, and the cycle flips when the last
// segment wraps back to the first.
func (e *EventRing) Queue(ev TRB) error {
	ev.SetCycle(e.cycle)
	addr := e.EnqueuePtr()
	e.pending = append(e.pending, postedEvent{trb: ev, addr: addr})
	if len(e.segments) == 0 {
		return nil
	}

	var err error
	if e.mem != nil {
		buf := ev.Encode()
		if _, werr := e.mem.WriteAt(buf[:], int64(addr)); werr != nil {
			err = fmt.Errorf("write event at 0x%x: %w", addr, werr)
		}
	}

	e.enqIdx++
	if e.enqIdx >= int(e.segments[e.enqSeg].Size) {
		e.enqIdx = 0
		e.enqSeg++
		if e.enqSeg >= len(e.segments) {
			e.enqSeg = 0
			e.cycle = !e.cycle
		}
	}
	return err
}

// Next pops the oldest posted event for host-side consumers.
func (e *EventRing) Next() (TRB, bool) {
	if len(e.pending) == 0 {
		return TRB{}, false
	}
	ev := e.pending[0].trb
	e.pending = e.pending[1:]
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return ev, true
}

// EnqueuePtr is the guest address the next event will be written to.
func (e *EventRing) EnqueuePtr() uint64 {
	if len(e.segments) == 0 {
		return 0
	}
	return e.segments[e.enqSeg].Base + uint64(e.enqIdx)*TRBSize
}

// DequeuePtr is the guest address last reported through SetDequeuePtr.
func (e *EventRing) DequeuePtr() uint64 {
	if len(e.segments) == 0 {
		return 0
	}
	return e.segments[e.deqSeg].Base + uint64(e.deqIdx)*TRBSize
}

// SetDequeuePtr records how far the guest has consumed. ptr is resolved to
// a (segment, slot) pair by linear search; a pointer outside every segment
// leaves the dequeue position unchanged. Events the guest has consumed are
// dropped from the host-side queue.
func (e *EventRing) SetDequeuePtr(ptr uint64) bool {
	ptr &^= 0xF
	for i, s := range e.segments {
		end := s.Base + uint64(s.Size)*TRBSize
		if ptr >= s.Base && ptr < end {
			e.deqSeg = i
			e.deqIdx = int((ptr - s.Base) / TRBSize)
			e.consumedTo(ptr)
			return true
		}
	}
	return false
}

// consumedTo drops queued events ahead of the one at ptr. When no queued
// event lives at ptr the guest has caught up with the producer.
func (e *EventRing) consumedTo(ptr uint64) {
	n := 0
	for n < len(e.pending) && e.pending[n].addr != ptr {
		n++
	}
	if n == len(e.pending) {
		e.pending = nil
		return
	}
	e.pending = e.pending[n:]
}

func (e *EventRing) Cycle() bool  { return e.cycle }
func (e *EventRing) Pending() int { return len(e.pending) }

func (e *EventRing) reset() {
	mem := e.mem
	*e = EventRing{cycle: true, mem: mem}
}
