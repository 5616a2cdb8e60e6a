package chipset

import (
	"log/slog"
	"sync"
)

// LineSet owns the platform interrupt lines. Each line remembers its level
// and how often it was asserted; only level changes reach the sink.
type LineSet struct {
	mu    sync.Mutex
	sink  InterruptSink
	lines map[uint8]*lineState
}

type lineState struct {
	level      bool
	assertions uint64
}

func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{sink: sink, lines: make(map[uint8]*lineState)}
}

// AllocateLine hands out a LineInterrupt driving irq. Several handles may
// share one line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	l.stateLocked(irq)
	l.mu.Unlock()
	return lineInterruptFunc(func(high bool) { l.drive(irq, high) })
}

// Level reports the level last driven on irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.lines[irq]
	return ok && st.level
}

// Assertions counts the low-to-high transitions seen on irq, pulses
// included.
func (l *LineSet) Assertions(irq uint8) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.lines[irq]; ok {
		return st.assertions
	}
	return 0
}

func (l *LineSet) stateLocked(irq uint8) *lineState {
	st, ok := l.lines[irq]
	if !ok {
		st = &lineState{}
		l.lines[irq] = st
	}
	return st
}

func (l *LineSet) drive(irq uint8, high bool) {
	l.mu.Lock()
	st := l.stateLocked(irq)
	if st.level == high {
		l.mu.Unlock()
		return
	}
	st.level = high
	if high {
		st.assertions++
	}
	l.mu.Unlock()

	slog.Debug("chipset: irq", "line", irq, "level", high)
	l.sink.SetIRQ(irq, high)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}
