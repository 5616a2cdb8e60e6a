package xhci

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

var testDeviceDescriptor = []byte{
	18, 1, 0x00, 0x02, 0, 0, 0, 64,
	0x09, 0x12, 0x01, 0x00, 0x00, 0x01,
	1, 2, 0, 1,
}

type fakeTransfer struct {
	ep   uint8
	data []byte
}

// fakeDevice records every call the controller makes.
type fakeDevice struct {
	mu sync.Mutex

	speed     Speed
	resets    int
	controls  [][]byte
	transfers []fakeTransfer
	inData    []byte
	stall     bool
	nak       bool
}

func (d *fakeDevice) DeviceDescriptor() []byte        { return testDeviceDescriptor }
func (d *fakeDevice) ConfigurationDescriptor() []byte { return nil }
func (d *fakeDevice) Speed() Speed                    { return d.speed }

func (d *fakeDevice) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
}

func (d *fakeDevice) HandleControl(request []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controls = append(d.controls, append([]byte(nil), request...))
	if d.stall {
		return nil, usb.ErrStall
	}
	if len(request) >= 8 && request[1] == 6 && request[3] == 1 {
		return testDeviceDescriptor, nil
	}
	return nil, nil
}

func (d *fakeDevice) HandleTransfer(ep uint8, data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nak {
		return nil, usb.ErrNAK
	}
	d.transfers = append(d.transfers, fakeTransfer{ep: ep, data: append([]byte(nil), data...)})
	if d.stall {
		return nil, usb.ErrStall
	}
	return d.inData, nil
}

func (d *fakeDevice) resetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *fakeDevice) transferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transfers)
}

// testLine captures interrupt line changes.
type testLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (l *testLine) SetLevel(level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.events = append(l.events, level)
}

func (l *testLine) PulseInterrupt() {
	l.SetLevel(true)
	l.SetLevel(false)
}

func (l *testLine) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// testMemory is a flat byte slice starting at guest address 0.
type testMemory struct {
	mu  sync.Mutex
	buf []byte
}

func newTestMemory(size int) *testMemory {
	return &testMemory{buf: make([]byte, size)}
}

func (m *testMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(m.buf) {
		return 0, errOutOfRange
	}
	return copy(p, m.buf[off:]), nil
}

func (m *testMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(m.buf) {
		return 0, errOutOfRange
	}
	return copy(m.buf[off:], p), nil
}

func (m *testMemory) putTRB(t *testing.T, addr uint64, trb TRB) {
	t.Helper()
	b := trb.Encode()
	if _, err := m.WriteAt(b[:], int64(addr)); err != nil {
		t.Fatalf("write TRB at 0x%x: %v", addr, err)
	}
}

func (m *testMemory) trb(t *testing.T, addr uint64) TRB {
	t.Helper()
	var b [TRBSize]byte
	if _, err := m.ReadAt(b[:], int64(addr)); err != nil {
		t.Fatalf("read TRB at 0x%x: %v", addr, err)
	}
	trb, err := DecodeTRB(b[:])
	if err != nil {
		t.Fatalf("decode TRB at 0x%x: %v", addr, err)
	}
	return trb
}

func (m *testMemory) put64(addr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.WriteAt(b[:], int64(addr))
}

func (m *testMemory) put32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.WriteAt(b[:], int64(addr))
}

func (m *testMemory) bytes(addr uint64, n int) []byte {
	out := make([]byte, n)
	m.ReadAt(out, int64(addr))
	return out
}

type testError string

func (e testError) Error() string { return string(e) }

const errOutOfRange = testError("out of range")

// newRunningController returns a running controller with an in-process
// command ring and a single-segment event ring on interrupter 0.
func newRunningController(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	c, err := New(DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.InitCommandRing(0x1000, 64); err != nil {
		t.Fatalf("InitCommandRing: %v", err)
	}
	if err := c.SetEventRingSegments(0, []Segment{{Base: 0x4000, Size: 64}}); err != nil {
		t.Fatalf("SetEventRingSegments: %v", err)
	}
	c.WriteOperational(opRegUSBCmd, usbcmdRunStop)
	if c.State() != StateRunning {
		t.Fatalf("controller state: got %v, want running", c.State())
	}
	return c
}

// nextEvent pops events from interrupter 0 until one of type want appears.
func nextEvent(t *testing.T, c *Controller, want TRBType) TRB {
	t.Helper()
	for {
		ev, ok := c.NextEvent(0)
		if !ok {
			t.Fatalf("no %v event posted", want)
		}
		if ev.Type() == want {
			return ev
		}
	}
}

// runCommand queues one command, rings doorbell 0 and returns its completion.
func runCommand(t *testing.T, c *Controller, cmd TRB) TRB {
	t.Helper()
	addr := c.QueueCommand(cmd)
	c.RingDoorbell(0, 0)
	ev := nextEvent(t, c, TRBCommandCompletion)
	if ev.Parameter != addr {
		t.Fatalf("completion parameter: got 0x%x, want 0x%x", ev.Parameter, addr)
	}
	return ev
}

func slotCommand(typ TRBType, slotID uint8) TRB {
	cmd := NewTRB(typ)
	cmd.SetSlotID(slotID)
	return cmd
}
