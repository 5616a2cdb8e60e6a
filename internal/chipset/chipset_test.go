package chipset

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/xhci/internal/hv"
)

type fakeDevice struct {
	mu      sync.Mutex
	regions []hv.MMIORegion
	mem     hv.GuestMemory
	calls   []string
	lastOp  string
	lastAdr uint64
}

func (d *fakeDevice) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDevice) Init(mem hv.GuestMemory) error {
	d.mem = mem
	d.record("init")
	return nil
}

func (d *fakeDevice) Start() error { d.record("start"); return nil }
func (d *fakeDevice) Stop() error  { d.record("stop"); return nil }
func (d *fakeDevice) Reset() error { d.record("reset"); return nil }

func (d *fakeDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *fakeDevice) ReadMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOp, d.lastAdr = "read", addr
	for i := range data {
		data[i] = 0xAA
	}
	return nil
}

func (d *fakeDevice) WriteMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOp, d.lastAdr = "write", addr
	return nil
}

type fakeMemory struct{}

func (fakeMemory) ReadAt(p []byte, off int64) (int, error)  { return len(p), nil }
func (fakeMemory) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }

func TestHandleMMIODispatch(t *testing.T) {
	dev := &fakeDevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x100}}}
	b := NewBuilder().WithMemory(fakeMemory{})
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if dev.mem == nil {
		t.Fatalf("Build did not hand guest memory to Init")
	}

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(0x1010, buf, false); err != nil {
		t.Fatalf("HandleMMIO read: %v", err)
	}
	if dev.lastOp != "read" || dev.lastAdr != 0x1010 || buf[0] != 0xAA {
		t.Fatalf("read dispatch: got op=%s addr=0x%x data=%v", dev.lastOp, dev.lastAdr, buf)
	}
	if err := cs.HandleMMIO(0x10fc, buf, true); err != nil {
		t.Fatalf("HandleMMIO write: %v", err)
	}
	if dev.lastOp != "write" || dev.lastAdr != 0x10fc {
		t.Fatalf("write dispatch: got op=%s addr=0x%x", dev.lastOp, dev.lastAdr)
	}

	if err := cs.HandleMMIO(0x10fe, buf, false); err == nil {
		t.Fatalf("access straddling region end: expected error")
	}
	if err := cs.HandleMMIO(0x2000, buf, false); err == nil {
		t.Fatalf("unmapped access: expected error")
	}
}

func TestRegisterDeviceRejectsOverlap(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("a", &fakeDevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x100}}}); err != nil {
		t.Fatalf("RegisterDevice a: %v", err)
	}
	if err := b.RegisterDevice("b", &fakeDevice{regions: []hv.MMIORegion{{Address: 0x10f0, Size: 0x100}}}); err == nil {
		t.Fatalf("overlapping region: expected error")
	}
	if err := b.RegisterDevice("a", &fakeDevice{}); err == nil {
		t.Fatalf("duplicate name: expected error")
	}
	if err := b.RegisterDevice("", &fakeDevice{}); err == nil {
		t.Fatalf("empty name: expected error")
	}
}

type failingDevice struct{ fakeDevice }

func (d *failingDevice) Start() error { return errors.New("boom") }

func TestLifecycleOrdering(t *testing.T) {
	a := &fakeDevice{}
	b := NewBuilder()
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice("z", &failingDevice{}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := cs.Start(); err == nil {
		t.Fatalf("Start: expected error from failing device")
	}
	if err := cs.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	want := []string{"init", "start", "reset"}
	if len(a.calls) != len(want) {
		t.Fatalf("calls: got %v, want %v", a.calls, want)
	}
	for i := range want {
		if a.calls[i] != want[i] {
			t.Fatalf("calls: got %v, want %v", a.calls, want)
		}
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []bool
}

func (s *recordingSink) SetIRQ(line uint8, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, level)
}

func TestLineSetForwardsOnlyChanges(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(5)

	line.SetLevel(true)
	line.SetLevel(true)
	if !lines.Level(5) {
		t.Fatalf("Level: got false, want true")
	}
	line.SetLevel(false)
	line.PulseInterrupt()

	want := []bool{true, false, true, false}
	if len(sink.events) != len(want) {
		t.Fatalf("events: got %v, want %v", sink.events, want)
	}
	for i := range want {
		if sink.events[i] != want[i] {
			t.Fatalf("events: got %v, want %v", sink.events, want)
		}
	}
}

func TestLineSetCountsAssertions(t *testing.T) {
	lines := NewLineSet(nil)
	a := lines.AllocateLine(9)
	b := lines.AllocateLine(9)

	if got := lines.Assertions(9); got != 0 {
		t.Fatalf("Assertions before use: got %d, want 0", got)
	}
	a.SetLevel(true)
	b.SetLevel(true) // already high
	a.SetLevel(false)
	b.PulseInterrupt()
	if got := lines.Assertions(9); got != 2 {
		t.Fatalf("Assertions: got %d, want 2", got)
	}
	if lines.Level(9) {
		t.Fatalf("Level after pulse: got true, want false")
	}
	if got := lines.Assertions(3); got != 0 {
		t.Fatalf("Assertions on unused line: got %d, want 0", got)
	}
}
