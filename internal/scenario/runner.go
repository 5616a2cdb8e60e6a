package scenario

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/efficientgo/core/errors"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/devices/usb/hid"
	"github.com/tinyrange/xhci/internal/devices/usb/xhci"
	"github.com/tinyrange/xhci/internal/guestmem"
)

const (
	// IRQLine is the interrupt line the controller drives.
	IRQLine = 11

	capRegDBOff = 0x14

	ringSize = 64
	// Transfer rings set up on demand live in the upper half of guest RAM,
	// one 32 KiB window per slot.
	ringWindow = 0x8000
	ringStride = ringSize * xhci.TRBSize
)

type ringKey struct {
	slot, dci uint8
}

// Env is a controller wired through a chipset with guest RAM and the
// scenario's devices attached.
type Env struct {
	Controller *xhci.Controller
	Chipset    *chipset.Chipset
	Memory     *guestmem.Memory
	Lines      *chipset.LineSet
	Devices    []*hid.Device
	Slots      []uint8

	base  uint64
	rings map[ringKey]bool
}

// NewEnv builds the environment described by s. opts are applied to the
// controller after the scenario's own options.
func NewEnv(s *Scenario, opts ...xhci.Option) (*Env, error) {
	mem, err := guestmem.New(0, s.MemorySize)
	if err != nil {
		return nil, errors.Wrap(err, "allocating guest memory")
	}
	lines := chipset.NewLineSet(nil)

	ctrlOpts := append([]xhci.Option{
		xhci.WithBase(s.Base),
		xhci.WithInterruptLine(lines.AllocateLine(IRQLine)),
	}, opts...)
	ctrl, err := xhci.New(xhci.DefaultConfig(), ctrlOpts...)
	if err != nil {
		mem.Close()
		return nil, errors.Wrap(err, "creating controller")
	}

	b := chipset.NewBuilder().WithMemory(mem)
	if err := b.RegisterDevice("xhci", ctrl); err != nil {
		mem.Close()
		return nil, errors.Wrap(err, "registering controller")
	}
	cs, err := b.Build()
	if err != nil {
		mem.Close()
		return nil, errors.Wrap(err, "building chipset")
	}

	env := &Env{
		Controller: ctrl,
		Chipset:    cs,
		Memory:     mem,
		Lines:      lines,
		base:       s.Base,
		rings:      make(map[ringKey]bool),
	}
	for i, d := range s.Devices {
		kind, err := hid.ParseKind(d.Kind)
		if err != nil {
			env.Close()
			return nil, errors.Wrapf(err, "device %d", i)
		}
		dev := hid.New(kind)
		slot, err := ctrl.AttachDevice(d.Port, dev)
		if err != nil {
			env.Close()
			return nil, errors.Wrapf(err, "attaching %s to port %d", kind, d.Port)
		}
		dci := xhci.EndpointDCI(hid.InterruptEndpoint)
		dev.SetOnReport(func() { ctrl.RingDoorbell(slot, dci) })
		env.Devices = append(env.Devices, dev)
		env.Slots = append(env.Slots, slot)
	}

	if err := cs.Start(); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "starting chipset")
	}
	return env, nil
}

func (e *Env) Close() error {
	err := e.Chipset.Stop()
	if cerr := e.Memory.Close(); err == nil {
		err = cerr
	}
	return err
}

// Run executes the steps of s in order. progress, when set, is called with
// the number of completed steps.
func (e *Env) Run(ctx context.Context, s *Scenario, progress func(done int)) error {
	for i := range s.Steps {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "scenario %q interrupted before step %d", s.Name, i+1)
		}
		step := &s.Steps[i]
		slog.Debug("scenario: step", "index", i+1, "action", step.Action(), "name", step.Name)
		if err := e.runStep(step); err != nil {
			return errors.Wrapf(err, "step %d (%s)", i+1, step.Label())
		}
		if progress != nil {
			progress(i + 1)
		}
	}
	return nil
}

func (e *Env) runStep(st *Step) error {
	switch {
	case st.MMIOWrite != nil:
		return e.mmioWrite(st.MMIOWrite)
	case st.MMIORead != nil:
		return e.mmioRead(st.MMIORead)
	case st.Command != nil:
		return e.command(st.Command)
	case st.Transfer != nil:
		return e.transfer(st.Transfer)
	case st.Doorbell != nil:
		return e.doorbell(st.Doorbell)
	case st.ExpectEvent != nil:
		return e.expectEvent(st.ExpectEvent)
	case st.ExpectIRQ != nil:
		return e.expectIRQ(st.ExpectIRQ)
	case st.Input != nil:
		return e.input(st.Input)
	case st.WriteMemory != nil:
		_, err := e.Memory.WriteAt(st.WriteMemory.Data, int64(st.WriteMemory.Addr))
		return err
	case st.ExpectMemory != nil:
		return e.expectMemory(st.ExpectMemory)
	default:
		return errors.New("step has no action")
	}
}

func (e *Env) mmioWrite(w *MMIOWrite) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, w.Value)
	return e.Chipset.HandleMMIO(e.base+w.Offset, buf[:w.Size], true)
}

func (e *Env) mmioRead(r *MMIORead) error {
	buf := make([]byte, 8)
	if err := e.Chipset.HandleMMIO(e.base+r.Offset, buf[:r.Size], false); err != nil {
		return err
	}
	got := binary.LittleEndian.Uint64(buf)
	mask := ^uint64(0)
	if r.Mask != nil {
		mask = *r.Mask
	}
	if got&mask != r.Expect {
		return errors.Newf("MMIO read at 0x%x: got 0x%x (masked 0x%x), want 0x%x", r.Offset, got, got&mask, r.Expect)
	}
	return nil
}

func (e *Env) command(c *Command) error {
	typ, err := xhci.ParseTRBType(c.Type)
	if err != nil {
		return err
	}
	trb := xhci.NewTRB(typ)
	trb.Parameter = c.Parameter
	trb.Control |= c.Flags
	trb.SetSlotID(c.Slot)
	trb.SetEndpointID(c.Endpoint)
	addr := e.Controller.QueueCommand(trb)
	slog.Debug("scenario: queued command", "type", typ, "addr", fmt.Sprintf("0x%x", addr))
	return nil
}

func (e *Env) transfer(t *Transfer) error {
	typ, err := xhci.ParseTRBType(t.Type)
	if err != nil {
		return err
	}
	slot := e.Controller.Slot(t.Slot)
	if slot == nil {
		return errors.Newf("slot %d has no device", t.Slot)
	}

	trb := xhci.NewTRB(typ)
	trb.Parameter = t.Buffer
	trb.SetTransferLength(t.Length)
	trb.SetIOC(t.IOC)
	if len(t.Data) > 0 {
		var imm [8]byte
		copy(imm[:], t.Data)
		trb.Parameter = binary.LittleEndian.Uint64(imm[:])
		trb.SetImmediateData(true)
		if t.Length == 0 {
			trb.SetTransferLength(uint32(len(t.Data)))
		}
	}
	switch typ {
	case xhci.TRBSetupStage:
		switch t.Direction {
		case "in":
			trb.SetSetupTransferType(xhci.SetupInData)
		case "out":
			trb.SetSetupTransferType(xhci.SetupOutData)
		}
	case xhci.TRBDataStage:
		trb.SetDirectionIn(t.Direction == "in")
	}

	if _, err := slot.QueueTransfer(t.Endpoint, trb); err != nil {
		if !errors.Is(err, xhci.ErrInvalidRing) {
			return err
		}
		if err := e.initRing(slot, t.Endpoint); err != nil {
			return err
		}
		_, err = slot.QueueTransfer(t.Endpoint, trb)
		return err
	}
	return nil
}

// initRing gives an endpoint without a ring one in the upper half of guest
// RAM, as a guest would during ConfigureEndpoint.
func (e *Env) initRing(slot *xhci.DeviceSlot, dci uint8) error {
	key := ringKey{slot.ID(), dci}
	if e.rings[key] {
		return errors.Newf("slot %d endpoint %d lost its ring", slot.ID(), dci)
	}
	base := e.Memory.Size()/2 + uint64(slot.ID()-1)*ringWindow + uint64(dci)*ringStride
	if err := slot.InitEndpointRing(dci, base, ringSize); err != nil {
		return err
	}
	e.rings[key] = true
	return nil
}

func (e *Env) doorbell(d *Doorbell) error {
	var buf [4]byte
	if err := e.Chipset.HandleMMIO(e.base+capRegDBOff, buf[:], false); err != nil {
		return errors.Wrap(err, "reading DBOFF")
	}
	offset := uint64(binary.LittleEndian.Uint32(buf[:])&^0x3) + uint64(d.Slot)*4
	binary.LittleEndian.PutUint32(buf[:], uint32(d.Target))
	return e.Chipset.HandleMMIO(e.base+offset, buf[:], true)
}

func (e *Env) expectEvent(x *EventExpectation) error {
	want, err := xhci.ParseTRBType(x.Type)
	if err != nil {
		return err
	}
	ev, ok := e.Controller.NextEvent(0)
	if !ok {
		return errors.Newf("no event pending, want %v", want)
	}
	if ev.Type() != want {
		return errors.Newf("event: got %v, want %v", ev, want)
	}
	if x.Completion != "" {
		code, err := xhci.ParseCompletionCode(x.Completion)
		if err != nil {
			return err
		}
		if ev.CompletionCode() != code {
			return errors.Newf("completion: got %v, want %v", ev.CompletionCode(), code)
		}
	}
	if x.Slot != nil && ev.SlotID() != *x.Slot {
		return errors.Newf("slot: got %d, want %d", ev.SlotID(), *x.Slot)
	}
	if x.Endpoint != nil && ev.EndpointID() != *x.Endpoint {
		return errors.Newf("endpoint: got %d, want %d", ev.EndpointID(), *x.Endpoint)
	}
	if x.Residual != nil && ev.TransferLength() != *x.Residual {
		return errors.Newf("residual: got %d, want %d", ev.TransferLength(), *x.Residual)
	}
	if x.Port != nil && uint8(ev.Parameter>>24) != *x.Port {
		return errors.Newf("port: got %d, want %d", uint8(ev.Parameter>>24), *x.Port)
	}
	return nil
}

func (e *Env) expectIRQ(x *IRQExpectation) error {
	if got := e.Lines.Level(IRQLine); got != x.Level {
		return errors.Newf("irq %d level: got %v, want %v", IRQLine, got, x.Level)
	}
	if x.Assertions != nil {
		if got := e.Lines.Assertions(IRQLine); got != *x.Assertions {
			return errors.Newf("irq %d assertions: got %d, want %d", IRQLine, got, *x.Assertions)
		}
	}
	return nil
}

func (e *Env) input(in *Input) error {
	dev := e.Devices[in.Device]
	if in.Press != nil {
		if err := dev.PressKey(*in.Press); err != nil {
			return err
		}
	}
	if in.Release != nil {
		if err := dev.ReleaseKey(*in.Release); err != nil {
			return err
		}
	}
	if in.Buttons != nil {
		if err := dev.SetButtons(*in.Buttons); err != nil {
			return err
		}
	}
	if len(in.Move) == 3 {
		if err := dev.MoveMouse(in.Move[0], in.Move[1], in.Move[2]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) expectMemory(m *Memory) error {
	got := make([]byte, len(m.Data))
	if _, err := e.Memory.ReadAt(got, int64(m.Addr)); err != nil {
		return err
	}
	if !bytes.Equal(got, m.Data) {
		return errors.Newf("memory at 0x%x: got %x, want %x", m.Addr, got, []byte(m.Data))
	}
	return nil
}
