package xhci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/xhci/internal/hv"
)

// numContexts is the number of device context entries: the slot context at
// index 0 followed by endpoint contexts 1..31.
const numContexts = 32

const (
	inputContextAddressSize = 3 * contextSize                 // control, slot, EP0
	inputContextFullSize    = (numContexts + 1) * contextSize // control, slot, EP1..31
	deviceContextSize       = numContexts * contextSize
)

type controlTransfer struct {
	setup    [8]byte
	active   bool
	deferred bool // OUT request waiting for its data stage
	response []byte
}

// DeviceSlot is the controller-side bookkeeping for one attached device:
// its slot context, endpoint contexts and transfer rings.
type DeviceSlot struct {
	mu sync.Mutex

	id    uint8
	port  uint8
	dev   Device
	addrs *AddressBitmap
	mem   hv.GuestMemory

	// outputCtx is DCBAA[id], refreshed by the controller before each command.
	outputCtx uint64

	ctx       SlotContext
	endpoints [numContexts]EndpointContext
	rings     [numContexts]*TransferRing
	control   controlTransfer
}

func newDeviceSlot(id, port uint8, dev Device, addrs *AddressBitmap, mem hv.GuestMemory) *DeviceSlot {
	return &DeviceSlot{
		id:    id,
		port:  port,
		dev:   dev,
		addrs: addrs,
		mem:   mem,
		ctx: SlotContext{
			Speed:       dev.Speed(),
			RootHubPort: port + 1,
			State:       SlotDisabled,
		},
	}
}

func (s *DeviceSlot) ID() uint8      { return s.id }
func (s *DeviceSlot) Port() uint8    { return s.port }
func (s *DeviceSlot) Device() Device { return s.dev }

func (s *DeviceSlot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.State
}

func (s *DeviceSlot) Address() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.DeviceAddress
}

func (s *DeviceSlot) Context() SlotContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Endpoint returns the context of device context index dci.
func (s *DeviceSlot) Endpoint(dci uint8) (EndpointContext, bool) {
	if dci == 0 || dci >= numContexts {
		return EndpointContext{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[dci], true
}

// InitEndpointRing points endpoint dci at a transfer ring in guest memory
// and marks the endpoint Running.
func (s *DeviceSlot) InitEndpointRing(dci uint8, base uint64, size uint32) error {
	if dci == 0 || dci >= numContexts {
		return fmt.Errorf("xhci: slot %d: endpoint %d out of range", s.id, dci)
	}
	if size == 0 {
		return fmt.Errorf("xhci: slot %d: %w: endpoint %d ring size 0", s.id, ErrInvalidRing, dci)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initRingLocked(dci, base, size, true)
}

// initRingLocked installs a transfer ring for dci. A size of 0 means the
// guest owns the layout and the ring wraps only through Link TRBs.
func (s *DeviceSlot) initRingLocked(dci uint8, base uint64, size uint32, cycle bool) error {
	ring := NewTransferRing(dci)
	var err error
	if size == 0 {
		err = ring.initGuest(base)
	} else {
		err = ring.Init(base, size)
	}
	if err != nil {
		return fmt.Errorf("xhci: slot %d: %w", s.id, err)
	}
	ring.SetDequeuePtr(base, cycle)
	s.rings[dci] = ring

	ep := &s.endpoints[dci]
	ep.State = EndpointRunning
	if dci == 1 {
		ep.Type = EndpointTypeControl
		if ep.MaxPacketSize == 0 {
			ep.MaxPacketSize = s.ctx.Speed.defaultControlPacketSize()
		}
	}
	ep.DequeuePtr = base
	ep.DequeueCycle = cycle
	if dci > s.ctx.ContextEntries {
		s.ctx.ContextEntries = dci
	}
	return nil
}

// QueueTransfer places trb on endpoint dci's transfer ring as the guest
// would, returning its ring address.
func (s *DeviceSlot) QueueTransfer(dci uint8, trb TRB) (uint64, error) {
	if dci == 0 || dci >= numContexts {
		return 0, fmt.Errorf("xhci: slot %d: endpoint %d out of range", s.id, dci)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.rings[dci]
	if ring == nil {
		return 0, fmt.Errorf("xhci: slot %d endpoint %d: %w", s.id, dci, ErrInvalidRing)
	}
	return ring.Queue(trb), nil
}

// enable moves a Disabled slot to Default.
func (s *DeviceSlot) enable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.State != SlotDisabled {
		return false
	}
	s.ctx.State = SlotDefault
	return true
}

// disable returns the slot to Disabled, releasing its address and rings.
// The device stays attached.
func (s *DeviceSlot) disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableLocked()
}

func (s *DeviceSlot) disableLocked() {
	s.addrs.Free(s.ctx.DeviceAddress)
	s.ctx = SlotContext{
		Speed:       s.ctx.Speed,
		RootHubPort: s.ctx.RootHubPort,
		State:       SlotDisabled,
	}
	s.endpoints = [numContexts]EndpointContext{}
	s.rings = [numContexts]*TransferRing{}
	s.control = controlTransfer{}
	s.outputCtx = 0
}

func (s *DeviceSlot) setMemory(mem hv.GuestMemory, outputCtx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem = mem
	s.outputCtx = outputCtx
}

func (s *DeviceSlot) interrupterTarget() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.InterrupterTarget
}

// HandleCommand executes a slot-scoped command TRB. The second result is
// command specific: the assigned address for AddressDevice, 0 otherwise.
func (s *DeviceSlot) HandleCommand(trb TRB) (CompletionCode, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		code  CompletionCode
		extra uint32
	)
	switch trb.Type() {
	case TRBAddressDevice:
		code, extra = s.addressDeviceLocked(trb)
	case TRBConfigureEndpoint:
		code = s.configureEndpointLocked(trb)
	case TRBEvaluateContext:
		code = s.evaluateContextLocked(trb)
	case TRBResetEndpoint:
		code = s.resetEndpointLocked(trb)
	case TRBStopEndpoint:
		code = s.stopEndpointLocked(trb)
	case TRBSetTRDequeue:
		code = s.setTRDequeueLocked(trb)
	case TRBResetDevice:
		code = s.resetDeviceLocked()
	default:
		slog.Warn("xhci: unsupported slot command", "slot", s.id, "type", trb.Type())
		return CompletionTRBError, 0
	}
	if code == CompletionSuccess {
		s.writeOutputContextLocked()
	}
	return code, extra
}

// inputEntry returns entry i of an input context returned by
// readInputLocked, which guarantees the length.
func inputEntry(in []byte, i int) *[contextSize]byte {
	return (*[contextSize]byte)(in[i*contextSize:])
}

func (s *DeviceSlot) readInputLocked(ptr uint64, size int) ([]byte, bool) {
	if s.mem == nil || ptr == 0 {
		return nil, false
	}
	buf := make([]byte, size)
	if _, err := s.mem.ReadAt(buf, int64(ptr&^0xF)); err != nil {
		slog.Warn("xhci: read input context", "slot", s.id, "addr", fmt.Sprintf("0x%x", ptr), "err", err)
		return nil, false
	}
	return buf, true
}

func (s *DeviceSlot) addressDeviceLocked(trb TRB) (CompletionCode, uint32) {
	if s.ctx.State == SlotAddressed || s.ctx.State == SlotConfigured {
		return CompletionContextStateError, 0
	}

	var (
		ep0     EndpointContext
		haveEP0 bool
	)
	if in, ok := s.readInputLocked(trb.Parameter, inputContextAddressSize); ok {
		slot := decodeSlotContext(inputEntry(in, 1))
		ep0 = decodeEndpointContext(inputEntry(in, 2))
		s.ctx.RouteString = slot.RouteString
		s.ctx.InterrupterTarget = slot.InterrupterTarget
		if slot.Speed != 0 {
			s.ctx.Speed = slot.Speed
		}
		haveEP0 = ep0.DequeuePtr != 0
	} else if s.mem != nil && trb.Parameter != 0 {
		return CompletionParameterError, 0
	}

	blockSetAddress := trb.Control&trbControlBSR != 0
	allocated := false
	if !blockSetAddress && s.ctx.DeviceAddress == 0 {
		addr, ok := s.addrs.Allocate()
		if !ok {
			return CompletionResourceError, 0
		}
		s.ctx.DeviceAddress = addr
		allocated = true
	}

	if haveEP0 {
		if ep0.MaxPacketSize != 0 {
			s.endpoints[1].MaxPacketSize = ep0.MaxPacketSize
		}
		if err := s.initRingLocked(1, ep0.DequeuePtr, 0, ep0.DequeueCycle); err != nil {
			slog.Warn("xhci: address device: bad EP0 ring", "slot", s.id, "err", err)
			if allocated {
				s.addrs.Free(s.ctx.DeviceAddress)
				s.ctx.DeviceAddress = 0
			}
			return CompletionParameterError, 0
		}
	} else {
		ep := &s.endpoints[1]
		ep.Type = EndpointTypeControl
		ep.State = EndpointRunning
		if ep.MaxPacketSize == 0 {
			ep.MaxPacketSize = s.ctx.Speed.defaultControlPacketSize()
		}
	}
	if s.ctx.ContextEntries == 0 {
		s.ctx.ContextEntries = 1
	}
	s.control = controlTransfer{}

	if blockSetAddress {
		s.ctx.State = SlotDefault
		return CompletionSuccess, 0
	}
	s.ctx.State = SlotAddressed
	return CompletionSuccess, uint32(s.ctx.DeviceAddress)
}

func (s *DeviceSlot) configureEndpointLocked(trb TRB) CompletionCode {
	if s.ctx.State != SlotAddressed && s.ctx.State != SlotConfigured {
		return CompletionContextStateError
	}

	if trb.Control&trbControlDC != 0 {
		for dci := 2; dci < numContexts; dci++ {
			s.endpoints[dci] = EndpointContext{}
			s.rings[dci] = nil
		}
		s.ctx.ContextEntries = 1
		s.ctx.State = SlotAddressed
		return CompletionSuccess
	}

	if in, ok := s.readInputLocked(trb.Parameter, inputContextFullSize); ok {
		icc := parseInputControlContext(in)
		for dci := uint8(2); dci < numContexts; dci++ {
			if icc.drop&(1<<dci) != 0 {
				s.endpoints[dci] = EndpointContext{}
				s.rings[dci] = nil
			}
			if icc.add&(1<<dci) == 0 {
				continue
			}
			ep := decodeEndpointContext(inputEntry(in, int(dci)+1))
			s.endpoints[dci] = EndpointContext{
				Type:          ep.Type,
				Interval:      ep.Interval,
				MaxBurst:      ep.MaxBurst,
				MaxPacketSize: ep.MaxPacketSize,
				AverageTRBLen: ep.AverageTRBLen,
			}
			if err := s.initRingLocked(dci, ep.DequeuePtr, 0, ep.DequeueCycle); err != nil {
				slog.Warn("xhci: configure endpoint: bad transfer ring", "slot", s.id, "ep", dci, "err", err)
				return CompletionParameterError
			}
		}
	} else if s.mem != nil && trb.Parameter != 0 {
		return CompletionParameterError
	} else {
		for dci := 2; dci < numContexts; dci++ {
			if s.rings[dci] != nil && s.endpoints[dci].State == EndpointDisabled {
				s.endpoints[dci].State = EndpointRunning
			}
		}
	}

	s.ctx.State = SlotConfigured
	return CompletionSuccess
}

func (s *DeviceSlot) evaluateContextLocked(trb TRB) CompletionCode {
	in, ok := s.readInputLocked(trb.Parameter, inputContextAddressSize)
	if !ok {
		if s.mem != nil && trb.Parameter != 0 {
			return CompletionParameterError
		}
		return CompletionSuccess
	}
	icc := parseInputControlContext(in)
	if icc.add&(1<<0) != 0 {
		slot := decodeSlotContext(inputEntry(in, 1))
		s.ctx.InterrupterTarget = slot.InterrupterTarget
	}
	if icc.add&(1<<1) != 0 {
		ep0 := decodeEndpointContext(inputEntry(in, 2))
		s.endpoints[1].MaxPacketSize = ep0.MaxPacketSize
	}
	return CompletionSuccess
}

func (s *DeviceSlot) resetEndpointLocked(trb TRB) CompletionCode {
	dci := trb.EndpointID()
	if dci == 0 {
		return CompletionTRBError
	}
	ep := &s.endpoints[dci]
	if ep.State != EndpointDisabled {
		ep.State = EndpointStopped
	}
	if dci == 1 {
		s.control = controlTransfer{}
	}
	return CompletionSuccess
}

func (s *DeviceSlot) stopEndpointLocked(trb TRB) CompletionCode {
	dci := trb.EndpointID()
	if dci == 0 {
		return CompletionTRBError
	}
	ep := &s.endpoints[dci]
	if ep.State == EndpointRunning {
		ep.State = EndpointStopped
	}
	return CompletionSuccess
}

func (s *DeviceSlot) setTRDequeueLocked(trb TRB) CompletionCode {
	dci := trb.EndpointID()
	if dci == 0 {
		return CompletionTRBError
	}
	ptr := trb.Parameter &^ 0xF
	cycle := trb.Parameter&1 != 0
	if ptr == 0 {
		return CompletionParameterError
	}
	ring := s.rings[dci]
	if ring == nil {
		ring = NewTransferRing(dci)
		if err := ring.initGuest(ptr); err != nil {
			return CompletionParameterError
		}
		s.rings[dci] = ring
	}
	ring.SetDequeuePtr(ptr, cycle)
	ep := &s.endpoints[dci]
	ep.DequeuePtr = ptr
	ep.DequeueCycle = cycle
	return CompletionSuccess
}

func (s *DeviceSlot) resetDeviceLocked() CompletionCode {
	if s.ctx.State == SlotDisabled {
		return CompletionSlotNotEnabled
	}
	s.dev.Reset()
	s.addrs.Free(s.ctx.DeviceAddress)
	s.ctx.DeviceAddress = 0
	s.ctx.ContextEntries = 1
	s.ctx.State = SlotDefault
	for dci := 2; dci < numContexts; dci++ {
		s.endpoints[dci] = EndpointContext{}
		s.rings[dci] = nil
	}
	s.control = controlTransfer{}
	return CompletionSuccess
}

// writeOutputContextLocked mirrors the slot and endpoint contexts into the
// guest's output device context.
func (s *DeviceSlot) writeOutputContextLocked() {
	if s.mem == nil || s.outputCtx == 0 {
		return
	}
	buf := make([]byte, deviceContextSize)
	s.ctx.MarshalTo(buf)
	for dci := 1; dci < numContexts; dci++ {
		s.endpoints[dci].MarshalTo(buf[dci*contextSize:])
	}
	if _, err := s.mem.WriteAt(buf, int64(s.outputCtx)); err != nil {
		slog.Warn("xhci: write output context", "slot", s.id, "addr", fmt.Sprintf("0x%x", s.outputCtx), "err", err)
	}
}

// RingEndpoint drains endpoint dci's transfer ring, handing each TRB to the
// device, and returns one TransferEvent per executed TRB in ring order.
// A Stopped endpoint is restarted; Halted, Error and Disabled endpoints are
// left untouched.
func (s *DeviceSlot) RingEndpoint(dci uint8) []TRB {
	if dci == 0 || dci >= numContexts {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.rings[dci]
	if s.dev == nil || ring == nil {
		return nil
	}
	ep := &s.endpoints[dci]
	switch ep.State {
	case EndpointStopped:
		ep.State = EndpointRunning
	case EndpointRunning:
	default:
		return nil
	}

	if err := ring.Fetch(s.mem); err != nil {
		slog.Warn("xhci: fetch transfer ring", "slot", s.id, "ep", dci, "err", err)
	}

	var events []TRB
	for ep.State == EndpointRunning {
		q, ok := ring.Next()
		if !ok {
			break
		}
		code, residual := s.executeLocked(dci, q)
		if code == completionPending {
			ring.requeue(q)
			break
		}
		ev := ring.TransferEvent(q, code, residual)
		ev.SetSlotID(s.id)
		if q.Type() == TRBEventData {
			ev.Parameter = q.Parameter
			ev.Control |= trbControlEDFlag
		}
		events = append(events, ev)

		switch code {
		case CompletionStallError, CompletionBabbleDetected:
			ep.State = EndpointHalted
		case CompletionUSBTransactionError:
			ep.State = EndpointError
		}
		if code != CompletionSuccess && code != CompletionShortPacket {
			slog.Debug("xhci: transfer failed", "slot", s.id, "ep", dci, "type", q.Type(), "code", code)
		}
	}
	ep.DequeuePtr = ring.DequeuePtr()
	ep.DequeueCycle = ring.ConsumerCycle()
	s.writeOutputContextLocked()
	return events
}

func (s *DeviceSlot) executeLocked(dci uint8, q QueuedTRB) (CompletionCode, uint32) {
	switch q.Type() {
	case TRBNormal, TRBIsoch:
		return s.transferLocked(dci, q)
	case TRBSetupStage:
		return s.setupStageLocked(q)
	case TRBDataStage:
		if !s.control.active {
			return s.transferLocked(dci, q)
		}
		return s.dataStageLocked(q)
	case TRBStatusStage:
		return s.statusStageLocked()
	case TRBNoOp, TRBEventData:
		return CompletionSuccess, 0
	default:
		return CompletionTRBError, 0
	}
}

// readBufferLocked returns the OUT payload described by q: immediate data,
// or the guest buffer when memory is attached.
func (s *DeviceSlot) readBufferLocked(q QueuedTRB) ([]byte, error) {
	n := q.TransferLength()
	if q.ImmediateData() {
		var imm [8]byte
		binary.LittleEndian.PutUint64(imm[:], q.Parameter)
		return imm[:min(n, 8)], nil
	}
	if s.mem == nil || n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := s.mem.ReadAt(buf, int64(q.Parameter)); err != nil {
		return nil, fmt.Errorf("read transfer buffer at 0x%x: %w", q.Parameter, err)
	}
	return buf, nil
}

// writeBufferLocked delivers IN data into the buffer described by q and
// returns how many bytes fit. Without guest memory the bytes are counted as
// delivered.
func (s *DeviceSlot) writeBufferLocked(q QueuedTRB, data []byte) (int, error) {
	n := min(len(data), int(q.TransferLength()))
	if s.mem == nil || n == 0 {
		return n, nil
	}
	if _, err := s.mem.WriteAt(data[:n], int64(q.Parameter)); err != nil {
		return 0, fmt.Errorf("write transfer buffer at 0x%x: %w", q.Parameter, err)
	}
	return n, nil
}

func (s *DeviceSlot) transferLocked(dci uint8, q QueuedTRB) (CompletionCode, uint32) {
	length := q.TransferLength()
	if !isInEndpoint(dci) {
		data, err := s.readBufferLocked(q)
		if err != nil {
			slog.Warn("xhci: transfer", "slot", s.id, "ep", dci, "err", err)
			return CompletionDataBufferError, length
		}
		if _, err := s.dev.HandleTransfer(dci, data); err != nil {
			return completionForError(err), length
		}
		return CompletionSuccess, 0
	}

	resp, err := s.dev.HandleTransfer(dci, nil)
	if err != nil {
		return completionForError(err), length
	}
	n, err := s.writeBufferLocked(q, resp)
	if err != nil {
		slog.Warn("xhci: transfer", "slot", s.id, "ep", dci, "err", err)
		return CompletionDataBufferError, length
	}
	residual := length - uint32(n)
	if residual > 0 {
		return CompletionShortPacket, residual
	}
	return CompletionSuccess, 0
}

func (s *DeviceSlot) setupStageLocked(q QueuedTRB) (CompletionCode, uint32) {
	if !q.ImmediateData() || q.TransferLength() != 8 {
		return CompletionTRBError, 0
	}
	s.control = controlTransfer{active: true}
	binary.LittleEndian.PutUint64(s.control.setup[:], q.Parameter)

	if (q.Control&trbControlTRTMask)>>16 == SetupOutData {
		s.control.deferred = true
		return CompletionSuccess, 0
	}
	resp, err := s.dev.HandleControl(s.control.setup[:])
	if err != nil {
		s.control = controlTransfer{}
		return completionForError(err), 0
	}
	if wLength := int(binary.LittleEndian.Uint16(s.control.setup[6:])); len(resp) > wLength {
		resp = resp[:wLength]
	}
	s.control.response = resp
	return CompletionSuccess, 0
}

func (s *DeviceSlot) dataStageLocked(q QueuedTRB) (CompletionCode, uint32) {
	length := q.TransferLength()
	if q.Control&trbControlDirIn != 0 {
		n, err := s.writeBufferLocked(q, s.control.response)
		if err != nil {
			slog.Warn("xhci: control data stage", "slot", s.id, "err", err)
			return CompletionDataBufferError, length
		}
		s.control.response = s.control.response[n:]
		if residual := length - uint32(n); residual > 0 {
			return CompletionShortPacket, residual
		}
		return CompletionSuccess, 0
	}

	data, err := s.readBufferLocked(q)
	if err != nil {
		slog.Warn("xhci: control data stage", "slot", s.id, "err", err)
		return CompletionDataBufferError, length
	}
	if !s.control.deferred {
		return CompletionSuccess, 0
	}
	s.control.deferred = false
	request := append(s.control.setup[:len(s.control.setup):len(s.control.setup)], data...)
	if _, err := s.dev.HandleControl(request); err != nil {
		s.control = controlTransfer{}
		return completionForError(err), length
	}
	return CompletionSuccess, 0
}

func (s *DeviceSlot) statusStageLocked() (CompletionCode, uint32) {
	defer func() { s.control = controlTransfer{} }()
	if s.control.deferred {
		if _, err := s.dev.HandleControl(s.control.setup[:]); err != nil {
			return completionForError(err), 0
		}
	}
	return CompletionSuccess, 0
}
