package xhci

import (
	"testing"
)

func newTestSlot(dev *fakeDevice) (*DeviceSlot, *AddressBitmap) {
	addrs := &AddressBitmap{}
	return newDeviceSlot(1, 0, dev, addrs, nil), addrs
}

func TestSlotLifecycle(t *testing.T) {
	dev := &fakeDevice{speed: SpeedHigh}
	slot, addrs := newTestSlot(dev)

	if slot.State() != SlotDisabled {
		t.Fatalf("initial state: got %v, want disabled", slot.State())
	}
	if code, _ := slot.HandleCommand(NewTRB(TRBConfigureEndpoint)); code != CompletionContextStateError {
		t.Fatalf("configure before address: got %v, want ContextStateError", code)
	}
	if !slot.enable() || slot.State() != SlotDefault {
		t.Fatalf("enable: state %v, want default", slot.State())
	}
	if slot.enable() {
		t.Fatalf("enable of an enabled slot succeeded")
	}

	code, addr := slot.HandleCommand(NewTRB(TRBAddressDevice))
	if code != CompletionSuccess || addr != 1 || slot.Address() != 1 {
		t.Fatalf("address device: got %v addr %d", code, addr)
	}
	if slot.State() != SlotAddressed {
		t.Fatalf("state after address: got %v, want addressed", slot.State())
	}
	if code, _ := slot.HandleCommand(NewTRB(TRBAddressDevice)); code != CompletionContextStateError {
		t.Fatalf("second address device: got %v, want ContextStateError", code)
	}

	if code, _ := slot.HandleCommand(NewTRB(TRBConfigureEndpoint)); code != CompletionSuccess {
		t.Fatalf("configure endpoint: got %v", code)
	}
	if slot.State() != SlotConfigured {
		t.Fatalf("state after configure: got %v, want configured", slot.State())
	}

	if code, _ := slot.HandleCommand(NewTRB(TRBResetDevice)); code != CompletionSuccess {
		t.Fatalf("reset device: got %v", code)
	}
	if dev.resetCount() != 1 {
		t.Fatalf("device resets: got %d, want 1", dev.resetCount())
	}
	if slot.State() != SlotDefault || slot.Address() != 0 || addrs.InUse(1) {
		t.Fatalf("after reset: state %v address %d in use %v", slot.State(), slot.Address(), addrs.InUse(1))
	}

	slot.disable()
	if slot.State() != SlotDisabled {
		t.Fatalf("state after disable: got %v, want disabled", slot.State())
	}
	if code, _ := slot.HandleCommand(NewTRB(TRBResetDevice)); code != CompletionSlotNotEnabled {
		t.Fatalf("reset of disabled slot: got %v, want SlotNotEnabled", code)
	}
	if dev.resetCount() != 1 {
		t.Fatalf("device resets after disable: got %d, want 1", dev.resetCount())
	}
}

func TestSlotAddressDeviceBlockSetAddress(t *testing.T) {
	slot, addrs := newTestSlot(&fakeDevice{speed: SpeedFull})
	cmd := NewTRB(TRBAddressDevice)
	cmd.Control |= trbControlBSR
	code, addr := slot.HandleCommand(cmd)
	if code != CompletionSuccess || addr != 0 {
		t.Fatalf("BSR address device: got %v addr %d", code, addr)
	}
	if slot.State() != SlotDefault || addrs.InUse(1) {
		t.Fatalf("BSR: state %v, address allocated %v", slot.State(), addrs.InUse(1))
	}
	ep0, _ := slot.Endpoint(1)
	if ep0.State != EndpointRunning || ep0.MaxPacketSize != 64 {
		t.Fatalf("EP0 after BSR: %+v", ep0)
	}

	if code, addr := slot.HandleCommand(NewTRB(TRBAddressDevice)); code != CompletionSuccess || addr != 1 {
		t.Fatalf("address device after BSR: got %v addr %d", code, addr)
	}
}

func TestSlotAddressDeviceExhausted(t *testing.T) {
	slot, addrs := newTestSlot(&fakeDevice{speed: SpeedHigh})
	for {
		if _, ok := addrs.Allocate(); !ok {
			break
		}
	}
	if code, _ := slot.HandleCommand(NewTRB(TRBAddressDevice)); code != CompletionResourceError {
		t.Fatalf("address device with no free address: got %v, want ResourceError", code)
	}
	if slot.State() == SlotAddressed {
		t.Fatalf("slot addressed without an address")
	}
}

func TestSlotControlTransfer(t *testing.T) {
	dev := &fakeDevice{speed: SpeedHigh}
	slot, _ := newTestSlot(dev)
	slot.HandleCommand(NewTRB(TRBAddressDevice))
	if err := slot.InitEndpointRing(1, 0x2000, 16); err != nil {
		t.Fatalf("InitEndpointRing: %v", err)
	}

	setup := NewTRB(TRBSetupStage)
	setup.Parameter = 0x0012_0000_0100_0680 // GET_DESCRIPTOR(device), wLength 18
	setup.SetTransferLength(8)
	setup.SetImmediateData(true)
	setup.Control |= SetupInData << 16
	data := NewTRB(TRBDataStage)
	data.SetTransferLength(64)
	data.Control |= trbControlDirIn
	status := NewTRB(TRBStatusStage)
	status.SetIOC(true)

	for _, trb := range []TRB{setup, data, status} {
		if _, err := slot.QueueTransfer(1, trb); err != nil {
			t.Fatalf("QueueTransfer: %v", err)
		}
	}
	events := slot.RingEndpoint(1)
	if len(events) != 3 {
		t.Fatalf("events: got %d, want 3", len(events))
	}
	want := []struct {
		code     CompletionCode
		residual uint32
	}{
		{CompletionSuccess, 0},
		{CompletionShortPacket, 64 - 18},
		{CompletionSuccess, 0},
	}
	for i, ev := range events {
		if ev.CompletionCode() != want[i].code || ev.TransferLength() != want[i].residual {
			t.Fatalf("event %d: got %v residual %d, want %v residual %d",
				i, ev.CompletionCode(), ev.TransferLength(), want[i].code, want[i].residual)
		}
		if ev.SlotID() != 1 || ev.EndpointID() != 1 {
			t.Fatalf("event %d: slot %d ep %d", i, ev.SlotID(), ev.EndpointID())
		}
	}
	if len(dev.controls) != 1 || len(dev.controls[0]) != 8 || dev.controls[0][1] != 6 {
		t.Fatalf("control requests: %x", dev.controls)
	}
}

func TestSlotControlOutDeferredToDataStage(t *testing.T) {
	dev := &fakeDevice{speed: SpeedHigh}
	slot, _ := newTestSlot(dev)
	slot.HandleCommand(NewTRB(TRBAddressDevice))
	slot.InitEndpointRing(1, 0x2000, 16)

	setup := NewTRB(TRBSetupStage)
	setup.Parameter = 0x0002_0000_0000_0921 // class OUT request, wLength 2
	setup.SetTransferLength(8)
	setup.SetImmediateData(true)
	setup.Control |= SetupOutData << 16
	data := NewTRB(TRBDataStage)
	data.Parameter = 0xBBAA
	data.SetTransferLength(2)
	data.SetImmediateData(true)
	status := NewTRB(TRBStatusStage)

	slot.QueueTransfer(1, setup)
	slot.QueueTransfer(1, data)
	slot.QueueTransfer(1, status)
	for i, ev := range slot.RingEndpoint(1) {
		if ev.CompletionCode() != CompletionSuccess {
			t.Fatalf("event %d: got %v", i, ev.CompletionCode())
		}
	}
	if len(dev.controls) != 1 {
		t.Fatalf("control requests: got %d, want 1", len(dev.controls))
	}
	req := dev.controls[0]
	if len(req) != 10 || req[8] != 0xAA || req[9] != 0xBB {
		t.Fatalf("OUT request: got %x, want setup followed by aabb", req)
	}
}

func TestSlotSetupStageRequiresImmediateData(t *testing.T) {
	slot, _ := newTestSlot(&fakeDevice{speed: SpeedHigh})
	slot.HandleCommand(NewTRB(TRBAddressDevice))
	slot.InitEndpointRing(1, 0x2000, 16)

	setup := NewTRB(TRBSetupStage)
	setup.SetTransferLength(8)
	slot.QueueTransfer(1, setup)
	events := slot.RingEndpoint(1)
	if len(events) != 1 || events[0].CompletionCode() != CompletionTRBError {
		t.Fatalf("setup without IDT: got %v", events)
	}
}

func TestSlotStallHaltsEndpoint(t *testing.T) {
	dev := &fakeDevice{speed: SpeedHigh, stall: true}
	slot, _ := newTestSlot(dev)
	slot.HandleCommand(NewTRB(TRBAddressDevice))
	if err := slot.InitEndpointRing(2, 0x3000, 16); err != nil {
		t.Fatalf("InitEndpointRing: %v", err)
	}

	first := NewTRB(TRBNormal)
	first.SetTransferLength(4)
	slot.QueueTransfer(2, first)
	slot.QueueTransfer(2, NewTRB(TRBNormal))

	events := slot.RingEndpoint(2)
	if len(events) != 1 || events[0].CompletionCode() != CompletionStallError {
		t.Fatalf("stalled transfer: got %v", events)
	}
	if ep, _ := slot.Endpoint(2); ep.State != EndpointHalted {
		t.Fatalf("endpoint state: got %v, want halted", ep.State)
	}
	if events := slot.RingEndpoint(2); len(events) != 0 {
		t.Fatalf("halted endpoint produced %d events", len(events))
	}

	reset := NewTRB(TRBResetEndpoint)
	reset.SetEndpointID(2)
	if code, _ := slot.HandleCommand(reset); code != CompletionSuccess {
		t.Fatalf("reset endpoint: got %v", code)
	}
	if ep, _ := slot.Endpoint(2); ep.State != EndpointStopped {
		t.Fatalf("endpoint state after reset: got %v, want stopped", ep.State)
	}

	dev.stall = false
	events = slot.RingEndpoint(2)
	if len(events) != 1 || events[0].CompletionCode() != CompletionSuccess {
		t.Fatalf("after reset: got %v", events)
	}
	if dev.transferCount() != 2 {
		t.Fatalf("device transfers: got %d, want 2", dev.transferCount())
	}
}

func TestSlotStopEndpointAndSetDequeue(t *testing.T) {
	slot, _ := newTestSlot(&fakeDevice{speed: SpeedSuper})
	slot.HandleCommand(NewTRB(TRBAddressDevice))
	slot.InitEndpointRing(2, 0x3000, 16)

	stop := NewTRB(TRBStopEndpoint)
	stop.SetEndpointID(2)
	if code, _ := slot.HandleCommand(stop); code != CompletionSuccess {
		t.Fatalf("stop endpoint: got %v", code)
	}
	if ep, _ := slot.Endpoint(2); ep.State != EndpointStopped {
		t.Fatalf("state after stop: got %v", ep.State)
	}

	deq := NewTRB(TRBSetTRDequeue)
	deq.SetEndpointID(2)
	deq.Parameter = 0x5000 | 1
	if code, _ := slot.HandleCommand(deq); code != CompletionSuccess {
		t.Fatalf("set TR dequeue: got %v", code)
	}
	ep, _ := slot.Endpoint(2)
	if ep.DequeuePtr != 0x5000 || !ep.DequeueCycle {
		t.Fatalf("endpoint dequeue: got 0x%x cycle %v", ep.DequeuePtr, ep.DequeueCycle)
	}
	if addr, _ := slot.QueueTransfer(2, NewTRB(TRBNormal)); addr != 0x5000 {
		t.Fatalf("queue after set dequeue: got 0x%x, want 0x5000", addr)
	}

	deq.Parameter = 0
	if code, _ := slot.HandleCommand(deq); code != CompletionParameterError {
		t.Fatalf("set TR dequeue to 0: got %v, want ParameterError", code)
	}
	deq.SetEndpointID(0)
	deq.Parameter = 0x5000
	if code, _ := slot.HandleCommand(deq); code != CompletionTRBError {
		t.Fatalf("set TR dequeue on slot context: got %v, want TRBError", code)
	}
}

func TestSlotConfigureEndpointDeconfigure(t *testing.T) {
	slot, _ := newTestSlot(&fakeDevice{speed: SpeedHigh})
	slot.HandleCommand(NewTRB(TRBAddressDevice))
	slot.InitEndpointRing(3, 0x3000, 16)
	slot.HandleCommand(NewTRB(TRBConfigureEndpoint))

	dc := NewTRB(TRBConfigureEndpoint)
	dc.Control |= trbControlDC
	if code, _ := slot.HandleCommand(dc); code != CompletionSuccess {
		t.Fatalf("deconfigure: got %v", code)
	}
	if slot.State() != SlotAddressed {
		t.Fatalf("state after deconfigure: got %v, want addressed", slot.State())
	}
	if ep, _ := slot.Endpoint(3); ep.State != EndpointDisabled {
		t.Fatalf("endpoint 3 after deconfigure: got %v", ep.State)
	}
	if _, err := slot.QueueTransfer(3, NewTRB(TRBNormal)); err == nil {
		t.Fatalf("QueueTransfer on dropped endpoint succeeded")
	}
}

func TestSlotContextMarshalRoundTrip(t *testing.T) {
	want := SlotContext{
		RouteString:       0x12345,
		Speed:             SpeedSuper,
		ContextEntries:    5,
		RootHubPort:       3,
		InterrupterTarget: 2,
		DeviceAddress:     9,
		State:             SlotConfigured,
	}
	buf := make([]byte, contextSize)
	if n := want.MarshalTo(buf); n != contextSize {
		t.Fatalf("MarshalTo: got %d bytes", n)
	}
	var got SlotContext
	if err := ParseSlotContext(buf, &got); err != nil {
		t.Fatalf("ParseSlotContext: %v", err)
	}
	if got != want {
		t.Fatalf("slot context: got %+v, want %+v", got, want)
	}
	if err := ParseSlotContext(buf[:16], &got); err == nil {
		t.Fatalf("ParseSlotContext accepted a short buffer")
	}
}

func TestInputContextEntries(t *testing.T) {
	slot := SlotContext{Speed: SpeedHigh, InterrupterTarget: 3, RootHubPort: 2}
	ep0 := EndpointContext{Type: EndpointTypeControl, MaxPacketSize: 64, DequeuePtr: 0x8000, DequeueCycle: true}
	ep1 := EndpointContext{Type: EndpointTypeInterruptIn, Interval: 7, MaxPacketSize: 8, DequeuePtr: 0xA000}

	in := make([]byte, inputContextFullSize)
	slot.MarshalTo(in[contextSize:])
	ep0.MarshalTo(in[2*contextSize:])
	ep1.MarshalTo(in[4*contextSize:])

	if got := decodeSlotContext(inputEntry(in, 1)); got != slot {
		t.Fatalf("slot entry: got %+v, want %+v", got, slot)
	}
	if got := decodeEndpointContext(inputEntry(in, 2)); got != ep0 {
		t.Fatalf("EP0 entry: got %+v, want %+v", got, ep0)
	}
	if got := decodeEndpointContext(inputEntry(in, 4)); got != ep1 {
		t.Fatalf("EP 3 entry: got %+v, want %+v", got, ep1)
	}
	var parsed EndpointContext
	if err := ParseEndpointContext(in[4*contextSize:], &parsed); err != nil || parsed != ep1 {
		t.Fatalf("ParseEndpointContext: got %+v (%v), want %+v", parsed, err, ep1)
	}
	if err := ParseEndpointContext(in[:contextSize-1], &parsed); err == nil {
		t.Fatalf("ParseEndpointContext accepted a short buffer")
	}
}

func TestSlotNAKLeavesTRBQueued(t *testing.T) {
	dev := &fakeDevice{speed: SpeedFull, nak: true, inData: []byte{9, 9}}
	slot, _ := newTestSlot(dev)
	slot.HandleCommand(NewTRB(TRBAddressDevice))
	slot.InitEndpointRing(3, 0x3000, 16)

	in := NewTRB(TRBNormal)
	in.SetTransferLength(2)
	addr, _ := slot.QueueTransfer(3, in)
	if events := slot.RingEndpoint(3); len(events) != 0 {
		t.Fatalf("NAKed transfer produced events: %v", events)
	}
	if ep, _ := slot.Endpoint(3); ep.State != EndpointRunning || ep.DequeuePtr != addr {
		t.Fatalf("endpoint after NAK: state %v dequeue 0x%x", ep.State, ep.DequeuePtr)
	}

	dev.mu.Lock()
	dev.nak = false
	dev.mu.Unlock()
	events := slot.RingEndpoint(3)
	if len(events) != 1 || events[0].Parameter != addr || events[0].CompletionCode() != CompletionSuccess {
		t.Fatalf("retried transfer: got %v", events)
	}
}

func TestEndpointDCI(t *testing.T) {
	cases := map[uint8]uint8{0x00: 1, 0x80: 1, 0x01: 2, 0x81: 3, 0x02: 4, 0x8F: 31}
	for addr, want := range cases {
		if got := EndpointDCI(addr); got != want {
			t.Fatalf("EndpointDCI(0x%x): got %d, want %d", addr, got, want)
		}
	}
}
