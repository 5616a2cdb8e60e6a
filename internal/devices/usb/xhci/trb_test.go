package xhci

import (
	"errors"
	"testing"
)

func TestTRBRoundTrip(t *testing.T) {
	cases := []TRB{
		{Parameter: 0x1122334455667788, Status: 0x00ABCDEF, Control: uint32(TRBNormal)<<10 | 1},
		{Parameter: 0xFFFF_FFFF_FFFF_FFF0, Status: 0xFFFFFFFF, Control: 0xFFFF_0000 | uint32(TRBLink)<<10 | 3},
		{Control: uint32(TRBCommandCompletion) << 10},
		{Parameter: 0x80, Status: 8, Control: uint32(TRBSetupStage)<<10 | trbControlIDT | 3<<16},
	}
	for _, want := range cases {
		b := want.Encode()
		got, err := DecodeTRB(b[:])
		if err != nil {
			t.Fatalf("DecodeTRB(%v): %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip: got %v, want %v", got, want)
		}
	}
}

func TestDecodeTRBRejectsMalformed(t *testing.T) {
	if _, err := DecodeTRB(make([]byte, 15)); !errors.Is(err, ErrMalformedTRB) {
		t.Fatalf("short buffer: got %v, want ErrMalformedTRB", err)
	}

	trb := TRB{Control: 63 << 10}
	b := trb.Encode()
	if _, err := DecodeTRB(b[:]); !errors.Is(err, ErrMalformedTRB) {
		t.Fatalf("unknown type: got %v, want ErrMalformedTRB", err)
	}

	zero := make([]byte, TRBSize)
	if _, err := DecodeTRB(zero); !errors.Is(err, ErrMalformedTRB) {
		t.Fatalf("type 0: got %v, want ErrMalformedTRB", err)
	}
}

func TestTRBFieldAccessors(t *testing.T) {
	trb := NewTRB(TRBTransferEvent)
	trb.SetCycle(true)
	trb.SetChain(true)
	trb.SetIOC(true)
	trb.SetLast(true)
	trb.SetImmediateData(true)
	trb.SetSlotID(31)
	trb.SetEndpointID(17)
	trb.SetTransferLength(0x1FFFF)
	trb.SetCompletionCode(CompletionShortPacket)

	if trb.Type() != TRBTransferEvent {
		t.Fatalf("type: got %v, want TransferEvent", trb.Type())
	}
	if !trb.Cycle() || !trb.Chain() || !trb.IOC() || !trb.Last() || !trb.ImmediateData() {
		t.Fatalf("flags not set: %v", trb)
	}
	if trb.SlotID() != 31 || trb.EndpointID() != 17 {
		t.Fatalf("ids: got slot %d ep %d, want 31 17", trb.SlotID(), trb.EndpointID())
	}
	if trb.TransferLength() != 0x1FFFF || trb.CompletionCode() != CompletionShortPacket {
		t.Fatalf("status: got length 0x%x code %v", trb.TransferLength(), trb.CompletionCode())
	}

	trb.SetCycle(false)
	trb.SetChain(false)
	trb.SetEndpointID(1)
	if trb.Cycle() || trb.Chain() || trb.EndpointID() != 1 || trb.SlotID() != 31 {
		t.Fatalf("clearing flags disturbed other fields: %v", trb)
	}

	if n := trb.EncodeTo(make([]byte, 8)); n != 0 {
		t.Fatalf("EncodeTo short buffer: got %d, want 0", n)
	}
}

func TestCompletionCodeValues(t *testing.T) {
	cases := map[CompletionCode]uint8{
		CompletionSuccess:            1,
		CompletionTRBError:           5,
		CompletionStallError:         6,
		CompletionResourceError:      7,
		CompletionNoSlotsAvailable:   9,
		CompletionSlotNotEnabled:     11,
		CompletionShortPacket:        13,
		CompletionContextStateError:  19,
		CompletionCommandRingStopped: 24,
	}
	for code, want := range cases {
		if uint8(code) != want {
			t.Fatalf("%v: got %d, want %d", code, uint8(code), want)
		}
	}
}

func TestParseNames(t *testing.T) {
	for name, want := range map[string]TRBType{
		"enable_slot":   TRBEnableSlot,
		"AddressDevice": TRBAddressDevice,
		"no_op_command": TRBNoOpCommand,
		"setup_stage":   TRBSetupStage,
	} {
		got, err := ParseTRBType(name)
		if err != nil || got != want {
			t.Fatalf("ParseTRBType(%q): got %v, %v, want %v", name, got, err, want)
		}
	}
	if _, err := ParseTRBType("warp_drive"); err == nil {
		t.Fatalf("ParseTRBType accepted an unknown name")
	}

	for name, want := range map[string]CompletionCode{
		"success":      CompletionSuccess,
		"short_packet": CompletionShortPacket,
		"StallError":   CompletionStallError,
	} {
		got, err := ParseCompletionCode(name)
		if err != nil || got != want {
			t.Fatalf("ParseCompletionCode(%q): got %v, %v, want %v", name, got, err, want)
		}
	}
	if _, err := ParseCompletionCode("great"); err == nil {
		t.Fatalf("ParseCompletionCode accepted an unknown name")
	}
}
