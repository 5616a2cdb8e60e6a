package xhci

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// TRBSize is the size of a Transfer Request Block in guest memory.
const TRBSize = 16

// TRBType is the 6-bit type field of a TRB control word.
type TRBType uint8

const (
	TRBNormal              TRBType = 1
	TRBSetupStage          TRBType = 2
	TRBDataStage           TRBType = 3
	TRBStatusStage         TRBType = 4
	TRBIsoch               TRBType = 5
	TRBLink                TRBType = 6
	TRBEventData           TRBType = 7
	TRBNoOp                TRBType = 8
	TRBEnableSlot          TRBType = 9
	TRBDisableSlot         TRBType = 10
	TRBAddressDevice       TRBType = 11
	TRBConfigureEndpoint   TRBType = 12
	TRBEvaluateContext     TRBType = 13
	TRBResetEndpoint       TRBType = 14
	TRBStopEndpoint        TRBType = 15
	TRBSetTRDequeue        TRBType = 16
	TRBResetDevice         TRBType = 17
	TRBForceEvent          TRBType = 18
	TRBNegotiateBandwidth  TRBType = 19
	TRBSetLatencyTolerance TRBType = 20
	TRBGetPortBandwidth    TRBType = 21
	TRBForceHeader         TRBType = 22
	TRBNoOpCommand         TRBType = 23
	TRBTransferEvent       TRBType = 32
	TRBCommandCompletion   TRBType = 33
	TRBPortStatusChange    TRBType = 34
	TRBBandwidthRequest    TRBType = 35
	TRBDoorbellEvent       TRBType = 36
	TRBHostController      TRBType = 37
	TRBDeviceNotification  TRBType = 38
	TRBMFINDEXWrap         TRBType = 39
)

var trbTypeNames = map[TRBType]string{
	TRBNormal:              "Normal",
	TRBSetupStage:          "SetupStage",
	TRBDataStage:           "DataStage",
	TRBStatusStage:         "StatusStage",
	TRBIsoch:               "Isoch",
	TRBLink:                "Link",
	TRBEventData:           "EventData",
	TRBNoOp:                "NoOp",
	TRBEnableSlot:          "EnableSlot",
	TRBDisableSlot:         "DisableSlot",
	TRBAddressDevice:       "AddressDevice",
	TRBConfigureEndpoint:   "ConfigureEndpoint",
	TRBEvaluateContext:     "EvaluateContext",
	TRBResetEndpoint:       "ResetEndpoint",
	TRBStopEndpoint:        "StopEndpoint",
	TRBSetTRDequeue:        "SetTRDequeue",
	TRBResetDevice:         "ResetDevice",
	TRBForceEvent:          "ForceEvent",
	TRBNegotiateBandwidth:  "NegotiateBandwidth",
	TRBSetLatencyTolerance: "SetLatencyTolerance",
	TRBGetPortBandwidth:    "GetPortBandwidth",
	TRBForceHeader:         "ForceHeader",
	TRBNoOpCommand:         "NoOpCommand",
	TRBTransferEvent:       "TransferEvent",
	TRBCommandCompletion:   "CommandCompletion",
	TRBPortStatusChange:    "PortStatusChange",
	TRBBandwidthRequest:    "BandwidthRequest",
	TRBDoorbellEvent:       "Doorbell",
	TRBHostController:      "HostController",
	TRBDeviceNotification:  "DeviceNotification",
	TRBMFINDEXWrap:         "MFINDEXWrap",
}

// Valid reports whether t is a type code defined by xHCI 1.0.
func (t TRBType) Valid() bool {
	_, ok := trbTypeNames[t]
	return ok
}

func (t TRBType) String() string {
	if name, ok := trbTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TRBType(%d)", uint8(t))
}

// CompletionCode is reported in bits 24-31 of an event TRB status word.
type CompletionCode uint8

const (
	CompletionInvalid                CompletionCode = 0
	CompletionSuccess                CompletionCode = 1
	CompletionDataBufferError        CompletionCode = 2
	CompletionBabbleDetected         CompletionCode = 3
	CompletionUSBTransactionError    CompletionCode = 4
	CompletionTRBError               CompletionCode = 5
	CompletionStallError             CompletionCode = 6
	CompletionResourceError          CompletionCode = 7
	CompletionBandwidthError         CompletionCode = 8
	CompletionNoSlotsAvailable       CompletionCode = 9
	CompletionInvalidStreamType      CompletionCode = 10
	CompletionSlotNotEnabled         CompletionCode = 11
	CompletionEndpointNotEnabled     CompletionCode = 12
	CompletionShortPacket            CompletionCode = 13
	CompletionRingUnderrun           CompletionCode = 14
	CompletionRingOverrun            CompletionCode = 15
	CompletionVFEventRingFull        CompletionCode = 16
	CompletionParameterError         CompletionCode = 17
	CompletionBandwidthOverrun       CompletionCode = 18
	CompletionContextStateError      CompletionCode = 19
	CompletionNoPingResponse         CompletionCode = 20
	CompletionEventRingFull          CompletionCode = 21
	CompletionIncompatibleDevice     CompletionCode = 22
	CompletionMissedService          CompletionCode = 23
	CompletionCommandRingStopped     CompletionCode = 24
	CompletionCommandAborted         CompletionCode = 25
	CompletionStopped                CompletionCode = 26
	CompletionStoppedLengthInvalid   CompletionCode = 27
	CompletionStoppedShortPacket     CompletionCode = 28
	CompletionMaxExitLatencyTooLarge CompletionCode = 29
	CompletionIsochBufferOverrun     CompletionCode = 31
	CompletionEventLost              CompletionCode = 32
	CompletionUndefinedError         CompletionCode = 33
	CompletionInvalidStreamID        CompletionCode = 34
	CompletionSecondaryBandwidth     CompletionCode = 35
	CompletionSplitTransactionError  CompletionCode = 36
)

var completionNames = map[CompletionCode]string{
	CompletionInvalid:                "Invalid",
	CompletionSuccess:                "Success",
	CompletionDataBufferError:        "DataBufferError",
	CompletionBabbleDetected:         "BabbleDetected",
	CompletionUSBTransactionError:    "USBTransactionError",
	CompletionTRBError:               "TRBError",
	CompletionStallError:             "StallError",
	CompletionResourceError:          "ResourceError",
	CompletionBandwidthError:         "BandwidthError",
	CompletionNoSlotsAvailable:       "NoSlotsAvailable",
	CompletionInvalidStreamType:      "InvalidStreamType",
	CompletionSlotNotEnabled:         "SlotNotEnabled",
	CompletionEndpointNotEnabled:     "EndpointNotEnabled",
	CompletionShortPacket:            "ShortPacket",
	CompletionRingUnderrun:           "RingUnderrun",
	CompletionRingOverrun:            "RingOverrun",
	CompletionVFEventRingFull:        "VFEventRingFull",
	CompletionParameterError:         "ParameterError",
	CompletionBandwidthOverrun:       "BandwidthOverrun",
	CompletionContextStateError:      "ContextStateError",
	CompletionNoPingResponse:         "NoPingResponse",
	CompletionEventRingFull:          "EventRingFull",
	CompletionIncompatibleDevice:     "IncompatibleDevice",
	CompletionMissedService:          "MissedService",
	CompletionCommandRingStopped:     "CommandRingStopped",
	CompletionCommandAborted:         "CommandAborted",
	CompletionStopped:                "Stopped",
	CompletionStoppedLengthInvalid:   "StoppedLengthInvalid",
	CompletionStoppedShortPacket:     "StoppedShortPacket",
	CompletionMaxExitLatencyTooLarge: "MaxExitLatencyTooLarge",
	CompletionIsochBufferOverrun:     "IsochBufferOverrun",
	CompletionEventLost:              "EventLost",
	CompletionUndefinedError:         "UndefinedError",
	CompletionInvalidStreamID:        "InvalidStreamID",
	CompletionSecondaryBandwidth:     "SecondaryBandwidthError",
	CompletionSplitTransactionError:  "SplitTransactionError",
}

func (c CompletionCode) String() string {
	if name, ok := completionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CompletionCode(%d)", uint8(c))
}

// ParseTRBType looks up a TRB type by name. Matching ignores case and
// underscores, so "enable_slot" and "EnableSlot" are equivalent.
func ParseTRBType(name string) (TRBType, error) {
	key := normalizeName(name)
	for t, n := range trbTypeNames {
		if normalizeName(n) == key {
			return t, nil
		}
	}
	return 0, fmt.Errorf("xhci: unknown TRB type %q", name)
}

// ParseCompletionCode looks up a completion code by name, with the same
// matching rules as ParseTRBType.
func ParseCompletionCode(name string) (CompletionCode, error) {
	key := normalizeName(name)
	for c, n := range completionNames {
		if normalizeName(n) == key {
			return c, nil
		}
	}
	return 0, fmt.Errorf("xhci: unknown completion code %q", name)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

const (
	trbControlCycle   uint32 = 1 << 0
	trbControlLast    uint32 = 1 << 1 // ENT on transfer TRBs, TC on Link TRBs
	trbControlISP     uint32 = 1 << 2
	trbControlEDFlag  uint32 = 1 << 2 // event data flag on transfer events
	trbControlChain   uint32 = 1 << 4
	trbControlIOC     uint32 = 1 << 5
	trbControlIDT     uint32 = 1 << 6
	trbControlBSR     uint32 = 1 << 9 // block set address (AddressDevice)
	trbControlDC      uint32 = 1 << 9 // deconfigure (ConfigureEndpoint)
	trbControlDirIn   uint32 = 1 << 16
	trbControlTRTMask uint32 = 0x3 << 16

	trbTypeShift     = 10
	trbTypeMask      = 0x3F << trbTypeShift
	trbEndpointShift = 16
	trbEndpointMask  = 0x1F << trbEndpointShift
	trbSlotShift     = 24
	trbSlotMask      = 0xFF << trbSlotShift

	trbStatusLengthMask = 0x1FFFF
	trbStatusCodeShift  = 24
)

// Transfer type (TRT) of a Setup Stage TRB.
const (
	SetupNoData  = 0
	SetupOutData = 2
	SetupInData  = 3
)

// TRB is a Transfer Request Block as laid out in guest memory.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// NewTRB returns a zero TRB of the given type.
func NewTRB(t TRBType) TRB {
	var trb TRB
	trb.SetType(t)
	return trb
}

// DecodeTRB parses the 16-byte little-endian wire form. Short buffers and
// unrecognized type codes are rejected.
func DecodeTRB(b []byte) (TRB, error) {
	if len(b) < TRBSize {
		return TRB{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedTRB, TRBSize, len(b))
	}
	trb := rawTRB(b)
	if !trb.Type().Valid() {
		return TRB{}, fmt.Errorf("%w: unknown type %d", ErrMalformedTRB, uint8(trb.Type()))
	}
	return trb, nil
}

// rawTRB decodes without validating the type. Guest rings may contain
// garbage and the consumer reports it as a TRB error instead.
func rawTRB(b []byte) TRB {
	return TRB{
		Parameter: binary.LittleEndian.Uint64(b[0:8]),
		Status:    binary.LittleEndian.Uint32(b[8:12]),
		Control:   binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Encode returns the 16-byte wire form.
func (t TRB) Encode() [TRBSize]byte {
	var b [TRBSize]byte
	t.EncodeTo(b[:])
	return b
}

// EncodeTo writes the wire form into buf and returns the number of bytes
// written, or 0 if buf is too small.
func (t TRB) EncodeTo(buf []byte) int {
	if len(buf) < TRBSize {
		return 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(buf[8:12], t.Status)
	binary.LittleEndian.PutUint32(buf[12:16], t.Control)
	return TRBSize
}

func (t TRB) Type() TRBType { return TRBType((t.Control & trbTypeMask) >> trbTypeShift) }

func (t *TRB) SetType(typ TRBType) {
	t.Control = t.Control&^trbTypeMask | uint32(typ)<<trbTypeShift&trbTypeMask
}

func (t TRB) Cycle() bool { return t.Control&trbControlCycle != 0 }

func (t *TRB) SetCycle(on bool) { t.setFlag(trbControlCycle, on) }

// Last reports bit 1 of the control word: evaluate-next on transfer TRBs
// and toggle-cycle on Link TRBs.
func (t TRB) Last() bool { return t.Control&trbControlLast != 0 }

func (t *TRB) SetLast(on bool) { t.setFlag(trbControlLast, on) }

func (t TRB) Chain() bool { return t.Control&trbControlChain != 0 }

func (t *TRB) SetChain(on bool) { t.setFlag(trbControlChain, on) }

func (t TRB) IOC() bool { return t.Control&trbControlIOC != 0 }

func (t *TRB) SetIOC(on bool) { t.setFlag(trbControlIOC, on) }

// ImmediateData reports the IDT flag: the payload lives in Parameter.
func (t TRB) ImmediateData() bool { return t.Control&trbControlIDT != 0 }

func (t *TRB) SetImmediateData(on bool) { t.setFlag(trbControlIDT, on) }

func (t TRB) TransferLength() uint32 { return t.Status & trbStatusLengthMask }

func (t *TRB) SetTransferLength(n uint32) {
	t.Status = t.Status&^trbStatusLengthMask | n&trbStatusLengthMask
}

func (t TRB) CompletionCode() CompletionCode {
	return CompletionCode(t.Status >> trbStatusCodeShift)
}

func (t *TRB) SetCompletionCode(c CompletionCode) {
	t.Status = t.Status&^(0xFF<<trbStatusCodeShift) | uint32(c)<<trbStatusCodeShift
}

func (t TRB) SlotID() uint8 { return uint8((t.Control & trbSlotMask) >> trbSlotShift) }

func (t *TRB) SetSlotID(id uint8) {
	t.Control = t.Control&^trbSlotMask | uint32(id)<<trbSlotShift
}

// EndpointID is the device context index named by command and event TRBs.
func (t TRB) EndpointID() uint8 {
	return uint8((t.Control & trbEndpointMask) >> trbEndpointShift)
}

func (t *TRB) SetEndpointID(ep uint8) {
	t.Control = t.Control&^trbEndpointMask | uint32(ep)<<trbEndpointShift&trbEndpointMask
}

// SetDirectionIn sets the DIR bit of a Data Stage TRB.
func (t *TRB) SetDirectionIn(on bool) { t.setFlag(trbControlDirIn, on) }

// SetSetupTransferType sets the TRT field of a Setup Stage TRB.
func (t *TRB) SetSetupTransferType(trt uint8) {
	t.Control = t.Control&^trbControlTRTMask | uint32(trt&0x3)<<16
}

func (t *TRB) setFlag(bit uint32, on bool) {
	if on {
		t.Control |= bit
	} else {
		t.Control &^= bit
	}
}

func (t TRB) String() string {
	return fmt.Sprintf("TRB{type=%s param=0x%x status=0x%x control=0x%x}",
		t.Type(), t.Parameter, t.Status, t.Control)
}
