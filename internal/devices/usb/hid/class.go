package hid

import "encoding/binary"

// Interface class triple of a boot device.
const (
	ClassHID     = 0x03
	SubclassBoot = 0x01

	ProtocolKeyboard = 0x01
	ProtocolMouse    = 0x02
)

// Values for GET_PROTOCOL and SET_PROTOCOL.
const (
	ProtocolBoot   = 0x00
	ProtocolReport = 0x01
)

const (
	DescriptorTypeHID    = 0x21
	DescriptorTypeReport = 0x22

	ClassDescriptorSize = 9
)

// Class-specific requests.
const (
	RequestGetReport   = 0x01
	RequestGetIdle     = 0x02
	RequestGetProtocol = 0x03
	RequestSetReport   = 0x09
	RequestSetIdle     = 0x0A
	RequestSetProtocol = 0x0B
)

// Report types in the high byte of wValue for GET_REPORT and SET_REPORT.
const (
	ReportTypeInput   = 0x01
	ReportTypeOutput  = 0x02
	ReportTypeFeature = 0x03
)

// Keyboard LED bits in the output report.
const (
	LEDNumLock    = 1 << 0
	LEDCapsLock   = 1 << 1
	LEDScrollLock = 1 << 2
)

// A few keyboard usage codes. Any code from the keyboard page can be
// pressed; these are the ones the scenarios and tests name.
const (
	KeyA      = 0x04
	KeyB      = 0x05
	KeyZ      = 0x1D
	KeyEnter  = 0x28
	KeyEscape = 0x29
	KeySpace  = 0x2C

	// Modifier keys occupy 0xE0-0xE7 and travel as bits in the first
	// report byte.
	KeyLeftCtrl  = 0xE0
	KeyLeftShift = 0xE1
	KeyRightGUI  = 0xE7
)

const (
	MouseButtonLeft   = 1 << 0
	MouseButtonRight  = 1 << 1
	MouseButtonMiddle = 1 << 2
)

// classDescriptor is the HID descriptor that sits between the interface and
// endpoint descriptors and points at one report descriptor.
type classDescriptor struct {
	HIDVersion   uint16
	CountryCode  uint8
	ReportLength uint16
}

func (c classDescriptor) Append(b []byte) []byte {
	b = append(b, ClassDescriptorSize, DescriptorTypeHID)
	b = binary.LittleEndian.AppendUint16(b, c.HIDVersion)
	b = append(b, c.CountryCode, 1, DescriptorTypeReport)
	return binary.LittleEndian.AppendUint16(b, c.ReportLength)
}

// KeyboardReportDescriptor describes the 8-byte boot keyboard report:
// modifiers, a reserved byte and six key slots, plus a 5-bit LED output.
var KeyboardReportDescriptor = []byte{
	0x05, 0x01, // usage page (generic desktop)
	0x09, 0x06, // usage (keyboard)
	0xA1, 0x01, // collection (application)
	0x05, 0x07, // usage page (key codes)
	0x19, 0xE0, 0x29, 0xE7, // usage 0xE0-0xE7
	0x15, 0x00, 0x25, 0x01, // logical 0-1
	0x75, 0x01, 0x95, 0x08, // 8 x 1 bit
	0x81, 0x02, // input (data, variable, absolute)
	0x95, 0x01, 0x75, 0x08, // 1 x 8 bits
	0x81, 0x01, // input (constant)
	0x95, 0x05, 0x75, 0x01, // 5 x 1 bit
	0x05, 0x08, // usage page (LEDs)
	0x19, 0x01, 0x29, 0x05, // usage 1-5
	0x91, 0x02, // output (data, variable, absolute)
	0x95, 0x01, 0x75, 0x03, // 1 x 3 bits
	0x91, 0x01, // output (constant)
	0x95, 0x06, 0x75, 0x08, // 6 x 8 bits
	0x15, 0x00, 0x26, 0xFF, 0x00, // logical 0-255
	0x05, 0x07, // usage page (key codes)
	0x19, 0x00, 0x2A, 0xFF, 0x00, // usage 0-255
	0x81, 0x00, // input (data, array)
	0xC0, // end collection
}

// MouseReportDescriptor describes the 4-byte boot mouse report: three
// buttons, then relative X, Y and wheel.
var MouseReportDescriptor = []byte{
	0x05, 0x01, // usage page (generic desktop)
	0x09, 0x02, // usage (mouse)
	0xA1, 0x01, // collection (application)
	0x09, 0x01, // usage (pointer)
	0xA1, 0x00, // collection (physical)
	0x05, 0x09, // usage page (buttons)
	0x19, 0x01, 0x29, 0x03, // buttons 1-3
	0x15, 0x00, 0x25, 0x01, // logical 0-1
	0x95, 0x03, 0x75, 0x01, // 3 x 1 bit
	0x81, 0x02, // input (data, variable, absolute)
	0x95, 0x01, 0x75, 0x05, // 1 x 5 bits
	0x81, 0x01, // input (constant)
	0x05, 0x01, // usage page (generic desktop)
	0x09, 0x30, 0x09, 0x31, 0x09, 0x38, // X, Y, wheel
	0x15, 0x81, 0x25, 0x7F, // logical -127..127
	0x75, 0x08, 0x95, 0x03, // 3 x 8 bits
	0x81, 0x06, // input (data, variable, relative)
	0xC0, // end collection
	0xC0, // end collection
}

const (
	KeyboardReportSize = 8
	MouseReportSize    = 4
)

// keyboardReport is the boot keyboard input report state.
type keyboardReport struct {
	modifiers uint8
	keys      [6]uint8
}

func (r *keyboardReport) bytes() []byte {
	b := make([]byte, 0, KeyboardReportSize)
	b = append(b, r.modifiers, 0)
	return append(b, r.keys[:]...)
}

// press adds key to the first free slot. It reports false when all six
// slots hold other keys.
func (r *keyboardReport) press(key uint8) bool {
	for i, k := range r.keys {
		switch k {
		case key:
			return true
		case 0:
			r.keys[i] = key
			return true
		}
	}
	return false
}

// release removes key and closes the gap so held keys stay in press order.
func (r *keyboardReport) release(key uint8) {
	for i, k := range r.keys {
		if k == key {
			copy(r.keys[i:], r.keys[i+1:])
			r.keys[len(r.keys)-1] = 0
			return
		}
	}
}

type mouseReport struct {
	buttons       uint8
	dx, dy, wheel int8
}

func (r *mouseReport) bytes() []byte {
	return []byte{r.buttons, byte(r.dx), byte(r.dy), byte(r.wheel)}
}
