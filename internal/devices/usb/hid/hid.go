// Package hid implements USB boot-protocol keyboard and mouse devices that
// plug into the xHCI root hub.
package hid

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/xhci/internal/devices/usb"
	"github.com/tinyrange/xhci/internal/devices/usb/xhci"
)

const (
	vendorID          = 0x1D6B
	keyboardProductID = 0x0104
	mouseProductID    = 0x0105

	usbVersion    = 0x0200
	deviceVersion = 0x0100
	hidVersion    = 0x0111

	controlPacketSize = 8
	maxPower          = 50 // 100 mA
	pollInterval      = 10

	// InterruptEndpoint is the address of the interrupt IN endpoint that
	// carries input reports.
	InterruptEndpoint = 0x81

	// ReportQueueDepth bounds the pending input reports. The oldest report
	// is dropped when a new one arrives on a full queue.
	ReportQueueDepth = 16
)

const (
	stringManufacturer = 1
	stringKeyboard     = 2
	stringMouse        = 3
)

var stringTable = map[uint8]string{
	stringManufacturer: "Cloud Hypervisor",
	stringKeyboard:     "HID Device",
	stringMouse:        "HID Mouse",
}

var (
	ErrWrongKind   = errors.New("hid: operation not supported by this device kind")
	ErrKeyRollover = errors.New("hid: too many keys held")
	ErrUnknownKind = errors.New("hid: unknown device kind")
)

// Kind selects the boot protocol the device speaks.
type Kind uint8

const (
	KindKeyboard Kind = iota
	KindMouse
)

func (k Kind) String() string {
	switch k {
	case KindKeyboard:
		return "keyboard"
	case KindMouse:
		return "mouse"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind maps "keyboard" or "mouse" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "keyboard":
		return KindKeyboard, nil
	case "mouse":
		return KindMouse, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// State is the USB device state as seen from the bus.
type State uint8

const (
	StateDefault State = iota
	StateAddressed
	StateConfigured
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateAddressed:
		return "addressed"
	case StateConfigured:
		return "configured"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Device is a full-speed HID boot keyboard or mouse.
type Device struct {
	mu sync.Mutex

	kind       Kind
	deviceDesc []byte
	configDesc []byte
	hidDesc    []byte
	reportDesc []byte

	state         State
	address       uint8
	configuration uint8
	protocol      uint8
	idleRate      uint8
	leds          uint8

	keyboard keyboardReport
	mouse    mouseReport
	reports  [][]byte
	dropped  uint64

	onReport func()
}

var (
	_ xhci.Device = (*Device)(nil)
)

// NewKeyboard returns a boot keyboard in the Default state.
func NewKeyboard() *Device { return New(KindKeyboard) }

// NewMouse returns a boot mouse in the Default state.
func NewMouse() *Device { return New(KindMouse) }

func New(kind Kind) *Device {
	d := &Device{kind: kind, protocol: ProtocolReport}

	productID, productString := uint16(keyboardProductID), uint8(stringKeyboard)
	protocol, packetSize := uint8(ProtocolKeyboard), uint16(KeyboardReportSize)
	d.reportDesc = KeyboardReportDescriptor
	if kind == KindMouse {
		productID, productString = mouseProductID, stringMouse
		protocol, packetSize = ProtocolMouse, MouseReportSize
		d.reportDesc = MouseReportDescriptor
	}

	d.deviceDesc = usb.DeviceDescriptor{
		USBVersion:        usbVersion,
		MaxPacketSize0:    controlPacketSize,
		VendorID:          vendorID,
		ProductID:         productID,
		DeviceVersion:     deviceVersion,
		ManufacturerIndex: stringManufacturer,
		ProductIndex:      productString,
		NumConfigurations: 1,
	}.Append(nil)

	d.hidDesc = classDescriptor{
		HIDVersion:   hidVersion,
		ReportLength: uint16(len(d.reportDesc)),
	}.Append(nil)

	total := usb.ConfigurationDescriptorSize + usb.InterfaceDescriptorSize +
		ClassDescriptorSize + usb.EndpointDescriptorSize
	cfg := make([]byte, 0, total)
	cfg = usb.ConfigurationDescriptor{
		TotalLength:        uint16(total),
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Attributes:         usb.ConfigAttrBusPowered,
		MaxPower:           maxPower,
	}.Append(cfg)
	cfg = usb.InterfaceDescriptor{
		NumEndpoints:      1,
		InterfaceClass:    ClassHID,
		InterfaceSubClass: SubclassBoot,
		InterfaceProtocol: protocol,
	}.Append(cfg)
	cfg = append(cfg, d.hidDesc...)
	d.configDesc = usb.EndpointDescriptor{
		EndpointAddress: InterruptEndpoint,
		Attributes:      usb.EndpointTypeInterrupt,
		MaxPacketSize:   packetSize,
		Interval:        pollInterval,
	}.Append(cfg)
	return d
}

func (d *Device) Kind() Kind { return d.kind }

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configuration
}

// Protocol returns the HID protocol selected by SET_PROTOCOL.
func (d *Device) Protocol() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protocol
}

// LEDs returns the keyboard LED bits last written by the host.
func (d *Device) LEDs() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leds
}

// PendingReports returns how many input reports wait for the host.
func (d *Device) PendingReports() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reports)
}

// Dropped returns how many reports were discarded on a full queue.
func (d *Device) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// SetOnReport registers fn to run after every queued input report. It is
// called without the device lock held so it may ring a doorbell.
func (d *Device) SetOnReport(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReport = fn
}

// DeviceDescriptor implements xhci.Device.
func (d *Device) DeviceDescriptor() []byte { return d.deviceDesc }

// ConfigurationDescriptor implements xhci.Device.
func (d *Device) ConfigurationDescriptor() []byte { return d.configDesc }

// ReportDescriptor returns the HID report descriptor.
func (d *Device) ReportDescriptor() []byte { return d.reportDesc }

// Speed implements xhci.Device.
func (d *Device) Speed() xhci.Speed { return xhci.SpeedFull }

// Reset implements xhci.Device.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateDefault
	d.address = 0
	d.configuration = 0
	d.protocol = ProtocolReport
	d.idleRate = 0
	d.keyboard = keyboardReport{}
	d.mouse = mouseReport{}
	d.reports = nil
	slog.Debug("hid: reset", "kind", d.kind)
}

// HandleControl implements xhci.Device.
func (d *Device) HandleControl(request []byte) ([]byte, error) {
	setup, err := usb.ParseSetupPacket(request)
	if err != nil {
		return nil, err
	}
	data := request[usb.SetupPacketSize:]

	d.mu.Lock()
	defer d.mu.Unlock()

	var resp []byte
	switch {
	case setup.IsStandard():
		resp, err = d.standardRequestLocked(setup)
	case setup.IsClass():
		resp, err = d.classRequestLocked(setup, data)
	default:
		err = usb.ErrNotSupported
	}
	if err != nil {
		slog.Debug("hid: control request rejected", "kind", d.kind, "setup", setup.String(), "err", err)
		return nil, err
	}
	if len(resp) > int(setup.Length) {
		resp = resp[:setup.Length]
	}
	return resp, nil
}

func (d *Device) standardRequestLocked(setup usb.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case usb.RequestGetStatus:
		return []byte{0, 0}, nil
	case usb.RequestClearFeature, usb.RequestSetFeature:
		return nil, nil
	case usb.RequestSetAddress:
		d.address = uint8(setup.Value & 0x7F)
		if d.address == 0 {
			d.state = StateDefault
		} else {
			d.state = StateAddressed
		}
		return nil, nil
	case usb.RequestGetDescriptor:
		return d.descriptorLocked(setup)
	case usb.RequestGetConfiguration:
		return []byte{d.configuration}, nil
	case usb.RequestSetConfiguration:
		switch setup.Value & 0xFF {
		case 0:
			d.configuration = 0
			if d.state == StateConfigured {
				d.state = StateAddressed
			}
		case 1:
			d.configuration = 1
			d.state = StateConfigured
		default:
			return nil, usb.ErrStall
		}
		slog.Debug("hid: set configuration", "kind", d.kind, "config", d.configuration)
		return nil, nil
	case usb.RequestGetInterface:
		return []byte{0}, nil
	case usb.RequestSetInterface:
		if setup.Value != 0 {
			return nil, usb.ErrStall
		}
		return nil, nil
	default:
		return nil, usb.ErrNotSupported
	}
}

func (d *Device) descriptorLocked(setup usb.SetupPacket) ([]byte, error) {
	switch setup.DescriptorType() {
	case usb.DescriptorTypeDevice:
		return d.deviceDesc, nil
	case usb.DescriptorTypeConfiguration:
		return d.configDesc, nil
	case usb.DescriptorTypeString:
		return stringDescriptor(setup.DescriptorIndex())
	case DescriptorTypeHID:
		return d.hidDesc, nil
	case DescriptorTypeReport:
		return d.reportDesc, nil
	default:
		return nil, usb.ErrStall
	}
}

func stringDescriptor(index uint8) ([]byte, error) {
	if index == 0 {
		return usb.LanguageDescriptor(usb.LangIDUSEnglish), nil
	}
	s, ok := stringTable[index]
	if !ok {
		return nil, usb.ErrStall
	}
	return usb.StringDescriptor(s), nil
}

func (d *Device) classRequestLocked(setup usb.SetupPacket, data []byte) ([]byte, error) {
	switch setup.Request {
	case RequestGetReport:
		return d.currentReportLocked(), nil
	case RequestSetReport:
		if d.kind == KindKeyboard && uint8(setup.Value>>8) == ReportTypeOutput && len(data) > 0 {
			d.leds = data[0]
			slog.Debug("hid: keyboard leds", "leds", fmt.Sprintf("0x%x", d.leds))
		}
		return nil, nil
	case RequestGetIdle:
		return []byte{d.idleRate}, nil
	case RequestSetIdle:
		d.idleRate = uint8(setup.Value >> 8)
		return nil, nil
	case RequestGetProtocol:
		return []byte{d.protocol}, nil
	case RequestSetProtocol:
		d.protocol = uint8(setup.Value & 0xFF)
		return nil, nil
	default:
		return nil, usb.ErrNotSupported
	}
}

// HandleTransfer implements xhci.Device. Only the interrupt IN endpoint
// carries data; an empty queue NAKs so the transfer stays pending.
func (d *Device) HandleTransfer(ep uint8, data []byte) ([]byte, error) {
	if ep != xhci.EndpointDCI(InterruptEndpoint) {
		return nil, fmt.Errorf("hid: endpoint %d: %w", ep, usb.ErrInvalidEndpoint)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateConfigured || len(d.reports) == 0 {
		return nil, usb.ErrNAK
	}
	report := d.reports[0]
	d.reports = d.reports[1:]
	return report, nil
}

// PressKey records a key press using its HID usage code. Usage codes
// 0xE0-0xE7 set the matching modifier bit.
func (d *Device) PressKey(code uint8) error {
	if d.kind != KindKeyboard {
		return ErrWrongKind
	}
	d.mu.Lock()
	if bit, ok := modifierBit(code); ok {
		d.keyboard.modifiers |= bit
	} else if !d.keyboard.press(code) {
		d.mu.Unlock()
		return fmt.Errorf("%w: 0x%x", ErrKeyRollover, code)
	}
	fn := d.queueReportLocked(d.currentReportLocked())
	d.mu.Unlock()
	notify(fn)
	return nil
}

// ReleaseKey records a key release.
func (d *Device) ReleaseKey(code uint8) error {
	if d.kind != KindKeyboard {
		return ErrWrongKind
	}
	d.mu.Lock()
	if bit, ok := modifierBit(code); ok {
		d.keyboard.modifiers &^= bit
	} else {
		d.keyboard.release(code)
	}
	fn := d.queueReportLocked(d.currentReportLocked())
	d.mu.Unlock()
	notify(fn)
	return nil
}

// MoveMouse queues a relative motion report with the current buttons.
func (d *Device) MoveMouse(dx, dy, wheel int8) error {
	if d.kind != KindMouse {
		return ErrWrongKind
	}
	d.mu.Lock()
	d.mouse.dx, d.mouse.dy, d.mouse.wheel = dx, dy, wheel
	fn := d.queueReportLocked(d.currentReportLocked())
	d.mouse.dx, d.mouse.dy, d.mouse.wheel = 0, 0, 0
	d.mu.Unlock()
	notify(fn)
	return nil
}

// SetButtons replaces the mouse button state and queues a report.
func (d *Device) SetButtons(buttons uint8) error {
	if d.kind != KindMouse {
		return ErrWrongKind
	}
	d.mu.Lock()
	d.mouse.buttons = buttons
	fn := d.queueReportLocked(d.currentReportLocked())
	d.mu.Unlock()
	notify(fn)
	return nil
}

// QueueReport queues a raw input report.
func (d *Device) QueueReport(report []byte) {
	d.mu.Lock()
	fn := d.queueReportLocked(append([]byte(nil), report...))
	d.mu.Unlock()
	notify(fn)
}

func (d *Device) currentReportLocked() []byte {
	if d.kind == KindMouse {
		return d.mouse.bytes()
	}
	return d.keyboard.bytes()
}

func (d *Device) queueReportLocked(report []byte) func() {
	if len(d.reports) >= ReportQueueDepth {
		d.reports = d.reports[1:]
		d.dropped++
	}
	d.reports = append(d.reports, report)
	return d.onReport
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}

func modifierBit(code uint8) (uint8, bool) {
	if code < KeyLeftCtrl || code > KeyRightGUI {
		return 0, false
	}
	return 1 << (code - KeyLeftCtrl), true
}
