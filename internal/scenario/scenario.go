// Package scenario loads and runs YAML scripts that drive an xHCI
// controller the way a guest driver would.
package scenario

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/xhci/internal/devices/usb/hid"
	"github.com/tinyrange/xhci/internal/devices/usb/xhci"
)

// Version is the newest scenario schema understood by this package. Any
// v1.x scenario is accepted.
const Version = "v1"

const (
	DefaultMemorySize = 2 << 20
	DefaultBase       = 0xFE000000
	DefaultTimeout    = 30 * time.Second
)

// Scenario is a scripted guest session against one controller.
type Scenario struct {
	Version     string       `yaml:"version"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Timeout     Duration     `yaml:"timeout"`
	MemorySize  uint64       `yaml:"memory_size"`
	Base        uint64       `yaml:"base"`
	Devices     []DeviceSpec `yaml:"devices"`
	Steps       []Step       `yaml:"steps"`
}

// DeviceSpec attaches an emulated HID device to a zero-based root port.
type DeviceSpec struct {
	Kind string `yaml:"kind"`
	Port uint8  `yaml:"port"`
}

// Step is one guest action. Exactly one action field must be set.
type Step struct {
	Name string `yaml:"name"`

	MMIOWrite    *MMIOWrite        `yaml:"mmio_write,omitempty"`
	MMIORead     *MMIORead         `yaml:"mmio_read,omitempty"`
	Command      *Command          `yaml:"command,omitempty"`
	Transfer     *Transfer         `yaml:"transfer,omitempty"`
	Doorbell     *Doorbell         `yaml:"doorbell,omitempty"`
	ExpectEvent  *EventExpectation `yaml:"expect_event,omitempty"`
	ExpectIRQ    *IRQExpectation   `yaml:"expect_irq,omitempty"`
	Input        *Input            `yaml:"input,omitempty"`
	WriteMemory  *Memory           `yaml:"write_memory,omitempty"`
	ExpectMemory *Memory           `yaml:"expect_memory,omitempty"`
}

// MMIOWrite stores Value at Offset from the controller's MMIO base.
type MMIOWrite struct {
	Offset uint64 `yaml:"offset"`
	Value  uint64 `yaml:"value"`
	Size   int    `yaml:"size"`
}

// MMIORead loads Size bytes at Offset and compares (value & Mask) with
// Expect.
type MMIORead struct {
	Offset uint64  `yaml:"offset"`
	Size   int     `yaml:"size"`
	Mask   *uint64 `yaml:"mask"`
	Expect uint64  `yaml:"expect"`
}

// Command queues a command TRB on the command ring. The doorbell is rung
// by a separate step.
type Command struct {
	Type      string `yaml:"type"`
	Slot      uint8  `yaml:"slot"`
	Endpoint  uint8  `yaml:"endpoint"`
	Parameter uint64 `yaml:"parameter"`
	Flags     uint32 `yaml:"flags"`
}

// Transfer queues a transfer TRB on a slot endpoint ring.
type Transfer struct {
	Slot      uint8    `yaml:"slot"`
	Endpoint  uint8    `yaml:"endpoint"`
	Type      string   `yaml:"type"`
	Length    uint32   `yaml:"length"`
	Buffer    uint64   `yaml:"buffer"`
	Data      HexBytes `yaml:"data"`
	Direction string   `yaml:"direction"`
	IOC       bool     `yaml:"ioc"`
}

type Doorbell struct {
	Slot   uint8 `yaml:"slot"`
	Target uint8 `yaml:"target"`
}

// EventExpectation matches the next event on interrupter 0. Unset fields
// are not checked.
type EventExpectation struct {
	Type       string  `yaml:"type"`
	Completion string  `yaml:"completion"`
	Slot       *uint8  `yaml:"slot"`
	Endpoint   *uint8  `yaml:"endpoint"`
	Residual   *uint32 `yaml:"residual"`
	Port       *uint8  `yaml:"port"`
}

// IRQExpectation checks the controller's interrupt line. Assertions, when
// set, is the number of times the line has gone high since the start.
type IRQExpectation struct {
	Level      bool    `yaml:"level"`
	Assertions *uint64 `yaml:"assertions"`
}

// Input feeds a key or pointer event into an attached HID device.
type Input struct {
	Device  int    `yaml:"device"`
	Press   *uint8 `yaml:"press"`
	Release *uint8 `yaml:"release"`
	Move    []int8 `yaml:"move"`
	Buttons *uint8 `yaml:"buttons"`
}

// Memory is a block of guest memory to write or compare.
type Memory struct {
	Addr uint64   `yaml:"addr"`
	Data HexBytes `yaml:"data"`
}

// HexBytes decodes a hex string, ignoring whitespace.
type HexBytes []byte

// UnmarshalYAML implements yaml.Unmarshaler for HexBytes.
func (h *HexBytes) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex %q: %w", s, err)
	}
	*h = b
	return nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading scenario file")
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "scenario %s", path)
	}
	return s, nil
}

// Parse decodes a scenario, applies defaults and validates it.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "parsing scenario")
	}

	if s.MemorySize == 0 {
		s.MemorySize = DefaultMemorySize
	}
	if s.Base == 0 {
		s.Base = DefaultBase
	}
	if s.Timeout == 0 {
		s.Timeout = Duration(DefaultTimeout)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) Validate() error {
	if !semver.IsValid(s.Version) {
		return errors.Newf("invalid scenario version %q", s.Version)
	}
	if semver.Major(s.Version) != semver.Major(Version) {
		return errors.Newf("unsupported scenario version %s, want %s", s.Version, Version)
	}

	ports := make(map[uint8]bool)
	for i, d := range s.Devices {
		if _, err := hid.ParseKind(d.Kind); err != nil {
			return errors.Wrapf(err, "device %d", i)
		}
		if ports[d.Port] {
			return errors.Newf("device %d: port %d used twice", i, d.Port)
		}
		ports[d.Port] = true
	}

	for i := range s.Steps {
		if err := s.Steps[i].validate(len(s.Devices)); err != nil {
			return errors.Wrapf(err, "step %d (%s)", i+1, s.Steps[i].Label())
		}
	}
	return nil
}

// Action names the step's action.
func (st *Step) Action() string {
	switch {
	case st.MMIOWrite != nil:
		return "mmio_write"
	case st.MMIORead != nil:
		return "mmio_read"
	case st.Command != nil:
		return "command"
	case st.Transfer != nil:
		return "transfer"
	case st.Doorbell != nil:
		return "doorbell"
	case st.ExpectEvent != nil:
		return "expect_event"
	case st.ExpectIRQ != nil:
		return "expect_irq"
	case st.Input != nil:
		return "input"
	case st.WriteMemory != nil:
		return "write_memory"
	case st.ExpectMemory != nil:
		return "expect_memory"
	default:
		return ""
	}
}

// Label is the step name, falling back to its action.
func (st *Step) Label() string {
	if st.Name != "" {
		return st.Name
	}
	return st.Action()
}

func (st *Step) actions() int {
	n := 0
	for _, set := range []bool{
		st.MMIOWrite != nil, st.MMIORead != nil, st.Command != nil,
		st.Transfer != nil, st.Doorbell != nil, st.ExpectEvent != nil,
		st.ExpectIRQ != nil, st.Input != nil, st.WriteMemory != nil, st.ExpectMemory != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func (st *Step) validate(devices int) error {
	if n := st.actions(); n != 1 {
		return errors.Newf("want exactly one action, got %d", n)
	}
	switch {
	case st.MMIOWrite != nil:
		return validSize(&st.MMIOWrite.Size)
	case st.MMIORead != nil:
		return validSize(&st.MMIORead.Size)
	case st.Command != nil:
		_, err := xhci.ParseTRBType(st.Command.Type)
		return err
	case st.Transfer != nil:
		if _, err := xhci.ParseTRBType(st.Transfer.Type); err != nil {
			return err
		}
		if len(st.Transfer.Data) > 8 {
			return errors.Newf("immediate data is %d bytes, at most 8 allowed", len(st.Transfer.Data))
		}
		switch st.Transfer.Direction {
		case "", "in", "out":
		default:
			return errors.Newf("unknown direction %q", st.Transfer.Direction)
		}
	case st.ExpectEvent != nil:
		if _, err := xhci.ParseTRBType(st.ExpectEvent.Type); err != nil {
			return err
		}
		if st.ExpectEvent.Completion != "" {
			if _, err := xhci.ParseCompletionCode(st.ExpectEvent.Completion); err != nil {
				return err
			}
		}
	case st.Input != nil:
		if st.Input.Device < 0 || st.Input.Device >= devices {
			return errors.Newf("input device %d out of range", st.Input.Device)
		}
		if len(st.Input.Move) != 0 && len(st.Input.Move) != 3 {
			return errors.Newf("move wants [dx, dy, wheel], got %d values", len(st.Input.Move))
		}
	}
	return nil
}

func validSize(size *int) error {
	switch *size {
	case 0:
		*size = 4
	case 1, 2, 4, 8:
	default:
		return errors.Newf("unsupported access size %d", *size)
	}
	return nil
}
