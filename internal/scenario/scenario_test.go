package scenario

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/xhci/internal/devices/usb/hid"
)

func TestLoadAppliesDefaults(t *testing.T) {
	s, err := Parse([]byte("version: v1\nname: empty\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.MemorySize != DefaultMemorySize || s.Base != DefaultBase || s.Timeout.Duration() != DefaultTimeout {
		t.Fatalf("defaults: memory %d base 0x%x timeout %v", s.MemorySize, s.Base, s.Timeout.Duration())
	}
}

func TestParseRejectsInvalidScenarios(t *testing.T) {
	for _, tc := range []struct {
		name, doc, want string
	}{
		{"missing version", "name: x\n", "invalid scenario version"},
		{"future version", "version: v2.0.0\n", "unsupported scenario version"},
		{"unknown field", "version: v1\ncolour: blue\n", "colour"},
		{"bad device", "version: v1\ndevices: [{kind: tablet}]\n", "unknown device kind"},
		{"duplicate port", "version: v1\ndevices: [{kind: keyboard}, {kind: mouse}]\n", "port 0 used twice"},
		{"two actions", "version: v1\nsteps: [{doorbell: {}, mmio_read: {offset: 0}}]\n", "exactly one action"},
		{"no action", "version: v1\nsteps: [{name: idle}]\n", "exactly one action"},
		{"bad command", "version: v1\nsteps: [{command: {type: launch}}]\n", "unknown TRB type"},
		{"bad size", "version: v1\nsteps: [{mmio_write: {offset: 0, size: 3}}]\n", "access size 3"},
		{"bad completion", "version: v1\nsteps: [{expect_event: {type: transfer_event, completion: meh}}]\n", "unknown completion"},
		{"long immediate", "version: v1\nsteps: [{transfer: {type: normal, data: '000102030405060708'}}]\n", "at most 8"},
		{"bad hex", "version: v1\nsteps: [{write_memory: {addr: 0, data: 'zz'}}]\n", "invalid hex"},
		{"bad duration", "version: v1\ntimeout: soon\n", "invalid duration"},
		{"input device", "version: v1\nsteps: [{input: {device: 1, press: 4}}]\n", "out of range"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse: got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestMMIOAccessSizeDefaults(t *testing.T) {
	s, err := Parse([]byte("version: v1.2\nsteps: [{mmio_read: {offset: 0x24}}]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Steps[0].MMIORead.Size != 4 {
		t.Fatalf("default size: got %d, want 4", s.Steps[0].MMIORead.Size)
	}
	if s.Steps[0].Label() != "mmio_read" {
		t.Fatalf("label: got %q, want mmio_read", s.Steps[0].Label())
	}
}

func TestKeyboardScenario(t *testing.T) {
	s, err := Load("testdata/keyboard.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Timeout.Duration() != 5*time.Second {
		t.Fatalf("timeout: got %v, want 5s", s.Timeout.Duration())
	}
	env, err := NewEnv(s)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	defer env.Close()

	var done []int
	if err := env.Run(context.Background(), s, func(n int) { done = append(done, n) }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(done) != len(s.Steps) || done[len(done)-1] != len(s.Steps) {
		t.Fatalf("progress: got %v for %d steps", done, len(s.Steps))
	}
	if env.Devices[0].State() != hid.StateConfigured {
		t.Fatalf("keyboard state: got %v, want configured", env.Devices[0].State())
	}
	if n := env.Controller.PendingEvents(0); n != 0 {
		t.Fatalf("unconsumed events: %d", n)
	}
}

func TestRunReportsFailingStep(t *testing.T) {
	s, err := Parse([]byte(`
version: v1
devices: [{kind: mouse, port: 2}]
steps:
  - name: usbsts halted
    mmio_read: {offset: 0x24, mask: 0x1, expect: 1}
  - name: wrong expectation
    mmio_read: {offset: 0x24, mask: 0x1, expect: 0}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env, err := NewEnv(s)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	defer env.Close()

	err = env.Run(context.Background(), s, nil)
	if err == nil || !strings.Contains(err.Error(), "step 2 (wrong expectation)") {
		t.Fatalf("Run: got %v, want failure at step 2", err)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	s, err := Parse([]byte("version: v1\nsteps: [{doorbell: {slot: 0, target: 0}}]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env, err := NewEnv(s)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	defer env.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.Run(ctx, s, nil); err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("Run: got %v, want interrupted", err)
	}
}

func TestMouseInputScenario(t *testing.T) {
	s, err := Parse([]byte(`
version: v1
devices: [{kind: mouse, port: 1}]
steps:
  - input: {device: 0, buttons: 1}
  - input: {device: 0, move: [3, -2, 0]}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env, err := NewEnv(s)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	defer env.Close()
	if err := env.Run(context.Background(), s, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := env.Devices[0].PendingReports(); n != 2 {
		t.Fatalf("pending reports: got %d, want 2", n)
	}
	if env.Slots[0] != 1 {
		t.Fatalf("slot: got %d, want 1", env.Slots[0])
	}
}

func TestInterruptLineScenario(t *testing.T) {
	s, err := Parse([]byte(`
version: v1
name: interrupts
steps:
  - mmio_write: {offset: 0x38, value: 0x10001, size: 8}
  - name: run with interrupts
    mmio_write: {offset: 0x20, value: 0x5}
  - name: enable interrupter 0
    mmio_write: {offset: 0x2020, value: 0x2}
  - expect_irq: {level: false, assertions: 0}
  - command: {type: no_op_command}
  - doorbell: {slot: 0, target: 0}
  - expect_irq: {level: true, assertions: 1}
  - name: acknowledge
    mmio_write: {offset: 0x2020, value: 0x3}
  - expect_irq: {level: false, assertions: 1}
  - expect_event: {type: command_completion, completion: success}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := s.Steps[3].Action(); got != "expect_irq" {
		t.Fatalf("action: got %q, want expect_irq", got)
	}
	env, err := NewEnv(s)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	defer env.Close()
	if err := env.Run(context.Background(), s, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestExpectIRQMismatch(t *testing.T) {
	s, err := Parse([]byte("version: v1\nsteps: [{expect_irq: {level: true}}]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env, err := NewEnv(s)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	defer env.Close()
	err = env.Run(context.Background(), s, nil)
	if err == nil || !strings.Contains(err.Error(), "irq 11 level: got false, want true") {
		t.Fatalf("Run: got %v, want level mismatch", err)
	}
}
