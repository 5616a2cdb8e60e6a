package guestmem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/xhci/internal/hv"
)

func TestReadWriteRoundTrip(t *testing.T) {
	mem, err := New(0x10000, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mem.Close()

	want := []byte{1, 2, 3, 4, 5}
	if _, err := mem.WriteAt(want, 0x10ff0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := mem.ReadAt(got, 0x10ff0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadAt: got %v, want %v", got, want)
	}
}

func TestOutOfRangeAccess(t *testing.T) {
	mem, err := New(0x10000, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mem.Close()

	buf := make([]byte, 16)
	for _, gpa := range []int64{0, 0xfff8, 0x10ff8, 0x11000} {
		if _, err := mem.ReadAt(buf, gpa); !errors.Is(err, hv.ErrOutOfRange) {
			t.Fatalf("ReadAt(0x%x): got %v, want ErrOutOfRange", gpa, err)
		}
	}
}

func TestZeroSizeRejected(t *testing.T) {
	if _, err := New(0, 0); err == nil {
		t.Fatalf("New with zero size: expected error")
	}
}

func TestAccessAfterClose(t *testing.T) {
	mem, err := New(0, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mem.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := mem.ReadAt(make([]byte, 4), 0); err == nil {
		t.Fatalf("ReadAt after Close: expected error")
	}
	if err := mem.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
