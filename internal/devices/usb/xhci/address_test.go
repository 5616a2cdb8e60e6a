package xhci

import "testing"

func TestAddressBitmapAllocatesAscending(t *testing.T) {
	var b AddressBitmap
	for want := uint8(1); want <= 127; want++ {
		got, ok := b.Allocate()
		if !ok || got != want {
			t.Fatalf("Allocate: got %d (ok=%v), want %d", got, ok, want)
		}
	}
	if addr, ok := b.Allocate(); ok {
		t.Fatalf("Allocate after exhaustion: got %d, want failure", addr)
	}

	b.Free(50)
	if b.InUse(50) {
		t.Fatalf("address 50 still in use after Free")
	}
	if got, ok := b.Allocate(); !ok || got != 50 {
		t.Fatalf("Allocate after Free(50): got %d (ok=%v), want 50", got, ok)
	}
}

func TestAddressBitmapFreeIgnoresReserved(t *testing.T) {
	var b AddressBitmap
	a, _ := b.Allocate()
	b.Free(0)
	b.Free(128)
	b.Free(255)
	if !b.InUse(a) {
		t.Fatalf("Free of reserved value released address %d", a)
	}
	if got, _ := b.Allocate(); got != 2 {
		t.Fatalf("Allocate: got %d, want 2", got)
	}
}

func TestAddressBitmapHighWord(t *testing.T) {
	var b AddressBitmap
	for i := 0; i < 100; i++ {
		b.Allocate()
	}
	if !b.InUse(64) || !b.InUse(100) || b.InUse(101) {
		t.Fatalf("InUse across words: 64=%v 100=%v 101=%v", b.InUse(64), b.InUse(100), b.InUse(101))
	}
	b.Free(64)
	if got, _ := b.Allocate(); got != 64 {
		t.Fatalf("Allocate: got %d, want 64", got)
	}
}
