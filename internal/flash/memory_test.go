package flash

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemory_StartsErasedAndLocked(t *testing.T) {
	mem := NewMemory(testConfig())

	if !mem.Locked() {
		t.Error("Locked() = false, want true")
	}
	if image := mem.Image(64); !bytes.Equal(image, bytes.Repeat([]byte{0xFF}, 64)) {
		t.Errorf("Image() = %X, want all 0xFF", image)
	}
}

func TestMemory_LockedRejectsWrites(t *testing.T) {
	mem := NewMemory(testConfig())

	if err := mem.EraseSector(2); !errors.Is(err, ErrLocked) {
		t.Errorf("EraseSector() error = %v, want ErrLocked", err)
	}
	if err := mem.ProgramWord(0x08040000, make([]byte, 32)); !errors.Is(err, ErrLocked) {
		t.Errorf("ProgramWord() error = %v, want ErrLocked", err)
	}
}

func TestMemory_ProgramChecks(t *testing.T) {
	mem := NewMemory(testConfig())
	if err := mem.Unlock(); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	tests := []struct {
		name string
		addr uint32
		word []byte
		err  error
	}{
		{"below base", 0x08000000, make([]byte, 32), ErrBadAddress},
		{"past end", 0x08040000 + 4096, make([]byte, 32), ErrBadAddress},
		{"short word", 0x08040000, make([]byte, 8), nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := mem.ProgramWord(tc.addr, tc.word)
			if err == nil {
				t.Fatal("ProgramWord() expected error, got nil")
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Errorf("ProgramWord() error = %v, want %v", err, tc.err)
			}
		})
	}

	if err := mem.EraseSector(5); !errors.Is(err, ErrBadSector) {
		t.Errorf("EraseSector(5) error = %v, want ErrBadSector", err)
	}
}

func TestMemory_DoubleProgram(t *testing.T) {
	mem := NewMemory(testConfig())
	mem.Unlock()

	word := bytes.Repeat([]byte{0xA5}, 32)
	if err := mem.ProgramWord(0x08040020, word); err != nil {
		t.Fatalf("ProgramWord() error = %v", err)
	}
	if err := mem.ProgramWord(0x08040020, word); !errors.Is(err, ErrNotErased) {
		t.Errorf("second ProgramWord() error = %v, want ErrNotErased", err)
	}

	if err := mem.EraseSector(2); err != nil {
		t.Fatalf("EraseSector() error = %v", err)
	}
	if err := mem.ProgramWord(0x08040020, word); err != nil {
		t.Errorf("ProgramWord() after erase error = %v", err)
	}
}

func TestMemory_WaitReady(t *testing.T) {
	mem := NewMemory(testConfig())

	if err := mem.WaitReady(context.Background()); err != nil {
		t.Errorf("WaitReady() error = %v", err)
	}

	mem.Stall = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := mem.WaitReady(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitReady(stalled) error = %v, want context.Canceled", err)
	}
}

func TestMemory_WriteTo(t *testing.T) {
	mem := NewMemory(testConfig())

	var buf bytes.Buffer
	n, err := mem.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if n != 4096 || buf.Len() != 4096 {
		t.Errorf("WriteTo() = %d bytes, buffer %d, want 4096", n, buf.Len())
	}
}
