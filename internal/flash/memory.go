package flash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrLocked     = errors.New("flash is locked")
	ErrNotErased  = errors.New("flash word not erased")
	ErrBadAddress = errors.New("address outside flash region")
	ErrBadSector  = errors.New("unknown flash sector")
)

// Memory is an in-memory model of a single NOR flash sector holding the
// application region. Erase sets every byte to 0xFF and a word may only be
// programmed while it is still erased.
type Memory struct {
	mu     sync.Mutex
	base   uint32
	sector int
	word   int
	data   []byte
	locked bool

	// Fault injection. A nil error disables the fault.
	UnlockErr error
	LockErr   error
	EraseErr  error
	// ProgramErr is returned by the ProgramFailAt'th ProgramWord call (0-based)
	// when ProgramFailAt is not negative.
	ProgramErr    error
	ProgramFailAt int
	// Stall makes WaitReady block until its context is done.
	Stall bool

	// Counters
	Unlocks  int
	Erases   int
	Programs int
}

// NewMemory creates a locked flash model covering the configured region.
// Its content starts out erased.
func NewMemory(cfg Config) *Memory {
	m := &Memory{
		base:          cfg.BaseAddress,
		sector:        cfg.Sector,
		word:          cfg.WordSize,
		data:          make([]byte, cfg.Size),
		locked:        true,
		ProgramFailAt: -1,
	}
	for i := range m.data {
		m.data[i] = 0xFF
	}
	return m
}

// Unlock enables erase and program operations.
func (m *Memory) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UnlockErr != nil {
		return m.UnlockErr
	}
	m.locked = false
	m.Unlocks++
	return nil
}

// Lock disables erase and program operations.
func (m *Memory) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LockErr != nil {
		return m.LockErr
	}
	m.locked = true
	return nil
}

// Locked reports whether the flash is locked.
func (m *Memory) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// EraseSector erases the whole region.
func (m *Memory) EraseSector(sector int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return ErrLocked
	}
	if sector != m.sector {
		return fmt.Errorf("%w: %d", ErrBadSector, sector)
	}
	if m.EraseErr != nil {
		return m.EraseErr
	}

	for i := range m.data {
		m.data[i] = 0xFF
	}
	m.Erases++
	return nil
}

// ProgramWord writes one program word at addr.
func (m *Memory) ProgramWord(addr uint32, word []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return ErrLocked
	}
	if len(word) != m.word {
		return fmt.Errorf("word length %d, want %d", len(word), m.word)
	}
	if addr < m.base || uint64(addr-m.base)+uint64(len(word)) > uint64(len(m.data)) {
		return fmt.Errorf("%w: 0x%08X", ErrBadAddress, addr)
	}
	if (addr-m.base)%uint32(m.word) != 0 {
		return fmt.Errorf("unaligned address 0x%08X", addr)
	}

	call := m.Programs
	m.Programs++
	if m.ProgramErr != nil && m.ProgramFailAt >= 0 && call == m.ProgramFailAt {
		return m.ProgramErr
	}

	off := addr - m.base
	target := m.data[off : off+uint32(len(word))]
	for _, b := range target {
		if b != 0xFF {
			return fmt.Errorf("%w: 0x%08X", ErrNotErased, addr)
		}
	}
	copy(target, word)
	return nil
}

// WaitReady returns immediately unless the model is stalled.
func (m *Memory) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	stall := m.Stall
	m.mu.Unlock()

	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}

// ReadFlash copies flash content starting at addr into p.
func (m *Memory) ReadFlash(addr uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr < m.base || uint64(addr-m.base)+uint64(len(p)) > uint64(len(m.data)) {
		return fmt.Errorf("%w: 0x%08X+%d", ErrBadAddress, addr, len(p))
	}
	copy(p, m.data[addr-m.base:])
	return nil
}

// Image returns a copy of the first n bytes of the region.
func (m *Memory) Image(n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > len(m.data) {
		n = len(m.data)
	}
	out := make([]byte, n)
	copy(out, m.data)
	return out
}

// WriteTo writes the whole region to dst.
func (m *Memory) WriteTo(dst io.Writer) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := dst.Write(m.data)
	return int64(n), err
}
