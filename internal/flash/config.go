package flash

import (
	"time"

	"github.com/bigbag/ota-receiver/internal/protocol"
)

// Config describes the application flash region.
type Config struct {
	// BaseAddress is the absolute address of the first application byte.
	BaseAddress uint32

	// Size is the length of the application region in bytes.
	Size uint32

	// WordSize is the program granularity of the flash hardware.
	WordSize int

	// Sector is the sector erased before the first chunk of a session.
	Sector int

	// OpTimeout bounds every wait for a flash operation to finish.
	OpTimeout time.Duration
}

// DefaultConfig returns the layout of the reference board.
func DefaultConfig() Config {
	return Config{
		BaseAddress: protocol.AppFlashAddress,
		Size:        protocol.AppRegionSize,
		WordSize:    protocol.FlashWordSize,
		Sector:      protocol.AppSector,
		OpTimeout:   time.Second,
	}
}

// AlignUp rounds n up to a multiple of word.
func AlignUp(n, word int) int {
	if word <= 0 {
		return n
	}
	return (n + word - 1) / word * word
}
