package flash

import (
	"context"
	"errors"
)

var (
	ErrUnlockFailed  = errors.New("flash unlock failed")
	ErrLockFailed    = errors.New("flash lock failed")
	ErrEraseFailed   = errors.New("flash erase failed")
	ErrProgramFailed = errors.New("flash program failed")
	ErrFlashTimeout  = errors.New("flash operation timed out")
	ErrRegionFull    = errors.New("write exceeds application region")
	ErrVerifyFailed  = errors.New("flash verification failed")
	ErrNotReadable   = errors.New("flash driver cannot read back")
)

// Driver is the set of flash primitives the writer needs.
type Driver interface {
	Unlock() error
	EraseSector(sector int) error
	ProgramWord(addr uint32, word []byte) error
	// WaitReady blocks until the last operation completed or ctx is done.
	WaitReady(ctx context.Context) error
	Lock() error
}

// Reader is implemented by drivers that can read flash contents back.
type Reader interface {
	ReadFlash(addr uint32, p []byte) error
}
