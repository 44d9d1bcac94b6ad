package flash

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Writer programs firmware chunks sequentially into the application region.
type Writer struct {
	mu     sync.Mutex
	drv    Driver
	cfg    Config
	offset uint32
	log    logrus.FieldLogger

	// erased is set once the sector erase of the current session completed.
	erased bool
	// pending counts the words of an interrupted Write that are already in
	// flash. The next Write continues after them.
	pending int
}

// NewWriter creates a Writer for the given driver and region.
func NewWriter(drv Driver, cfg Config, log logrus.FieldLogger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.WordSize <= 0 {
		cfg.WordSize = DefaultConfig().WordSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Writer{
		drv: drv,
		cfg: cfg,
		log: log.WithField("component", "flash"),
	}
}

// Config returns the region configuration.
func (w *Writer) Config() Config {
	return w.cfg
}

// Offset returns the number of bytes programmed since the last Reset.
func (w *Writer) Offset() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Erased reports whether the sector was erased since the last Reset.
func (w *Writer) Erased() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.erased
}

// Reset rewinds the write offset to the start of the region.
func (w *Writer) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.offset = 0
	w.erased = false
	w.pending = 0
}

// Fits reports whether size more bytes fit into the region.
func (w *Writer) Fits(size uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fits(w.offset, uint64(size))
}

func (w *Writer) fits(from uint32, size uint64) bool {
	aligned := uint64(AlignUp(int(size), w.cfg.WordSize))
	return uint64(from)+aligned <= uint64(w.cfg.Size)
}

// Write programs payload at the current offset. When first is set the
// application sector is erased beforehand. A trailing partial word is padded
// with 0xFF. On failure the offset covers only the words that were programmed,
// and the next Write of the same chunk skips them.
func (w *Writer) Write(ctx context.Context, payload []byte, first bool) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := w.cfg.WordSize
	done := w.pending
	start := w.offset - uint32(done*size)

	if !w.fits(start, uint64(len(payload))) {
		return fmt.Errorf("%w: offset %d + %d bytes > %d", ErrRegionFull, start, len(payload), w.cfg.Size)
	}

	defer func() {
		if err != nil {
			w.pending = done
		} else {
			w.pending = 0
		}
	}()

	if uerr := w.drv.Unlock(); uerr != nil {
		return fmt.Errorf("%w: %w", ErrUnlockFailed, uerr)
	}
	defer func() {
		if lerr := w.drv.Lock(); lerr != nil {
			err = multierror.Append(err, fmt.Errorf("%w: %w", ErrLockFailed, lerr)).ErrorOrNil()
		}
	}()

	if first {
		w.log.WithField("sector", w.cfg.Sector).Info("Erasing application flash")
		if eerr := w.drv.EraseSector(w.cfg.Sector); eerr != nil {
			return fmt.Errorf("%w: sector %d: %w", ErrEraseFailed, w.cfg.Sector, eerr)
		}
		if werr := w.wait(ctx); werr != nil {
			return fmt.Errorf("%w: sector %d: %w", ErrEraseFailed, w.cfg.Sector, werr)
		}
		w.erased = true
		w.offset = start
		done = 0
	}

	if done > 0 {
		w.log.WithField("words", done).Debug("Resuming interrupted chunk")
	}

	word := make([]byte, size)

	for i := done * size; i < len(payload); i += size {
		n := copy(word, payload[i:min(i+size, len(payload))])
		for j := n; j < size; j++ {
			word[j] = 0xFF
		}

		addr := w.cfg.BaseAddress + w.offset
		if perr := w.drv.ProgramWord(addr, word); perr != nil {
			w.log.WithError(perr).WithField("addr", fmt.Sprintf("0x%08X", addr)).Error("Flash write error")
			return fmt.Errorf("%w at 0x%08X: %w", ErrProgramFailed, addr, perr)
		}

		// Accepted words count even when the wait below fails
		w.offset += uint32(size)
		done++

		if werr := w.wait(ctx); werr != nil {
			return fmt.Errorf("%w at 0x%08X: %w", ErrProgramFailed, addr, werr)
		}
	}

	w.log.WithFields(logrus.Fields{
		"bytes":  len(payload),
		"offset": w.offset,
	}).Debug("Chunk programmed")

	return nil
}

// wait bounds a driver wait by the configured operation timeout.
func (w *Writer) wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()

	if err := w.drv.WaitReady(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %w", ErrFlashTimeout, w.cfg.OpTimeout, err)
		}
		return err
	}
	return nil
}

// Verify reads the first size bytes of the region back and compares their
// CRC-32 with expected.
func (w *Writer) Verify(size, expected uint32) error {
	r, ok := w.drv.(Reader)
	if !ok {
		return ErrNotReadable
	}
	if size > w.cfg.Size {
		return fmt.Errorf("%w: %d bytes > region size %d", ErrRegionFull, size, w.cfg.Size)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	data := make([]byte, size)
	if err := r.ReadFlash(w.cfg.BaseAddress, data); err != nil {
		return fmt.Errorf("read back: %w", err)
	}

	if actual := crc32.ChecksumIEEE(data); actual != expected {
		return fmt.Errorf("%w: expected CRC 0x%08X, got 0x%08X", ErrVerifyFailed, expected, actual)
	}
	return nil
}
