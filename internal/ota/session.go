package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/ota-receiver/internal/flash"
	"github.com/bigbag/ota-receiver/internal/protocol"
)

// Session phases
const (
	PhaseIdle           = "idle"
	PhaseAwaitingHeader = "awaiting_header"
	PhaseReceivingData  = "receiving_data"
)

// Session events
const (
	evStart  = "start"
	evHeader = "header"
	evFinish = "finish"
	evEnd    = "end"
	evAbort  = "abort"
)

var allPhases = []string{PhaseIdle, PhaseAwaitingHeader, PhaseReceivingData}

// State is a snapshot of the session counters.
type State struct {
	Phase              string
	RemainingBytes     uint32
	ReceivedThisPacket uint32
	NextChunkSize      uint16
	BytesWritten       uint32
	UploadComplete     bool
	PackageSize        uint32
	PackageCRC         uint32
	Chunks             int
}

// Summary describes a session closed by an End command.
type Summary struct {
	PackageSize  uint32
	PackageCRC   uint32
	BytesWritten uint32
	Chunks       int
	// Verified is set when the written image matched the declared package CRC.
	Verified bool
	// VerifyErr holds the reason verification failed or was skipped.
	VerifyErr error
}

// CompleteHandler receives the summary of a finished session.
type CompleteHandler func(Summary)

// Session is the update state machine. It tracks how much firmware is still
// expected and decides what the transport has to receive next.
type Session struct {
	mu     sync.Mutex
	fsm    *fsm.FSM
	writer *flash.Writer
	cfg    config
	log    logrus.FieldLogger

	remaining uint32
	received  uint32
	next      uint16
	complete  bool
	meta      protocol.MetaInfo
	chunks    int
}

// NewSession creates an idle session writing into w.
func NewSession(w *flash.Writer, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newSession(w, cfg)
}

func newSession(w *flash.Writer, cfg config) *Session {
	s := &Session{
		writer: w,
		cfg:    cfg,
		log:    cfg.logger.WithField("component", "session"),
	}

	s.fsm = fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: evStart, Src: allPhases, Dst: PhaseAwaitingHeader},
			{Name: evHeader, Src: []string{PhaseAwaitingHeader}, Dst: PhaseReceivingData},
			{Name: evFinish, Src: []string{PhaseReceivingData}, Dst: PhaseIdle},
			{Name: evEnd, Src: allPhases, Dst: PhaseIdle},
			{Name: evAbort, Src: allPhases, Dst: PhaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{
					"event": e.Event,
					"from":  e.Src,
					"to":    e.Dst,
				}).Debug("Session phase changed")
			},
		},
	)

	return s
}

// Phase returns the current session phase.
func (s *Session) Phase() string {
	return s.fsm.Current()
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Phase:              s.fsm.Current(),
		RemainingBytes:     s.remaining,
		ReceivedThisPacket: s.received,
		NextChunkSize:      s.next,
		BytesWritten:       s.writer.Offset(),
		UploadComplete:     s.complete,
		PackageSize:        s.meta.PackageSize,
		PackageCRC:         s.meta.PackageCRC,
		Chunks:             s.chunks,
	}
}

// fire triggers an fsm event. Self transitions are not errors.
func (s *Session) fire(ctx context.Context, event string) error {
	err := s.fsm.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("session %s in %s: %w", event, s.fsm.Current(), err)
	}
	return nil
}

// reset zeroes the counters and rewinds the flash writer.
func (s *Session) reset() {
	s.remaining = 0
	s.received = 0
	s.next = 0
	s.complete = false
	s.meta = protocol.MetaInfo{}
	s.chunks = 0
	s.writer.Reset()
}

// HandleCommand processes a command packet and returns the size of the next
// packet to receive.
func (s *Session) HandleCommand(ctx context.Context, frame []byte) (int, error) {
	cmd, pkt, err := protocol.DecodeCommand(frame)
	if err != nil {
		return 0, err
	}
	if err := s.checkCRC(pkt); err != nil {
		return 0, err
	}

	s.mu.Lock()
	next, summary, err := s.command(ctx, cmd)
	s.mu.Unlock()

	if summary != nil && s.cfg.onComplete != nil {
		s.cfg.onComplete(*summary)
	}
	return next, err
}

func (s *Session) command(ctx context.Context, cmd protocol.Command) (int, *Summary, error) {
	switch cmd {
	case protocol.CmdStart:
		s.log.Info("Start packet received")
		s.reset()
		if err := s.fire(ctx, evStart); err != nil {
			return 0, nil, err
		}
		return protocol.HeaderPacketSize, nil, nil

	case protocol.CmdEnd:
		s.log.Info("End packet received")
		summary := s.summarize()
		s.reset()
		s.complete = true
		if err := s.fire(ctx, evEnd); err != nil {
			return 0, nil, err
		}
		return protocol.CommandPacketSize, &summary, nil

	case protocol.CmdAbort:
		s.log.Warn("Abort packet received")
		s.reset()
		if err := s.fire(ctx, evAbort); err != nil {
			return 0, nil, err
		}
		return protocol.CommandPacketSize, nil, nil

	default:
		return 0, nil, fmt.Errorf("%w: unknown command %s", protocol.ErrMalformedPacket, cmd)
	}
}

// summarize builds the completion summary and verifies the written image
// when the header declared a package CRC.
func (s *Session) summarize() Summary {
	summary := Summary{
		PackageSize:  s.meta.PackageSize,
		PackageCRC:   s.meta.PackageCRC,
		BytesWritten: s.writer.Offset(),
		Chunks:       s.chunks,
	}

	switch {
	case s.meta.PackageSize == 0:
		summary.VerifyErr = errors.New("no package received")
	case s.meta.PackageCRC == 0:
		summary.VerifyErr = errors.New("no package CRC declared")
	case s.remaining != 0:
		summary.VerifyErr = fmt.Errorf("package incomplete: %d bytes missing", s.remaining)
	default:
		summary.VerifyErr = s.writer.Verify(s.meta.PackageSize, s.meta.PackageCRC)
		summary.Verified = summary.VerifyErr == nil
	}

	entry := s.log.WithFields(logrus.Fields{
		"size":    summary.PackageSize,
		"written": summary.BytesWritten,
		"chunks":  summary.Chunks,
	})
	if summary.Verified {
		entry.Info("Firmware image verified")
	} else {
		entry.WithError(summary.VerifyErr).Warn("Firmware image not verified")
	}

	return summary
}

// HandleHeader processes a header packet and returns the size of the next
// packet to receive.
func (s *Session) HandleHeader(ctx context.Context, frame []byte) (int, error) {
	meta, pkt, err := protocol.DecodeHeader(frame)
	if err != nil {
		return 0, err
	}
	if err := s.checkCRC(pkt); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fsm.Is(PhaseAwaitingHeader) {
		return 0, fmt.Errorf("%w: header in phase %s", ErrUnexpectedPacket, s.fsm.Current())
	}
	if !s.writer.Fits(meta.PackageSize) {
		return 0, fmt.Errorf("package of %d bytes: %w", meta.PackageSize, flash.ErrRegionFull)
	}

	s.meta = meta
	s.remaining = meta.PackageSize
	s.next = protocol.ChunkSize(s.remaining)

	s.log.WithFields(logrus.Fields{
		"size": meta.PackageSize,
		"crc":  fmt.Sprintf("0x%08X", meta.PackageCRC),
		"next": s.next,
	}).Info("Header packet received")

	if err := s.fire(ctx, evHeader); err != nil {
		return 0, err
	}

	if s.remaining == 0 {
		if err := s.fire(ctx, evFinish); err != nil {
			return 0, err
		}
		return protocol.CommandPacketSize, nil
	}
	return int(s.next) + protocol.Overhead, nil
}

// HandleData processes a data packet and returns the size of the next packet
// to receive.
//
// The packet's own length field is trusted for bookkeeping even when it
// differs from the negotiated chunk size, as long as it does not exceed the
// bytes still expected.
func (s *Session) HandleData(ctx context.Context, frame []byte) (int, error) {
	payload, pkt, err := protocol.DecodeData(frame)
	if err != nil {
		return 0, err
	}
	if err := s.checkCRC(pkt); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fsm.Is(PhaseReceivingData) {
		return 0, fmt.Errorf("%w: data in phase %s", ErrUnexpectedPacket, s.fsm.Current())
	}

	n := uint32(len(payload))
	if n > s.remaining {
		return 0, fmt.Errorf("%w: data length %d exceeds remaining %d", protocol.ErrMalformedPacket, n, s.remaining)
	}

	// The writer remembers a completed erase across failed chunks
	if err := s.writer.Write(ctx, payload, !s.writer.Erased()); err != nil {
		return 0, fmt.Errorf("write chunk %d: %w", s.chunks, err)
	}

	if n != uint32(s.next) {
		s.log.WithFields(logrus.Fields{
			"expected": s.next,
			"received": n,
		}).Warn("Did not receive the expected packet size")
	}

	s.received = n
	s.remaining -= n
	s.next = protocol.ChunkSize(s.remaining)
	s.chunks++

	s.log.WithFields(logrus.Fields{
		"received":  n,
		"remaining": s.remaining,
		"next":      s.next,
		"offset":    s.writer.Offset(),
	}).Debug("Data packet received")

	if s.remaining == 0 {
		if err := s.fire(ctx, evFinish); err != nil {
			return 0, err
		}
		return protocol.CommandPacketSize, nil
	}
	return int(s.next) + protocol.Overhead, nil
}

func (s *Session) checkCRC(p *protocol.Packet) error {
	if !s.cfg.checkCRC {
		return nil
	}
	return p.VerifyCRC()
}
