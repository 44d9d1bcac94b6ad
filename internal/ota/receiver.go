package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/ota-receiver/internal/flash"
	"github.com/bigbag/ota-receiver/internal/protocol"
)

// Transport moves raw frames between the receiver and the sender.
type Transport interface {
	// Receive fills buf with exactly len(buf) bytes.
	Receive(ctx context.Context, buf []byte) error
	// Transmit blocks until p was sent or ctx is done.
	Transmit(ctx context.Context, p []byte) error
}

// Receiver runs the OTA protocol over a transport. Packets are processed one
// at a time: the next receive is armed only after the previous packet was
// handled and answered.
type Receiver struct {
	transport Transport
	session   *Session
	responder *Responder
	log       logrus.FieldLogger

	expected int
	buf      [protocol.MaxPacketSize]byte
}

// New creates a Receiver that writes firmware through w.
func New(t Transport, w *flash.Writer, opts ...Option) *Receiver {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Receiver{
		transport: t,
		session:   newSession(w, cfg),
		responder: newResponder(t, cfg),
		log:       cfg.logger.WithField("component", "receiver"),
		expected:  protocol.CommandPacketSize,
	}
}

// Session returns the update session driven by the receiver.
func (r *Receiver) Session() *Session {
	return r.session
}

// Expected returns the size of the next packet the receiver waits for.
func (r *Receiver) Expected() int {
	return r.expected
}

// Dispatch processes one raw frame and answers it. Command, data and header
// packets go to the session; every other type is refused with a NACK and
// leaves the session untouched. The returned error is the handler or
// transmission failure, if any.
func (r *Receiver) Dispatch(ctx context.Context, frame []byte) error {
	typ, err := protocol.TypeOf(frame)

	var next int
	if err == nil {
		switch typ {
		case protocol.TypeCommand:
			next, err = r.session.HandleCommand(ctx, frame)
		case protocol.TypeData:
			next, err = r.session.HandleData(ctx, frame)
		case protocol.TypeHeader:
			next, err = r.session.HandleHeader(ctx, frame)
		default:
			err = fmt.Errorf("%w: cannot dispatch %s packet", protocol.ErrMalformedPacket, typ)
		}
	}

	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"packet": typ,
			"size":   len(frame),
		}).Warn("Packet rejected")
		if serr := r.responder.Nack(ctx); serr != nil {
			return multierror.Append(err, serr)
		}
		return err
	}

	r.expected = next
	return r.responder.Ack(ctx)
}

// Run receives and dispatches packets until ctx is cancelled or the
// transport fails. Receive timeouts drop the partial frame and re-arm the
// same size.
func (r *Receiver) Run(ctx context.Context) error {
	r.log.WithField("expect", r.expected).Info("Waiting for OTA packets")

	for {
		frame := r.buf[:r.expected]

		if err := r.transport.Receive(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				r.log.WithError(err).Warn("Incomplete packet dropped")
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				r.log.Info("Link closed")
				return err
			}
			return fmt.Errorf("receive: %w", err)
		}

		if err := r.Dispatch(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WithError(err).Debug("Dispatch failed")
		}
	}
}
