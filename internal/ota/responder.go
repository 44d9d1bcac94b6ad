package ota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/ota-receiver/internal/protocol"
)

// Responder emits ACK/NACK response packets.
type Responder struct {
	transport Transport
	settle    time.Duration
	timeout   time.Duration
	log       logrus.FieldLogger
}

// NewResponder creates a Responder writing to t.
func NewResponder(t Transport, opts ...Option) *Responder {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newResponder(t, cfg)
}

func newResponder(t Transport, cfg config) *Responder {
	return &Responder{
		transport: t,
		settle:    cfg.settleDelay,
		timeout:   cfg.writeTimeout,
		log:       cfg.logger.WithField("component", "responder"),
	}
}

// Ack waits for the settling delay and sends an ACK.
func (r *Responder) Ack(ctx context.Context) error {
	if r.settle > 0 {
		timer := time.NewTimer(r.settle)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.Send(ctx, protocol.StatusACK)
}

// Nack sends a NACK immediately.
func (r *Responder) Nack(ctx context.Context) error {
	return r.Send(ctx, protocol.StatusNACK)
}

// Send transmits a response packet with the given status. The write is
// bounded by the configured write timeout.
func (r *Responder) Send(ctx context.Context, status protocol.Status) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.transport.Transmit(ctx, protocol.EncodeResponse(status)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("send %s: %w: %w", status, ErrTransportTimeout, err)
		}
		return fmt.Errorf("send %s: %w", status, err)
	}

	r.log.WithField("status", status).Debug("Response sent")
	return nil
}
