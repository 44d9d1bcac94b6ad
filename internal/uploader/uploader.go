package uploader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/ota-receiver/internal/protocol"
)

// ErrNACK is returned when the receiver refuses a packet.
var ErrNACK = errors.New("receiver answered NACK")

// Link carries frames to an OTA receiver.
type Link interface {
	Receive(ctx context.Context, buf []byte) error
	Transmit(ctx context.Context, p []byte) error
}

// ProgressCallback is called to report upload progress in bytes.
type ProgressCallback func(sent, total int)

type config struct {
	logger          logrus.FieldLogger
	responseTimeout time.Duration
}

// Option is a functional option for configuring the Uploader.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithResponseTimeout bounds the wait for each ACK/NACK.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// Uploader sends a firmware image to an OTA receiver.
type Uploader struct {
	link     Link
	cfg      config
	log      logrus.FieldLogger
	progress ProgressCallback
}

// New creates a new Uploader for the given link.
func New(link Link, opts ...Option) *Uploader {
	cfg := config{
		logger:          logrus.StandardLogger(),
		responseTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Uploader{
		link: link,
		cfg:  cfg,
		log:  cfg.logger.WithField("component", "uploader"),
	}
}

// SetProgressCallback sets the progress callback function.
func (u *Uploader) SetProgressCallback(cb ProgressCallback) {
	u.progress = cb
}

func (u *Uploader) reportProgress(sent, total int) {
	if u.progress != nil {
		u.progress(sent, total)
	}
}

// Upload runs a full session: Start, Header, the data chunks and End.
func (u *Uploader) Upload(ctx context.Context, image []byte) error {
	if err := u.exchange(ctx, protocol.EncodeCommand(protocol.CmdStart)); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	meta := protocol.MetaInfo{
		PackageSize: uint32(len(image)),
		PackageCRC:  protocol.Checksum(image),
	}
	if err := u.exchange(ctx, protocol.EncodeHeader(meta)); err != nil {
		return fmt.Errorf("header failed: %w", err)
	}

	u.log.WithFields(logrus.Fields{
		"size": meta.PackageSize,
		"crc":  fmt.Sprintf("0x%08X", meta.PackageCRC),
	}).Info("Uploading firmware")

	sent := 0
	for chunk := 0; sent < len(image); chunk++ {
		n := int(protocol.ChunkSize(uint32(len(image) - sent)))
		if err := u.exchange(ctx, protocol.EncodeData(image[sent:sent+n])); err != nil {
			return fmt.Errorf("data chunk %d failed: %w", chunk, err)
		}
		sent += n
		u.reportProgress(sent, len(image))
	}

	if err := u.exchange(ctx, protocol.EncodeCommand(protocol.CmdEnd)); err != nil {
		return fmt.Errorf("end failed: %w", err)
	}

	return nil
}

// Abort asks the receiver to drop its session. The receiver only reads it
// while it waits for a command packet.
func (u *Uploader) Abort(ctx context.Context) error {
	return u.exchange(ctx, protocol.EncodeCommand(protocol.CmdAbort))
}

// exchange sends one packet and waits for an ACK.
func (u *Uploader) exchange(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.responseTimeout)
	defer cancel()

	if err := u.link.Transmit(ctx, frame); err != nil {
		return err
	}

	resp := make([]byte, protocol.ResponsePacketSize)
	if err := u.link.Receive(ctx, resp); err != nil {
		return fmt.Errorf("waiting for response: %w", err)
	}

	status, err := protocol.DecodeResponse(resp)
	if err != nil {
		return err
	}
	if status != protocol.StatusACK {
		return ErrNACK
	}
	return nil
}
