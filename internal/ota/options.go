package ota

import (
	"time"

	"github.com/sirupsen/logrus"
)

// config holds the receiver configuration.
type config struct {
	logger       logrus.FieldLogger
	settleDelay  time.Duration
	writeTimeout time.Duration
	checkCRC     bool
	onComplete   CompleteHandler
}

// defaultConfig returns the default configuration.
func defaultConfig() config {
	return config{
		logger:       logrus.StandardLogger(),
		settleDelay:  200 * time.Millisecond,
		writeTimeout: time.Second,
	}
}

// Option is a functional option for configuring the Receiver.
type Option func(*config)

// WithLogger sets the logger used by the session and receiver.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSettleDelay sets the pause before every ACK. The sender relies on it
// to turn the line around before its next packet.
func WithSettleDelay(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.settleDelay = d
		}
	}
}

// WithWriteTimeout bounds the transmission of a response packet.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithCRCCheck enables verification of the integrity field of command,
// header and data packets. It is off by default.
func WithCRCCheck(enabled bool) Option {
	return func(c *config) {
		c.checkCRC = enabled
	}
}

// WithCompleteHandler registers a function called when an End command
// closes a session.
func WithCompleteHandler(fn CompleteHandler) Option {
	return func(c *config) {
		c.onComplete = fn
	}
}
