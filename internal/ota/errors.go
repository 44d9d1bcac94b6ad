package ota

import "errors"

var (
	// ErrUnexpectedPacket is returned for a packet that is not valid in the
	// current session phase.
	ErrUnexpectedPacket = errors.New("unexpected packet")

	// ErrTransportTimeout is returned when a response could not be handed to
	// the transport within the write timeout.
	ErrTransportTimeout = errors.New("transport timeout")
)

// isTimeout reports whether err carries a Timeout() bool method returning true.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
