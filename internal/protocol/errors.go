package protocol

import "errors"

var (
	// ErrMalformedPacket is returned when a frame fails envelope validation.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrCRCMismatch is returned when the integrity field does not match the payload.
	ErrCRCMismatch = errors.New("crc mismatch")
)
