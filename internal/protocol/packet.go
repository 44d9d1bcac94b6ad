package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Packet represents one OTA frame.
type Packet struct {
	Type    PacketType
	Payload []byte
	CRC     uint32
}

// MetaInfo is the 16-byte body of a header packet.
type MetaInfo struct {
	PackageSize uint32
	PackageCRC  uint32
	Reserved1   uint32
	Reserved2   uint32
}

// NewPacket creates a packet with its CRC calculated over the payload.
func NewPacket(t PacketType, payload []byte) *Packet {
	return &Packet{
		Type:    t,
		Payload: payload,
		CRC:     Checksum(payload),
	}
}

// Checksum computes the CRC-32 (IEEE) of a payload.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Encode serializes the packet to bytes.
func (p *Packet) Encode() []byte {
	// Packet format:
	// 0: SOF
	// 1: packet type
	// 2-3: payload length (little-endian)
	// 4..4+n: payload
	// 4+n..8+n: CRC (little-endian)
	// 8+n: EOF

	n := len(p.Payload)
	frame := make([]byte, Overhead+n)

	frame[0] = SOF
	frame[offsetType] = byte(p.Type)
	binary.LittleEndian.PutUint16(frame[offsetLen:offsetPayload], uint16(n))
	copy(frame[offsetPayload:], p.Payload)
	binary.LittleEndian.PutUint32(frame[offsetPayload+n:], p.CRC)
	frame[offsetPayload+n+4] = EOF

	return frame
}

// VerifyCRC checks the integrity field against the payload.
func (p *Packet) VerifyCRC() error {
	if sum := Checksum(p.Payload); sum != p.CRC {
		return fmt.Errorf("%w: frame 0x%08X, computed 0x%08X", ErrCRCMismatch, p.CRC, sum)
	}
	return nil
}

// TypeOf returns the packet type tag of a raw frame.
func TypeOf(frame []byte) (PacketType, error) {
	if len(frame) <= offsetType {
		return 0, fmt.Errorf("%w: frame too short: %d bytes", ErrMalformedPacket, len(frame))
	}
	return PacketType(frame[offsetType]), nil
}

// Parse validates the envelope of a raw frame and returns the packet.
// The payload aliases frame. Bytes after the end marker are ignored.
func Parse(frame []byte) (*Packet, error) {
	if len(frame) < Overhead {
		return nil, fmt.Errorf("%w: frame too short: %d bytes", ErrMalformedPacket, len(frame))
	}

	if frame[0] != SOF {
		return nil, fmt.Errorf("%w: invalid start of frame: 0x%02X", ErrMalformedPacket, frame[0])
	}

	n := int(binary.LittleEndian.Uint16(frame[offsetLen:offsetPayload]))
	if n > len(frame)-Overhead {
		return nil, fmt.Errorf("%w: length mismatch: declared %d, have %d", ErrMalformedPacket, n, len(frame)-Overhead)
	}

	if frame[offsetPayload+n+4] != EOF {
		return nil, fmt.Errorf("%w: invalid end of frame: 0x%02X", ErrMalformedPacket, frame[offsetPayload+n+4])
	}

	return &Packet{
		Type:    PacketType(frame[offsetType]),
		Payload: frame[offsetPayload : offsetPayload+n],
		CRC:     binary.LittleEndian.Uint32(frame[offsetPayload+n:]),
	}, nil
}

// parseAs parses a frame and checks its type tag.
func parseAs(frame []byte, want PacketType) (*Packet, error) {
	p, err := Parse(frame)
	if err != nil {
		return nil, err
	}
	if p.Type != want {
		return nil, fmt.Errorf("%w: expected %s packet, got %s", ErrMalformedPacket, want, p.Type)
	}
	return p, nil
}

// EncodeCommand builds a command packet.
func EncodeCommand(cmd Command) []byte {
	return NewPacket(TypeCommand, []byte{byte(cmd)}).Encode()
}

// DecodeCommand extracts the command code from a command packet.
func DecodeCommand(frame []byte) (Command, *Packet, error) {
	p, err := parseAs(frame, TypeCommand)
	if err != nil {
		return 0, nil, err
	}
	if len(p.Payload) != 1 {
		return 0, nil, fmt.Errorf("%w: command length %d, want 1", ErrMalformedPacket, len(p.Payload))
	}
	return Command(p.Payload[0]), p, nil
}

// EncodeHeader builds a header packet carrying the meta info block.
func EncodeHeader(meta MetaInfo) []byte {
	data := make([]byte, MetaInfoSize)
	binary.LittleEndian.PutUint32(data[0:4], meta.PackageSize)
	binary.LittleEndian.PutUint32(data[4:8], meta.PackageCRC)
	binary.LittleEndian.PutUint32(data[8:12], meta.Reserved1)
	binary.LittleEndian.PutUint32(data[12:16], meta.Reserved2)
	return NewPacket(TypeHeader, data).Encode()
}

// DecodeHeader extracts the meta info block from a header packet.
func DecodeHeader(frame []byte) (MetaInfo, *Packet, error) {
	p, err := parseAs(frame, TypeHeader)
	if err != nil {
		return MetaInfo{}, nil, err
	}
	if len(p.Payload) != MetaInfoSize {
		return MetaInfo{}, nil, fmt.Errorf("%w: header length %d, want %d", ErrMalformedPacket, len(p.Payload), MetaInfoSize)
	}

	data := p.Payload
	return MetaInfo{
		PackageSize: binary.LittleEndian.Uint32(data[0:4]),
		PackageCRC:  binary.LittleEndian.Uint32(data[4:8]),
		Reserved1:   binary.LittleEndian.Uint32(data[8:12]),
		Reserved2:   binary.LittleEndian.Uint32(data[12:16]),
	}, p, nil
}

// EncodeData builds a data packet. Payloads larger than MaxDataSize are
// encoded as-is; the receiver rejects them.
func EncodeData(payload []byte) []byte {
	return NewPacket(TypeData, payload).Encode()
}

// DecodeData returns the payload of a data packet. The slice aliases frame.
func DecodeData(frame []byte) ([]byte, *Packet, error) {
	p, err := parseAs(frame, TypeData)
	if err != nil {
		return nil, nil, err
	}
	if len(p.Payload) > MaxDataSize {
		return nil, nil, fmt.Errorf("%w: data length %d exceeds %d", ErrMalformedPacket, len(p.Payload), MaxDataSize)
	}
	return p.Payload, p, nil
}

// EncodeResponse builds a response packet. The integrity field is left zero.
func EncodeResponse(status Status) []byte {
	p := &Packet{
		Type:    TypeResponse,
		Payload: []byte{byte(status)},
	}
	return p.Encode()
}

// DecodeResponse extracts the status from a response packet.
func DecodeResponse(frame []byte) (Status, error) {
	p, err := parseAs(frame, TypeResponse)
	if err != nil {
		return 0, err
	}
	if len(p.Payload) != 1 {
		return 0, fmt.Errorf("%w: response length %d, want 1", ErrMalformedPacket, len(p.Payload))
	}
	return Status(p.Payload[0]), nil
}
