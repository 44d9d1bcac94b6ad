package protocol

import "fmt"

// Frame markers
const (
	SOF = 0xAA
	EOF = 0xBB
)

// PacketType is the type tag carried in the second byte of every frame.
type PacketType byte

// Packet types
const (
	TypeCommand  PacketType = 0x00
	TypeData     PacketType = 0x01
	TypeHeader   PacketType = 0x02
	TypeResponse PacketType = 0x03
)

// String returns a human-readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeData:
		return "data"
	case TypeHeader:
		return "header"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("type(0x%02X)", byte(t))
	}
}

// Command is the code carried by a command packet.
type Command byte

// OTA commands
const (
	CmdStart Command = 0x00
	CmdEnd   Command = 0x01
	CmdAbort Command = 0x02
)

// String returns a human-readable name for the command.
func (c Command) String() string {
	switch c {
	case CmdStart:
		return "START"
	case CmdEnd:
		return "END"
	case CmdAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("CMD(0x%02X)", byte(c))
	}
}

// Status is the single byte carried by a response packet.
type Status byte

// Response status values
const (
	StatusACK  Status = 0x00
	StatusNACK Status = 0x01
)

// String returns ACK, NACK or the raw value.
func (s Status) String() string {
	switch s {
	case StatusACK:
		return "ACK"
	case StatusNACK:
		return "NACK"
	default:
		return fmt.Sprintf("STATUS(0x%02X)", byte(s))
	}
}

// Packet sizes
const (
	MaxDataSize        = 1024 // largest data payload
	Overhead           = 9    // SOF + type + len + CRC + EOF
	MaxPacketSize      = MaxDataSize + Overhead
	MetaInfoSize       = 16
	CommandPacketSize  = Overhead + 1
	HeaderPacketSize   = Overhead + MetaInfoSize
	ResponsePacketSize = Overhead + 1
)

// Field offsets inside a frame
const (
	offsetType    = 1
	offsetLen     = 2
	offsetPayload = 4
)

// Application flash layout of the reference board (STM32H723, bank 1 sector 2).
const (
	AppFlashAddress = 0x08040000
	AppSector       = 2
	AppRegionSize   = 128 * 1024
	FlashWordSize   = 32
)

// Default baud rate
const DefaultBaudRate = 115200

// ChunkSize returns the size of the next data payload for the given number
// of bytes still to be received.
func ChunkSize(remaining uint32) uint16 {
	if remaining > MaxDataSize {
		return MaxDataSize
	}
	return uint16(remaining)
}
