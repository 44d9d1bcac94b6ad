package protocol

import "testing"

func TestPacketType_String(t *testing.T) {
	tests := []struct {
		typ      PacketType
		expected string
	}{
		{TypeCommand, "command"},
		{TypeData, "data"},
		{TypeHeader, "header"},
		{TypeResponse, "response"},
		{PacketType(0x07), "type(0x07)"},
	}

	for _, tc := range tests {
		if result := tc.typ.String(); result != tc.expected {
			t.Errorf("PacketType(%d).String() = %q, want %q", tc.typ, result, tc.expected)
		}
	}
}

func TestCommand_String(t *testing.T) {
	tests := []struct {
		cmd      Command
		expected string
	}{
		{CmdStart, "START"},
		{CmdEnd, "END"},
		{CmdAbort, "ABORT"},
		{Command(0x10), "CMD(0x10)"},
	}

	for _, tc := range tests {
		if result := tc.cmd.String(); result != tc.expected {
			t.Errorf("Command(%d).String() = %q, want %q", tc.cmd, result, tc.expected)
		}
	}
}

func TestStatus_String(t *testing.T) {
	if StatusACK.String() != "ACK" {
		t.Errorf("StatusACK.String() = %q, want ACK", StatusACK.String())
	}
	if StatusNACK.String() != "NACK" {
		t.Errorf("StatusNACK.String() = %q, want NACK", StatusNACK.String())
	}
}

func TestPacketSizes(t *testing.T) {
	if CommandPacketSize != 10 {
		t.Errorf("CommandPacketSize = %d, want 10", CommandPacketSize)
	}
	if HeaderPacketSize != 25 {
		t.Errorf("HeaderPacketSize = %d, want 25", HeaderPacketSize)
	}
	if ResponsePacketSize != 10 {
		t.Errorf("ResponsePacketSize = %d, want 10", ResponsePacketSize)
	}
	if MaxPacketSize != 1033 {
		t.Errorf("MaxPacketSize = %d, want 1033", MaxPacketSize)
	}
}

func TestChunkSize(t *testing.T) {
	tests := []struct {
		remaining uint32
		expected  uint16
	}{
		{0, 0},
		{1, 1},
		{500, 500},
		{1023, 1023},
		{1024, 1024},
		{1025, 1024},
		{2048, 1024},
		{0xFFFFFFFF, 1024},
	}

	for _, tc := range tests {
		if result := ChunkSize(tc.remaining); result != tc.expected {
			t.Errorf("ChunkSize(%d) = %d, want %d", tc.remaining, result, tc.expected)
		}
	}
}
