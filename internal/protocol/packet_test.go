package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"
	"testing"
)

func TestEncodeCommand_Layout(t *testing.T) {
	frame := EncodeCommand(CmdStart)

	if len(frame) != CommandPacketSize {
		t.Fatalf("EncodeCommand() length = %d, want %d", len(frame), CommandPacketSize)
	}
	if frame[0] != SOF {
		t.Errorf("frame[0] = 0x%02X, want 0x%02X", frame[0], SOF)
	}
	if frame[1] != byte(TypeCommand) {
		t.Errorf("frame[1] = 0x%02X, want 0x00", frame[1])
	}
	if n := binary.LittleEndian.Uint16(frame[2:4]); n != 1 {
		t.Errorf("length = %d, want 1", n)
	}
	if frame[4] != byte(CmdStart) {
		t.Errorf("frame[4] = 0x%02X, want 0x00", frame[4])
	}
	if crc := binary.LittleEndian.Uint32(frame[5:9]); crc != crc32.ChecksumIEEE([]byte{0x00}) {
		t.Errorf("crc = 0x%08X, want 0x%08X", crc, crc32.ChecksumIEEE([]byte{0x00}))
	}
	if frame[9] != EOF {
		t.Errorf("frame[9] = 0x%02X, want 0x%02X", frame[9], EOF)
	}
}

func TestDecodeCommand_AllCodes(t *testing.T) {
	for _, cmd := range []Command{CmdStart, CmdEnd, CmdAbort} {
		decoded, p, err := DecodeCommand(EncodeCommand(cmd))
		if err != nil {
			t.Fatalf("DecodeCommand(%s) error = %v", cmd, err)
		}
		if decoded != cmd {
			t.Errorf("DecodeCommand() = %s, want %s", decoded, cmd)
		}
		if err := p.VerifyCRC(); err != nil {
			t.Errorf("VerifyCRC() error = %v", err)
		}
	}
}

func TestDecodeHeader_LittleEndianFields(t *testing.T) {
	frame := []byte{
		SOF, byte(TypeHeader), 0x10, 0x00,
		0x00, 0x08, 0x00, 0x00, // package size 2048
		0x78, 0x56, 0x34, 0x12, // package crc
		0x01, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x80,
		0x00, 0x00, 0x00, 0x00,
		EOF,
	}

	meta, _, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}

	expected := MetaInfo{PackageSize: 2048, PackageCRC: 0x12345678, Reserved1: 1, Reserved2: 0x80000000}
	if meta != expected {
		t.Errorf("DecodeHeader() = %+v, want %+v", meta, expected)
	}
}

func TestEncodeHeader_RoundTrip(t *testing.T) {
	meta := MetaInfo{PackageSize: 500, PackageCRC: 0xDEADBEEF}
	frame := EncodeHeader(meta)

	if len(frame) != HeaderPacketSize {
		t.Fatalf("EncodeHeader() length = %d, want %d", len(frame), HeaderPacketSize)
	}

	decoded, _, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if decoded != meta {
		t.Errorf("DecodeHeader() = %+v, want %+v", decoded, meta)
	}
}

func TestDecodeData_Payload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 100)
	frame := EncodeData(payload)

	if len(frame) != Overhead+len(payload) {
		t.Fatalf("EncodeData() length = %d, want %d", len(frame), Overhead+len(payload))
	}

	decoded, _, err := DecodeData(frame)
	if err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("DecodeData() payload mismatch")
	}
}

func TestDecodeData_ShorterThanBuffer(t *testing.T) {
	// A frame declaring fewer bytes than the receive buffer holds
	frame := EncodeData([]byte{1, 2, 3, 4})
	buf := make([]byte, len(frame)+16)
	copy(buf, frame)

	decoded, _, err := DecodeData(buf)
	if err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if !bytes.Equal(decoded, []byte{1, 2, 3, 4}) {
		t.Errorf("DecodeData() = %v, want [1 2 3 4]", decoded)
	}
}

func TestDecodeData_TooLarge(t *testing.T) {
	frame := EncodeData(make([]byte, MaxDataSize+1))

	_, _, err := DecodeData(frame)
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("DecodeData() error = %v, want ErrMalformedPacket", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	valid := EncodeCommand(CmdEnd)

	badSOF := append([]byte(nil), valid...)
	badSOF[0] = 0x00

	badEOF := append([]byte(nil), valid...)
	badEOF[9] = 0x00

	longLen := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint16(longLen[2:4], 100)

	tests := []struct {
		name  string
		frame []byte
		msg   string
	}{
		{"nil", nil, "too short"},
		{"short", valid[:5], "too short"},
		{"bad SOF", badSOF, "start of frame"},
		{"bad EOF", badEOF, "end of frame"},
		{"length overflow", longLen, "length mismatch"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.frame)
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("Parse() error = %v, want ErrMalformedPacket", err)
			}
			if !strings.Contains(err.Error(), tc.msg) {
				t.Errorf("Parse() error = %v, want error containing %q", err, tc.msg)
			}
		})
	}
}

func TestDecode_WrongType(t *testing.T) {
	_, _, err := DecodeHeader(EncodeCommand(CmdStart))
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("DecodeHeader(command) error = %v, want ErrMalformedPacket", err)
	}

	_, _, err = DecodeData(EncodeHeader(MetaInfo{}))
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("DecodeData(header) error = %v, want ErrMalformedPacket", err)
	}

	_, _, err = DecodeCommand(EncodeData([]byte{0}))
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("DecodeCommand(data) error = %v, want ErrMalformedPacket", err)
	}
}

func TestVerifyCRC_Mismatch(t *testing.T) {
	frame := EncodeData([]byte{1, 2, 3})
	frame[4] ^= 0xFF // corrupt payload

	p, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := p.VerifyCRC(); !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("VerifyCRC() error = %v, want ErrCRCMismatch", err)
	}
}

func TestEncodeResponse_Layout(t *testing.T) {
	tests := []struct {
		status   Status
		expected []byte
	}{
		{StatusACK, []byte{0xAA, 0x03, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xBB}},
		{StatusNACK, []byte{0xAA, 0x03, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0xBB}},
	}

	for _, tc := range tests {
		frame := EncodeResponse(tc.status)
		if !bytes.Equal(frame, tc.expected) {
			t.Errorf("EncodeResponse(%s) = %X, want %X", tc.status, frame, tc.expected)
		}
	}
}

func TestDecodeResponse(t *testing.T) {
	status, err := DecodeResponse(EncodeResponse(StatusNACK))
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if status != StatusNACK {
		t.Errorf("DecodeResponse() = %s, want NACK", status)
	}

	if _, err := DecodeResponse(EncodeCommand(CmdStart)); err == nil {
		t.Error("DecodeResponse(command) expected error, got nil")
	}
}

func TestTypeOf(t *testing.T) {
	typ, err := TypeOf(EncodeData([]byte{1}))
	if err != nil {
		t.Fatalf("TypeOf() error = %v", err)
	}
	if typ != TypeData {
		t.Errorf("TypeOf() = %s, want data", typ)
	}

	if _, err := TypeOf([]byte{SOF}); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("TypeOf(short) error = %v, want ErrMalformedPacket", err)
	}
}
