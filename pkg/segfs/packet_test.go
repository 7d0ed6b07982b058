package segfs

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeHeader(t *testing.T) {
	p, err := Decode([]byte{0x00, 53, 'f', 'o', 'o', '.', 't', 'x', 't'})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !p.IsHeader() {
		t.Fatal("expected header packet")
	}
	if p.FileID != 53 {
		t.Errorf("expected file id 53, got %d", p.FileID)
	}
	if got := p.Filename(); got != "foo.txt" {
		t.Errorf("expected filename foo.txt, got %q", got)
	}
}

func TestDecodeData(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  Packet
	}{
		{
			name:  "first chunk",
			input: []byte{0x01, 77, 0, 0, 'D', 'A', 'T', 'A'},
			want:  Packet{Kind: KindData, FileID: 77, Seq: 0, Payload: []byte("DATA")},
		},
		{
			name:  "payload that is not utf-8",
			input: []byte{0x01, 77, 0, 1, 0xff, 0xfe, 0xfd, 0xfc},
			want:  Packet{Kind: KindData, FileID: 77, Seq: 1, Payload: []byte{0xff, 0xfe, 0xfd, 0xfc}},
		},
		{
			name:  "empty payload",
			input: []byte{0x01, 77, 0, 2},
			want:  Packet{Kind: KindData, FileID: 77, Seq: 2, Payload: []byte{}},
		},
		{
			// Low byte above 127 must not be sign-extended.
			name:  "sequence number 255",
			input: []byte{0x01, 77, 0x00, 0xff, 'a'},
			want:  Packet{Kind: KindData, FileID: 77, Seq: 255, Payload: []byte("a")},
		},
		{
			name:  "sequence number 1023 final",
			input: []byte{0x03, 77, 0x03, 0xff, 'a'},
			want:  Packet{Kind: KindData, FileID: 77, Seq: 1023, Final: true, Payload: []byte("a")},
		},
		{
			name:  "largest sequence number",
			input: []byte{0x03, 200, 0xff, 0xff},
			want:  Packet{Kind: KindData, FileID: 200, Seq: 65535, Final: true, Payload: []byte{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.input)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeFinalBitIgnoredOnHeader(t *testing.T) {
	p, err := Decode([]byte{0x02, 9, 'x'})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !p.IsHeader() {
		t.Fatal("expected header packet")
	}
	if p.Final {
		t.Error("header packets are never final")
	}
}

func TestDecodeInvalidUTF8Filename(t *testing.T) {
	p, err := Decode([]byte{0x00, 1, 'a', 0xff, 'b'})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := p.Filename(); got != "a\uFFFDb" {
		t.Errorf("expected replacement character, got %q", got)
	}
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	buf := []byte{0x01, 1, 0, 0, 'x', 'y'}
	p, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	buf[4] = 'z'
	if string(p.Payload) != "xy" {
		t.Errorf("payload changed with input buffer: %q", p.Payload)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		wantKind Kind
		wantMin  int
	}{
		{"empty", nil, KindHeader, 2},
		{"header without file id", []byte{0x00}, KindHeader, 2},
		{"data without file id", []byte{0x01}, KindData, 4},
		{"data without sequence number", []byte{0x01, 5}, KindData, 4},
		{"data with half a sequence number", []byte{0x03, 5, 0}, KindData, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("expected ErrMalformedPacket, got %v", err)
			}
			var mpe *MalformedPacketError
			if !errors.As(err, &mpe) {
				t.Fatalf("expected *MalformedPacketError, got %T", err)
			}
			if mpe.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, mpe.Kind)
			}
			if mpe.Min != tt.wantMin {
				t.Errorf("expected min %d, got %d", tt.wantMin, mpe.Min)
			}
			if mpe.Length != len(tt.input) {
				t.Errorf("expected length %d, got %d", len(tt.input), mpe.Length)
			}
		})
	}
}

func TestDecodeMinimumLengths(t *testing.T) {
	if _, err := Decode([]byte{0x00, 1}); err != nil {
		t.Errorf("two-byte header should decode: %v", err)
	}
	if _, err := Decode([]byte{0x01, 1, 0, 0}); err != nil {
		t.Errorf("four-byte data packet should decode: %v", err)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		want   []byte
	}{
		{"header", HeaderPacket(53, "foo"), []byte{0x00, 53, 'f', 'o', 'o'}},
		{"data", DataPacket(77, 255, []byte("a"), false), []byte{0x01, 77, 0x00, 0xff, 'a'}},
		{"final data", DataPacket(77, 1023, []byte("a"), true), []byte{0x03, 77, 0x03, 0xff, 'a'}},
		{"empty final", DataPacket(1, 0, nil, true), []byte{0x03, 1, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.packet)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Encode mismatch (-want +got):\n%s", diff)
			}

			decoded, err := Decode(got)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.Kind != tt.packet.Kind || decoded.FileID != tt.packet.FileID ||
				decoded.Seq != tt.packet.Seq || decoded.Final != tt.packet.Final ||
				string(decoded.Payload) != string(tt.packet.Payload) {
				t.Errorf("Decode(Encode(p)) = %v, want %v", decoded, tt.packet)
			}
		})
	}
}

func TestAppendPacketReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, MaxPacketSize)
	buf = AppendPacket(buf[:0], DataPacket(1, 1, []byte("abc"), false))
	if len(buf) != 7 {
		t.Fatalf("expected 7 bytes, got %d", len(buf))
	}
	if cap(buf) != MaxPacketSize {
		t.Errorf("expected buffer to be reused, cap=%d", cap(buf))
	}
}
