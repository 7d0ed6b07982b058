package segfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxPacketSize is the largest datagram the protocol produces, in bytes.
	MaxPacketSize = 1028

	// MaxPayloadSize is the largest chunk payload that fits in a data packet.
	MaxPayloadSize = MaxPacketSize - dataPrefixLen

	headerPrefixLen = 2
	dataPrefixLen   = 4
)

// Status byte flags.
const (
	flagData  byte = 1 << 0
	flagFinal byte = 1 << 1
)

// ErrMalformedPacket is matched by every *MalformedPacketError.
var ErrMalformedPacket = errors.New("segfs: malformed packet")

// MalformedPacketError is returned by Decode when a datagram is shorter than
// the minimum length for the packet kind it claims to be.
type MalformedPacketError struct {
	Kind   Kind // Kind claimed by the status byte; KindHeader if the buffer is empty
	Length int  // Length of the rejected buffer
	Min    int  // Minimum length for Kind
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("segfs: malformed %s packet: %d bytes, need at least %d", e.Kind, e.Length, e.Min)
}

// Is reports whether target is ErrMalformedPacket.
func (e *MalformedPacketError) Is(target error) bool {
	return target == ErrMalformedPacket
}

// Kind discriminates the packet variants.
type Kind uint8

const (
	// KindHeader carries a file id and its filename.
	KindHeader Kind = iota
	// KindData carries one sequence-numbered chunk of a file.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Packet is a decoded protocol message. Seq and Final are only meaningful
// when Kind is KindData.
type Packet struct {
	Kind    Kind
	FileID  uint8
	Payload []byte
	Seq     uint16
	Final   bool
}

// HeaderPacket returns a header packet announcing name for fileID.
func HeaderPacket(fileID uint8, name string) Packet {
	return Packet{Kind: KindHeader, FileID: fileID, Payload: []byte(name)}
}

// DataPacket returns a data packet carrying chunk seq of fileID.
func DataPacket(fileID uint8, seq uint16, payload []byte, final bool) Packet {
	return Packet{Kind: KindData, FileID: fileID, Seq: seq, Payload: payload, Final: final}
}

// IsHeader reports whether p is a header packet.
func (p Packet) IsHeader() bool {
	return p.Kind == KindHeader
}

// Filename returns the payload of a header packet decoded as UTF-8.
// Invalid byte sequences are replaced with U+FFFD.
func (p Packet) Filename() string {
	return strings.ToValidUTF8(string(p.Payload), "\uFFFD")
}

func (p Packet) String() string {
	if p.Kind == KindHeader {
		return fmt.Sprintf("header{file=%d name=%q}", p.FileID, p.Filename())
	}
	return fmt.Sprintf("data{file=%d seq=%d final=%t len=%d}", p.FileID, p.Seq, p.Final, len(p.Payload))
}

// Decode parses a datagram into a Packet. The returned payload does not
// alias b.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, &MalformedPacketError{Kind: KindHeader, Length: 0, Min: headerPrefixLen}
	}

	status := b[0]
	if status&flagData == 0 {
		if len(b) < headerPrefixLen {
			return Packet{}, &MalformedPacketError{Kind: KindHeader, Length: len(b), Min: headerPrefixLen}
		}
		return Packet{
			Kind:    KindHeader,
			FileID:  b[1],
			Payload: clone(b[headerPrefixLen:]),
		}, nil
	}

	if len(b) < dataPrefixLen {
		return Packet{}, &MalformedPacketError{Kind: KindData, Length: len(b), Min: dataPrefixLen}
	}
	return Packet{
		Kind:    KindData,
		FileID:  b[1],
		Seq:     binary.BigEndian.Uint16(b[2:4]),
		Final:   status&flagFinal != 0,
		Payload: clone(b[dataPrefixLen:]),
	}, nil
}

// Encode returns the wire form of p.
func Encode(p Packet) []byte {
	return AppendPacket(nil, p)
}

// AppendPacket appends the wire form of p to dst and returns the extended
// slice.
func AppendPacket(dst []byte, p Packet) []byte {
	if p.Kind == KindHeader {
		dst = append(dst, 0, p.FileID)
		return append(dst, p.Payload...)
	}

	status := flagData
	if p.Final {
		status |= flagFinal
	}
	dst = append(dst, status, p.FileID)
	dst = binary.BigEndian.AppendUint16(dst, p.Seq)
	return append(dst, p.Payload...)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
