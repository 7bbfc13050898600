// Package uap implements the User Abstract Protocol: a fixed 20-byte
// header session protocol carried over UDP datagrams.
package uap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed width, in bytes, of every UAP packet header.
const HeaderSize = 20

// Magic is the constant that must open every well-formed packet.
const Magic uint16 = 0xC461

// Version is the only protocol version this implementation speaks.
const Version uint8 = 1

// Command identifies the four UAP session operations.
type Command uint8

const (
	CommandHello   Command = 0
	CommandData    Command = 1
	CommandAlive   Command = 2
	CommandGoodbye Command = 3
)

func (c Command) String() string {
	switch c {
	case CommandHello:
		return "HELLO"
	case CommandData:
		return "DATA"
	case CommandAlive:
		return "ALIVE"
	case CommandGoodbye:
		return "GOODBYE"
	default:
		return "UNKNOWN"
	}
}

// ErrMalformedPacket is returned when a datagram is shorter than HeaderSize.
var ErrMalformedPacket = errors.New("uap: malformed packet")

// ErrBadMagic names the bad-magic failure. No function in this package
// returns it: Decode does not check the magic field, and ValidMagic reports
// that check as a bool. Packets failing it are dropped silently.
var ErrBadMagic = errors.New("uap: bad magic")

// Packet is the decoded form of a UAP datagram.
type Packet struct {
	Magic        uint16
	Version      uint8
	Command      Command
	Sequence     uint32
	SessionID    uint32
	LogicalClock uint64
	Payload      []byte
}

// Encode serializes p into its wire form: a 20-byte big-endian header
// followed by the UTF-8 payload bytes, if any.
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], p.Magic)
	buf[2] = p.Version
	buf[3] = byte(p.Command)
	binary.BigEndian.PutUint32(buf[4:8], p.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], p.SessionID)
	binary.BigEndian.PutUint64(buf[12:20], p.LogicalClock)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decode parses raw wire bytes into a Packet. It requires at least
// HeaderSize bytes; shorter input fails with ErrMalformedPacket. Invalid
// UTF-8 in the payload is replaced rather than rejected, matching the
// permissive decode side of the protocol. Decode does not check magic or
// version; callers do that with ValidMagic.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "got %d bytes, need at least %d", len(raw), HeaderSize)
	}
	p := Packet{
		Magic:        binary.BigEndian.Uint16(raw[0:2]),
		Version:      raw[2],
		Command:      Command(raw[3]),
		Sequence:     binary.BigEndian.Uint32(raw[4:8]),
		SessionID:    binary.BigEndian.Uint32(raw[8:12]),
		LogicalClock: binary.BigEndian.Uint64(raw[12:20]),
	}
	if len(raw) > HeaderSize {
		payload := make([]byte, len(raw)-HeaderSize)
		copy(payload, raw[HeaderSize:])
		p.Payload = []byte(decodeUTF8Lenient(payload))
	}
	return p, nil
}

// ValidMagic reports whether p carries the expected magic and version.
// Packets failing this check must be dropped silently, never replied to.
func ValidMagic(p Packet) bool {
	return p.Magic == Magic && p.Version == Version
}
