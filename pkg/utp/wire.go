// Package utp implements the uTP reliable-stream transport (spec §4.4):
// a LEDBAT-congestion-controlled, selectively-retransmitting stream
// protocol layered over UDP, with its own Path-MTU discovery and a
// multiplexer demuxing datagrams to per-connection sockets.
//
// The socket state machine and job-dispatch shape are grounded on the
// same fuse.Server request/reply idiom pkg/diskio borrows from
// (fuse/server.go): an incoming datagram is parsed, validated, and
// dispatched against socket state, and outgoing work is driven by a
// cooperative tick rather than a dedicated goroutine per connection, per
// spec §5 ("single-threaded cooperative execution within the network
// event loop").
package utp

import (
	"encoding/binary"
	"errors"
)

// Type is the 4-bit packet type in byte 0's high nibble.
type Type byte

const (
	TypeData Type = iota
	TypeFin
	TypeState
	TypeReset
	TypeSyn
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "ST_DATA"
	case TypeFin:
		return "ST_FIN"
	case TypeState:
		return "ST_STATE"
	case TypeReset:
		return "ST_RESET"
	case TypeSyn:
		return "ST_SYN"
	default:
		return "ST_UNKNOWN"
	}
}

// protocolVersion is the only version this implementation speaks.
const protocolVersion = 1

// Extension type tags (spec §6 "uTP wire format").
const (
	extNone        = 0
	extSACK        = 1
	extCloseReason = 3
)

// headerLen is the fixed 20-byte uTP header size, excluding extensions.
const headerLen = 20

var (
	ErrShortPacket    = errors.New("utp: packet shorter than header")
	ErrBadVersion     = errors.New("utp: unsupported version")
	ErrTruncatedExt   = errors.New("utp: truncated extension")
	ErrUnknownExtType = errors.New("utp: unknown extension type")
)

// Header is the fixed portion of a uTP segment (spec §3 "uTP segment").
type Header struct {
	Type          Type
	ConnID        uint16
	TimestampUs   uint32
	TimestampDiff uint32
	WindowSize    uint32
	SeqNr         uint16
	AckNr         uint16
}

// SACKExtension is the optional selective-ack bitmap: bit i set means
// "ack_nr+2+i has been received" (spec §4.4 "Selective retransmission").
type SACKExtension struct {
	Bitmask []byte // up to 32 bytes
}

// CloseReasonExtension carries a 2-byte reason code for a graceful close.
type CloseReasonExtension struct {
	Code uint16
}

// Segment is a fully decoded/encodable uTP packet: header, optional
// extensions, and payload.
type Segment struct {
	Header  Header
	SACK    *SACKExtension
	Close   *CloseReasonExtension
	Payload []byte

	// Retransmit bookkeeping (spec §3 "uTP segment"), populated once the
	// segment is placed in a socket's outgoing buffer.
	NumTransmissions int
	NeedResend       bool
	MTUProbe         bool
	SentAt           int64 // microseconds, socket-clock
}

// Encode serializes the segment to its bit-exact wire form (spec §6).
func (s *Segment) Encode() []byte {
	extLen := 0
	if s.SACK != nil {
		extLen += 2 + len(s.SACK.Bitmask)
	}
	if s.Close != nil {
		extLen += 2 + 4
	}
	buf := make([]byte, headerLen+extLen+len(s.Payload))

	typeVer := byte(s.Header.Type)<<4 | protocolVersion
	buf[0] = typeVer

	if s.SACK != nil {
		buf[1] = extSACK
	} else if s.Close != nil {
		buf[1] = extCloseReason
	} else {
		buf[1] = extNone
	}
	binary.BigEndian.PutUint16(buf[2:4], s.Header.ConnID)
	binary.BigEndian.PutUint32(buf[4:8], s.Header.TimestampUs)
	binary.BigEndian.PutUint32(buf[8:12], s.Header.TimestampDiff)
	binary.BigEndian.PutUint32(buf[12:16], s.Header.WindowSize)
	binary.BigEndian.PutUint16(buf[16:18], s.Header.SeqNr)
	binary.BigEndian.PutUint16(buf[18:20], s.Header.AckNr)

	off := headerLen
	if s.SACK != nil {
		nextExt := byte(extNone)
		if s.Close != nil {
			nextExt = extCloseReason
		}
		buf[off] = nextExt
		buf[off+1] = byte(len(s.SACK.Bitmask))
		copy(buf[off+2:], s.SACK.Bitmask)
		off += 2 + len(s.SACK.Bitmask)
	}
	if s.Close != nil {
		buf[off] = extNone
		buf[off+1] = 4
		binary.BigEndian.PutUint16(buf[off+2:off+4], 0) // reserved
		binary.BigEndian.PutUint16(buf[off+4:off+6], s.Close.Code)
		off += 6
	}
	copy(buf[off:], s.Payload)
	return buf
}

// Decode parses a wire-format datagram into a Segment.
func Decode(b []byte) (*Segment, error) {
	if len(b) < headerLen {
		return nil, ErrShortPacket
	}
	version := b[0] & 0x0f
	if version != protocolVersion {
		return nil, ErrBadVersion
	}
	s := &Segment{
		Header: Header{
			Type:          Type(b[0] >> 4),
			ConnID:        binary.BigEndian.Uint16(b[2:4]),
			TimestampUs:   binary.BigEndian.Uint32(b[4:8]),
			TimestampDiff: binary.BigEndian.Uint32(b[8:12]),
			WindowSize:    binary.BigEndian.Uint32(b[12:16]),
			SeqNr:         binary.BigEndian.Uint16(b[16:18]),
			AckNr:         binary.BigEndian.Uint16(b[18:20]),
		},
	}

	extType := b[1]
	off := headerLen
	for extType != extNone {
		if off+2 > len(b) {
			return nil, ErrTruncatedExt
		}
		next := b[off]
		length := int(b[off+1])
		off += 2
		if off+length > len(b) {
			return nil, ErrTruncatedExt
		}
		payload := b[off : off+length]
		switch extType {
		case extSACK:
			s.SACK = &SACKExtension{Bitmask: append([]byte(nil), payload...)}
		case extCloseReason:
			if length >= 4 {
				s.Close = &CloseReasonExtension{Code: binary.BigEndian.Uint16(payload[2:4])}
			}
		default:
			// Unknown extensions are skipped, not fatal (forward
			// compatibility is not spec.md §1's concern, but dropping
			// the whole datagram over an unrecognized extension would
			// be needlessly fragile).
		}
		off += length
		extType = next
	}
	s.Payload = append([]byte(nil), b[off:]...)
	return s, nil
}
