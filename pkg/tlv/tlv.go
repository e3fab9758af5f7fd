// Package tlv implements the Tag-Length-Value framing used on the pdmlink
// serial wire.
//
// Every frame is a one-byte [Tag], a two-byte little-endian length and exactly
// that many value bytes:
//
//	Frame := Tag(1) Length(2, LE) Value(Length)
//
// A stream starts with a single [TagSync] frame carrying "SYNC" and then
// repeats {[TagTimestamp], [TagPCM]} pairs, one pair per captured block.
// Receivers must trust the length field. After a corrupted length the only
// recognisable boundaries are the SYNC frame and the TIMESTAMP header that
// starts every pair (see [Decoder.Resync]).
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag identifies the kind of value carried by a [Frame].
type Tag uint8

const (
	// TagPCM carries one raw PCM block.
	TagPCM Tag = 0x01

	// TagTimestamp carries a uint32 little-endian millisecond timestamp
	// (milliseconds since device boot).
	TagTimestamp Tag = 0x02

	// TagSync carries the ASCII marker "SYNC" and is emitted once at stream start.
	TagSync Tag = 0x7F
)

// String returns the human-readable name of the tag.
func (t Tag) String() string {
	switch t {
	case TagPCM:
		return "PCM_BLOCK"
	case TagTimestamp:
		return "TIMESTAMP_MS"
	case TagSync:
		return "SYNC"
	default:
		return fmt.Sprintf("TAG_0x%02X", uint8(t))
	}
}

const (
	// HeaderSize is the size of the tag plus length prefix.
	HeaderSize = 3

	// MaxValueLength is the largest value a frame can carry.
	MaxValueLength = 0xFFFF

	// TimestampLength is the value length of a [TagTimestamp] frame.
	TimestampLength = 4
)

// SyncMarker is the value of the [TagSync] frame.
var SyncMarker = []byte("SYNC")

var (
	// ErrValueTooLong is returned when a value does not fit the 16-bit length field.
	ErrValueTooLong = errors.New("tlv: value exceeds 65535 bytes")

	// ErrFrameTooLong is returned by [Decoder.Next] when a frame's length field
	// exceeds the decoder's configured maximum.
	ErrFrameTooLong = errors.New("tlv: frame length exceeds limit")

	// ErrBadTimestamp is returned by [Frame.Timestamp] for frames that are not
	// well-formed timestamp frames.
	ErrBadTimestamp = errors.New("tlv: not a 4-byte timestamp frame")
)

// Frame is a single decoded or to-be-encoded TLV unit.
type Frame struct {
	Tag   Tag
	Value []byte
}

// Len returns the encoded size of f including the header.
func (f Frame) Len() int {
	return HeaderSize + len(f.Value)
}

// Timestamp returns the millisecond value of a [TagTimestamp] frame.
func (f Frame) Timestamp() (uint32, error) {
	if f.Tag != TagTimestamp || len(f.Value) != TimestampLength {
		return 0, ErrBadTimestamp
	}
	return binary.LittleEndian.Uint32(f.Value), nil
}

// SyncFrame returns the stream-start marker frame.
func SyncFrame() Frame {
	return Frame{Tag: TagSync, Value: SyncMarker}
}

// TimestampFrame returns a [TagTimestamp] frame for ms.
func TimestampFrame(ms uint32) Frame {
	v := make([]byte, TimestampLength)
	binary.LittleEndian.PutUint32(v, ms)
	return Frame{Tag: TagTimestamp, Value: v}
}

// PCMFrame returns a [TagPCM] frame referencing pcm without copying it.
func PCMFrame(pcm []byte) Frame {
	return Frame{Tag: TagPCM, Value: pcm}
}

// syncPattern is the full encoded SYNC frame used by [Decoder.Resync].
var syncPattern = []byte{byte(TagSync), byte(len(SyncMarker)), 0, 'S', 'Y', 'N', 'C'}

// timestampHeader is the encoded header of every TIMESTAMP frame.
var timestampHeader = []byte{byte(TagTimestamp), TimestampLength, 0}
