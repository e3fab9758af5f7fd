package tlv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxLength is the largest frame value accepted by a [Decoder] unless
// overridden with [WithMaxLength]. It comfortably fits a 20 ms 16 kHz stereo
// 32-bit block.
const DefaultMaxLength = 4096

// DecoderOption configures a [Decoder].
type DecoderOption func(*Decoder)

// WithMaxLength sets the largest accepted value length. Values outside
// (0, [MaxValueLength]] are ignored.
func WithMaxLength(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 && n <= MaxValueLength {
			d.maxLength = n
		}
	}
}

// Decoder reads consecutive frames from a byte stream.
// It is not safe for concurrent use.
type Decoder struct {
	r         *bufio.Reader
	maxLength int
	hdr       [HeaderSize]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:         bufio.NewReader(r),
		maxLength: DefaultMaxLength,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Next reads the next frame. It returns [io.EOF] when the stream ends cleanly
// on a frame boundary and [io.ErrUnexpectedEOF] when it ends inside a frame.
//
// When the length field exceeds the configured maximum, Next returns an error
// wrapping [ErrFrameTooLong] without consuming the value; the stream is then
// most likely misaligned and the caller should call [Decoder.Resync].
func (d *Decoder) Next() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return Frame{}, err
	}
	tag := Tag(d.hdr[0])
	n := int(binary.LittleEndian.Uint16(d.hdr[1:]))
	if n > d.maxLength {
		return Frame{}, fmt.Errorf("%w: tag 0x%02X length %d > %d", ErrFrameTooLong, uint8(tag), n, d.maxLength)
	}

	value := make([]byte, n)
	if _, err := io.ReadFull(d.r, value); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Tag: tag, Value: value}, nil
}

// Resync discards input up to the next recognisable frame boundary: a
// complete SYNC frame, or a TIMESTAMP header whose value is followed by a
// PCM_BLOCK header within the length limit. The boundary frame itself is
// left in the stream for the following [Decoder.Next]. Resync returns the
// number of bytes discarded.
// SYNC is sent once per stream; every PCM_BLOCK is preceded by a TIMESTAMP.
func (d *Decoder) Resync() (int, error) {
	skipped := 0
	for {
		b, err := d.r.Peek(resyncWindow)
		if err != nil && (err != io.EOF || len(b) < HeaderSize) {
			n, _ := d.r.Discard(len(b))
			return skipped + n, err
		}
		if d.boundary(b) {
			return skipped, nil
		}
		if _, err := d.r.Discard(1); err != nil {
			return skipped, err
		}
		skipped++
	}
}

// resyncWindow covers a TIMESTAMP frame plus the header that follows it.
const resyncWindow = 2*HeaderSize + TimestampLength

// boundary reports whether b starts a frame Resync can lock onto. b may be
// shorter than resyncWindow at the end of the stream.
func (d *Decoder) boundary(b []byte) bool {
	if bytes.HasPrefix(b, syncPattern) {
		return true
	}
	if !bytes.HasPrefix(b, timestampHeader) {
		return false
	}
	if len(b) < resyncWindow {
		return true
	}
	next := b[HeaderSize+TimestampLength:]
	return Tag(next[0]) == TagPCM && int(binary.LittleEndian.Uint16(next[1:])) <= d.maxLength
}
