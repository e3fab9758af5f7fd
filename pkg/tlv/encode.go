package tlv

import (
	"encoding/binary"
	"io"
)

// header returns the encoded tag and little-endian length for a value of n bytes.
func header(tag Tag, n int) ([HeaderSize]byte, error) {
	var hdr [HeaderSize]byte
	if n > MaxValueLength {
		return hdr, ErrValueTooLong
	}
	hdr[0] = byte(tag)
	binary.LittleEndian.PutUint16(hdr[1:], uint16(n))
	return hdr, nil
}

// WriteFrame writes one frame to w one byte at a time, the way a polled UART
// transmits. It returns the first write error; a frame interrupted by an error
// is left partially written.
func WriteFrame(w io.ByteWriter, tag Tag, value []byte) error {
	hdr, err := header(tag, len(value))
	if err != nil {
		return err
	}
	for _, b := range hdr {
		if err := w.WriteByte(b); err != nil {
			return err
		}
	}
	for _, b := range value {
		if err := w.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// Write is shorthand for [WriteFrame] with f's tag and value.
func (f Frame) Write(w io.ByteWriter) error {
	return WriteFrame(w, f.Tag, f.Value)
}

// AppendFrame appends the encoding of one frame to dst and returns the
// extended slice.
func AppendFrame(dst []byte, tag Tag, value []byte) ([]byte, error) {
	hdr, err := header(tag, len(value))
	if err != nil {
		return dst, err
	}
	dst = append(dst, hdr[:]...)
	return append(dst, value...), nil
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (f Frame) MarshalBinary() ([]byte, error) {
	return AppendFrame(make([]byte, 0, f.Len()), f.Tag, f.Value)
}
