package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed length of a frame header on the wire.
// Layout, little-endian: u64 timestamp, u32 payload size, u32 sequence id.
const HeaderSize = 16

var ErrPayloadTooLarge = errors.New("payload exceeds limit")

// Header precedes every payload on a sensor stream.
type Header struct {
	Timestamp uint64
	Size      uint32
	Seq       uint32
}

// ParseHeader decodes a header from exactly HeaderSize bytes.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("header: got %d bytes, want %d", len(b), HeaderSize)
	}
	return Header{
		Timestamp: binary.LittleEndian.Uint64(b[0:8]),
		Size:      binary.LittleEndian.Uint32(b[8:12]),
		Seq:       binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// AppendHeader appends the wire form of h to b.
func AppendHeader(b []byte, h Header) []byte {
	b = binary.LittleEndian.AppendUint64(b, h.Timestamp)
	b = binary.LittleEndian.AppendUint32(b, h.Size)
	return binary.LittleEndian.AppendUint32(b, h.Seq)
}

// ReadHeader reads one header, accumulating partial reads. A stream that
// ends before HeaderSize bytes returns io.EOF (nothing read) or
// io.ErrUnexpectedEOF.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return ParseHeader(buf[:])
}

// ReadPayload reads exactly h.Size bytes into buf (grown if needed) and
// returns the filled slice. Sizes above limit are rejected before reading.
func ReadPayload(r io.Reader, h Header, limit int, buf []byte) ([]byte, error) {
	n := int(h.Size)
	if limit > 0 && n > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limit)
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("payload seq %d: %w", h.Seq, err)
	}
	return buf, nil
}

// WriteFrame writes a header followed by payload. Size is taken from the
// payload length.
func WriteFrame(w io.Writer, timestamp uint64, seq uint32, payload []byte) error {
	msg := make([]byte, 0, HeaderSize+len(payload))
	msg = AppendHeader(msg, Header{Timestamp: timestamp, Size: uint32(len(payload)), Seq: seq})
	msg = append(msg, payload...)
	_, err := w.Write(msg)
	return err
}
