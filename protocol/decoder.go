package protocol

import (
	"io"
)

// Decoder turns a byte stream into packets. It accumulates partial frames
// between reads. A Decoder is not safe for concurrent use: one connection
// has exactly one decoder, driven by one reader.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 4096)}
}

// Feed appends a chunk read from the stream.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet, or nil when more bytes are needed.
// On a bad magic byte the whole accumulator is discarded and ErrBadMagic is
// returned; the stream is not recoverable after that.
func (d *Decoder) Next() (*Packet, error) {
	if len(d.buf) < HeaderLen {
		return nil, nil
	}
	h, err := ParseHeader(d.buf)
	if err != nil {
		d.buf = d.buf[:0]
		return nil, err
	}
	size := h.Size()
	if len(d.buf) < size {
		return nil, nil
	}

	frame := make([]byte, size)
	copy(frame, d.buf[:size])
	n := copy(d.buf, d.buf[size:])
	d.buf = d.buf[:n]

	return Parse(frame)
}

// ReadPacket reads from r until one packet is decoded.
func (d *Decoder) ReadPacket(r io.Reader, scratch []byte) (*Packet, error) {
	for {
		p, err := d.Next()
		if err != nil || p != nil {
			return p, err
		}
		n, err := r.Read(scratch)
		if n > 0 {
			d.Feed(scratch[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}
