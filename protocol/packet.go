package protocol

import (
	"encoding/binary"
)

// https://github.com/memcached/memcached/wiki/BinaryProtocolRevamped
//
// Header layout (request and response share it, bytes 6-7 differ):
//
//	Byte/     0       |       1       |       2       |       3       |
//	   /              |               |               |               |
//	  |0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|
//	  +---------------+---------------+---------------+---------------+
//	 0| Magic         | Opcode        | Key length                    |
//	  +---------------+---------------+---------------+---------------+
//	 4| Extras length | Data type     | vbucket id / Status           |
//	  +---------------+---------------+---------------+---------------+
//	 8| Total body length                                             |
//	  +---------------+---------------+---------------+---------------+
//	12| Opaque                                                        |
//	  +---------------+---------------+---------------+---------------+
//	16| CAS                                                           |
//	  |                                                               |
//	  +---------------+---------------+---------------+---------------+
//	  Total 24 bytes
//
// The body follows the header: extras, then key, then value.

// Packet is one decoded or to-be-encoded binary protocol frame.
type Packet struct {
	Magic  uint8
	Opcode Opcode
	Key    []byte
	Value  []byte
	Extras []byte
	// Status is the response status; on requests it carries the vbucket id.
	Status Status
	CAS    uint64
	Opaque uint32
}

// Header is the fixed part of a packet.
type Header struct {
	Magic        uint8
	Opcode       Opcode
	KeyLength    uint16
	ExtrasLength uint8
	DataType     uint8
	Status       Status
	TotalBody    uint32
	Opaque       uint32
	CAS          uint64
}

// Size returns the full frame size described by the header.
func (h Header) Size() int {
	return HeaderLen + int(h.TotalBody)
}

// ParseHeader decodes the first HeaderLen bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, &ParseError{Reason: "short header", Size: len(b)}
	}
	h := Header{
		Magic:        b[0],
		Opcode:       Opcode(b[1]),
		KeyLength:    binary.BigEndian.Uint16(b[2:4]),
		ExtrasLength: b[4],
		DataType:     b[5],
		Status:       Status(binary.BigEndian.Uint16(b[6:8])),
		TotalBody:    binary.BigEndian.Uint32(b[8:12]),
		Opaque:       binary.BigEndian.Uint32(b[12:16]),
		CAS:          binary.BigEndian.Uint64(b[16:24]),
	}
	if h.Magic != MagicRequest && h.Magic != MagicResponse {
		return h, ErrBadMagic
	}
	return h, nil
}

// Len returns the encoded size of p.
func (p *Packet) Len() int {
	return HeaderLen + len(p.Extras) + len(p.Key) + len(p.Value)
}

// AppendPacket appends the wire encoding of p to dst.
// A zero Magic is encoded as MagicRequest.
func AppendPacket(dst []byte, p *Packet) []byte {
	magic := p.Magic
	if magic == 0 {
		magic = MagicRequest
	}
	body := len(p.Extras) + len(p.Key) + len(p.Value)

	var h [HeaderLen]byte
	h[0] = magic
	h[1] = byte(p.Opcode)
	binary.BigEndian.PutUint16(h[2:4], uint16(len(p.Key)))
	h[4] = uint8(len(p.Extras))
	binary.BigEndian.PutUint16(h[6:8], uint16(p.Status))
	binary.BigEndian.PutUint32(h[8:12], uint32(body))
	binary.BigEndian.PutUint32(h[12:16], p.Opaque)
	binary.BigEndian.PutUint64(h[16:24], p.CAS)

	dst = append(dst, h[:]...)
	dst = append(dst, p.Extras...)
	dst = append(dst, p.Key...)
	dst = append(dst, p.Value...)
	return dst
}

// Build returns the wire encoding of p.
func Build(p *Packet) []byte {
	return AppendPacket(make([]byte, 0, p.Len()), p)
}

// Parse decodes exactly one packet from b. The slices of the returned
// packet alias b.
func Parse(b []byte) (*Packet, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if int(h.TotalBody) != len(b)-HeaderLen {
		return nil, &ParseError{Reason: "body length mismatch", Size: len(b)}
	}
	valueLen := int(h.TotalBody) - int(h.KeyLength) - int(h.ExtrasLength)
	if valueLen < 0 {
		return nil, &ParseError{Reason: "negative value length", Size: len(b)}
	}

	body := b[HeaderLen:]
	extrasEnd := int(h.ExtrasLength)
	keyEnd := extrasEnd + int(h.KeyLength)

	p := &Packet{
		Magic:  h.Magic,
		Opcode: h.Opcode,
		Status: h.Status,
		CAS:    h.CAS,
		Opaque: h.Opaque,
	}
	if extrasEnd > 0 {
		p.Extras = body[:extrasEnd]
	}
	if keyEnd > extrasEnd {
		p.Key = body[extrasEnd:keyEnd]
	}
	if valueLen > 0 {
		p.Value = body[keyEnd:]
	}
	return p, nil
}

// StorageExtras encodes flags and expiry for set, add, replace and cas.
func StorageExtras(flags, expiry uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], expiry)
	return b
}

// CounterExtras encodes delta, initial value and expiry for incr and decr.
func CounterExtras(delta, initial uint64, expiry uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], expiry)
	return b
}

// ExpiryExtras encodes a single expiry, used by touch, gat and flush.
func ExpiryExtras(expiry uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, expiry)
	return b
}

// Flags returns the item flags carried by a retrieval response.
func (p *Packet) Flags() uint32 {
	if len(p.Extras) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(p.Extras[0:4])
}

// Counter returns the value of an incr/decr response.
func (p *Packet) Counter() (uint64, error) {
	if len(p.Value) != 8 {
		return 0, &ParseError{Reason: "counter value is not 8 bytes", Size: len(p.Value)}
	}
	return binary.BigEndian.Uint64(p.Value), nil
}
