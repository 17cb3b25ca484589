// Package protocol implements the memcached binary wire format: the 24-byte
// header, packet encoding and parsing, the opcode and status tables, and a
// streaming decoder for reading packets off a connection.
//
// Request:
//
//	p := &protocol.Packet{
//		Opcode: protocol.OpSet,
//		Key:    []byte("user:1"),
//		Value:  []byte("alice"),
//		Extras: protocol.StorageExtras(0, 3600),
//		Opaque: 7,
//	}
//	conn.Write(protocol.Build(p))
//
// Responses:
//
//	dec := protocol.NewDecoder()
//	dec.Feed(chunk)
//	for {
//		p, err := dec.Next()
//		if err != nil || p == nil {
//			break
//		}
//		// p.Opaque correlates the response with its request
//	}
package protocol
