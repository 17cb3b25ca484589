package protocol

import (
	"errors"
	"strconv"
)

// ErrBadMagic is returned when a header does not start with a known magic byte.
// The stream it came from cannot be resynchronized.
var ErrBadMagic = errors.New("binmemcache: bad magic byte")

// ParseError reports a frame whose length fields do not match its bytes.
type ParseError struct {
	Reason string
	Size   int
}

func (e *ParseError) Error() string {
	return "binmemcache: malformed packet: " + e.Reason + " (" + strconv.Itoa(e.Size) + " bytes)"
}

// StatusError is a response status outside success and the expected misses.
type StatusError struct {
	Opcode Opcode
	Status Status
	// Message is the server-provided body, when any.
	Message string
}

func (e *StatusError) Error() string {
	msg := "binmemcache: " + e.Opcode.String() + ": " + e.Status.String()
	if e.Message != "" && e.Message != e.Status.String() {
		msg += ": " + e.Message
	}
	return msg
}

// IsProtocolError reports whether err means the byte stream is corrupt.
// Connections that produced such an error must be torn down.
func IsProtocolError(err error) bool {
	var pe *ParseError
	return errors.Is(err, ErrBadMagic) || errors.As(err, &pe)
}
