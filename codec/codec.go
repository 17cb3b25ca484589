// Package codec converts cache values to bytes and back. The flags returned
// by Serialize travel with the item (in the storage extras) and tell
// Deserialize how to read the bytes.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// Flag bits. Exactly one encoding bit is set on a serialized value.
const (
	FlagString      uint32 = 1 << 0
	FlagBigInt      uint32 = 1 << 1
	FlagObject      uint32 = 1 << 2
	FlagBytes       uint32 = 1 << 3
	FlagDate        uint32 = 1 << 4
	FlagBoxedString uint32 = 1 << 5

	// FlagCompressed is reserved. Values carrying it are rejected.
	FlagCompressed uint32 = 1 << 31
)

// BoxedString is a string that keeps its own encoding so it can be told
// apart from a plain string after a round-trip, including inside objects.
type BoxedString string

// Codec is what the client calls to marshal values.
type Codec interface {
	Serialize(v any) (data []byte, flags uint32, err error)
	Deserialize(data []byte, flags uint32) (any, error)
}

// DecodeError means stored bytes cannot be read back with their flags.
// It is a data problem: retrying the request will not fix it.
type DecodeError struct {
	Flags  uint32
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("binmemcache: cannot decode value with flags 0x%x: %s", e.Flags, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Default is the codec used when the client config does not name one.
var Default Codec = Typed{}

// Typed encodes strings, *big.Int, []byte, time.Time and BoxedString in
// their own flag, and anything else as JSON. Inside JSON, those types are
// kept as tagged envelopes so they come back with their Go type.
//
// JSON numbers decode as float64, matching encoding/json.
type Typed struct{}

func (Typed) Serialize(v any) ([]byte, uint32, error) {
	switch val := v.(type) {
	case string:
		return []byte(val), FlagString, nil
	case BoxedString:
		return []byte(val), FlagBoxedString, nil
	case *big.Int:
		if val == nil {
			break
		}
		return []byte(val.String()), FlagBigInt, nil
	case []byte:
		if val == nil {
			break
		}
		return val, FlagBytes, nil
	case time.Time:
		return strconv.AppendInt(nil, val.UnixMilli(), 10), FlagDate, nil
	}

	data, err := json.Marshal(wrap(v))
	if err != nil {
		return nil, 0, fmt.Errorf("binmemcache: cannot encode %T: %w", v, err)
	}
	return data, FlagObject, nil
}

func (Typed) Deserialize(data []byte, flags uint32) (any, error) {
	if flags&FlagCompressed != 0 {
		return nil, &DecodeError{Flags: flags, Reason: "compressed values are not supported"}
	}

	switch {
	case flags&FlagString != 0:
		return string(data), nil
	case flags&FlagBigInt != 0:
		n, ok := new(big.Int).SetString(string(data), 10)
		if !ok {
			return nil, &DecodeError{Flags: flags, Reason: "invalid integer " + strconv.Quote(string(data))}
		}
		return n, nil
	case flags&FlagBytes != 0:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case flags&FlagDate != 0:
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, &DecodeError{Flags: flags, Reason: "invalid date", Err: err}
		}
		return time.UnixMilli(ms), nil
	case flags&FlagBoxedString != 0:
		return BoxedString(data), nil
	case flags&FlagObject != 0:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, &DecodeError{Flags: flags, Reason: "cannot parse object value", Err: err}
		}
		return unwrap(v)
	}
	return nil, &DecodeError{Flags: flags, Reason: "unknown data flag"}
}
