package codec

import (
	"math/big"
	"strconv"
	"time"
)

// Envelope tags stay byte-compatible with other clients sharing the cache.
const (
	tagPrefix      = "iomem:43571"
	tagBigInt      = tagPrefix + ":36"
	tagDate        = tagPrefix + ":72"
	tagBytes       = tagPrefix + ":114"
	tagBoxedString = tagPrefix + ":150"
)

type envelope struct {
	T string `json:"t"`
	D any    `json:"d"`
}

// wrap replaces typed leaves of maps and slices with envelopes. Other
// values, structs included, are left to encoding/json.
func wrap(v any) any {
	switch val := v.(type) {
	case *big.Int:
		if val == nil {
			return nil
		}
		return envelope{T: tagBigInt, D: val.String()}
	case time.Time:
		return envelope{T: tagDate, D: strconv.FormatInt(val.UnixMilli(), 10)}
	case []byte:
		if val == nil {
			return nil
		}
		d := make([]int, len(val))
		for i, b := range val {
			d[i] = int(b)
		}
		return envelope{T: tagBytes, D: d}
	case BoxedString:
		return envelope{T: tagBoxedString, D: string(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = wrap(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = wrap(e)
		}
		return out
	}
	return v
}

// unwrap is the inverse of wrap over a decoded JSON tree.
func unwrap(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if t, ok := val["t"].(string); ok && len(val) == 2 {
			if d, ok := val["d"]; ok {
				if out, ok, err := openEnvelope(t, d); ok || err != nil {
					return out, err
				}
			}
		}
		for k, e := range val {
			u, err := unwrap(e)
			if err != nil {
				return nil, err
			}
			val[k] = u
		}
		return val, nil
	case []any:
		for i, e := range val {
			u, err := unwrap(e)
			if err != nil {
				return nil, err
			}
			val[i] = u
		}
		return val, nil
	}
	return v, nil
}

func openEnvelope(tag string, d any) (any, bool, error) {
	switch tag {
	case tagBigInt:
		s, _ := d.(string)
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, true, &DecodeError{Flags: FlagObject, Reason: "invalid embedded integer"}
		}
		return n, true, nil
	case tagDate:
		s, _ := d.(string)
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, true, &DecodeError{Flags: FlagObject, Reason: "invalid embedded date", Err: err}
		}
		return time.UnixMilli(ms), true, nil
	case tagBytes:
		items, ok := d.([]any)
		if !ok {
			return nil, true, &DecodeError{Flags: FlagObject, Reason: "invalid embedded bytes"}
		}
		out := make([]byte, len(items))
		for i, item := range items {
			f, ok := item.(float64)
			if !ok || f < 0 || f > 255 {
				return nil, true, &DecodeError{Flags: FlagObject, Reason: "invalid embedded bytes"}
			}
			out[i] = byte(f)
		}
		return out, true, nil
	case tagBoxedString:
		s, ok := d.(string)
		if !ok {
			return nil, true, &DecodeError{Flags: FlagObject, Reason: "invalid embedded string"}
		}
		return BoxedString(s), true, nil
	}
	return nil, false, nil
}
