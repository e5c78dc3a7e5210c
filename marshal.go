package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"

	"github.com/godbus/dbus/v5"
)

// unsupportedType is the diagnostic placeholder substituted for a
// value whose D-Bus type has no JSON representation. It is never
// produced for any type that jsonToValue can emit, so it cannot
// appear in a round trip.
const unsupportedType = "unsupported type"

// maxSignalArgs bounds how many top-level arguments are taken from a
// single signal.
const maxSignalArgs = 100

// valueToJSON converts a decoded D-Bus value into the JSON document
// model used on the MQTT side. The result contains only values that
// encoding/json can serialize directly.
//
// Byte arrays (ay) become the tagged object
// {"_type":"bytes","data":"<base64>"} so that binary payloads
// round-trip unambiguously. Variants are unwrapped and converted
// recursively. A value of any other type becomes the string
// "unsupported type".
func valueToJSON(v any) any {
	switch v := v.(type) {
	case string, bool, float64:
		return v
	case byte, int16, uint16, int32, uint32, int64, uint64:
		return v
	case []byte:
		return map[string]any{
			"_type": "bytes",
			"data":  base64.StdEncoding.EncodeToString(v),
		}
	case []string:
		return v
	case []int32:
		return v
	case []dbus.Variant:
		arr := make([]any, 0, len(v))
		for _, elem := range v {
			arr = append(arr, valueToJSON(elem.Value()))
		}
		return arr
	case map[string]string:
		return v
	case map[string]int32:
		return v
	case map[string]dbus.Variant:
		obj := make(map[string]any, len(v))
		for k, elem := range v {
			obj[k] = valueToJSON(elem.Value())
		}
		return obj
	case dbus.Variant:
		return valueToJSON(v.Value())
	default:
		return unsupportedType
	}
}

// jsonToValue converts a decoded JSON value into a D-Bus value
// suitable for use as a method call argument. The input must come
// from a json.Decoder with UseNumber set, so that integers survive
// with full precision.
//
// Integers prefer the signed 32-bit type (i), widening to x when out
// of range; values too large for int64 become unsigned (t). Objects
// carrying the bytes tag are decoded to ay before the generic object
// handling. JSON null has no D-Bus counterpart and maps to the empty
// string.
func jsonToValue(j any) any {
	switch j := j.(type) {
	case string:
		return j
	case bool:
		return j
	case json.Number:
		if i, err := strconv.ParseInt(j.String(), 10, 64); err == nil {
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				return int32(i)
			}
			return i
		}
		if u, err := strconv.ParseUint(j.String(), 10, 64); err == nil {
			if u <= math.MaxUint32 {
				return uint32(u)
			}
			return u
		}
		f, err := j.Float64()
		if err != nil {
			return ""
		}
		return f
	case float64:
		// Reached only for input that bypassed UseNumber.
		return j
	case []any:
		arr := make([]dbus.Variant, 0, len(j))
		for _, elem := range j {
			arr = append(arr, dbus.MakeVariant(jsonToValue(elem)))
		}
		return arr
	case map[string]any:
		if data, ok := taggedBytes(j); ok {
			return data
		}
		obj := make(map[string]dbus.Variant, len(j))
		for k, elem := range j {
			obj[k] = dbus.MakeVariant(jsonToValue(elem))
		}
		return obj
	case nil:
		return ""
	default:
		return ""
	}
}

// taggedBytes reports whether obj is the tagged byte-blob form and if
// so returns the decoded bytes.
func taggedBytes(obj map[string]any) ([]byte, bool) {
	tag, ok := obj["_type"].(string)
	if !ok || tag != "bytes" {
		return nil, false
	}
	data, ok := obj["data"].(string)
	if !ok {
		return nil, false
	}
	return base64Decode(data), true
}

// base64Decode decodes s using the standard base64 alphabet. Unlike
// the strict stdlib decoder it skips whitespace and any other byte
// outside the alphabet, and stops at the first padding byte, so that
// payloads hand-assembled by other bridge peers decode cleanly.
func base64Decode(s string) []byte {
	out := make([]byte, 0, len(s)/4*3)
	var acc uint32
	var bits int
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '=' {
			break
		}
		v := base64Index(c)
		if v < 0 {
			continue
		}
		acc = acc<<6 | uint32(v)
		bits += 6
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>uint(bits)))
		}
	}
	return out
}

func base64Index(c byte) int {
	switch {
	case c >= 'A' && c <= 'Z':
		return int(c - 'A')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 26
	case c >= '0' && c <= '9':
		return int(c-'0') + 52
	case c == '+':
		return 62
	case c == '/':
		return 63
	}
	return -1
}

// signalArgs returns the top-level arguments of a received signal,
// in wire order, bounded at maxSignalArgs. The bus library has
// already decoded arguments of types it does not special-case into
// generic variants, so a signal with exotic arguments is never
// silently truncated; anything beyond the bound is dropped with a
// warning.
func signalArgs(log *slog.Logger, body []any) []any {
	if len(body) <= maxSignalArgs {
		return body
	}
	log.Warn("signal exceeds argument safety limit, truncating",
		"args", len(body), "limit", maxSignalArgs)
	return body[:maxSignalArgs]
}

// marshalPayload converts signal argument values to the JSON array
// payload published on MQTT, one element per argument.
func marshalPayload(values []any) ([]byte, error) {
	arr := make([]any, 0, len(values))
	for _, v := range values {
		arr = append(arr, valueToJSON(v))
	}
	return json.Marshal(arr)
}

// unmarshalPayload parses an inbound MQTT payload into method call
// arguments. A JSON array yields one argument per element; any other
// JSON document yields a single argument.
func unmarshalPayload(payload []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if arr, ok := doc.([]any); ok {
		args := make([]any, 0, len(arr))
		for _, elem := range arr {
			args = append(args, jsonToValue(elem))
		}
		return args, nil
	}
	return []any{jsonToValue(doc)}, nil
}
