// Package bundle assembles incident bundles: self-verifying archives an
// auditor can re-check offline. A bundle fixes a wall-clock window,
// collects the verified log slice, state snapshots and diffs for that
// window, and seals everything under a content hash computed over a
// canonical serialization.
package bundle

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Canonical serialization rules for the seal: JSON with sorted keys, no
// whitespace, no newlines, integers in decimal, byte fields as
// lowercase hex. The encoder accepts the closed value set the bundle
// document uses; anything else is a programming fault.

// hexBytes marks a value to be rendered as a lowercase-hex JSON string.
type hexBytes []byte

// appendCanonical appends the canonical encoding of v to buf.
func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, k)
			buf = append(buf, ':')
			var err error
			if buf, err = appendCanonical(buf, val[k]); err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return appendCanonical(buf, m)
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			if buf, err = appendCanonical(buf, item); err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case string:
		return appendJSONString(buf, val), nil
	case hexBytes:
		dst := make([]byte, hex.EncodedLen(len(val)))
		hex.Encode(dst, val)
		buf = append(buf, '"')
		buf = append(buf, dst...)
		return append(buf, '"'), nil
	case uint64:
		return strconv.AppendUint(buf, val, 10), nil
	case int:
		return strconv.AppendInt(buf, int64(val), 10), nil
	case bool:
		return strconv.AppendBool(buf, val), nil
	default:
		return nil, fmt.Errorf("canonical encoding does not cover %T", v)
	}
}

// appendJSONString appends the JSON encoding of s: no trailing newline,
// escaping exactly as encoding/json produces it, which is deterministic
// for a given input.
func appendJSONString(buf []byte, s string) []byte {
	b, _ := json.Marshal(s)
	return append(buf, b...)
}

// Canonical returns the canonical byte serialization of a document.
func Canonical(doc map[string]any) ([]byte, error) {
	return appendCanonical(nil, doc)
}
