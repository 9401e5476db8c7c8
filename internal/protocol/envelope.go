package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Message is the envelope delivered to connections: a "type" tag plus
// event-specific fields. Messages are treated as immutable once they are
// handed to the run state store or the router.
type Message map[string]interface{}

// NewMessage creates a message of the given type.
func NewMessage(msgType string) Message {
	return Message{"type": msgType}
}

// Type returns the message's type tag, or "" when absent.
func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

// Int returns the named field coerced to an integer.
func (m Message) Int(key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	return ToInt(v)
}

// String returns the named field when it is a string.
func (m Message) String(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Ints returns the named field as a list of integers. Elements that do not
// coerce are skipped.
func (m Message) Ints(key string) []int64 {
	raw, ok := m[key].([]interface{})
	if !ok {
		if typed, ok := m[key].([]int64); ok {
			return typed
		}
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		if n, ok := ToInt(v); ok {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ToInt coerces JSON-decoded values to an integer. Strings holding a
// decimal integer are accepted since producers post ids as form values.
func ToInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		// 2^63 itself is not representable, hence the strict upper bound.
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// ToFloat coerces JSON-decoded values to a float.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
