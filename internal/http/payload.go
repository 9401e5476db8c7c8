package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

// payload validates a JSON request body field by field and collects the
// canonical values into a message. Every problem is recorded so the
// producer sees all of them at once.
type payload struct {
	raw  map[string]json.RawMessage
	out  protocol.Message
	seen map[string]bool
	errs []error
}

func readPayload(body io.Reader) (*payload, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	p := &payload{raw: make(map[string]json.RawMessage), out: protocol.Message{}, seen: make(map[string]bool)}
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p.raw); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return p, nil
}

// isNull reports whether the field is present with a JSON null value.
func (p *payload) isNull(name string) bool {
	raw, ok := p.raw[name]
	return ok && bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// field returns the raw value, treating null as absent.
func (p *payload) field(name string, required bool) (json.RawMessage, bool) {
	p.seen[name] = true
	raw, ok := p.raw[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if required {
			p.errs = append(p.errs, fmt.Errorf("%s is required", name))
		}
		return nil, false
	}
	return raw, true
}

func (p *payload) decode(raw json.RawMessage) (interface{}, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Int coerces the field to an integer.
func (p *payload) Int(name string, required bool) (int64, bool) {
	raw, ok := p.field(name, required)
	if !ok {
		return 0, false
	}
	v, err := p.decode(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return 0, false
	}
	n, ok := protocol.ToInt(v)
	if !ok {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer", name))
		return 0, false
	}
	p.out[name] = n
	return n, true
}

// Number coerces the field to a float.
func (p *payload) Number(name string, required bool) {
	raw, ok := p.field(name, required)
	if !ok {
		return
	}
	v, err := p.decode(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	f, ok := protocol.ToFloat(v)
	if !ok {
		p.errs = append(p.errs, fmt.Errorf("%s must be a number", name))
		return
	}
	p.out[name] = f
}

// String requires the field to be a JSON string.
func (p *payload) String(name string, required bool) {
	raw, ok := p.field(name, required)
	if !ok {
		return
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a string", name))
		return
	}
	p.out[name] = s
}

// Bool accepts a JSON boolean.
func (p *payload) Bool(name string, required bool) (bool, bool) {
	raw, ok := p.field(name, required)
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a boolean", name))
		return false, false
	}
	p.out[name] = b
	return b, true
}

// Structured accepts an object or array, or a string holding the JSON
// encoding of one. A string that does not parse is rejected.
func (p *payload) Structured(name string, required bool) {
	raw, ok := p.field(name, required)
	if !ok {
		return
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		trimmed = bytes.TrimSpace([]byte(encoded))
	}
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		p.errs = append(p.errs, fmt.Errorf("%s must be a JSON object or array", name))
		return
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s is not valid JSON: %w", name, err))
		return
	}
	p.out[name] = v
}

// Any copies the field as decoded JSON.
func (p *payload) Any(name string, required bool) {
	raw, ok := p.field(name, required)
	if !ok {
		return
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	p.out[name] = v
}

// Err returns every validation problem joined, or nil.
func (p *payload) Err() error {
	return errors.Join(p.errs...)
}

// Message returns the validated fields.
func (p *payload) Message() protocol.Message {
	return p.out
}

// PassThrough copies body fields no validator looked at into the message
// as decoded JSON, so producers can attach extra data. Keys in skip are
// left out.
func (p *payload) PassThrough(skip ...string) {
	for name, raw := range p.raw {
		if p.seen[name] || slices.Contains(skip, name) {
			continue
		}
		v, err := p.decode(raw)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		p.out[name] = v
	}
}
