// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package codec converts cell values to and from their stored form.
//
// Stored cells are plain byte strings. Scalars are stored as their textual
// form and composite values as JSON text, so that cells written by other
// tools (or by hand) remain readable: anything that does not parse as JSON
// is returned as a string, unchanged.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	// NOTE encoding/json is used for encoding and strict validation,
	// json-iterator is faster for decoding.
	jsoniter "github.com/json-iterator/go"
)

var decoder = jsoniter.Config{UseNumber: true}.Froze()

// ErrCounterSize is returned by Counter for cells that are not 8 bytes long.
var ErrCounterSize = errors.New("counter cell must be 8 bytes")

// ErrNonFinite is returned by ValueOf for NaN and infinite floats, which
// have no JSON form.
var ErrNonFinite = errors.New("non-finite number")

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindStructured:
		return "structured"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a cell value. Values are comparable with ==.
//
// For KindString, s holds the string itself. For every other kind except
// KindNull, s holds the JSON text of the value.
type Value struct {
	kind Kind
	s    string
}

// Null returns the null Value, which is also what reads of absent cells
// return.
func Null() Value { return Value{} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Number returns a numeric Value holding n.
func Number(n json.Number) Value { return Value{kind: KindNumber, s: n.String()} }

// Int returns a numeric Value holding i.
func Int(i int64) Value { return Value{kind: KindNumber, s: strconv.FormatInt(i, 10)} }

// Float returns a numeric Value holding f. NaN and infinities have no JSON
// form and are coerced to Null; use ValueOf to reject them instead.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	return Value{kind: KindNumber, s: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, s: strconv.FormatBool(b)} }

// Structured returns a Value holding a JSON object or array. raw must be
// valid UTF-8 JSON; it is compacted.
func Structured(raw json.RawMessage) (Value, error) {
	if !utf8.Valid(raw) {
		return Value{}, errors.New("invalid structured value: invalid UTF-8")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Value{}, fmt.Errorf("invalid structured value: %w", err)
	}
	return classify(buf.Bytes()), nil
}

// ValueOf converts a Go value into a Value. Strings, numbers and booleans
// map to the matching scalar kinds, nil to Null, Values are returned as is,
// and everything else is marshalled to JSON. NaN and infinite floats are
// rejected with ErrNonFinite, as json.Marshal rejects them.
func ValueOf(v any) (Value, error) {
	switch v := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case []byte:
		return String(string(v)), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint32:
		return Int(int64(v)), nil
	case float32:
		return finiteFloat(float64(v))
	case float64:
		return finiteFloat(v)
	case json.Number:
		return Number(v), nil
	case json.RawMessage:
		return Structured(v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return classify(data), nil
}

func finiteFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: %v", ErrNonFinite, f)
	}
	return Float(f), nil
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null Value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// String returns the string form of v: the string itself for KindString,
// the JSON text for other kinds, and "" for KindNull.
func (v Value) String() string { return v.s }

// Int64 returns v as an integer, if v is an integral number.
func (v Value) Int64() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	i, err := strconv.ParseInt(v.s, 10, 64)
	return i, err == nil
}

// Float64 returns v as a float, if v is a number.
func (v Value) Float64() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.s, 64)
	return f, err == nil
}

// Unmarshal decodes v into out, which must be a pointer.
func (v Value) Unmarshal(out any) error {
	if v.kind == KindString {
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		return decoder.Unmarshal(data, out)
	}
	if v.kind == KindNull {
		return decoder.Unmarshal([]byte("null"), out)
	}
	return decoder.Unmarshal([]byte(v.s), out)
}

// Interface returns v as a plain Go value: nil, string, json.Number, bool,
// or the decoded map/slice of a structured value.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return json.Number(v.s)
	case KindBool:
		return v.s == "true"
	case KindStructured:
		var out any
		if err := decoder.UnmarshalFromString(v.s, &out); err != nil {
			return v.s
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.s)
	}
	return []byte(v.s), nil
}

// Encode returns the stored form of v.
//
// Strings are stored bare unless they are empty or would themselves parse
// as JSON, in which case they are stored JSON-quoted. Strings that are not
// valid UTF-8 are always stored bare, since quoting would replace their
// invalid bytes. This keeps Decode(Encode(v)) == v for every Value while
// leaving ordinary text human-readable in the store.
func Encode(v Value) []byte {
	switch v.kind {
	case KindNull:
		return []byte{}
	case KindString:
		if v.s == "" || (utf8.ValidString(v.s) && json.Valid([]byte(v.s))) {
			data, _ := json.Marshal(v.s)
			return data
		}
		return []byte(v.s)
	}
	return []byte(v.s)
}

// Decode returns the Value stored in data. Decode never fails: data that is
// not valid UTF-8 JSON is returned as a string.
func Decode(data []byte) Value {
	if len(data) == 0 {
		return Null()
	}
	if !utf8.Valid(data) || !json.Valid(data) {
		return String(string(data))
	}
	return classify(data)
}

// classify maps valid JSON text to a Value.
func classify(data []byte) Value {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Null()
	}
	switch trimmed[0] {
	case 'n':
		return Null()
	case 't', 'f':
		return Value{kind: KindBool, s: string(trimmed)}
	case '"':
		var s string
		if err := decoder.Unmarshal(trimmed, &s); err != nil {
			return String(string(data))
		}
		return String(s)
	case '{', '[':
		return Value{kind: KindStructured, s: string(trimmed)}
	}
	return Value{kind: KindNumber, s: string(trimmed)}
}

// PutCounter returns the stored form of a counter cell: an 8-byte
// big-endian two's complement integer, as used by Bigtable increments.
func PutCounter(n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

// Counter decodes a counter cell. An empty cell decodes as zero.
func Counter(data []byte) (int64, error) {
	switch len(data) {
	case 0:
		return 0, nil
	case 8:
		return int64(binary.BigEndian.Uint64(data)), nil
	}
	return 0, fmt.Errorf("%w, got %d", ErrCounterSize, len(data))
}
