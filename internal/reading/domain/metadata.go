package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Kind tags the variant held by a JSONValue.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// JSONValue is a JSON document node. The zero value is null.
type JSONValue struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []JSONValue
	obj  Metadata
}

func Null() JSONValue { return JSONValue{} }
func Bool(v bool) JSONValue { return JSONValue{kind: KindBool, b: v} }
func Number(v float64) JSONValue { return JSONValue{kind: KindNumber, n: v} }
func String(v string) JSONValue { return JSONValue{kind: KindString, s: v} }
func Array(items ...JSONValue) JSONValue { return JSONValue{kind: KindArray, arr: items} }
func Object(fields Metadata) JSONValue { return JSONValue{kind: KindObject, obj: fields} }

func (v JSONValue) Kind() Kind { return v.kind }

func (v JSONValue) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v JSONValue) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v JSONValue) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v JSONValue) AsArray() ([]JSONValue, bool) { return v.arr, v.kind == KindArray }
func (v JSONValue) AsObject() (Metadata, bool) { return v.obj, v.kind == KindObject }

func (v JSONValue) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v JSONValue) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("metadata: non-finite number %v", v.n)
		}
		buf.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
	case KindString:
		encoded, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return v.obj.encode(buf)
	default:
		return fmt.Errorf("metadata: unknown kind %d", v.kind)
	}
	return nil
}

func (v *JSONValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Field is one key/value pair of a Metadata object.
type Field struct {
	Key   string
	Value JSONValue
}

// Metadata is a JSON object that keeps its keys in insertion order.
type Metadata []Field

// Get returns the value stored under key.
func (m Metadata) Get(key string) (JSONValue, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return JSONValue{}, false
}

// Set replaces the value of an existing key in place or appends a new one.
func (m Metadata) Set(key string, value JSONValue) Metadata {
	for i := range m {
		if m[i].Key == key {
			m[i].Value = value
			return m
		}
	}
	return append(m, Field{Key: key, Value: value})
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m Metadata) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, f := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := f.Value.encode(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var v JSONValue
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	switch v.kind {
	case KindNull:
		*m = nil
	case KindObject:
		*m = v.obj
	default:
		return errors.New("metadata: expected a JSON object")
	}
	return nil
}

// Value stores metadata as a JSON document; empty metadata is NULL.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return m.UnmarshalJSON(v)
	case string:
		return m.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("metadata: cannot scan %T", src)
	}
}

func decodeValue(dec *json.Decoder) (JSONValue, error) {
	tok, err := dec.Token()
	if err != nil {
		return JSONValue{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return JSONValue{}, fmt.Errorf("metadata: %w", err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []JSONValue{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return JSONValue{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return JSONValue{}, err
			}
			return Array(items...), nil
		case '{':
			fields := Metadata{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return JSONValue{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return JSONValue{}, errors.New("metadata: object key must be a string")
				}
				value, err := decodeValue(dec)
				if err != nil {
					return JSONValue{}, err
				}
				fields = fields.Set(key, value)
			}
			if _, err := dec.Token(); err != nil {
				return JSONValue{}, err
			}
			return Object(fields), nil
		}
	}
	return JSONValue{}, fmt.Errorf("metadata: unexpected token %v", tok)
}
