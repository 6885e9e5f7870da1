// Package row turns history events into the fixed-shape rows rendered by the
// dashboard table.
//
// A Row keeps its display fields in column order and carries the event's
// creation time in a hidden trailing "timestamp" field, which the midnight
// refresh uses to re-derive the relative-day labels.
package row

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// TimestampField is the hidden column appended to every row.
const TimestampField = "timestamp"

// Field is one named display value. A nil Value means the event did not
// carry the field; it is serialized as JSON null.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Row is a single table line.
type Row struct {
	Fields    []Field
	Timestamp int64
}

// Get returns the value of the named display field.
func (r *Row) Get(name string) (json.RawMessage, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// GetString decodes the named field as a string. Missing, null and
// non-string values yield ("", false).
func (r *Row) GetString(name string) (string, bool) {
	raw, ok := r.Get(name)
	if !ok || raw == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// SetString overwrites an existing field with a string value. It reports
// false when the row has no such column; columns are never added.
func (r *Row) SetString(name, value string) bool {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			b, _ := json.Marshal(value)
			r.Fields[i].Value = b
			return true
		}
	}
	return false
}

// Names returns the row's keys in serialization order, the hidden
// timestamp included.
func (r *Row) Names() []string {
	out := make([]string, 0, len(r.Fields)+1)
	for _, f := range r.Fields {
		out = append(out, f.Name)
	}
	return append(out, TimestampField)
}

// Clone returns a deep copy.
func (r Row) Clone() Row {
	fields := make([]Field, len(r.Fields))
	for i, f := range r.Fields {
		fields[i].Name = f.Name
		if f.Value != nil {
			fields[i].Value = append(json.RawMessage(nil), f.Value...)
		}
	}
	return Row{Fields: fields, Timestamp: r.Timestamp}
}

// MarshalJSON writes the fields in order followed by the timestamp.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, f := range r.Fields {
		if err := writeKey(&buf, f.Name); err != nil {
			return nil, err
		}
		if f.Value == nil {
			buf.WriteString("null")
		} else if err := json.Compact(&buf, f.Value); err != nil {
			return nil, fmt.Errorf("row: field %q: %w", f.Name, err)
		}
		buf.WriteByte(',')
	}
	if err := writeKey(&buf, TimestampField); err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, "%d}", r.Timestamp)
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, name string) error {
	k, err := json.Marshal(name)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	return nil
}

// ErrNoTimestamp is returned when a serialized row lacks a usable
// timestamp field.
var ErrNoTimestamp = errors.New("row: missing or non-integer timestamp")

// UnmarshalJSON restores a row written by MarshalJSON, keeping key order.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("row: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("row: expected object, got %v", tok)
	}

	var (
		fields []Field
		ts     int64
		haveTS bool
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("row: %w", err)
		}
		name, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("row: field %q: %w", name, err)
		}

		if name == TimestampField {
			if len(raw) == 0 || raw[0] == '"' {
				return ErrNoTimestamp
			}
			v, err := json.Number(raw).Int64()
			if err != nil {
				return ErrNoTimestamp
			}
			ts, haveTS = v, true
			continue
		}
		if string(raw) == "null" {
			raw = nil
		}
		fields = append(fields, Field{Name: name, Value: raw})
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return fmt.Errorf("row: %w", err)
	}
	if !haveTS {
		return ErrNoTimestamp
	}

	r.Fields = fields
	r.Timestamp = ts
	return nil
}
