package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04:05"
)

var (
	ErrEmptyEventValue     = errors.New("event value is empty")
	ErrEventValueNotObject = errors.New("event value must be a JSON object")
)

// EventValue is the send-template payload stored in scheduled_events.value.
// Unknown keys are not preserved; the raw column is what gets sent.
type EventValue struct {
	BgID                  json.RawMessage `json:"bg_id,omitempty"`
	Template              json.RawMessage `json:"template,omitempty"`
	BusinessPhoneNumberID json.RawMessage `json:"business_phone_number_id,omitempty"`
	PhoneNumbers          PhoneNumbers    `json:"phoneNumbers"`
}

// PhoneNumbers accepts recipients written either as JSON strings or as bare numbers
type PhoneNumbers []string

// UnmarshalJSON implements json.Unmarshaler
func (p *PhoneNumbers) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("phoneNumbers must be an array: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("invalid phone number %s", string(item))
		}
		out = append(out, n.String())
	}
	*p = out
	return nil
}

// TemplateName returns template.name or an empty string when absent
func (v *EventValue) TemplateName() string {
	if len(v.Template) == 0 {
		return ""
	}
	var t struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(v.Template, &t); err != nil {
		return ""
	}
	return t.Name
}

// NormalizeEventValue returns the JSON object bytes of a value column.
// Writers outside this service sometimes store the object double-encoded as a JSON string.
func NormalizeEventValue(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrEmptyEventValue
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("invalid JSON in value field: %w", err)
		}
		trimmed = bytes.TrimSpace([]byte(inner))
		if len(trimmed) == 0 {
			return nil, ErrEmptyEventValue
		}
	}
	if trimmed[0] != '{' {
		return nil, ErrEventValueNotObject
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("invalid JSON in value field")
	}
	return trimmed, nil
}

// ParseEventValue decodes a value column into an EventValue
func ParseEventValue(raw []byte) (*EventValue, error) {
	obj, err := NormalizeEventValue(raw)
	if err != nil {
		return nil, err
	}
	var v EventValue
	if err := json.Unmarshal(obj, &v); err != nil {
		return nil, fmt.Errorf("failed to decode event value: %w", err)
	}
	return &v, nil
}

// ParseDate parses a 2006-01-02 calendar date
func ParseDate(s string) (datatypes.Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return datatypes.Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return datatypes.Date(t), nil
}

// ParseClock parses a time of day in 15:04:05 or 15:04 form
func ParseClock(s string) (datatypes.Time, error) {
	for _, layout := range []string{ClockLayout, "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return datatypes.NewTime(t.Hour(), t.Minute(), t.Second(), 0), nil
		}
	}
	return datatypes.Time(0), fmt.Errorf("invalid time %q", s)
}

// FormatClock renders a time of day as 15:04:05
func FormatClock(t datatypes.Time) string {
	d := time.Duration(t)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return pad2(h) + ":" + pad2(m) + ":" + pad2(s)
}

func pad2(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}
