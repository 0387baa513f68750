package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Record is a decoded vendor object. Numbers are kept as json.Number.
type Record map[string]interface{}

// DecodeRecord parses raw into a Record. Absent input yields nil.
func DecodeRecord(raw json.RawMessage) (Record, error) {
	if IsAbsent(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetString returns the value under key as text. Numbers are formatted and
// Pipedrive reference objects ({"value": ...}) are unwrapped.
func (r Record) GetString(key string) string {
	if r == nil {
		return ""
	}
	return stringify(r[key])
}

// FirstString returns the first non-empty value among keys.
func (r Record) FirstString(keys ...string) string {
	for _, k := range keys {
		if v := r.GetString(k); v != "" {
			return v
		}
	}
	return ""
}

func (r Record) GetBool(key string) bool {
	if r == nil {
		return false
	}
	switch v := r[key].(type) {
	case bool:
		return v
	case json.Number:
		return v.String() != "0"
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// GetTime parses RFC 3339 or "2006-01-02 15:04:05" values as UTC.
func (r Record) GetTime(key string) time.Time {
	if r == nil {
		return time.Time{}
	}
	switch v := r[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// GetEmail returns the first address of a field that is either a plain
// string or a Pipedrive list of {"value", "primary"} entries.
func (r Record) GetEmail(key string) string {
	if r == nil {
		return ""
	}
	switch v := r[key].(type) {
	case string:
		return NormalizeEmail(v)
	case []interface{}:
		var first string
		for _, item := range v {
			entry, ok := item.(map[string]interface{})
			if !ok {
				if s, ok := item.(string); ok && first == "" {
					first = s
				}
				continue
			}
			value := stringify(entry["value"])
			if value == "" {
				continue
			}
			if primary, _ := entry["primary"].(bool); primary {
				return NormalizeEmail(value)
			}
			if first == "" {
				first = value
			}
		}
		return NormalizeEmail(first)
	}
	return ""
}

func stringify(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case map[string]interface{}:
		return stringify(v["value"])
	}
	return ""
}
