// Package vendors turns vendor webhook bodies into normalized changes.
package vendors

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"leadsync/internal/models"
)

// ErrMalformedPayload marks bodies that cannot be normalized.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Normalized is a vendor change in the shape stored on a QueuedEvent.
type Normalized struct {
	ObjectType string
	Action     string
	ExternalID string
	Current    json.RawMessage
	Previous   json.RawMessage
	Meta       json.RawMessage
}

// Payload returns the stored event payload.
func (n *Normalized) Payload() (json.RawMessage, error) {
	raw, err := json.Marshal(models.EventPayload{
		Current:  n.Current,
		Previous: n.Previous,
		Meta:     n.Meta,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Parser normalizes the webhook body of one vendor.
type Parser interface {
	Vendor() string
	SignatureHeader() string
	Parse(body []byte) (*Normalized, error)
}

var parsers = map[string]Parser{
	models.VendorPipedrive:  pipedriveParser{},
	models.VendorSalesforce: salesforceParser{},
	models.VendorEmail:      emailParser{},
}

// Lookup returns the parser of a vendor.
func Lookup(vendor string) (Parser, bool) {
	p, ok := parsers[vendor]
	return p, ok
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func decode(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return malformed("%v", err)
	}
	if dec.More() {
		return malformed("trailing data after JSON body")
	}
	return nil
}

// present drops absent values so "null" is never stored as a state.
func present(raw json.RawMessage) json.RawMessage {
	if models.IsAbsent(raw) {
		return nil
	}
	return raw
}

// idOf reads a scalar id from a raw JSON object.
func idOf(raw json.RawMessage, keys ...string) string {
	r, err := models.DecodeRecord(raw)
	if err != nil || r == nil {
		return ""
	}
	return r.FirstString(keys...)
}
