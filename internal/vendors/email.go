package vendors

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"leadsync/internal/models"
)

type emailParser struct{}

func (emailParser) Vendor() string          { return models.VendorEmail }
func (emailParser) SignatureHeader() string { return "X-Inbound-Email-Signature" }

// inboundEmail accepts "to" as a single address or a list.
type inboundEmail struct {
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	To        json.RawMessage   `json:"to"`
	Subject   string            `json:"subject"`
	Text      string            `json:"text"`
	Headers   map[string]string `json:"headers"`
	InReplyTo string            `json:"in_reply_to"`
}

type storedEmail struct {
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	To        []string          `json:"to"`
	Subject   string            `json:"subject"`
	Text      string            `json:"text"`
	Headers   map[string]string `json:"headers,omitempty"`
	InReplyTo string            `json:"in_reply_to,omitempty"`
}

func (emailParser) Parse(body []byte) (*Normalized, error) {
	var m inboundEmail
	if err := decode(body, &m); err != nil {
		return nil, err
	}
	if strings.TrimSpace(m.From) == "" {
		return nil, malformed("email: missing sender")
	}

	to, err := recipients(m.To)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(m.MessageID)
	if id == "" {
		sum := sha256.Sum256(body)
		id = "sha256:" + hex.EncodeToString(sum[:16])
	}

	current, err := json.Marshal(storedEmail{
		MessageID: id,
		From:      m.From,
		To:        to,
		Subject:   m.Subject,
		Text:      m.Text,
		Headers:   m.Headers,
		InReplyTo: m.InReplyTo,
	})
	if err != nil {
		return nil, err
	}

	return &Normalized{
		ObjectType: models.ObjectEmailMessage,
		Action:     models.ActionAdded,
		ExternalID: id,
		Current:    current,
	}, nil
}

func recipients(raw json.RawMessage) ([]string, error) {
	if models.IsAbsent(raw) {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, malformed("email: invalid recipients")
	}
	return many, nil
}
