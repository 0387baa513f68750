package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"leadsync/internal/database"
	"leadsync/internal/events"
	"leadsync/internal/models"
)

// MailKind classifies an inbound message.
type MailKind string

const (
	MailReply     MailKind = "reply"
	MailAutoReply MailKind = "auto_reply"
	MailBounce    MailKind = "bounce"
)

const replyScore = 10

// InboundEmail is the relay message stored as the current state of an
// email_message event.
type InboundEmail struct {
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	To        []string          `json:"to"`
	Subject   string            `json:"subject"`
	Text      string            `json:"text"`
	Headers   map[string]string `json:"headers"`
	InReplyTo string            `json:"in_reply_to"`
}

// Header returns a header value, matching the name case-insensitively.
func (m *InboundEmail) Header(name string) string {
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var (
	bounceSubjects = []string{
		"undeliverable",
		"undelivered mail",
		"delivery status notification",
		"delivery failure",
		"mail delivery failed",
		"returned mail",
		"failure notice",
	}
	autoReplySubjects = []string{
		"out of office",
		"out of the office",
		"automatic reply",
		"auto-reply",
		"autoreply",
		"auto reply",
		"away from the office",
		"on vacation",
	}
	bounceSenders = []string{"mailer-daemon", "postmaster"}

	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// Classify decides whether a message is a bounce, an auto-reply or a human
// reply. For bounces it also returns the address that failed, if found.
func Classify(m *InboundEmail) (MailKind, string) {
	sender := senderAddress(m.From)
	local, _, _ := strings.Cut(sender, "@")
	subject := strings.ToLower(m.Subject)

	isBounce := containsAny(local, bounceSenders) || containsAny(subject, bounceSubjects)
	if isBounce {
		return MailBounce, failedRecipient(m, sender)
	}

	if auto := strings.ToLower(m.Header("Auto-Submitted")); auto != "" && auto != "no" {
		return MailAutoReply, ""
	}
	if m.Header("X-Autoreply") != "" || m.Header("X-Autorespond") != "" {
		return MailAutoReply, ""
	}
	if containsAny(subject, autoReplySubjects) {
		return MailAutoReply, ""
	}
	return MailReply, ""
}

func failedRecipient(m *InboundEmail, sender string) string {
	if h := m.Header("X-Failed-Recipients"); h != "" {
		first, _, _ := strings.Cut(h, ",")
		return models.NormalizeEmail(first)
	}
	for _, candidate := range emailPattern.FindAllString(m.Text, -1) {
		addr := models.NormalizeEmail(candidate)
		local, _, _ := strings.Cut(addr, "@")
		if addr == sender || containsAny(local, bounceSenders) {
			continue
		}
		return addr
	}
	return ""
}

func senderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return models.NormalizeEmail(addr.Address)
	}
	return models.NormalizeEmail(strings.Trim(from, "<> "))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// EmailMessageAdded applies an inbound message to the lead it concerns.
// Messages from unknown senders complete without changes.
func (s *Set) EmailMessageAdded(ctx context.Context, e *models.QueuedEvent) error {
	p, err := e.DecodePayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var msg InboundEmail
	if err := json.Unmarshal(p.Current, &msg); err != nil {
		return fmt.Errorf("%w: email: %v", ErrInvalidPayload, err)
	}

	kind, failed := Classify(&msg)
	address := senderAddress(msg.From)
	if kind == MailBounce {
		address = failed
	}
	if address == "" {
		s.logger.Debug().Int64("event_id", e.ID).Str("kind", string(kind)).Msg("No address to match, ignoring message")
		return nil
	}

	lead, err := s.db.GetLeadByEmail(ctx, e.WorkspaceID, address)
	if errors.Is(err, database.ErrNotFound) {
		s.logger.Debug().Int64("event_id", e.ID).Str("kind", string(kind)).Msg("Unknown sender, ignoring message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find lead for message: %w", err)
	}
	if lead.DeletedAt != nil {
		return nil
	}

	dedupKey := "email:" + messageKey(&msg, p.Current)
	var inserted bool

	err = s.db.InTx(ctx, func(q *database.Queries) error {
		inserted, err = q.InsertActivity(ctx, &models.Activity{
			WorkspaceID:  e.WorkspaceID,
			LeadID:       &lead.ID,
			ActivityType: "email_" + string(kind),
			DedupKey:     dedupKey,
			Description:  msg.Subject,
			Metadata: map[string]interface{}{
				"message_id":  msg.MessageID,
				"in_reply_to": msg.InReplyTo,
				"from":        msg.From,
			},
			OccurredAt: s.now(),
		})
		if err != nil {
			return err
		}

		switch kind {
		case MailReply:
			if inserted {
				if err := q.AddEngagement(ctx, lead.ID, replyScore); err != nil {
					return err
				}
			}
			return s.markLead(ctx, q, lead, models.LeadReplied, "replied")
		case MailBounce:
			return s.markLead(ctx, q, lead, models.LeadBounced, "bounced")
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("apply %s message: %w", kind, err)
	}

	if inserted {
		payload := events.LeadPayload{
			LeadID:      lead.ID,
			WorkspaceID: e.WorkspaceID,
			Email:       lead.Email,
			MessageID:   msg.MessageID,
		}
		switch kind {
		case MailReply:
			payload.Status = models.LeadReplied
			s.publish(events.EventLeadReplied, payload)
		case MailBounce:
			payload.Status = models.LeadBounced
			s.publish(events.EventLeadBounced, payload)
		}
	}
	return nil
}

// markLead sets the status and tag. Converted leads keep their status.
func (s *Set) markLead(ctx context.Context, q *database.Queries, lead *models.Lead, status, tag string) error {
	fresh, err := q.GetLead(ctx, lead.WorkspaceID, lead.ID)
	if err != nil {
		return err
	}
	changed := false
	if fresh.Status != status && fresh.Status != models.LeadConverted {
		fresh.Status = status
		changed = true
	}
	if !fresh.HasTag(tag) {
		fresh.AddTag(tag)
		changed = true
	}
	if !changed {
		return nil
	}
	return q.UpdateLead(ctx, fresh)
}

func messageKey(m *InboundEmail, raw json.RawMessage) string {
	if id := strings.Trim(strings.TrimSpace(m.MessageID), "<>"); id != "" {
		return strings.ToLower(id)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}
