package vendors

import (
	"encoding/json"
	"strings"

	"leadsync/internal/models"
)

type pipedriveParser struct{}

func (pipedriveParser) Vendor() string          { return models.VendorPipedrive }
func (pipedriveParser) SignatureHeader() string { return "X-Pipedrive-Signature" }

// pipedriveBody covers v1 (current/previous, meta.object) and v2
// (data/previous, meta.entity) webhooks.
type pipedriveBody struct {
	Meta     json.RawMessage `json:"meta"`
	Current  json.RawMessage `json:"current"`
	Data     json.RawMessage `json:"data"`
	Previous json.RawMessage `json:"previous"`
}

func (pipedriveParser) Parse(body []byte) (*Normalized, error) {
	var b pipedriveBody
	if err := decode(body, &b); err != nil {
		return nil, err
	}
	if models.IsAbsent(b.Meta) {
		return nil, malformed("pipedrive: missing meta")
	}
	meta, err := models.DecodeRecord(b.Meta)
	if err != nil {
		return nil, malformed("pipedrive: meta: %v", err)
	}
	action := meta.GetString("action")

	current := present(b.Current)
	previous := present(b.Previous)
	if current == nil {
		current = present(b.Data)
		// v2 previous holds only the changed fields
		if current != nil && previous != nil {
			full, err := overlay(current, previous)
			if err != nil {
				return nil, malformed("pipedrive: previous: %v", err)
			}
			previous = full
		}
	}

	object := strings.ToLower(meta.FirstString("object", "entity"))
	if object == "" {
		return nil, malformed("pipedrive: missing object")
	}
	normalized, ok := pipedriveAction(action)
	if !ok {
		return nil, malformed("pipedrive: unknown action %q", action)
	}

	// v2 meta.id is the delivery id, so entity_id wins
	externalID := meta.FirstString("entity_id", "id")
	if externalID == "" {
		externalID = idOf(current, "id")
	}
	if externalID == "" {
		externalID = idOf(previous, "id")
	}
	if externalID == "" {
		return nil, malformed("pipedrive: missing object id")
	}

	n := &Normalized{
		ObjectType: object,
		Action:     normalized,
		ExternalID: externalID,
		Current:    current,
		Previous:   previous,
		Meta:       b.Meta,
	}

	// a merge removes the merged-away record; the survivor arrives as its own update
	if strings.EqualFold(action, "merged") {
		n.Action = models.ActionDeleted
		if id := idOf(previous, "id"); id != "" {
			n.ExternalID = id
		}
		n.Current = nil
	}
	return n, nil
}

// overlay returns base with the keys of diff written over it.
func overlay(base, diff json.RawMessage) (json.RawMessage, error) {
	var merged, changed map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(diff, &changed); err != nil {
		return nil, err
	}
	if merged == nil {
		merged = make(map[string]json.RawMessage, len(changed))
	}
	for k, v := range changed {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func pipedriveAction(action string) (string, bool) {
	switch strings.ToLower(action) {
	case "added", "create":
		return models.ActionAdded, true
	case "updated", "change":
		return models.ActionUpdated, true
	case "deleted", "delete":
		return models.ActionDeleted, true
	case "merged":
		return models.ActionDeleted, true
	default:
		return "", false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
