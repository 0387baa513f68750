package vendors

import (
	"encoding/json"
	"strings"

	"leadsync/internal/models"
)

type salesforceParser struct{}

func (salesforceParser) Vendor() string          { return models.VendorSalesforce }
func (salesforceParser) SignatureHeader() string { return "X-Salesforce-Signature" }

type salesforceBody struct {
	SObject        string          `json:"sobject"`
	ChangeType     string          `json:"change_type"`
	RecordID       string          `json:"record_id"`
	Record         json.RawMessage `json:"record"`
	PreviousRecord json.RawMessage `json:"previous_record"`
}

func (salesforceParser) Parse(body []byte) (*Normalized, error) {
	var b salesforceBody
	if err := decode(body, &b); err != nil {
		return nil, err
	}

	object, ok := salesforceObject(b.SObject)
	if !ok {
		return nil, malformed("salesforce: unsupported sobject %q", b.SObject)
	}
	action, ok := salesforceAction(b.ChangeType)
	if !ok {
		return nil, malformed("salesforce: unknown change type %q", b.ChangeType)
	}

	current := present(b.Record)
	previous := present(b.PreviousRecord)
	externalID := firstNonEmpty(b.RecordID, idOf(current, "Id"), idOf(previous, "Id"))
	if externalID == "" {
		return nil, malformed("salesforce: missing record id")
	}

	meta, err := json.Marshal(map[string]string{"sobject": b.SObject, "change_type": b.ChangeType})
	if err != nil {
		return nil, err
	}
	return &Normalized{
		ObjectType: object,
		Action:     action,
		ExternalID: externalID,
		Current:    current,
		Previous:   previous,
		Meta:       meta,
	}, nil
}

func salesforceObject(sobject string) (string, bool) {
	switch strings.ToLower(sobject) {
	case "contact", "lead":
		return models.ObjectPerson, true
	case "opportunity":
		return models.ObjectDeal, true
	case "task", "event":
		return models.ObjectActivity, true
	default:
		return "", false
	}
}

func salesforceAction(changeType string) (string, bool) {
	switch strings.ToUpper(changeType) {
	case "CREATE", "UNDELETE":
		return models.ActionAdded, true
	case "UPDATE":
		return models.ActionUpdated, true
	case "DELETE":
		return models.ActionDeleted, true
	default:
		return "", false
	}
}
