package handlers

import (
	"strings"
	"time"

	"leadsync/internal/models"
)

// Vendor records use different field names; these helpers read the
// Pipedrive name first and the Salesforce name second.

type personFields struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Company   string
	Title     string
}

func readPerson(r models.Record) personFields {
	f := personFields{
		Email:     r.GetEmail("email"),
		FirstName: r.FirstString("first_name", "FirstName"),
		LastName:  r.FirstString("last_name", "LastName"),
		Phone:     firstValue(r, "phone"),
		Company:   r.FirstString("org_name", "Company"),
		Title:     r.FirstString("job_title", "Title"),
	}
	if f.Email == "" {
		f.Email = r.GetEmail("Email")
	}
	if f.Phone == "" {
		f.Phone = r.FirstString("Phone", "MobilePhone")
	}
	if f.Company == "" {
		if account, ok := r["Account"].(map[string]interface{}); ok {
			f.Company = models.Record(account).GetString("Name")
		}
	}
	if f.FirstName == "" && f.LastName == "" {
		f.FirstName, f.LastName = splitName(r.FirstString("name", "Name"))
	}
	return f
}

// apply copies external values onto the lead. Empty external emails never
// clear a known address.
func (f personFields) apply(l *models.Lead) {
	if f.Email != "" {
		l.Email = f.Email
	}
	l.FirstName = f.FirstName
	l.LastName = f.LastName
	l.Phone = f.Phone
	l.Company = f.Company
	l.Title = f.Title
}

type dealFields struct {
	PersonID string
	Status   string
	Stage    string
	Title    string
}

func readDeal(r models.Record) dealFields {
	f := dealFields{
		PersonID: r.FirstString("person_id", "ContactId"),
		Stage:    r.FirstString("stage_id", "StageName"),
		Title:    r.FirstString("title", "Name"),
		Status:   strings.ToLower(r.GetString("status")),
	}
	if f.Status == "" {
		switch {
		case r.GetBool("IsWon"):
			f.Status = "won"
		case r.GetBool("IsClosed"):
			f.Status = "lost"
		case r != nil:
			f.Status = "open"
		}
	}
	return f
}

// leadStatusForDeal maps a deal status to the lead status it implies.
func leadStatusForDeal(dealStatus string) (string, bool) {
	switch dealStatus {
	case "open":
		return models.LeadInPipeline, true
	case "won":
		return models.LeadConverted, true
	case "lost":
		return models.LeadLost, true
	default:
		return "", false
	}
}

type activityFields struct {
	PersonID   string
	Type       string
	Subject    string
	Done       bool
	OccurredAt time.Time
}

func readActivity(r models.Record) activityFields {
	f := activityFields{
		PersonID: r.FirstString("person_id", "WhoId"),
		Type:     normalizeActivityType(r.FirstString("type", "TaskSubtype", "Type")),
		Subject:  r.FirstString("subject", "Subject"),
		Done:     r.GetBool("done"),
	}
	if !f.Done {
		f.Done = strings.EqualFold(r.GetString("Status"), "Completed")
	}
	if f.Type == "" && r.GetString("StartDateTime") != "" {
		f.Type = "meeting"
	}
	if f.Done {
		f.OccurredAt = r.GetTime("marked_as_done_time")
	}
	if f.OccurredAt.IsZero() {
		f.OccurredAt = firstTime(r, "add_time", "ActivityDate", "StartDateTime", "CreatedDate")
	}
	return f
}

func firstTime(r models.Record, keys ...string) time.Time {
	for _, k := range keys {
		if t := r.GetTime(k); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func normalizeActivityType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch t {
	case "call", "meeting", "email", "task":
		return t
	case "event":
		return "meeting"
	default:
		return t
	}
}

// engagementDelta is the score added for a completed activity of a type.
func engagementDelta(activityType string) int {
	switch activityType {
	case "call":
		return 5
	case "meeting":
		return 15
	case "email":
		return 3
	case "task":
		return 1
	default:
		return 0
	}
}

// firstValue reads a plain string or the primary entry of a Pipedrive
// [{"value": ..., "primary": bool}] list.
func firstValue(r models.Record, key string) string {
	switch v := r[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case []interface{}:
		var first string
		for _, item := range v {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			value := models.Record(entry).GetString("value")
			if value == "" {
				continue
			}
			if primary, _ := entry["primary"].(bool); primary {
				return value
			}
			if first == "" {
				first = value
			}
		}
		return first
	}
	return ""
}

func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	first, last, _ := strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}

// PersonEmail returns the normalized email of a vendor person record.
func PersonEmail(r models.Record) string {
	return readPerson(r).Email
}

// ApplyPersonRecord copies a vendor person record onto a lead.
func ApplyPersonRecord(l *models.Lead, r models.Record) {
	readPerson(r).apply(l)
}
