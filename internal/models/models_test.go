package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpers(t *testing.T) {
	raw := json.RawMessage(`{
		"id": 42,
		"person_id": {"value": 7, "name": "Ann"},
		"name": " Ann Lee ",
		"done": true,
		"active_flag": "1",
		"add_time": "2025-01-01 10:00:00",
		"update_time": "2025-01-02T10:00:00+03:00",
		"value": 1500.5,
		"email": [{"value": "other@x.io", "primary": false}, {"value": "ANN@X.IO", "primary": true}]
	}`)

	r, err := DecodeRecord(raw)
	require.NoError(t, err)

	t.Run("NilRecord", func(t *testing.T) {
		var nilRec Record
		assert.Equal(t, "", nilRec.GetString("any"))
		assert.True(t, nilRec.GetTime("any").IsZero())
	})

	t.Run("GetString", func(t *testing.T) {
		assert.Equal(t, "42", r.GetString("id"))
		assert.Equal(t, "7", r.GetString("person_id"))
		assert.Equal(t, "Ann Lee", r.GetString("name"))
		assert.Equal(t, "1500.5", r.GetString("value"))
		assert.Equal(t, "", r.GetString("missing"))
		assert.Equal(t, "Ann Lee", r.FirstString("missing", "name"))
	})

	t.Run("GetBool", func(t *testing.T) {
		assert.True(t, r.GetBool("done"))
		assert.False(t, r.GetBool("missing"))
	})

	t.Run("GetTime", func(t *testing.T) {
		assert.Equal(t, 2025, r.GetTime("add_time").Year())
		assert.Equal(t, 7, r.GetTime("update_time").Hour())
		assert.Equal(t, time.UTC, r.GetTime("update_time").Location())
		assert.True(t, r.GetTime("name").IsZero())
	})

	t.Run("GetEmail", func(t *testing.T) {
		assert.Equal(t, "ann@x.io", r.GetEmail("email"))
		plain := Record{"email": " Bob@Y.io "}
		assert.Equal(t, "bob@y.io", plain.GetEmail("email"))
	})
}

func TestDecodeRecordAbsent(t *testing.T) {
	r, err := DecodeRecord(json.RawMessage("null"))
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = DecodeRecord(json.RawMessage("[1,2]"))
	assert.Error(t, err)
}

func TestSubscriptionAccepts(t *testing.T) {
	all := WebhookSubscription{}
	assert.True(t, all.Accepts("deal", "added"))

	filtered := WebhookSubscription{EventFilters: []string{"person.*", "deal.updated"}}
	assert.True(t, filtered.Accepts("person", "deleted"))
	assert.True(t, filtered.Accepts("deal", "updated"))
	assert.False(t, filtered.Accepts("deal", "added"))
}

func TestLeadTags(t *testing.T) {
	l := &Lead{}
	l.AddTag("replied")
	l.AddTag("Replied")
	l.AddTag("")
	assert.Equal(t, []string{"replied"}, l.Tags)
}

func TestQueuedEventPayload(t *testing.T) {
	e := &QueuedEvent{ID: 1, Payload: json.RawMessage(`{"current":{"id":1},"previous":null}`)}
	p, err := e.DecodePayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(p.Current))
	assert.True(t, IsAbsent(p.Previous))

	bad := &QueuedEvent{ID: 2, Payload: json.RawMessage(`{`)}
	_, err = bad.DecodePayload()
	assert.Error(t, err)
}

func TestIsVendor(t *testing.T) {
	assert.True(t, IsVendor("pipedrive"))
	assert.False(t, IsVendor("hubspot"))
}

func TestSyncConflictState(t *testing.T) {
	assert.Equal(t, "conflict", SyncConflicted)

	c := &SyncConflict{ID: 1, EntityType: EntityPerson}
	assert.True(t, c.IsOpen())
	now := time.Now()
	c.ResolvedAt = &now
	assert.False(t, c.IsOpen())
}
