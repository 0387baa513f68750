package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/models"
)

func tagging(tag string, seen *string) Handler {
	return func(_ context.Context, _ *models.QueuedEvent) error {
		*seen = tag
		return nil
	}
}

func fullHandlers(seen *string) Handlers {
	return Handlers{
		PersonAdded:       tagging("person.added", seen),
		PersonUpdated:     tagging("person.updated", seen),
		PersonDeleted:     tagging("person.deleted", seen),
		DealAdded:         tagging("deal.added", seen),
		DealUpdated:       tagging("deal.updated", seen),
		DealDeleted:       tagging("deal.deleted", seen),
		ActivityAdded:     tagging("activity.added", seen),
		ActivityUpdated:   tagging("activity.updated", seen),
		ActivityDeleted:   tagging("activity.deleted", seen),
		EmailMessageAdded: tagging("email_message.added", seen),
		FollowUpAdded:     tagging("follow_up.added", seen),
	}
}

func TestNewRejectsMissingHandler(t *testing.T) {
	var seen string
	h := fullHandlers(&seen)
	h.DealDeleted = nil

	_, err := New(h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deal.deleted")
}

func TestLookupEveryRoute(t *testing.T) {
	var seen string
	r, err := New(fullHandlers(&seen))
	require.NoError(t, err)

	for _, route := range Routes {
		object, action := route.Pair()
		h, ok := r.Lookup(object, action)
		require.True(t, ok, route.String())
		require.NoError(t, h(context.Background(), &models.QueuedEvent{}))
		assert.Equal(t, route.String(), seen, "route %s dispatched to wrong handler", route)

		resolved, ok := Resolve(object, action)
		require.True(t, ok)
		assert.Equal(t, route, resolved)
	}
}

func TestLookupUnknown(t *testing.T) {
	var seen string
	r, err := New(fullHandlers(&seen))
	require.NoError(t, err)

	for _, pair := range [][2]string{
		{"organization", "added"},
		{"person", "merged"},
		{"", ""},
		{"email_message", "deleted"},
	} {
		h, ok := r.Lookup(pair[0], pair[1])
		assert.False(t, ok)
		assert.Nil(t, h)
		assert.False(t, Supports(pair[0], pair[1]))
	}
}

func TestRouteString(t *testing.T) {
	assert.Equal(t, "follow_up.added", FollowUpAdded.String())
	assert.Equal(t, "unknown.unknown", Route(99).String())
}
