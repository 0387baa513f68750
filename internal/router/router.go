// Package router maps (object_type, action) pairs to entity handlers.
package router

import (
	"context"
	"fmt"

	"leadsync/internal/models"
)

// Handler processes one queued event. It must be idempotent.
type Handler func(ctx context.Context, event *models.QueuedEvent) error

// Route is one supported (object_type, action) pair.
type Route int

const (
	PersonAdded Route = iota
	PersonUpdated
	PersonDeleted
	DealAdded
	DealUpdated
	DealDeleted
	ActivityAdded
	ActivityUpdated
	ActivityDeleted
	EmailMessageAdded
	FollowUpAdded
)

// Routes lists every route in declaration order.
var Routes = []Route{
	PersonAdded, PersonUpdated, PersonDeleted,
	DealAdded, DealUpdated, DealDeleted,
	ActivityAdded, ActivityUpdated, ActivityDeleted,
	EmailMessageAdded,
	FollowUpAdded,
}

func (r Route) String() string {
	object, action := r.Pair()
	return object + "." + action
}

// Pair returns the object type and action of the route.
func (r Route) Pair() (string, string) {
	switch r {
	case PersonAdded:
		return models.ObjectPerson, models.ActionAdded
	case PersonUpdated:
		return models.ObjectPerson, models.ActionUpdated
	case PersonDeleted:
		return models.ObjectPerson, models.ActionDeleted
	case DealAdded:
		return models.ObjectDeal, models.ActionAdded
	case DealUpdated:
		return models.ObjectDeal, models.ActionUpdated
	case DealDeleted:
		return models.ObjectDeal, models.ActionDeleted
	case ActivityAdded:
		return models.ObjectActivity, models.ActionAdded
	case ActivityUpdated:
		return models.ObjectActivity, models.ActionUpdated
	case ActivityDeleted:
		return models.ObjectActivity, models.ActionDeleted
	case EmailMessageAdded:
		return models.ObjectEmailMessage, models.ActionAdded
	case FollowUpAdded:
		return models.ObjectFollowUp, models.ActionAdded
	default:
		return "unknown", "unknown"
	}
}

// Handlers has one field per route. Adding a route means adding a field
// here, so a missing handler is a compile error at the construction site.
type Handlers struct {
	PersonAdded       Handler
	PersonUpdated     Handler
	PersonDeleted     Handler
	DealAdded         Handler
	DealUpdated       Handler
	DealDeleted       Handler
	ActivityAdded     Handler
	ActivityUpdated   Handler
	ActivityDeleted   Handler
	EmailMessageAdded Handler
	FollowUpAdded     Handler
}

// Router is immutable after New.
type Router struct {
	handlers Handlers
}

// New refuses a Handlers value with any nil field.
func New(h Handlers) (*Router, error) {
	r := &Router{handlers: h}
	for _, route := range Routes {
		if r.handler(route) == nil {
			return nil, fmt.Errorf("router: no handler for %s", route)
		}
	}
	return r, nil
}

// Resolve maps an (object_type, action) pair to its route.
func Resolve(objectType, action string) (Route, bool) {
	switch objectType + "." + action {
	case "person.added":
		return PersonAdded, true
	case "person.updated":
		return PersonUpdated, true
	case "person.deleted":
		return PersonDeleted, true
	case "deal.added":
		return DealAdded, true
	case "deal.updated":
		return DealUpdated, true
	case "deal.deleted":
		return DealDeleted, true
	case "activity.added":
		return ActivityAdded, true
	case "activity.updated":
		return ActivityUpdated, true
	case "activity.deleted":
		return ActivityDeleted, true
	case "email_message.added":
		return EmailMessageAdded, true
	case "follow_up.added":
		return FollowUpAdded, true
	default:
		return 0, false
	}
}

// Lookup returns the handler for an event type, or (nil, false) when the
// pair is not supported. It never fails otherwise.
func (r *Router) Lookup(objectType, action string) (Handler, bool) {
	route, ok := Resolve(objectType, action)
	if !ok {
		return nil, false
	}
	h := r.handler(route)
	return h, h != nil
}

// Supports reports whether Lookup would find a handler.
func Supports(objectType, action string) bool {
	_, ok := Resolve(objectType, action)
	return ok
}

func (r *Router) handler(route Route) Handler {
	switch route {
	case PersonAdded:
		return r.handlers.PersonAdded
	case PersonUpdated:
		return r.handlers.PersonUpdated
	case PersonDeleted:
		return r.handlers.PersonDeleted
	case DealAdded:
		return r.handlers.DealAdded
	case DealUpdated:
		return r.handlers.DealUpdated
	case DealDeleted:
		return r.handlers.DealDeleted
	case ActivityAdded:
		return r.handlers.ActivityAdded
	case ActivityUpdated:
		return r.handlers.ActivityUpdated
	case ActivityDeleted:
		return r.handlers.ActivityDeleted
	case EmailMessageAdded:
		return r.handlers.EmailMessageAdded
	case FollowUpAdded:
		return r.handlers.FollowUpAdded
	default:
		return nil
	}
}
