// Package resolver decides whether an incoming external change may be
// written locally. It has no side effects.
package resolver

import (
	"encoding/json"

	"leadsync/internal/models"
)

type Action int

const (
	// ActionCreate: no link exists yet for the external id.
	ActionCreate Action = iota
	// ActionApply: the change is based on the state we last synced.
	ActionApply
	// ActionSkip: nothing to write.
	ActionSkip
	// ActionConflict: the change must not be written.
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionApply:
		return "apply"
	case ActionSkip:
		return "skip"
	case ActionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	// Hash is the fingerprint of the incoming current state. It becomes
	// the new sync_hash on create and apply.
	Hash   string
	Reason string
}

// Decide compares an incoming change with the stored link.
//
// Rules, first match wins:
//   - no link: create
//   - link in conflict and current differs from the stored hash: conflict
//   - current matches the stored hash: skip (already applied)
//   - link deleted: skip
//   - vendor sent no previous state: apply
//   - previous matches the stored hash: apply
//   - otherwise: conflict
//
// Payloads that cannot be fingerprinted compare as different.
func Decide(status *models.SyncStatus, current, previous json.RawMessage) Decision {
	currentHash, _ := Fingerprint(current)

	if status == nil {
		return Decision{Action: ActionCreate, Hash: currentHash, Reason: "no sync status"}
	}

	matchesStored := currentHash != "" && currentHash == status.SyncHash

	if status.Status == models.SyncConflicted && !matchesStored {
		return Decision{Action: ActionConflict, Hash: currentHash, Reason: "entity has an unresolved conflict"}
	}
	if matchesStored {
		return Decision{Action: ActionSkip, Hash: currentHash, Reason: "already applied"}
	}
	if status.Status == models.SyncDeleted {
		return Decision{Action: ActionSkip, Hash: currentHash, Reason: "entity deleted"}
	}
	if models.IsAbsent(previous) {
		return Decision{Action: ActionApply, Hash: currentHash, Reason: "no previous state supplied"}
	}

	previousHash, err := Fingerprint(previous)
	if err == nil && previousHash == status.SyncHash {
		return Decision{Action: ActionApply, Hash: currentHash, Reason: "previous state matches"}
	}
	return Decision{Action: ActionConflict, Hash: currentHash, Reason: "previous state diverges from last sync"}
}
