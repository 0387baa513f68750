package models

// Queue processing statuses.
const (
	EventPending    = "pending"
	EventProcessing = "processing"
	EventCompleted  = "completed"
	EventFailed     = "failed"
	EventSkipped    = "skipped"
)

// SyncStatus states.
const (
	SyncSynced     = "synced"
	SyncDeleted    = "deleted"
	SyncConflicted = "conflict"
)

const (
	EntityPerson   = "person"
	EntityDeal     = "deal"
	EntityActivity = "activity"
)

const (
	ObjectPerson       = "person"
	ObjectDeal         = "deal"
	ObjectActivity     = "activity"
	ObjectEmailMessage = "email_message"
	ObjectFollowUp     = "follow_up"
)

const (
	ActionAdded   = "added"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

const (
	VendorPipedrive  = "pipedrive"
	VendorSalesforce = "salesforce"
	VendorEmail      = "email"

	// VendorInternal marks events derived by leadsync itself.
	VendorInternal = "leadsync"
)

// Lead statuses.
const (
	LeadNew        = "new"
	LeadContacted  = "contacted"
	LeadInPipeline = "in_pipeline"
	LeadReplied    = "replied"
	LeadBounced    = "bounced"
	LeadConverted  = "converted"
	LeadLost       = "lost"
	LeadDeleted    = "deleted"
)

const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

const (
	ConflictConcurrentUpdate = "concurrent_update"

	ResolutionKeepLocal      = "keep_local"
	ResolutionAcceptExternal = "accept_external"
)

const (
	// DefaultBatchSize is the number of due events fetched per engine pass.
	DefaultBatchSize = 50

	// MaxEventListLimit caps admin listing queries.
	MaxEventListLimit = 500

	// DeadLetterKey is the Redis list holding frozen events.
	DeadLetterKey = "leadsync:events:deadletter"

	// PassLockKey guards engine passes across processes.
	PassLockKey = "leadsync:engine:pass"
)

// Vendors lists the supported webhook sources.
var Vendors = []string{VendorPipedrive, VendorSalesforce, VendorEmail}

// IsVendor reports whether v is a supported vendor name.
func IsVendor(v string) bool {
	for _, known := range Vendors {
		if known == v {
			return true
		}
	}
	return false
}
