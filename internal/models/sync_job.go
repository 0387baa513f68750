package models

import (
	"encoding/json"
	"time"
)

const (
	DuplicateSkip      = "skip"
	DuplicateUpdate    = "update"
	DuplicateCreateNew = "create_new"
)

// SyncJobOptions controls a bulk sync run.
type SyncJobOptions struct {
	BatchSize         int    `json:"batch_size"`
	Concurrency       int    `json:"concurrency"`
	DryRun            bool   `json:"dry_run"`
	DuplicateStrategy string `json:"duplicate_strategy"`
}

// SyncJob is a durable bulk import of person records.
type SyncJob struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Vendor      string          `json:"vendor"`
	Status      string          `json:"status"`
	Options     SyncJobOptions  `json:"options"`
	Entities    json.RawMessage `json:"-"`
	Total       int             `json:"total"`
	Processed   int             `json:"processed"`
	Created     int             `json:"created"`
	Updated     int             `json:"updated"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	LastError   *string         `json:"last_error"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at"`
}

// IsTerminal reports whether the job will make no further progress.
func (j *SyncJob) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}
