package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType selects the handler that processes a job.
type JobType string

const (
	JobHarvestSource JobType = "HARVEST_SOURCE"
	JobEnrichItem    JobType = "ENRICH_ITEM"
	JobTest          JobType = "TEST_JOB"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobHarvestSource, JobEnrichItem, JobTest:
		return true
	default:
		return false
	}
}

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// Job is a durable unit of work.
type Job struct {
	ID          string          `db:"id"           json:"id"`
	Type        JobType         `db:"type"         json:"type"`
	Payload     json.RawMessage `db:"payload"      json:"payload"`
	UserID      string          `db:"user_id"      json:"user_id"`
	Status      JobStatus       `db:"status"       json:"status"`
	Attempts    int             `db:"attempts"     json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	LastError   *string         `db:"last_error"   json:"last_error,omitempty"`
	ErrorKind   *string         `db:"error_kind"   json:"error_kind,omitempty"`
	EnqueuedAt  time.Time       `db:"enqueued_at"  json:"enqueued_at"`
	VisibleAt   time.Time       `db:"visible_at"   json:"visible_at"`
	LockedBy    *string         `db:"locked_by"    json:"locked_by,omitempty"`
	LockedUntil *time.Time      `db:"locked_until" json:"locked_until,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `db:"updated_at"   json:"updated_at"`
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// HasAttemptsLeft reports whether another dispatch is allowed.
func (j *Job) HasAttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// HarvestSourcePayload is the payload of HARVEST_SOURCE.
type HarvestSourcePayload struct {
	SourceID string `json:"sourceId"`
}

// EnrichItemPayload is the payload of ENRICH_ITEM.
type EnrichItemPayload struct {
	ContentItemID string `json:"contentItemId"`
}

// TestJobPayload is the payload of TEST_JOB.
type TestJobPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// JobStats counts jobs per status.
type JobStats struct {
	Queued    int `db:"queued"    json:"queued"`
	Running   int `db:"running"   json:"running"`
	Completed int `db:"completed" json:"completed"`
	Failed    int `db:"failed"    json:"failed"`
}
