package domain

import "time"

// RunStatus is the lifecycle state of a harvest run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSucceeded, RunFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a finalized status.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Run is the bookkeeping record of one harvest of one source.
type Run struct {
	ID            string     `db:"id"             json:"id"`
	SourceID      string     `db:"source_id"      json:"source_id"`
	Status        RunStatus  `db:"status"         json:"status"`
	StartedAt     time.Time  `db:"started_at"     json:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"    json:"finished_at,omitempty"`
	ItemsFound    int        `db:"items_found"    json:"items_found"`
	ItemsCreated  int        `db:"items_created"  json:"items_created"`
	ItemsEnqueued int        `db:"items_enqueued" json:"items_enqueued"`
	ItemsSkipped  SkipCounts `db:"items_skipped"  json:"items_skipped"`
	ErrorKind     *string    `db:"error_kind"     json:"error_kind,omitempty"`
	ErrorMessage  *string    `db:"error_message"  json:"error_message,omitempty"`
}

// Duration returns the elapsed run time, or zero while running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunOutcome is the final accounting of a run passed to Finish.
type RunOutcome struct {
	Status   RunStatus
	Found    int
	Created  int
	Enqueued int
	Skipped  SkipCounts
	Err      error
}

// RunStats aggregates runs over a window.
type RunStats struct {
	Total         int `db:"total"          json:"total"`
	Running       int `db:"running"        json:"running"`
	Succeeded     int `db:"succeeded"      json:"succeeded"`
	Failed        int `db:"failed"         json:"failed"`
	ItemsFound    int `db:"items_found"    json:"items_found"`
	ItemsCreated  int `db:"items_created"  json:"items_created"`
	ItemsEnqueued int `db:"items_enqueued" json:"items_enqueued"`
}
