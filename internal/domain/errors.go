package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the ledger, queue, runs and harvester.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrUserNotFound         = errors.New("user not found")
	ErrRunAlreadyInProgress = errors.New("run already in progress for source")
	// ErrDuplicateItem marks an ingestion that hit the dedup key. Callers treat it as success.
	ErrDuplicateItem = errors.New("content item already ingested")

	ErrSourceNotFound      = errors.New("tracking source not found")
	ErrSourceInactive      = errors.New("tracking source is inactive")
	ErrContentItemNotFound = errors.New("content item not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrRunNotFound         = errors.New("run not found")

	// ErrRunFinalized is returned when finishing a run that already left running.
	ErrRunFinalized = errors.New("run already finalized")
	// ErrLockLost is returned when a worker acks or fails a job it no longer holds.
	ErrLockLost = errors.New("job lock lost")

	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInvalidReason  = errors.New("unknown credit reason code")
	ErrInvalidJobType = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrInvalidSource  = errors.New("invalid tracking source")
	ErrUnknownModel   = errors.New("unknown model")

	// ErrPersistFailed marks a harvest that stopped while writing items. Written rows stay.
	ErrPersistFailed = errors.New("failed to persist harvested items")
	// ErrJobTimeout marks a handler cut off by the worker's job timeout.
	ErrJobTimeout = errors.New("job exceeded its timeout")
)

// Error kinds recorded in jobs.error_kind and parse_runs.error_kind.
const (
	KindProviderFetchFailed   = "ProviderFetchFailed"
	KindModelInvocationFailed = "ModelInvocationFailed"
	KindInsufficientCredits   = "InsufficientCredits"
	KindRunAlreadyInProgress  = "RunAlreadyInProgress"
	KindUserNotFound          = "UserNotFound"
	KindNotFound              = "NotFound"
	KindInvalidInput          = "InvalidInput"
	KindSourceInactive        = "SourceInactive"
	KindPersistFailed         = "PersistFailed"
	KindLockExpired           = "LockExpired"
	KindAbandoned             = "Abandoned"
	KindTimeout               = "Timeout"
	KindInternal              = "Internal"
)

// ProviderFetchError is any failure of the external scraping provider.
type ProviderFetchError struct {
	Provider   string
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderFetchError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderFetchError) Unwrap() error { return e.Err }

// ModelInvocationError is any failure of the external model provider.
type ModelInvocationError struct {
	Model      string
	StatusCode int
	Detail     string
	Err        error
}

func (e *ModelInvocationError) Error() string {
	msg := "model invocation failed for " + e.Model
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }

// ErrorKind names the taxonomy bucket of err. It returns "" for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var fetchErr *ProviderFetchError
	var modelErr *ModelInvocationError

	switch {
	case errors.As(err, &fetchErr):
		return KindProviderFetchFailed
	case errors.As(err, &modelErr):
		return KindModelInvocationFailed
	case errors.Is(err, ErrInsufficientCredits):
		return KindInsufficientCredits
	case errors.Is(err, ErrRunAlreadyInProgress):
		return KindRunAlreadyInProgress
	case errors.Is(err, ErrUserNotFound):
		return KindUserNotFound
	case errors.Is(err, ErrSourceInactive):
		return KindSourceInactive
	case errors.Is(err, ErrPersistFailed):
		return KindPersistFailed
	case errors.Is(err, ErrJobTimeout):
		return KindTimeout
	case errors.Is(err, ErrSourceNotFound), errors.Is(err, ErrContentItemNotFound),
		errors.Is(err, ErrJobNotFound), errors.Is(err, ErrRunNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrInvalidJobType), errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrInvalidSource), errors.Is(err, ErrUnknownModel):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// IsRetryable reports whether redispatching the job that produced err can succeed.
// Unknown errors are assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fetchErr *ProviderFetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable
	}

	switch ErrorKind(err) {
	case KindInsufficientCredits, KindUserNotFound, KindRunAlreadyInProgress,
		KindSourceInactive, KindNotFound, KindInvalidInput:
		return false
	default:
		return true
	}
}
