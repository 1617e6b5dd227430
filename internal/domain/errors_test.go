package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

func TestErrorKindAndRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		kind      string
		retryable bool
	}{
		{"nil", nil, "", false},
		{
			"rate limited provider",
			&domain.ProviderFetchError{Provider: "apify", Op: "start run", StatusCode: 429, Retryable: true},
			domain.KindProviderFetchFailed, true,
		},
		{
			"provider not found",
			fmt.Errorf("harvest: %w", &domain.ProviderFetchError{Provider: "apify", Op: "start run", StatusCode: 404}),
			domain.KindProviderFetchFailed, false,
		},
		{"model failure", &domain.ModelInvocationError{Model: "claude-3-haiku"}, domain.KindModelInvocationFailed, true},
		{"insufficient credits", fmt.Errorf("debit: %w", domain.ErrInsufficientCredits), domain.KindInsufficientCredits, false},
		{"run in progress", domain.ErrRunAlreadyInProgress, domain.KindRunAlreadyInProgress, false},
		{"unknown user", domain.ErrUserNotFound, domain.KindUserNotFound, false},
		{"inactive source", domain.ErrSourceInactive, domain.KindSourceInactive, false},
		{"missing item", domain.ErrContentItemNotFound, domain.KindNotFound, false},
		{"bad payload", fmt.Errorf("%w: empty", domain.ErrInvalidPayload), domain.KindInvalidInput, false},
		{"partial persist", fmt.Errorf("%w after 2 of 5 items: disk full", domain.ErrPersistFailed), domain.KindPersistFailed, true},
		{"job timeout", fmt.Errorf("%w: context deadline exceeded", domain.ErrJobTimeout), domain.KindTimeout, true},
		{"unknown model", domain.ErrUnknownModel, domain.KindInvalidInput, false},
		{"unknown error", errors.New("connection reset by peer"), domain.KindInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.kind, domain.ErrorKind(tt.err))
			assert.Equal(t, tt.retryable, domain.IsRetryable(tt.err))
		})
	}
}

func TestProviderFetchError_MessageAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &domain.ProviderFetchError{Provider: "apify", Op: "poll run", StatusCode: 503, Retryable: true, Err: cause}

	assert.Equal(t, "apify poll run failed (status 503): boom", err.Error())
	assert.ErrorIs(t, err, cause)
}
