package registry

import (
	"testing"

	"harvester/internal/adapters"

	"github.com/stretchr/testify/assert"
)

func TestNextOnFailure(t *testing.T) {
	cases := []struct {
		name       string
		kind       adapters.ErrorKind
		retryCount int
		maxRetries int
		want       Status
	}{
		{"transient with retries left", adapters.KindTransient, 0, 3, StatusPending},
		{"transient second attempt", adapters.KindTransient, 1, 3, StatusPending},
		{"transient budget spent", adapters.KindTransient, 2, 3, StatusExhausted},
		{"throttled behaves like transient", adapters.KindThrottled, 0, 3, StatusPending},
		{"throttled budget spent", adapters.KindThrottled, 2, 3, StatusExhausted},
		{"validation is permanent", adapters.KindValidation, 0, 3, StatusExhausted},
		{"auth is permanent", adapters.KindAuth, 0, 3, StatusExhausted},
		{"single retry budget", adapters.KindTransient, 0, 1, StatusExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NextOnFailure(tc.kind, tc.retryCount, tc.maxRetries))
		})
	}
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(adapters.KindValidation))
	assert.True(t, Permanent(adapters.KindAuth))
	assert.False(t, Permanent(adapters.KindTransient))
	assert.False(t, Permanent(adapters.KindThrottled))
}

func TestCounts(t *testing.T) {
	c := Counts{Pending: 2, Processing: 1, Completed: 5, Failed: 1, Exhausted: 1}
	assert.Equal(t, int64(10), c.Total())
	assert.True(t, c.Active())

	done := Counts{Completed: 9, Exhausted: 1}
	assert.False(t, done.Active())
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{SiteName: "usstoyo", URL: "https://x/lots/1", To: StatusCompleted}
	assert.Contains(t, err.Error(), "completed")
	assert.Contains(t, err.Error(), "usstoyo")
}
