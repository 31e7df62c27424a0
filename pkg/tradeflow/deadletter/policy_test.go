package deadletter_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/deadletter"
	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

func TestPolicy_Decide(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	transient := tferrors.Transient(errors.New("broker timeout"), "execution")
	permanent := tferrors.Permanent(errors.New("insufficient buying power"), "execution")
	policy := deadletter.Policy{MaxAttempts: 3, MaxAge: time.Hour}

	tests := []struct {
		name       string
		attempts   int
		firstAt    time.Time
		err        error
		wantAction deadletter.Action
		wantReason string
	}{
		{
			name:       "transient with budget left retries",
			attempts:   1,
			firstAt:    now.Add(-time.Minute),
			err:        transient,
			wantAction: deadletter.Retry,
		},
		{
			name:       "permanent dead-letters at once",
			attempts:   1,
			firstAt:    now,
			err:        permanent,
			wantAction: deadletter.DeadLetter,
			wantReason: "permanent error",
		},
		{
			name:       "classification error is permanent",
			attempts:   1,
			firstAt:    now,
			err:        &tferrors.ClassificationError{Reason: "bad"},
			wantAction: deadletter.DeadLetter,
			wantReason: "permanent error",
		},
		{
			name:       "attempt budget exhausted",
			attempts:   3,
			firstAt:    now.Add(-time.Minute),
			err:        transient,
			wantAction: deadletter.DeadLetter,
			wantReason: "max attempts (3) exhausted",
		},
		{
			name:       "too old",
			attempts:   2,
			firstAt:    now.Add(-2 * time.Hour),
			err:        transient,
			wantAction: deadletter.DeadLetter,
			wantReason: "max age (1h0m0s) exceeded",
		},
		{
			name:       "unknown first failure ignores age",
			attempts:   2,
			err:        transient,
			wantAction: deadletter.Retry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.Decide(tt.attempts, tt.firstAt, now, tt.err)
			assert.Equal(t, tt.wantAction, got.Action)
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}

func TestPolicy_ZeroMaxAgeDisablesAgeLimit(t *testing.T) {
	now := time.Now()
	p := deadletter.Policy{MaxAttempts: 10}
	d := p.Decide(1, now.Add(-30*24*time.Hour), now, tferrors.Transient(errors.New("x"), ""))
	assert.Equal(t, deadletter.Retry, d.Action)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, deadletter.DefaultPolicy().Validate())
	assert.Error(t, deadletter.Policy{MaxAttempts: 0}.Validate())
	assert.Error(t, deadletter.Policy{MaxAttempts: 1, MaxAge: -time.Second}.Validate())
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "retry", deadletter.Retry.String())
	assert.Equal(t, "dead_letter", deadletter.DeadLetter.String())
	assert.Equal(t, "unknown", deadletter.Action(9).String())
}
