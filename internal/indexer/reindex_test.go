package indexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newEnvelope(t *testing.T, createdAt, firstFailure time.Time, policy RetryPolicy) *ReIndexItem {
	t.Helper()
	item, err := NewWorkItem("iso6523-actorid-upis::9915:test", OperationCreateOrUpdate, "smp", createdAt)
	if err != nil {
		t.Fatal(err)
	}
	return NewReIndexItem(item, firstFailure, policy)
}

func TestReIndexItem_ExpiryBoundaries(t *testing.T) {
	// Given: an envelope created at t0 with a 24h budget
	policy := RetryPolicy{Interval: 5 * time.Minute, MaxDuration: 24 * time.Hour}
	env := newEnvelope(t, t0, t0, policy)

	// Then: it expires exactly at t0+H
	assert.False(t, env.IsExpired(t0.Add(policy.MaxDuration-time.Second)))
	assert.True(t, env.IsExpired(t0.Add(policy.MaxDuration)))
	assert.True(t, env.IsExpired(t0.Add(policy.MaxDuration+time.Second)))
}

func TestReIndexItem_FirstFailureSchedulesRetry(t *testing.T) {
	policy := RetryPolicy{Interval: 5 * time.Minute, MaxDuration: time.Hour}
	env := newEnvelope(t, t0, t0, policy)

	assert.Equal(t, 0, env.Retries())
	assert.True(t, env.PreviousRetry().IsZero())
	assert.Equal(t, t0.Add(policy.Interval), env.NextRetry())
}

func TestReIndexItem_OnRetryFailure(t *testing.T) {
	// Given: an envelope
	policy := RetryPolicy{Interval: 5 * time.Minute, MaxDuration: time.Hour}
	env := newEnvelope(t, t0, t0, policy)

	// When: a retry fails at t1
	t1 := t0.Add(7 * time.Minute)
	env.OnRetryFailure(t1, policy)

	// Then: bookkeeping advances from t1
	assert.Equal(t, 1, env.Retries())
	assert.Equal(t, t1, env.PreviousRetry())
	assert.Equal(t, t1.Add(policy.Interval), env.NextRetry())
}

func TestReIndexItem_IsRetryDueIsStrict(t *testing.T) {
	policy := RetryPolicy{Interval: 5 * time.Minute, MaxDuration: time.Hour}
	env := newEnvelope(t, t0, t0, policy)

	assert.False(t, env.IsRetryDue(env.NextRetry()))
	assert.True(t, env.IsRetryDue(env.NextRetry().Add(time.Nanosecond)))
}

// The retry delay intentionally stays constant. Switching to exponential
// backoff is a behavior change and must update this test.
func TestReIndexItem_RetryIntervalIsFixedNotExponential(t *testing.T) {
	policy := RetryPolicy{Interval: 5 * time.Minute, MaxDuration: 48 * time.Hour}
	env := newEnvelope(t, t0, t0, policy)

	for i := 0; i < 10; i++ {
		now := env.NextRetry().Add(time.Second)
		env.OnRetryFailure(now, policy)
		assert.Equal(t, policy.Interval, env.NextRetry().Sub(env.PreviousRetry()), "attempt %d", i+1)
	}
	assert.Equal(t, 10, env.Retries())
}

// Expiry is measured from the item's creation, so an item that waited a
// long time before first failing still expires at the same wall-clock time.
func TestReIndexItem_ExpiryCountsFromCreationNotFirstFailure(t *testing.T) {
	policy := RetryPolicy{Interval: 5 * time.Minute, MaxDuration: 2 * time.Hour}
	firstFailure := t0.Add(90 * time.Minute)

	env := newEnvelope(t, t0, firstFailure, policy)

	assert.Equal(t, t0.Add(policy.MaxDuration), env.ExpireAt())
	assert.True(t, env.IsExpired(t0.Add(2*time.Hour)))
}

func TestReIndexItem_NextRetryNeverMovesBackward(t *testing.T) {
	policy := RetryPolicy{Interval: 5 * time.Minute, MaxDuration: time.Hour}
	env := newEnvelope(t, t0, t0.Add(30*time.Minute), policy)
	before := env.NextRetry()

	// When: a failure is reported with a clock that went backwards
	env.OnRetryFailure(t0, policy)

	assert.Equal(t, before, env.NextRetry())
	assert.Equal(t, 1, env.Retries())
}

func TestRestoreReIndexItem_ZeroRetriesClearsPreviousRetry(t *testing.T) {
	item, err := NewWorkItem("p", OperationDelete, "", t0)
	if err != nil {
		t.Fatal(err)
	}

	env := RestoreReIndexItem(item, 0, t0, t0.Add(time.Minute), t0.Add(time.Hour))

	assert.True(t, env.PreviousRetry().IsZero())
	assert.Equal(t, t0.Add(time.Hour), env.ExpireAt())
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5*time.Minute, p.Interval)
	assert.Equal(t, 24*time.Hour, p.MaxDuration)
}
