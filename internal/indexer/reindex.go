package indexer

import (
	"time"
)

// Default retry schedule.
const (
	DefaultRetryInterval    = 5 * time.Minute
	DefaultMaxRetryDuration = 24 * time.Hour
)

// RetryPolicy is the fixed-interval retry schedule for failed work items.
type RetryPolicy struct {
	// Interval is the fixed delay between attempts. It does not grow.
	Interval time.Duration
	// MaxDuration bounds retries, measured from the item's creation.
	MaxDuration time.Duration
}

// DefaultRetryPolicy returns the default retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:    DefaultRetryInterval,
		MaxDuration: DefaultMaxRetryDuration,
	}
}

// ReIndexItem wraps a work item that failed at least once with its retry
// bookkeeping. It is owned by the Manager and mutated only under its lock;
// callers outside the package see copies.
type ReIndexItem struct {
	item          *WorkItem
	retries       int
	previousRetry time.Time
	nextRetry     time.Time
	expireAt      time.Time
}

// NewReIndexItem creates the envelope after the first failed attempt at now.
// expireAt counts from the item's creation, not from now.
func NewReIndexItem(item *WorkItem, now time.Time, policy RetryPolicy) *ReIndexItem {
	return &ReIndexItem{
		item:      item,
		nextRetry: now.Add(policy.Interval),
		expireAt:  item.CreatedAt().Add(policy.MaxDuration),
	}
}

// RestoreReIndexItem rebuilds an envelope from persisted state.
func RestoreReIndexItem(item *WorkItem, retries int, previousRetry, nextRetry, expireAt time.Time) *ReIndexItem {
	if retries < 0 {
		retries = 0
	}
	if retries == 0 {
		previousRetry = time.Time{}
	}
	return &ReIndexItem{
		item:          item,
		retries:       retries,
		previousRetry: previousRetry,
		nextRetry:     nextRetry,
		expireAt:      expireAt,
	}
}

// Item returns the wrapped work item.
func (r *ReIndexItem) Item() *WorkItem { return r.item }

// Retries returns the number of failed retry attempts so far.
func (r *ReIndexItem) Retries() int { return r.retries }

// PreviousRetry returns the instant of the last retry attempt.
// It is the zero time while Retries is 0.
func (r *ReIndexItem) PreviousRetry() time.Time { return r.previousRetry }

// NextRetry returns the instant after which the next attempt is due.
func (r *ReIndexItem) NextRetry() time.Time { return r.nextRetry }

// ExpireAt returns the instant at which the item is abandoned.
func (r *ReIndexItem) ExpireAt() time.Time { return r.expireAt }

// IsExpired reports whether expireAt <= now.
func (r *ReIndexItem) IsExpired(now time.Time) bool {
	return !r.expireAt.After(now)
}

// IsRetryDue reports whether now is strictly after the next retry instant.
func (r *ReIndexItem) IsRetryDue(now time.Time) bool {
	return now.After(r.nextRetry)
}

// OnRetryFailure records a failed retry attempt at now.
// nextRetry never moves backward, even if the clock does.
func (r *ReIndexItem) OnRetryFailure(now time.Time, policy RetryPolicy) {
	r.retries++
	r.previousRetry = now
	next := now.Add(policy.Interval)
	if next.After(r.nextRetry) {
		r.nextRetry = next
	}
}

// snapshot returns a detached copy safe to hand out.
func (r *ReIndexItem) snapshot() ReIndexItem {
	return *r
}

// DeadItem is the terminal record of an envelope that expired without
// succeeding.
type DeadItem struct {
	Item          *WorkItem
	Retries       int
	PreviousRetry time.Time
	NextRetry     time.Time
	ExpireAt      time.Time
	DeadAt        time.Time
}

func newDeadItem(r *ReIndexItem, now time.Time) DeadItem {
	return DeadItem{
		Item:          r.item,
		Retries:       r.retries,
		PreviousRetry: r.previousRetry,
		NextRetry:     r.nextRetry,
		ExpireAt:      r.expireAt,
		DeadAt:        now,
	}
}
