package indexer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/pdindex/internal/clock"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

const testParticipant = "iso6523-actorid-upis::9915:test"

var testPolicy = RetryPolicy{Interval: 5 * time.Minute, MaxDuration: time.Hour}

// scriptedPerformer fails a configurable number of times per participant
// and flags any concurrent invocation.
type scriptedPerformer struct {
	mu       sync.Mutex
	calls    []*WorkItem
	failures map[string]int // remaining failures; negative fails forever

	inFlight atomic.Int32
	overlaps atomic.Int32
}

func newScriptedPerformer() *scriptedPerformer {
	return &scriptedPerformer{failures: make(map[string]int)}
}

func (p *scriptedPerformer) failTimes(participantID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[participantID] = n
}

func (p *scriptedPerformer) Perform(_ context.Context, item *WorkItem) error {
	if p.inFlight.Add(1) > 1 {
		p.overlaps.Add(1)
	}
	defer p.inFlight.Add(-1)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, item)

	n := p.failures[item.ParticipantID()]
	switch {
	case n == 0:
		return nil
	case n > 0:
		p.failures[item.ParticipantID()] = n - 1
	}
	return errors.New("document store unavailable")
}

func (p *scriptedPerformer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recordingSink struct {
	mu   sync.Mutex
	dead []DeadItem
}

func (s *recordingSink) RecordDead(_ context.Context, item DeadItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, item)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dead)
}

func newTestManager(t *testing.T, p Performer, opts ...Option) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	opts = append([]Option{WithClock(clk), WithRetryPolicy(testPolicy)}, opts...)
	m := NewManager(p, opts...)
	t.Cleanup(func() { m.Stop() })
	return m, clk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestManager_SubmitSuccessLeavesNoEnvelope(t *testing.T) {
	p := newScriptedPerformer()
	m, _ := newTestManager(t, p)

	item, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	assert.Equal(t, t0, item.CreatedAt())

	waitFor(t, func() bool { return p.callCount() == 1 })
	assert.Equal(t, 0, m.ReIndexCount())
	assert.Equal(t, 0, m.DeadCount())
}

func TestManager_SubmitRejectsEmptyParticipant(t *testing.T) {
	m, _ := newTestManager(t, newScriptedPerformer())

	_, err := m.Submit("", OperationDelete, "smp")

	assert.Equal(t, pderrors.ErrCodeInvalidInput, pderrors.GetCode(err))
}

func TestManager_FailThenSucceedOnRetry(t *testing.T) {
	// Given: a performer that fails once
	p := newScriptedPerformer()
	p.failTimes(testParticipant, 1)
	m, clk := newTestManager(t, p)

	// When: the item is submitted and fails
	_, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	waitFor(t, func() bool { return m.ReIndexCount() == 1 })

	env := m.ReIndexItems()[0]
	assert.Equal(t, 0, env.Retries())
	assert.Equal(t, t0.Add(testPolicy.Interval), env.NextRetry())

	// Then: a sweep exactly at nextRetry does nothing
	clk.Set(env.NextRetry())
	res := m.Sweep(context.Background())
	assert.Equal(t, 1, res.NotDue)
	assert.Equal(t, 1, p.callCount())

	// And: a sweep after nextRetry succeeds and clears the envelope
	clk.Advance(time.Second)
	res = m.Sweep(context.Background())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, p.callCount())
	assert.Equal(t, 0, m.ReIndexCount())
	assert.Equal(t, 0, m.DeadCount())
}

func TestManager_FailureUntilExpiryDeadLettersOnce(t *testing.T) {
	// Given: a performer that always fails and a sink
	p := newScriptedPerformer()
	p.failTimes(testParticipant, -1)
	sink := &recordingSink{}
	m, clk := newTestManager(t, p, WithDeadLetterSink(sink))

	_, err := m.Submit(testParticipant, OperationDelete, "smp")
	require.NoError(t, err)
	waitFor(t, func() bool { return m.ReIndexCount() == 1 })

	// When: sweeping past every retry until expiry
	retries := 0
	for m.ReIndexCount() > 0 {
		clk.Advance(testPolicy.Interval + time.Second)
		res := m.Sweep(context.Background())
		retries += res.Failed
		require.Less(t, retries, 100, "envelope never expired")
	}

	// Then: exactly one dead record, and the retry count carried over
	require.Equal(t, 1, m.DeadCount())
	assert.Equal(t, 1, sink.count())
	dead := m.DeadItems()[0]
	assert.Equal(t, testParticipant, dead.Item.ParticipantID())
	assert.Equal(t, retries, dead.Retries)
	assert.Equal(t, t0.Add(testPolicy.MaxDuration), dead.ExpireAt)
	assert.False(t, dead.DeadAt.Before(dead.ExpireAt))

	// And: further sweeps never invoke the performer again
	calls := p.callCount()
	for i := 0; i < 5; i++ {
		clk.Advance(testPolicy.Interval + time.Second)
		m.Sweep(context.Background())
	}
	assert.Equal(t, calls, p.callCount())
	assert.Equal(t, 1, m.DeadCount())
}

func TestManager_ExpiredAndDueIsDeadLetteredNotRetried(t *testing.T) {
	p := newScriptedPerformer()
	p.failTimes(testParticipant, -1)
	m, clk := newTestManager(t, p)

	_, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	waitFor(t, func() bool { return m.ReIndexCount() == 1 })

	// When: time jumps past both nextRetry and expireAt
	clk.Advance(testPolicy.MaxDuration + time.Minute)
	res := m.Sweep(context.Background())

	// Then: the envelope is dead-lettered without another attempt
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, p.callCount())
	assert.Equal(t, 1, m.DeadCount())
	assert.Equal(t, 0, m.ReIndexCount())
}

func TestManager_SameKeyFailureReplacesEnvelope(t *testing.T) {
	p := newScriptedPerformer()
	p.failTimes(testParticipant, -1)
	m, clk := newTestManager(t, p)

	first, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	waitFor(t, func() bool { return m.ReIndexCount() == 1 })

	clk.Advance(time.Minute)
	second, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	waitFor(t, func() bool { return p.callCount() == 2 })
	waitFor(t, func() bool { return m.ReIndexItems()[0].Item() == second })

	items := m.ReIndexItems()
	require.Len(t, items, 1)
	assert.NotEqual(t, first.ID(), items[0].Item().ID())
	assert.Equal(t, second.CreatedAt().Add(testPolicy.MaxDuration), items[0].ExpireAt())
}

func TestManager_SuccessDropsOlderEnvelopesForParticipant(t *testing.T) {
	// Given: a failed upsert waiting for retry
	p := newScriptedPerformer()
	p.failTimes(testParticipant, 1)
	m, clk := newTestManager(t, p)

	_, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	waitFor(t, func() bool { return m.ReIndexCount() == 1 })

	// When: a newer delete for the same participant succeeds
	clk.Advance(time.Minute)
	_, err = m.Submit(testParticipant, OperationDelete, "smp")
	require.NoError(t, err)

	// Then: the stale upsert retry is dropped
	waitFor(t, func() bool { return m.ReIndexCount() == 0 })
	clk.Advance(time.Hour)
	m.Sweep(context.Background())
	assert.Equal(t, 2, p.callCount())
}

func TestManager_PerformerPanicBecomesRetry(t *testing.T) {
	m, _ := newTestManager(t, PerformerFunc(func(context.Context, *WorkItem) error {
		panic("nil map")
	}))

	_, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)

	waitFor(t, func() bool { return m.ReIndexCount() == 1 })
}

func TestManager_PerformTimeoutCountsAsFailure(t *testing.T) {
	m, _ := newTestManager(t, PerformerFunc(func(ctx context.Context, _ *WorkItem) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithPerformTimeout(10*time.Millisecond))

	_, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)

	waitFor(t, func() bool { return m.ReIndexCount() == 1 })
}

func TestManager_QueueAndSweepNeverOverlap(t *testing.T) {
	p := newScriptedPerformer()
	for i := 0; i < 10; i++ {
		p.failTimes(participantN(i), 1)
	}
	m, clk := newTestManager(t, p)

	for i := 0; i < 10; i++ {
		_, err := m.Submit(participantN(i), OperationCreateOrUpdate, "smp")
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return m.ReIndexCount() == 10 })

	clk.Advance(testPolicy.Interval + time.Second)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Sweep(context.Background())
	}()
	for i := 10; i < 30; i++ {
		_, err := m.Submit(participantN(i), OperationCreateOrUpdate, "smp")
		require.NoError(t, err)
	}
	wg.Wait()

	waitFor(t, func() bool { return p.callCount() == 40 })
	assert.Zero(t, p.overlaps.Load())
	assert.Equal(t, 0, m.ReIndexCount())
}

func participantN(i int) string {
	return "iso6523-actorid-upis::9915:" + string(rune('a'+i))
}

func TestManager_SubmitAfterStopIsRejected(t *testing.T) {
	m, _ := newTestManager(t, newScriptedPerformer())
	m.Stop()

	_, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")

	assert.ErrorIs(t, err, pderrors.ErrRejected)
	assert.Equal(t, 0, m.QueueLen())
}

func TestManager_StopReturnsLeftovers(t *testing.T) {
	// Given: a performer blocked on the first item, which then fails
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	m, _ := newTestManager(t, PerformerFunc(func(context.Context, *WorkItem) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
		return errors.New("fail")
	}))

	_, err := m.Submit("p1", OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	<-started
	_, err = m.Submit("p2", OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	_, err = m.Submit("p3", OperationDelete, "smp")
	require.NoError(t, err)

	// When: stopping while p1 is in flight
	result := make(chan Leftovers, 1)
	go func() { result <- m.Stop() }()
	waitFor(t, func() bool { return m.QueueLen() == 0 })
	close(gate)

	// Then: p2 and p3 are pending and p1's failure is captured
	left := <-result
	require.Len(t, left.Pending, 2)
	assert.Equal(t, "p2", left.Pending[0].ParticipantID())
	assert.Equal(t, "p3", left.Pending[1].ParticipantID())
	require.Len(t, left.ReIndex, 1)
	assert.Equal(t, "p1", left.ReIndex[0].Item().ParticipantID())

	// And: Stop is idempotent
	assert.Equal(t, left, m.Stop())
}

func TestManager_RunSweepsOnTicker(t *testing.T) {
	p := newScriptedPerformer()
	p.failTimes(testParticipant, 1)
	m, clk := newTestManager(t, p, WithSweepInterval(5*time.Millisecond))

	_, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	waitFor(t, func() bool { return m.ReIndexCount() == 1 })
	clk.Advance(testPolicy.Interval + time.Second)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	waitFor(t, func() bool { return m.ReIndexCount() == 0 })
	m.Stop()
	assert.NoError(t, <-done)
}

func TestManager_RunReturnsOnContextCancel(t *testing.T) {
	m, _ := newTestManager(t, newScriptedPerformer(), WithSweepInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManager_RunShutdownDoesNotFailAttemptInFlight(t *testing.T) {
	// Given: an envelope whose retry blocks until released
	var calls atomic.Int32
	started := make(chan struct{})
	gate := make(chan struct{})
	m, clk := newTestManager(t, PerformerFunc(func(ctx context.Context, _ *WorkItem) error {
		if calls.Add(1) == 1 {
			return errors.New("provider unavailable")
		}
		close(started)
		<-gate
		return ctx.Err()
	}), WithSweepInterval(5*time.Millisecond))

	_, err := m.Submit(testParticipant, OperationCreateOrUpdate, "smp")
	require.NoError(t, err)
	waitFor(t, func() bool { return m.ReIndexCount() == 1 })
	clk.Advance(testPolicy.Interval + time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	<-started

	// When: the run context is cancelled while the retry is in flight
	cancel()
	close(gate)
	require.NoError(t, <-done)

	// Then: the attempt saw a live context and succeeded
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, m.ReIndexCount())
}

func TestManager_RestoreAndResubmitDead(t *testing.T) {
	// Given: state restored from a previous run
	p := newScriptedPerformer()
	m, clk := newTestManager(t, p)

	pending, err := NewWorkItem("pending", OperationCreateOrUpdate, "smp", t0.Add(-time.Hour))
	require.NoError(t, err)
	retryItem, err := NewWorkItem("retry", OperationCreateOrUpdate, "smp", t0.Add(-time.Hour))
	require.NoError(t, err)
	deadItem, err := NewWorkItem("dead", OperationDelete, "smp", t0.Add(-48*time.Hour))
	require.NoError(t, err)

	env := RestoreReIndexItem(retryItem, 2, t0.Add(-10*time.Minute), t0.Add(-5*time.Minute), t0.Add(time.Hour))
	require.NoError(t, m.Restore(
		[]*WorkItem{pending},
		[]*ReIndexItem{env},
		[]DeadItem{{Item: deadItem, Retries: 7, DeadAt: t0.Add(-24 * time.Hour)}},
	))

	waitFor(t, func() bool { return p.callCount() == 1 })
	assert.Equal(t, 1, m.ReIndexCount())
	assert.Equal(t, 1, m.DeadCount())

	// When: the operator resubmits the dead participant
	clk.Advance(time.Minute)
	items, err := m.ResubmitDead("dead", "operator")
	require.NoError(t, err)

	// Then: a fresh item is queued and the dead record stays
	require.Len(t, items, 1)
	assert.NotEqual(t, deadItem.ID(), items[0].ID())
	assert.Equal(t, OperationDelete, items[0].Operation())
	assert.Equal(t, clk.Now(), items[0].CreatedAt())
	waitFor(t, func() bool { return p.callCount() == 2 })
	assert.Equal(t, 1, m.DeadCount())

	// And: unknown participants are reported
	_, err = m.ResubmitDead("unknown", "operator")
	assert.ErrorIs(t, err, pderrors.ErrNotFound)

	// And: the restored envelope is swept normally
	res := m.Sweep(context.Background())
	assert.Equal(t, 1, res.Succeeded)
}
