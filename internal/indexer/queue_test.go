package indexer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

func TestWorkQueue_ProcessesInSubmissionOrder(t *testing.T) {
	// Given: a queue recording what it processes
	var mu sync.Mutex
	var got []int
	q := NewWorkQueue(func(n int) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	defer q.Stop()

	// When: items are submitted in order
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Submit(i))
	}

	// Then: they are processed in the same order
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestWorkQueue_NeverRunsTwoItemsConcurrently(t *testing.T) {
	var inFlight, overlaps, done atomic.Int32
	q := NewWorkQueue(func(int) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(100 * time.Microsecond)
		inFlight.Add(-1)
		done.Add(1)
	})
	defer q.Stop()

	// When: many producers submit at once
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = q.Submit(i)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return done.Load() == 200 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, overlaps.Load())
}

func TestWorkQueue_SubmitAfterStopIsRejected(t *testing.T) {
	q := NewWorkQueue(func(int) {})
	q.Stop()

	err := q.Submit(1)

	assert.ErrorIs(t, err, ErrQueueStopped)
	assert.ErrorIs(t, err, pderrors.ErrRejected)
	assert.Equal(t, 0, q.Len())
}

func TestWorkQueue_StopReturnsUnstartedItemsAndWaitsForInFlight(t *testing.T) {
	// Given: a performer blocked on the first item
	gate := make(chan struct{})
	started := make(chan int, 1)
	var finished atomic.Bool
	q := NewWorkQueue(func(n int) {
		if n == 1 {
			started <- n
			<-gate
			finished.Store(true)
		}
	})

	require.NoError(t, q.Submit(1))
	<-started
	require.NoError(t, q.Submit(2))
	require.NoError(t, q.Submit(3))
	assert.Equal(t, 2, q.Len())

	// When: Stop is called while item 1 is in flight
	result := make(chan []int, 1)
	go func() { result <- q.Stop() }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	select {
	case <-result:
		t.Fatal("Stop returned before the in-flight item finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)

	// Then: unstarted items come back in order and item 1 completed
	leftovers := <-result
	assert.Equal(t, []int{2, 3}, leftovers)
	assert.True(t, finished.Load())
}

func TestWorkQueue_StopIsIdempotent(t *testing.T) {
	q := NewWorkQueue(func(int) {})
	q.Stop()

	assert.Nil(t, q.Stop())
}

func TestWorkQueue_RecoversFromPanic(t *testing.T) {
	var processed atomic.Int32
	q := NewWorkQueue(func(n int) {
		if n == 0 {
			panic("boom")
		}
		processed.Add(1)
	})
	defer q.Stop()

	require.NoError(t, q.Submit(0))
	require.NoError(t, q.Submit(1))

	require.Eventually(t, func() bool { return processed.Load() == 1 }, time.Second, time.Millisecond)
}
