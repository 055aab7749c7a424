package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/Aman-CERP/pdindex/internal/clock"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

// Default pipeline timings.
const (
	DefaultSweepInterval  = time.Minute
	DefaultPerformTimeout = 2 * time.Minute
)

// Performer applies one work item to the document store.
// It must honour ctx; a context error is treated like any other failure.
type Performer interface {
	Perform(ctx context.Context, item *WorkItem) error
}

// PerformerFunc adapts a function to the Performer interface.
type PerformerFunc func(ctx context.Context, item *WorkItem) error

// Perform calls f(ctx, item).
func (f PerformerFunc) Perform(ctx context.Context, item *WorkItem) error {
	return f(ctx, item)
}

// DeadLetterSink durably records expired items.
type DeadLetterSink interface {
	RecordDead(ctx context.Context, item DeadItem) error
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Checked   int
	Expired   int
	Succeeded int
	Failed    int
	NotDue    int
}

// Leftovers is the in-memory state handed back by Stop.
type Leftovers struct {
	Pending []*WorkItem
	ReIndex []ReIndexItem
	Dead    []DeadItem
}

// Manager owns the intake queue, the re-index list and the dead list.
//
// All performer calls, whether from the queue worker or from a sweep, are
// serialized by performMu so the document store only ever sees one writer.
// mu guards both lists and is never held while the performer runs.
type Manager struct {
	performer      Performer
	clock          clock.Clock
	policy         RetryPolicy
	sweepInterval  time.Duration
	performTimeout time.Duration
	sink           DeadLetterSink
	logger         *slog.Logger

	queue *WorkQueue[*WorkItem]

	performMu sync.Mutex
	sweepMu   sync.Mutex

	mu      sync.Mutex
	reindex []*ReIndexItem
	dead    []DeadItem
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	runWG    sync.WaitGroup
	left     Leftovers
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for all retry and expiry math.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithRetryPolicy sets the retry interval and maximum retry duration.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithSweepInterval sets how often Run sweeps the re-index list.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithPerformTimeout bounds every performer invocation.
func WithPerformTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.performTimeout = d
	}
}

// WithDeadLetterSink records expired items durably.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(m *Manager) {
		m.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a manager and starts its queue worker.
// Call Run to start periodic sweeping and Stop to shut down.
func NewManager(performer Performer, opts ...Option) *Manager {
	m := &Manager{
		performer:      performer,
		clock:          clock.System{},
		policy:         DefaultRetryPolicy(),
		sweepInterval:  DefaultSweepInterval,
		performTimeout: DefaultPerformTimeout,
		logger:         slog.Default(),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.queue = NewWorkQueue(m.handleIntake, WithQueueLogger(m.logger))
	return m
}

// Submit creates a work item stamped with the current time and queues it.
func (m *Manager) Submit(participantID string, op Operation, requesterID string) (*WorkItem, error) {
	item, err := NewWorkItem(participantID, op, requesterID, m.clock.Now())
	if err != nil {
		return nil, pderrors.ValidationError(err.Error(), err)
	}
	if err := m.SubmitItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

// SubmitItem queues an existing work item.
func (m *Manager) SubmitItem(item *WorkItem) error {
	if err := m.queue.Submit(item); err != nil {
		return err
	}
	m.logger.Debug("work item queued", slog.Any("item", item))
	return nil
}

// handleIntake is the queue's performer. Failures never escape; they
// become re-index envelopes.
func (m *Manager) handleIntake(item *WorkItem) {
	err := m.perform(context.Background(), item)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		m.dropSupersededLocked(item)
		return
	}

	env := NewReIndexItem(item, now, m.policy)
	m.reindex = slices.DeleteFunc(m.reindex, func(r *ReIndexItem) bool {
		return r.item.Key() == item.Key()
	})
	m.reindex = append(m.reindex, env)

	m.logger.Warn("work item failed, scheduled for re-index",
		slog.String("participant_id", item.ParticipantID()),
		slog.String("operation", string(item.Operation())),
		slog.Time("next_retry", env.nextRetry),
		slog.Time("expire_at", env.expireAt),
		slog.String("error", err.Error()))
}

// dropSupersededLocked removes envelopes for the same participant that were
// created before item. A stale retry must not undo a newer change.
func (m *Manager) dropSupersededLocked(item *WorkItem) {
	m.reindex = slices.DeleteFunc(m.reindex, func(r *ReIndexItem) bool {
		return r.item == item ||
			(r.item.ParticipantID() == item.ParticipantID() && r.item.CreatedAt().Before(item.CreatedAt()))
	})
}

// perform runs the performer under performMu with a per-attempt timeout.
// A panic is converted into an error.
func (m *Manager) perform(ctx context.Context, item *WorkItem) (err error) {
	m.performMu.Lock()
	defer m.performMu.Unlock()

	if m.performTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.performTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("performer panicked",
				slog.String("participant_id", item.ParticipantID()),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			err = pderrors.ProcessingFailed(fmt.Sprintf("performer panicked: %v", r), nil)
		}
	}()

	if err := m.performer.Perform(ctx, item); err != nil {
		return pderrors.ProcessingFailed("processing "+item.ParticipantID()+" failed", err)
	}
	return nil
}

// Sweep makes one pass over a snapshot of the re-index list. Expired
// envelopes are dead-lettered before the retry-due check, so an envelope
// that is both is never performed again.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	return m.sweep(ctx, ctx.Done())
}

// sweep stops between envelopes once halt is closed or the manager is
// stopped. Attempts already started run on ctx.
func (m *Manager) sweep(ctx context.Context, halt <-chan struct{}) SweepResult {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	var res SweepResult

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return res
	}
	snapshot := slices.Clone(m.reindex)
	m.mu.Unlock()

	for _, env := range snapshot {
		if ctx.Err() != nil || halted(halt, m.stopCh) {
			break
		}

		now := m.clock.Now()

		m.mu.Lock()
		if !slices.Contains(m.reindex, env) {
			// Superseded or resolved since the snapshot was taken.
			m.mu.Unlock()
			continue
		}
		res.Checked++

		if env.IsExpired(now) {
			m.reindex = slices.DeleteFunc(m.reindex, func(r *ReIndexItem) bool { return r == env })
			dead := newDeadItem(env, now)
			m.dead = append(m.dead, dead)
			m.mu.Unlock()

			res.Expired++
			m.recordDead(ctx, dead)
			continue
		}

		due := env.IsRetryDue(now)
		m.mu.Unlock()

		if !due {
			res.NotDue++
			continue
		}

		err := m.perform(ctx, env.item)
		now = m.clock.Now()

		m.mu.Lock()
		if err == nil {
			m.dropSupersededLocked(env.item)
			res.Succeeded++
			m.logger.Info("re-index succeeded",
				slog.String("participant_id", env.item.ParticipantID()),
				slog.Int("retries", env.retries))
		} else {
			if slices.Contains(m.reindex, env) {
				env.OnRetryFailure(now, m.policy)
			}
			res.Failed++
			m.logger.Warn("re-index failed",
				slog.String("participant_id", env.item.ParticipantID()),
				slog.Int("retries", env.retries),
				slog.Time("next_retry", env.nextRetry),
				slog.String("error", err.Error()))
		}
		m.mu.Unlock()
	}

	if res.Checked > 0 {
		m.logger.Debug("sweep complete",
			slog.Int("checked", res.Checked),
			slog.Int("expired", res.Expired),
			slog.Int("succeeded", res.Succeeded),
			slog.Int("failed", res.Failed))
	}
	return res
}

func (m *Manager) recordDead(ctx context.Context, dead DeadItem) {
	m.logger.Error("work item expired, moved to dead list",
		slog.String("participant_id", dead.Item.ParticipantID()),
		slog.String("operation", string(dead.Item.Operation())),
		slog.Int("retries", dead.Retries),
		slog.Time("expire_at", dead.ExpireAt))

	if m.sink == nil {
		return
	}
	// The sweep context may be cancelled by shutdown; the record must still land.
	if err := m.sink.RecordDead(context.WithoutCancel(ctx), dead); err != nil {
		m.logger.Error("failed to record dead item",
			slog.String("participant_id", dead.Item.ParticipantID()),
			slog.String("error", err.Error()))
	}
}

// Run sweeps on every tick until ctx is done or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.runWG.Add(1)
	m.mu.Unlock()
	defer m.runWG.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			// Shutdown must not cancel an attempt in flight and count it
			// as a failure; the perform timeout bounds it instead.
			m.sweep(context.WithoutCancel(ctx), ctx.Done())
		}
	}
}

func halted(chans ...<-chan struct{}) bool {
	for _, ch := range chans {
		select {
		case <-ch:
			return true
		default:
		}
	}
	return false
}

// Stop shuts the pipeline down: the queue stops accepting work and hands
// back its backlog, the sweeper stops, then the remaining state is
// returned for persistence. Later calls return the same Leftovers.
func (m *Manager) Stop() Leftovers {
	m.stopOnce.Do(func() {
		pending := m.queue.Stop()

		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.stopCh)
		m.runWG.Wait()

		// A sweep already past its stopped check finishes first.
		m.sweepMu.Lock()
		m.left = Leftovers{
			Pending: pending,
			ReIndex: m.ReIndexItems(),
			Dead:    m.DeadItems(),
		}
		m.sweepMu.Unlock()

		m.logger.Info("indexer manager stopped",
			slog.Int("pending", len(m.left.Pending)),
			slog.Int("reindex", len(m.left.ReIndex)),
			slog.Int("dead", len(m.left.Dead)))
	})
	return m.left
}

// Restore loads state saved by a previous Stop. Envelopes and dead items
// are appended as-is; pending items are queued again in order.
func (m *Manager) Restore(pending []*WorkItem, reindex []*ReIndexItem, dead []DeadItem) error {
	m.mu.Lock()
	m.reindex = append(m.reindex, reindex...)
	m.dead = append(m.dead, dead...)
	m.mu.Unlock()

	for _, item := range pending {
		if err := m.SubmitItem(item); err != nil {
			return err
		}
	}
	return nil
}

// ResubmitDead queues fresh work items for every distinct operation found
// in the dead list for participantID. The dead records are kept.
func (m *Manager) ResubmitDead(participantID, requesterID string) ([]*WorkItem, error) {
	m.mu.Lock()
	var ops []Operation
	for _, d := range m.dead {
		if d.Item.ParticipantID() == participantID && !slices.Contains(ops, d.Item.Operation()) {
			ops = append(ops, d.Item.Operation())
		}
	}
	m.mu.Unlock()

	if len(ops) == 0 {
		return nil, pderrors.NotFound(participantID)
	}

	items := make([]*WorkItem, 0, len(ops))
	for _, op := range ops {
		item, err := m.Submit(participantID, op, requesterID)
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	m.logger.Info("dead items resubmitted",
		slog.String("participant_id", participantID),
		slog.String("requester_id", requesterID),
		slog.Int("count", len(items)))
	return items, nil
}

// QueueLen returns the intake backlog.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// ReIndexCount returns the number of envelopes awaiting retry.
func (m *Manager) ReIndexCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reindex)
}

// DeadCount returns the number of dead records.
func (m *Manager) DeadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dead)
}

// ReIndexItems returns copies of the current envelopes.
func (m *Manager) ReIndexItems() []ReIndexItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ReIndexItem, len(m.reindex))
	for i, r := range m.reindex {
		out[i] = r.snapshot()
	}
	return out
}

// DeadItems returns a copy of the dead list.
func (m *Manager) DeadItems() []DeadItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.dead)
}
