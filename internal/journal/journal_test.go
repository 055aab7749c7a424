package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/pdindex/internal/indexer"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func mustItem(t *testing.T, pid string, op indexer.Operation, created time.Time) *indexer.WorkItem {
	t.Helper()
	item, err := indexer.NewWorkItem(pid, op, "CN=sender", created)
	require.NoError(t, err)
	return item
}

func TestJournal_RecordDeadAndList(t *testing.T) {
	// Given: a journal and an expired item
	j := setupJournal(t)
	ctx := context.Background()
	item := mustItem(t, "iso6523-actorid-upis::9915:test", indexer.OperationCreateOrUpdate, t0)
	dead := indexer.DeadItem{
		Item:          item,
		Retries:       3,
		PreviousRetry: t0.Add(15 * time.Minute),
		NextRetry:     t0.Add(20 * time.Minute),
		ExpireAt:      t0.Add(time.Hour),
		DeadAt:        t0.Add(61 * time.Minute),
	}

	// When: recording it
	require.NoError(t, j.RecordDead(ctx, dead))

	// Then: it is listed with all bookkeeping intact
	items, err := j.DeadItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	got := items[0]
	assert.Equal(t, item.ID(), got.Item.ID())
	assert.Equal(t, item.ParticipantID(), got.Item.ParticipantID())
	assert.Equal(t, indexer.OperationCreateOrUpdate, got.Item.Operation())
	assert.Equal(t, "CN=sender", got.Item.RequesterID())
	assert.True(t, t0.Equal(got.Item.CreatedAt()))
	assert.Equal(t, 3, got.Retries)
	assert.True(t, dead.PreviousRetry.Equal(got.PreviousRetry))
	assert.True(t, dead.NextRetry.Equal(got.NextRetry))
	assert.True(t, dead.ExpireAt.Equal(got.ExpireAt))
	assert.True(t, dead.DeadAt.Equal(got.DeadAt))

	n, err := j.DeadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournal_RecordDeadTwiceKeepsOneRow(t *testing.T) {
	// Given: the same dead item recorded twice
	j := setupJournal(t)
	ctx := context.Background()
	item := mustItem(t, "p1", indexer.OperationDelete, t0)
	d := indexer.DeadItem{Item: item, Retries: 1, NextRetry: t0, ExpireAt: t0, DeadAt: t0}
	require.NoError(t, j.RecordDead(ctx, d))
	d.Retries = 2
	require.NoError(t, j.RecordDead(ctx, d))

	// Then: one row with the latest state
	items, err := j.DeadItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Retries)
}

func TestJournal_SnapshotRoundTripPreservesOrder(t *testing.T) {
	// Given: pending items and one retry envelope
	j := setupJournal(t)
	ctx := context.Background()
	p1 := mustItem(t, "p1", indexer.OperationCreateOrUpdate, t0)
	p2 := mustItem(t, "p2", indexer.OperationDelete, t0.Add(time.Second))
	failed := mustItem(t, "p3", indexer.OperationCreateOrUpdate, t0)
	env := indexer.RestoreReIndexItem(failed, 2, t0.Add(10*time.Minute), t0.Add(15*time.Minute), t0.Add(24*time.Hour))

	// When: saving and taking the snapshot
	require.NoError(t, j.SaveSnapshot(ctx, []*indexer.WorkItem{p1, p2}, []indexer.ReIndexItem{*env}))
	pending, reindex, err := j.TakeSnapshot(ctx)
	require.NoError(t, err)

	// Then: order and state survive
	require.Len(t, pending, 2)
	assert.Equal(t, p1.ID(), pending[0].ID())
	assert.Equal(t, p2.ID(), pending[1].ID())
	assert.Equal(t, indexer.OperationDelete, pending[1].Operation())

	require.Len(t, reindex, 1)
	assert.Equal(t, failed.ID(), reindex[0].Item().ID())
	assert.Equal(t, 2, reindex[0].Retries())
	assert.True(t, t0.Add(15*time.Minute).Equal(reindex[0].NextRetry()))
	assert.True(t, t0.Add(24*time.Hour).Equal(reindex[0].ExpireAt()))
}

func TestJournal_TakeSnapshotClearsIt(t *testing.T) {
	// Given: a saved snapshot that has been taken once
	j := setupJournal(t)
	ctx := context.Background()
	require.NoError(t, j.SaveSnapshot(ctx, []*indexer.WorkItem{mustItem(t, "p1", indexer.OperationDelete, t0)}, nil))
	_, _, err := j.TakeSnapshot(ctx)
	require.NoError(t, err)

	// When: taking it again
	pending, reindex, err := j.TakeSnapshot(ctx)

	// Then: nothing is replayed twice
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, reindex)
}

func TestJournal_SaveSnapshotReplacesPrevious(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	require.NoError(t, j.SaveSnapshot(ctx, []*indexer.WorkItem{mustItem(t, "old", indexer.OperationDelete, t0)}, nil))
	require.NoError(t, j.SaveSnapshot(ctx, []*indexer.WorkItem{mustItem(t, "new", indexer.OperationDelete, t0)}, nil))

	pending, _, err := j.TakeSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].ParticipantID())
}

func TestJournal_PersistsAcrossReopen(t *testing.T) {
	// Given: a dead item written to a file-backed journal
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()
	j, err := Open(path)
	require.NoError(t, err)
	item := mustItem(t, "p1", indexer.OperationCreateOrUpdate, t0)
	require.NoError(t, j.RecordDead(ctx, indexer.DeadItem{Item: item, NextRetry: t0, ExpireAt: t0, DeadAt: t0}))
	require.NoError(t, j.Close())

	// When: reopening
	j2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()

	// Then: the dead item is still there
	items, err := j2.DeadItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID(), items[0].Item.ID())
	assert.Equal(t, path, j2.Path())
}

func TestJournal_InMemory(t *testing.T) {
	j, err := Open("")
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	n, err := j.DeadCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, j.Path())
}

func TestNew_WorksWithCgoDriver(t *testing.T) {
	// Given: a database opened with the cgo sqlite3 driver
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "cgo.db")+"?_journal_mode=WAL")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// When: wrapping it
	j, err := New(db)
	require.NoError(t, err)

	// Then: the schema is usable
	ctx := context.Background()
	item := mustItem(t, "p1", indexer.OperationDelete, t0)
	require.NoError(t, j.RecordDead(ctx, indexer.DeadItem{Item: item, NextRetry: t0, ExpireAt: t0, DeadAt: t0}))
	n, err := j.DeadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
