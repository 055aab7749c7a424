package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/pdindex/internal/auth"
	"github.com/Aman-CERP/pdindex/internal/businesscard"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
	"github.com/Aman-CERP/pdindex/internal/indexer"
	"github.com/Aman-CERP/pdindex/internal/search"
	"github.com/Aman-CERP/pdindex/internal/store"
)

const testParticipant = "iso6523-actorid-upis::9915:test"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockIndexer struct {
	mock.Mock
}

func (m *mockIndexer) Submit(participantID string, op indexer.Operation, requesterID string) (*indexer.WorkItem, error) {
	args := m.Called(participantID, op, requesterID)
	item, _ := args.Get(0).(*indexer.WorkItem)
	return item, args.Error(1)
}

func (m *mockIndexer) ResubmitDead(participantID, requesterID string) ([]*indexer.WorkItem, error) {
	args := m.Called(participantID, requesterID)
	items, _ := args.Get(0).([]*indexer.WorkItem)
	return items, args.Error(1)
}

func (m *mockIndexer) QueueLen() int     { return m.Called().Int(0) }
func (m *mockIndexer) ReIndexCount() int { return m.Called().Int(0) }
func (m *mockIndexer) DeadCount() int    { return m.Called().Int(0) }

func (m *mockIndexer) ReIndexItems() []indexer.ReIndexItem {
	items, _ := m.Called().Get(0).([]indexer.ReIndexItem)
	return items
}

func (m *mockIndexer) DeadItems() []indexer.DeadItem {
	items, _ := m.Called().Get(0).([]indexer.DeadItem)
	return items
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Contains(ctx context.Context, participantID string) (bool, error) {
	args := m.Called(ctx, participantID)
	return args.Bool(0), args.Error(1)
}

func (m *mockDirectory) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockDirectory) ForEach(ctx context.Context, fn func(*store.ParticipantDocument) error) error {
	args := m.Called(ctx)
	docs, _ := args.Get(0).([]*store.ParticipantDocument)
	for _, d := range docs {
		if err := fn(d); err != nil {
			return err
		}
	}
	return args.Error(1)
}

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*search.Response)
	return resp, args.Error(1)
}

// denyAll rejects every client.
type denyAll struct{}

func (denyAll) Verify(*http.Request) (string, error) {
	return "", pderrors.Forbidden("no client certificate presented", nil)
}

type fixture struct {
	idx *mockIndexer
	dir *mockDirectory
	srv *Server
}

func newFixture(t *testing.T, verifier auth.Verifier, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{idx: &mockIndexer{}, dir: &mockDirectory{}}
	f.srv = New(Config{}, f.idx, f.dir, verifier, opts...)
	t.Cleanup(func() {
		f.idx.AssertExpectations(t)
		f.dir.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	code, _ := body["code"].(string)
	return code
}

func mustItem(t *testing.T, op indexer.Operation) *indexer.WorkItem {
	t.Helper()
	item, err := indexer.NewWorkItem(testParticipant, op, auth.AnonymousID, t0)
	require.NoError(t, err)
	return item
}

func TestUpsert_Accepted(t *testing.T) {
	// Given: an open intake
	f := newFixture(t, auth.AllowAll{})
	f.idx.On("Submit", testParticipant, indexer.OperationCreateOrUpdate, auth.AnonymousID).
		Return(mustItem(t, indexer.OperationCreateOrUpdate), nil)

	// When: a sender announces the participant
	rec := f.do(http.MethodPut, "/1.0", testParticipant)

	// Then: 204 and one CREATE_OR_UPDATE queued
	assert.Equal(t, http.StatusNoContent, rec.Code)
	f.idx.AssertNumberOfCalls(t, "Submit", 1)
}

func TestUpsert_BareValueGetsDefaultScheme(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	f.idx.On("Submit", testParticipant, indexer.OperationCreateOrUpdate, auth.AnonymousID).
		Return(mustItem(t, indexer.OperationCreateOrUpdate), nil)

	rec := f.do(http.MethodPut, "/1.0", " 9915:test\n")

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUpsert_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		verifier auth.Verifier
		body     string
		submit   error
		status   int
		code     string
	}{
		{"unverified client", denyAll{}, testParticipant, nil, http.StatusForbidden, pderrors.ErrCodeForbidden},
		{"empty body", auth.AllowAll{}, "  ", nil, http.StatusBadRequest, pderrors.ErrCodeInvalidInput},
		{"malformed id", auth.AllowAll{}, "::9915:test", nil, http.StatusBadRequest, pderrors.ErrCodeInvalidInput},
		{"shutting down", auth.AllowAll{}, testParticipant, pderrors.ErrRejected, http.StatusServiceUnavailable, pderrors.ErrCodeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.verifier)
			if tt.submit != nil {
				f.idx.On("Submit", testParticipant, indexer.OperationCreateOrUpdate, auth.AnonymousID).
					Return(nil, tt.submit)
			}

			rec := f.do(http.MethodPut, "/1.0", tt.body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
			if tt.submit == nil {
				f.idx.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestDelete_Accepted(t *testing.T) {
	// Given: an indexed participant
	f := newFixture(t, auth.AllowAll{})
	f.dir.On("Contains", mock.Anything, testParticipant).Return(true, nil)
	f.idx.On("Submit", testParticipant, indexer.OperationDelete, auth.AnonymousID).
		Return(mustItem(t, indexer.OperationDelete), nil)

	// When: deleting it
	rec := f.do(http.MethodDelete, "/1.0/"+testParticipant, "")

	// Then: 204 and a DELETE is queued
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDelete_UnknownParticipantIsNotQueued(t *testing.T) {
	// Given: a participant that is not in the index
	f := newFixture(t, auth.AllowAll{})
	f.dir.On("Contains", mock.Anything, testParticipant).Return(false, nil)

	// When: deleting it
	rec := f.do(http.MethodDelete, "/1.0/"+testParticipant, "")

	// Then: 404 and nothing is submitted
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, pderrors.ErrCodeNotFound, errorCode(t, rec))
	f.idx.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestDelete_ForbiddenBeforeLookup(t *testing.T) {
	f := newFixture(t, denyAll{})

	rec := f.do(http.MethodDelete, "/1.0/"+testParticipant, "")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	f.dir.AssertNotCalled(t, "Contains", mock.Anything, mock.Anything)
}

func TestDelete_UnknownParticipantNeverReachesPerformer(t *testing.T) {
	// Given: a real manager whose performer records every call
	var calls int
	mgr := indexer.NewManager(indexer.PerformerFunc(func(context.Context, *indexer.WorkItem) error {
		calls++
		return nil
	}))
	dir := &mockDirectory{}
	dir.On("Contains", mock.Anything, testParticipant).Return(false, nil)
	srv := New(Config{}, mgr, dir, auth.AllowAll{})

	// When: deleting an unknown participant
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/1.0/"+testParticipant, nil))
	left := mgr.Stop()

	// Then: 404, and the performer never ran
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, calls)
	assert.Empty(t, left.Pending)
	assert.Zero(t, mgr.ReIndexCount())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	f.dir.On("Count", mock.Anything).Return(42, nil)
	f.idx.On("QueueLen").Return(3)
	f.idx.On("ReIndexCount").Return(2)
	f.idx.On("DeadCount").Return(1)

	rec := f.do(http.MethodGet, "/1.0/admin/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, Status{Participants: 42, Queued: 3, ReIndex: 2, Dead: 1}, got)
}

func TestAdminRequiresIdentity(t *testing.T) {
	paths := []struct{ method, path string }{
		{http.MethodGet, "/1.0/admin/status"},
		{http.MethodGet, "/1.0/admin/reindex"},
		{http.MethodGet, "/1.0/admin/dead"},
		{http.MethodPost, "/1.0/admin/dead/" + testParticipant + "/resubmit"},
		{http.MethodGet, "/1.0/admin/export/participants"},
		{http.MethodGet, "/1.0/admin/export/businesscards"},
	}

	for _, p := range paths {
		t.Run(p.path, func(t *testing.T) {
			f := newFixture(t, denyAll{})

			rec := f.do(p.method, p.path, "")

			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

func TestReIndexList(t *testing.T) {
	// Given: one envelope that has been retried once
	f := newFixture(t, auth.AllowAll{})
	item := mustItem(t, indexer.OperationCreateOrUpdate)
	env := indexer.RestoreReIndexItem(item, 1, t0.Add(5*time.Minute), t0.Add(10*time.Minute), t0.Add(24*time.Hour))
	f.idx.On("ReIndexItems").Return([]indexer.ReIndexItem{*env})

	// When: listing
	rec := f.do(http.MethodGet, "/1.0/admin/reindex", "")

	// Then: retry state is exposed
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Items []ItemView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Items, 1)
	assert.Equal(t, item.ID(), got.Items[0].ID)
	assert.Equal(t, "CREATE_OR_UPDATE", got.Items[0].Operation)
	assert.Equal(t, 1, got.Items[0].Retries)
	require.NotNil(t, got.Items[0].PreviousRetry)
	assert.True(t, t0.Add(5*time.Minute).Equal(*got.Items[0].PreviousRetry))
	assert.Nil(t, got.Items[0].DeadAt)
}

func TestDeadList(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	item := mustItem(t, indexer.OperationDelete)
	f.idx.On("DeadItems").Return([]indexer.DeadItem{{
		Item: item, NextRetry: t0, ExpireAt: t0, DeadAt: t0.Add(time.Hour),
	}})

	rec := f.do(http.MethodGet, "/1.0/admin/dead", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Items []ItemView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Items, 1)
	assert.Nil(t, got.Items[0].PreviousRetry)
	require.NotNil(t, got.Items[0].DeadAt)
	assert.True(t, t0.Add(time.Hour).Equal(*got.Items[0].DeadAt))
}

func TestResubmit(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	item := mustItem(t, indexer.OperationCreateOrUpdate)
	f.idx.On("ResubmitDead", testParticipant, auth.AnonymousID).Return([]*indexer.WorkItem{item}, nil)

	rec := f.do(http.MethodPost, "/1.0/admin/dead/"+testParticipant+"/resubmit", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), item.ID())
}

func TestResubmit_NothingDead(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	f.idx.On("ResubmitDead", testParticipant, auth.AnonymousID).Return(nil, pderrors.NotFound(testParticipant))

	rec := f.do(http.MethodPost, "/1.0/admin/dead/"+testParticipant+"/resubmit", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func exportDocs() []*store.ParticipantDocument {
	card := &businesscard.BusinessCard{
		Participant: businesscard.Identifier{Scheme: "iso6523-actorid-upis", Value: "9915:test"},
		Entities: []businesscard.Entity{{
			RegistrationDate: "2015-07-06",
			Name:             "Mock receiver",
			CountryCode:      "AT",
			Identifiers:      []businesscard.Identifier{{Scheme: "mock", Value: "12345678"}},
			Websites:         []string{"https://example.org"},
			Contacts:         []businesscard.Contact{{Type: "support", Email: "help@example.org"}},
		}},
	}
	return []*store.ParticipantDocument{
		{ParticipantID: testParticipant, Card: card, IndexedAt: t0},
		{ParticipantID: "iso6523-actorid-upis::9915:nocard", IndexedAt: t0},
	}
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestExportParticipants(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	f.dir.On("ForEach", mock.Anything).Return(exportDocs(), nil)

	rec := f.do(http.MethodGet, "/1.0/admin/export/participants", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ParticipantListFile)
	golden(t).Assert(t, "participants", rec.Body.Bytes())
}

func TestExportBusinessCards(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	f.dir.On("ForEach", mock.Anything).Return(exportDocs(), nil)

	rec := f.do(http.MethodGet, "/1.0/admin/export/businesscards", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), BusinessEntitiesFile)
	golden(t).Assert(t, "businesscards", rec.Body.Bytes())
}

func TestExportEmpty(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	f.dir.On("ForEach", mock.Anything).Return(nil, nil)

	rec := f.do(http.MethodGet, "/1.0/admin/export/participants", "")

	require.Equal(t, http.StatusOK, rec.Code)
	golden(t).Assert(t, "participants_empty", rec.Body.Bytes())
}

func TestSearch(t *testing.T) {
	// Given: a searcher expecting text, filters and a limit
	s := &mockSearcher{}
	want := search.Request{
		Text:    "acme",
		Filters: []string{"country::eq:AT", "entity_count:int:ge:1"},
		Limit:   5,
	}
	s.On("Search", mock.Anything, want).Return(&search.Response{
		Hits:    []search.Hit{{ParticipantID: testParticipant, Score: 1.5}},
		Scanned: 7,
	}, nil)
	f := newFixture(t, auth.AllowAll{}, WithSearcher(s))

	// When: querying
	rec := f.do(http.MethodGet, "/1.0/search?q=acme&filter=country::eq:AT&filter=entity_count:int:ge:1&limit=5", "")

	// Then: the response carries the hits
	require.Equal(t, http.StatusOK, rec.Code)
	var got search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Hits, 1)
	assert.Equal(t, testParticipant, got.Hits[0].ParticipantID)
	assert.Equal(t, 7, got.Scanned)
	s.AssertExpectations(t)
}

func TestSearch_BadFilterIs400(t *testing.T) {
	s := &mockSearcher{}
	s.On("Search", mock.Anything, mock.Anything).
		Return(nil, pderrors.ValidationError("unknown filter field", nil))
	f := newFixture(t, auth.AllowAll{}, WithSearcher(s))

	rec := f.do(http.MethodGet, "/1.0/search?filter=colour::eq:red", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch_BadLimit(t *testing.T) {
	f := newFixture(t, auth.AllowAll{}, WithSearcher(&mockSearcher{}))

	rec := f.do(http.MethodGet, "/1.0/search?limit=many", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch_NotRegisteredWithoutSearcher(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})

	rec := f.do(http.MethodGet, "/1.0/search?q=x", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	// Given: a budget of one request
	idx := &mockIndexer{}
	idx.On("Submit", testParticipant, indexer.OperationCreateOrUpdate, auth.AnonymousID).
		Return(mustItem(t, indexer.OperationCreateOrUpdate), nil)
	srv := New(Config{RateLimitRPS: 0.001, RateLimitBurst: 1}, idx, &mockDirectory{}, auth.AllowAll{})

	send := func(path string) int {
		rec := httptest.NewRecorder()
		method := http.MethodPut
		if path == "/healthz" {
			method = http.MethodGet
		}
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(testParticipant)))
		return rec.Code
	}

	// Then: the second request is throttled but health checks are not
	assert.Equal(t, http.StatusNoContent, send("/1.0"))
	assert.Equal(t, http.StatusTooManyRequests, send("/1.0"))
	assert.Equal(t, http.StatusOK, send("/healthz"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, denyAll{})

	rec := f.do(http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	l, err := newLocalListener()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}
