package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/hub"
	"docstore/internal/kv"
	"docstore/internal/storeerr"
	"docstore/internal/workqueue"
)

type fakeRepo struct {
	name           string
	sessions       int
	cleared        int
	processNext    int
	rebuildErr     error
	rebuilt        int
	cleanupMax     int
	cleanupBefore  time.Time
	digests        []string
	cacheTotal     int64
	cachePristine  int64
	cacheSelection int64
}

func (f *fakeRepo) Name() string                     { return f.name }
func (f *fakeRepo) ActiveSessionsCount() int         { return f.sessions }
func (f *fakeRepo) CacheSize() int64                 { return f.cacheTotal }
func (f *fakeRepo) CachePristineSize() int64         { return f.cachePristine }
func (f *fakeRepo) CacheSelectionSize() int64        { return f.cacheSelection }
func (f *fakeRepo) ClearCaches()                     { f.cleared++ }
func (f *fakeRepo) ProcessClusterInvalidationsNext() { f.processNext++ }

func (f *fakeRepo) MarkReferencedBinaries(ctx context.Context, mark func(digest string)) (int, error) {
	for _, d := range f.digests {
		mark(d)
	}
	return len(f.digests), nil
}

func (f *fakeRepo) CleanupDeletedDocuments(ctx context.Context, max int, before time.Time) (int, error) {
	f.cleanupMax = max
	f.cleanupBefore = before
	return 3, nil
}

func (f *fakeRepo) RebuildReadAcls(ctx context.Context) error {
	f.rebuilt++
	return f.rebuildErr
}

func nullEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func newQueuing(t *testing.T) *workqueue.Queuing {
	t.Helper()
	store, err := kv.OpenBadger(kv.BadgerOptions{InMemory: true, Logger: nullEntry()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	q := workqueue.New(store, workqueue.Options{Logger: nullEntry()})
	_, err = q.InitScheduleQueue("default")
	require.NoError(t, err)
	return q
}

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Publish(ev hub.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newServer(t *testing.T, q *workqueue.Queuing, repos ...*fakeRepo) *httptest.Server {
	t.Helper()
	return newServerWithEvents(t, q, nil, repos...)
}

func newServerWithEvents(t *testing.T, q *workqueue.Queuing, events hub.Publisher, repos ...*fakeRepo) *httptest.Server {
	t.Helper()
	h := New(q, nullEntry()).WithEvents(events)
	for _, r := range repos {
		h.repos[r.name] = r
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(Chain(mux, Recover(nullEntry()), Logger(nullEntry())))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestRepositoryEndpoints(t *testing.T) {
	repo := &fakeRepo{name: "docs", sessions: 2, cacheTotal: 10, cachePristine: 7, cacheSelection: 3, digests: []string{"b", "a"}}
	other := &fakeRepo{name: "archive"}
	srv := newServer(t, nil, repo, other)

	code, body := do(t, http.MethodGet, srv.URL+"/api/repositories/docs")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, RepositoryStatus{Name: "docs", ActiveSessions: 2, CacheSize: 10, CachePristineSize: 7, CacheSelectionSize: 3},
		decode[RepositoryStatus](t, body))

	code, body = do(t, http.MethodGet, srv.URL+"/api/repositories")
	require.Equal(t, http.StatusOK, code)
	list := decode[[]RepositoryStatus](t, body)
	require.Len(t, list, 2)
	assert.Equal(t, "archive", list[0].Name)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/repositories/docs/caches/clear")
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, 1, repo.cleared)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/repositories/docs/invalidations/next")
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, 1, repo.processNext)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/repositories/docs/readacls/rebuild")
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, 1, repo.rebuilt)

	code, body = do(t, http.MethodPost, srv.URL+"/api/repositories/docs/cleanup?max=50&before=2024-01-02T03:04:05Z")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, decode[CountResponse](t, body).Count)
	assert.Equal(t, 50, repo.cleanupMax)
	assert.True(t, repo.cleanupBefore.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	code, _ = do(t, http.MethodPost, srv.URL+"/api/repositories/docs/cleanup")
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, repo.cleanupMax)
	assert.WithinDuration(t, time.Now(), repo.cleanupBefore, time.Minute)

	code, body = do(t, http.MethodGet, srv.URL+"/api/repositories/docs/binaries")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, BinariesResponse{Count: 2, Digests: []string{"a", "b"}}, decode[BinariesResponse](t, body))
}

func TestRepositoryErrors(t *testing.T) {
	repo := &fakeRepo{name: "docs"}
	srv := newServer(t, nil, repo)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"unknown repository", http.MethodGet, "/api/repositories/nope", http.StatusNotFound},
		{"bad max", http.MethodPost, "/api/repositories/docs/cleanup?max=many", http.StatusBadRequest},
		{"bad before", http.MethodPost, "/api/repositories/docs/cleanup?before=yesterday", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/repositories/docs/caches/clear", http.StatusMethodNotAllowed},
		{"no queues", http.MethodGet, "/api/queues/default", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, tt.method, srv.URL+tt.path)
			assert.Equal(t, tt.status, code, string(body))
		})
	}

	repo.rebuildErr = storeerr.New("rebuild read acls", "", storeerr.ErrOperationNotAllowed)
	code, body := do(t, http.MethodPost, srv.URL+"/api/repositories/docs/readacls/rebuild")
	assert.Equal(t, http.StatusConflict, code)
	resp := decode[ErrorResponse](t, body)
	assert.Equal(t, "Failed to rebuild read ACLs", resp.Error)
	assert.Contains(t, resp.Details, "operation not allowed")

	repo.rebuildErr = storeerr.New("rebuild read acls", "", storeerr.ErrConnectionReset)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/repositories/docs/readacls/rebuild")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestQueueEndpoints(t *testing.T) {
	ctx := context.Background()
	q := newQueuing(t)
	srv := newServer(t, q)
	sq, err := q.GetScheduledQueue("default")
	require.NoError(t, err)

	works := []*workqueue.Work{
		workqueue.NewWork("index", "", nil),
		workqueue.NewWork("index", "", nil),
		workqueue.NewWork("index", "", nil),
	}
	for _, w := range works {
		require.NoError(t, sq.Offer(ctx, w))
	}
	running, err := sq.Poll(ctx)
	require.NoError(t, err)
	require.NoError(t, q.WorkRunning(ctx, "default", running))

	code, body := do(t, http.MethodGet, srv.URL+"/api/queues/default")
	require.Equal(t, http.StatusOK, code)
	status := decode[QueueStatus](t, body)
	assert.Equal(t, "pending", status.State)
	assert.Equal(t, 3, status.Size)
	assert.Equal(t, []string{works[1].ID, works[2].ID, works[0].ID}, status.IDs)

	code, body = do(t, http.MethodGet, srv.URL+"/api/queues/default?state=RUNNING")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{works[0].ID}, decode[QueueStatus](t, body).IDs)

	code, body = do(t, http.MethodGet, srv.URL+"/api/queues")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"default"}, decode[[]string](t, body))

	code, body = do(t, http.MethodPost, srv.URL+"/api/queues/default/suspend")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, decode[CountResponse](t, body).Count)
	code, body = do(t, http.MethodGet, srv.URL+"/api/queues/default?state=suspended")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, decode[QueueStatus](t, body).Size)

	code, body = do(t, http.MethodPost, srv.URL+"/api/queues/default/resume")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, decode[CountResponse](t, body).Count)

	require.NoError(t, q.WorkCompleted(ctx, "default", running))
	code, body = do(t, http.MethodDelete, srv.URL+"/api/queues/default/completed?before=2000-01-01T00:00:00Z")
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, decode[CountResponse](t, body).Count)
	code, body = do(t, http.MethodDelete, srv.URL+"/api/queues/default/completed")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, decode[CountResponse](t, body).Count)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/queues/default?state=sleeping")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/api/queues/other")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndRecover(t *testing.T) {
	srv := newServer(t, nil, &fakeRepo{name: "docs"})
	code, body := do(t, http.MethodGet, srv.URL+"/health")
	require.Equal(t, http.StatusOK, code)
	health := decode[map[string]any](t, body)
	assert.Equal(t, "ok", health["status"])

	panicking := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), Recover(nullEntry()))
	rec := httptest.NewRecorder()
	panicking.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEventsPublished(t *testing.T) {
	rec := &recorder{}
	q := newQueuing(t)
	srv := newServerWithEvents(t, q, rec, &fakeRepo{name: "docs"})

	code, _ := do(t, http.MethodPost, srv.URL+"/api/repositories/docs/caches/clear")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/repositories/docs/readacls/rebuild")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/queues/default/suspend")
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/api/repositories/docs")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, []string{hub.EventCachesCleared, hub.EventReadACLsRebuilt, hub.EventQueueSuspended}, rec.types())

	code, _ = do(t, http.MethodGet, srv.URL+"/api/events")
	assert.Equal(t, http.StatusNotFound, code, "a plain publisher serves no stream")
}

func TestEventStreamRoute(t *testing.T) {
	h := hub.New(nullEntry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	srv := newServerWithEvents(t, nil, h)

	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
