package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ykarpov/readersync/app/store"
	"github.com/ykarpov/readersync/app/sync"
)

const testAPIKey = "test-key"

type noopJob struct {
	kind string
}

func (j *noopJob) Run(ctx context.Context) error { return nil }
func (j *noopJob) Kind() string                  { return j.kind }
func (j *noopJob) Key() string                   { return j.kind }
func (j *noopJob) Bulk() bool                    { return false }

type fakeScheduler struct {
	accept bool
	queued []sync.Job
}

func (s *fakeScheduler) Enqueue(job sync.Job) bool {
	if !s.accept {
		return false
	}
	s.queued = append(s.queued, job)
	return true
}

type fakeJobs struct{}

func (f *fakeJobs) SyncJobs() []sync.Job {
	return []sync.Job{&noopJob{kind: "fetch_subscriptions"}, &noopJob{kind: "fetch_items"}}
}

func (f *fakeJobs) SubscribeFeed(feedURL string) sync.Job {
	return &noopJob{kind: "subscribe"}
}

func (f *fakeJobs) UploadTransactions() sync.Job {
	return &noopJob{kind: "upload"}
}

// fakePaths serves content variants out of a flat test directory.
type fakePaths struct {
	dir string
}

func (p *fakePaths) FullPath(id string) string     { return filepath.Join(p.dir, id+".full") }
func (p *fakePaths) StrippedPath(id string) string { return filepath.Join(p.dir, id+".stripped") }
func (p *fakePaths) OriginalPath(id string) string { return filepath.Join(p.dir, id+".original") }

type testEnv struct {
	store     *store.Store
	paths     *fakePaths
	scheduler *fakeScheduler
	router    *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	paths := &fakePaths{dir: t.TempDir()}
	scheduler := &fakeScheduler{accept: true}
	handler := NewHandler(st, paths, scheduler, &fakeJobs{})

	return &testEnv{
		store:     st,
		paths:     paths,
		scheduler: scheduler,
		router:    NewServer(handler, testAPIKey),
	}
}

func (e *testEnv) request(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func seedItems(t *testing.T, st *store.Store) {
	t.Helper()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	items := []store.Item{
		{ID: "item-1", Title: "First", FeedID: "feed/a", PublishedAt: base},
		{ID: "item-2", Title: "Second", FeedID: "feed/a", PublishedAt: base.Add(time.Hour)},
		{ID: "item-3", Title: "Third", FeedID: "feed/b", PublishedAt: base.Add(2 * time.Hour)},
	}
	if err := st.AddItems(items); err != nil {
		t.Fatalf("Failed to seed items: %v", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/items", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/items", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/items", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with bearer token, got %d", w.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for health, got %d", w.Code)
	}
	body := decodeJSON(t, w)
	if _, ok := body["timestamp"]; !ok {
		t.Error("Health response missing timestamp")
	}
}

func TestListItems(t *testing.T) {
	env := newTestEnv(t)
	seedItems(t, env.store)

	w := env.request(t, "GET", "/api/items", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeJSON(t, w)
	if body["total"].(float64) != 3 {
		t.Errorf("Expected total 3, got %v", body["total"])
	}

	w = env.request(t, "GET", "/api/items?feed=feed/a", "")
	body = decodeJSON(t, w)
	if body["total"].(float64) != 2 {
		t.Errorf("Expected 2 items for feed filter, got %v", body["total"])
	}

	w = env.request(t, "GET", "/api/items?limit=1&offset=1&order=asc", "")
	body = decodeJSON(t, w)
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("Expected 1 item on page, got %d", len(items))
	}
	if id := items[0].(map[string]any)["id"]; id != "item-2" {
		t.Errorf("Expected item-2 on second ascending page, got %v", id)
	}
}

func TestGetItem(t *testing.T) {
	env := newTestEnv(t)
	seedItems(t, env.store)

	w := env.request(t, "GET", "/api/item?id=item-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeJSON(t, w)
	if body["title"] != "First" {
		t.Errorf("Unexpected title: %v", body["title"])
	}

	if w := env.request(t, "GET", "/api/item?id=missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown item, got %d", w.Code)
	}
	if w := env.request(t, "GET", "/api/item", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without id, got %d", w.Code)
	}
}

func TestGetItemContentPrefersRichestVariant(t *testing.T) {
	env := newTestEnv(t)
	seedItems(t, env.store)

	if err := os.WriteFile(env.paths.StrippedPath("item-1"), []byte("<p>stripped</p>"), 0o644); err != nil {
		t.Fatalf("Failed to write stripped variant: %v", err)
	}

	w := env.request(t, "GET", "/api/item/content?id=item-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "stripped") {
		t.Errorf("Expected stripped variant body, got %q", w.Body.String())
	}

	// The rewritten copy wins once it exists.
	if err := os.WriteFile(env.paths.FullPath("item-1"), []byte("<p>full</p>"), 0o644); err != nil {
		t.Fatalf("Failed to write full variant: %v", err)
	}
	w = env.request(t, "GET", "/api/item/content?id=item-1", "")
	if !strings.Contains(w.Body.String(), "full") {
		t.Errorf("Expected full variant body, got %q", w.Body.String())
	}

	if w := env.request(t, "GET", "/api/item/content?id=item-2", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when no variant stored, got %d", w.Code)
	}
}

func TestMarkItemReadSchedulesUpload(t *testing.T) {
	env := newTestEnv(t)
	seedItems(t, env.store)

	w := env.request(t, "POST", "/api/item/read?id=item-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	item, err := env.store.GetItem("item-1")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if !item.State.IsRead {
		t.Error("Expected item marked read")
	}

	if len(env.scheduler.queued) != 1 || env.scheduler.queued[0].Kind() != "upload" {
		t.Errorf("Expected one queued upload job, got %v", env.scheduler.queued)
	}

	if w := env.request(t, "POST", "/api/item/read?id=missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown item, got %d", w.Code)
	}
}

func TestMarkAllRead(t *testing.T) {
	env := newTestEnv(t)
	seedItems(t, env.store)

	w := env.request(t, "POST", "/api/items/read-all", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeJSON(t, w)
	if body["marked"].(float64) != 3 {
		t.Errorf("Expected 3 items marked, got %v", body["marked"])
	}

	// Every flipped item left a pending edit for the scheduled upload.
	txs, err := env.store.ListTransactions()
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 3 {
		t.Errorf("Expected 3 pending log entries, got %+v", txs)
	}
}

func TestCreateSubscription(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "POST", "/api/subscriptions", `{"url": "https://example.com/feed.xml"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if len(env.scheduler.queued) != 1 || env.scheduler.queued[0].Kind() != "subscribe" {
		t.Errorf("Expected one queued subscribe job, got %v", env.scheduler.queued)
	}

	if w := env.request(t, "POST", "/api/subscriptions", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without url, got %d", w.Code)
	}

	env.scheduler.accept = false
	if w := env.request(t, "POST", "/api/subscriptions", `{"url": "https://example.com/feed.xml"}`); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 when already queued, got %d", w.Code)
	}
}

func TestGetCounts(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	subs := []store.Subscription{{ID: "feed/a", URL: "https://a.example.com/rss", Title: "A"}}
	if err := env.store.AddSubscriptions(subs, now); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}
	if err := env.store.SetSubscriptionUnread("feed/a", 1500); err != nil {
		t.Fatalf("SetSubscriptionUnread failed: %v", err)
	}

	w := env.request(t, "GET", "/api/counts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeJSON(t, w)
	subCounts := body["subscriptions"].(map[string]any)
	if subCounts["feed/a"] != "1000+" {
		t.Errorf("Expected capped display count, got %v", subCounts["feed/a"])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "PUT", "/api/settings/prefetch.enabled", `{"value": "false"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = env.request(t, "GET", "/api/settings/prefetch.enabled", "")
	body := decodeJSON(t, w)
	if body["value"] != "false" {
		t.Errorf("Expected persisted value, got %v", body["value"])
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	seedItems(t, env.store)

	w := env.request(t, "POST", "/api/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	count, _ := env.store.CountItems(store.ItemFilter{})
	if count != 0 {
		t.Errorf("Expected empty store after reset, got %d items", count)
	}
}

func TestTriggerSync(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "POST", "/api/sync", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	body := decodeJSON(t, w)
	if body["jobs"].(float64) != 2 {
		t.Errorf("Expected 2 queued jobs, got %v", body["jobs"])
	}
}
