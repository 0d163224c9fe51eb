package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/salat-23/item-inspect/pkg/item"
	"github.com/salat-23/item-inspect/pkg/job"
	"github.com/salat-23/item-inspect/pkg/telemetry"
)

const testLink = "steam://rungame/730/76561202255233023/+csgo_econ_action_preview S76561198084749846A6768147729D12557175561287951743"

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*job.Job
	size    int
	perUser map[string]int
	resolve func(j *job.Job)
}

func (q *fakeQueue) AddJob(j *job.Job, maxAttempts int) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	if q.resolve != nil {
		go q.resolve(j)
	}
}

func (q *fakeQueue) UserQueuedAmount(key string) int { return q.perUser[key] }
func (q *fakeQueue) Size() int                       { return q.size }

type fakePool struct{ online bool }

func (p *fakePool) HasBotOnline() bool { return p.online }

type fakeStore struct {
	items   map[string]item.Info
	updated map[string]int
}

func (s *fakeStore) GetItemData(ctx context.Context, assetIDs []string) ([]item.Info, error) {
	var out []item.Info
	for _, id := range assetIDs {
		if it, ok := s.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateItemPrice(ctx context.Context, assetID string, price int) error {
	if s.updated == nil {
		s.updated = make(map[string]int)
	}
	s.updated[assetID] = price
	return nil
}

type nopEnrich struct{}

func (nopEnrich) AddAdditionalItemProperties(it *item.Info) {}

type fakeStats struct {
	mu       sync.Mutex
	requests int
	calls    int
}

func (f *fakeStats) IncrRequests(ctx context.Context) {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()
}

func (f *fakeStats) Stats(ctx context.Context) (telemetry.Stats, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return telemetry.Stats{BotsOnline: 7}, nil
}

func testOptions() Options {
	return Options{
		BulkKey:         "secret",
		MaxSimultaneous: 5,
		MaxQueueSize:    100,
		MaxAttempts:     3,
		RequestTimeout:  2 * time.Second,
	}
}

func newTestServer(opts Options, q *fakeQueue, pool *fakePool, store *fakeStore, stats *fakeStats) *Server {
	if q.perUser == nil {
		q.perUser = make(map[string]int)
	}
	if store.items == nil {
		store.items = make(map[string]item.Info)
	}
	return NewServer(opts, q, pool, store, nopEnrich{}, stats, nil, nil)
}

func TestInspectServedFromCache(t *testing.T) {
	store := &fakeStore{items: map[string]item.Info{
		"6768147729": {A: "6768147729", PaintWear: 0.223, DefIndex: 7},
	}}
	q := &fakeQueue{}
	s := newTestServer(testOptions(), q, &fakePool{online: true}, store, &fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/float?url="+url.QueryEscape(testLink), nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		ItemInfo item.Info `json:"iteminfo"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ItemInfo.A != "6768147729" || body.ItemInfo.PaintWear != 0.223 {
		t.Fatalf("unexpected item %+v", body.ItemInfo)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("cache hit should not enqueue, got %d jobs", len(q.jobs))
	}
}

func TestInspectResolvedByQueue(t *testing.T) {
	q := &fakeQueue{resolve: func(j *job.Job) {
		for _, e := range j.RemainingLinks() {
			j.SetResponse(e.Link.A, job.Outcome{Item: &item.Info{A: e.Link.A, PaintWear: 0.5}})
		}
	}}
	s := newTestServer(testOptions(), q, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/?url="+url.QueryEscape(testLink), nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestEmptyPostBodyFallsBackToQuery(t *testing.T) {
	store := &fakeStore{items: map[string]item.Info{
		"6768147729": {A: "6768147729"},
	}}
	s := newTestServer(testOptions(), &fakeQueue{}, &fakePool{online: true}, store, &fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/float?url="+url.QueryEscape(testLink), nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 from query values: %s", rec.Code, rec.Body.String())
	}
}

func TestInvalidLinkRejected(t *testing.T) {
	s := newTestServer(testOptions(), &fakeQueue{}, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/float?url=not-a-link", nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Code != 2 {
		t.Fatalf("want error code 2, got %s", rec.Body.String())
	}
}

func TestOfflinePoolShortCircuits(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(testOptions(), q, &fakePool{online: false}, &fakeStore{}, &fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/float?url="+url.QueryEscape(testLink), nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("offline pool must not enqueue")
	}
}

func TestQueueFullRejected(t *testing.T) {
	q := &fakeQueue{size: 100}
	s := newTestServer(testOptions(), q, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/float?url="+url.QueryEscape(testLink), nil)
	s.Handler().ServeHTTP(rec, req)

	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Code != 9 {
		t.Fatalf("want error code 9, got %s", rec.Body.String())
	}
}

func TestPerClientLimitRejected(t *testing.T) {
	q := &fakeQueue{perUser: map[string]int{"192.0.2.1": 5}}
	s := newTestServer(testOptions(), q, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/float?url="+url.QueryEscape(testLink), nil)
	s.Handler().ServeHTTP(rec, req)

	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Code != 3 {
		t.Fatalf("want error code 3, got %s", rec.Body.String())
	}
}

func TestRequestTimeoutStampsRemaining(t *testing.T) {
	opts := testOptions()
	opts.RequestTimeout = 30 * time.Millisecond
	q := &fakeQueue{} // never resolves
	s := newTestServer(opts, q, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/float?url="+url.QueryEscape(testLink), nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Code != 4 {
		t.Fatalf("want error code 4, got %s", rec.Body.String())
	}
}

func TestBulkBadSecret(t *testing.T) {
	s := newTestServer(testOptions(), &fakeQueue{}, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	body := `{"bulk_key":"wrong","links":[{"link":"` + testLink + `"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bulk", strings.NewReader(body))
	s.Handler().ServeHTTP(rec, req)

	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Code != 8 {
		t.Fatalf("want error code 8, got %s", rec.Body.String())
	}
}

func TestBulkOpenWhenNoKeyConfigured(t *testing.T) {
	opts := testOptions()
	opts.BulkKey = ""
	q := &fakeQueue{resolve: func(j *job.Job) {
		for _, e := range j.RemainingLinks() {
			j.SetResponse(e.Link.A, job.Outcome{Item: &item.Info{A: e.Link.A}})
		}
	}}
	s := newTestServer(opts, q, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	body := `{"links":[{"link":"` + testLink + `"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bulk", strings.NewReader(body))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with no key configured: %s", rec.Code, rec.Body.String())
	}
}

func TestBulkResolvesPerAsset(t *testing.T) {
	q := &fakeQueue{resolve: func(j *job.Job) {
		for _, e := range j.RemainingLinks() {
			j.SetResponse(e.Link.A, job.Outcome{Item: &item.Info{A: e.Link.A}})
		}
	}}
	s := newTestServer(testOptions(), q, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	body := `{"bulk_key":"secret","links":[{"link":"` + testLink + `"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bulk", strings.NewReader(body))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := out["6768147729"]; !ok {
		t.Fatalf("missing asset id key in %s", rec.Body.String())
	}
}

func TestBulkBatchCap(t *testing.T) {
	opts := testOptions()
	opts.MaxSimultaneous = 1
	s := newTestServer(opts, &fakeQueue{}, &fakePool{online: true}, &fakeStore{}, &fakeStats{})

	body := `{"bulk_key":"secret","links":[{"link":"` + testLink + `"},{"link":"` + testLink + `"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bulk", strings.NewReader(body))
	s.Handler().ServeHTTP(rec, req)

	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Code != 3 {
		t.Fatalf("want error code 3, got %s", rec.Body.String())
	}
}

func TestStatsCachedForASecond(t *testing.T) {
	stats := &fakeStats{}
	s := newTestServer(testOptions(), &fakeQueue{}, &fakePool{online: true}, &fakeStore{}, stats)
	h := s.Handler()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if stats.calls != 1 {
		t.Fatalf("stats backend hit %d times, want 1", stats.calls)
	}
}

func TestRateLimit(t *testing.T) {
	opts := testOptions()
	opts.RateLimitEnable = true
	opts.RateLimitWindow = time.Minute
	opts.RateLimitMax = 2
	s := newTestServer(opts, &fakeQueue{}, &fakePool{online: false}, &fakeStore{}, &fakeStats{})
	h := s.Handler()

	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/float?url="+url.QueryEscape(testLink), nil))
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last)
	}
}

func TestSubmittedPriceRules(t *testing.T) {
	store := &fakeStore{items: map[string]item.Info{
		"6768147729": {A: "6768147729"},
	}}
	q := &fakeQueue{}
	s := newTestServer(testOptions(), q, &fakePool{online: true}, store, &fakeStats{})

	// Owned-item link: price must be ignored.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/float?price=1500&url="+url.QueryEscape(testLink), nil)
	s.Handler().ServeHTTP(rec, req)
	if len(store.updated) != 0 {
		t.Fatalf("price accepted for non-market link: %v", store.updated)
	}

	// Market link with a cached zero-price row: price is persisted.
	market := "steam://rungame/730/76561202255233023/+csgo_econ_action_preview M12345A6768147729D12557175561287951743"
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/float?price=1500&url="+url.QueryEscape(market), nil)
	s.Handler().ServeHTTP(rec, req)
	if store.updated["6768147729"] != 1500 {
		t.Fatalf("market price not persisted: %v", store.updated)
	}
}
