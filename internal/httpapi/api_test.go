package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postsched/internal/metrics"
	"postsched/internal/planner"
	"postsched/internal/storage"
	logx "postsched/pkg/logx"
)

var monday = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestAPI(t *testing.T, withStore bool) http.Handler {
	t.Helper()
	var st storage.Store
	if withStore {
		var err error
		st, err = storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
	}
	clock := func() time.Time { return monday }
	m := metrics.New(logx.Nop())
	p := planner.New(planner.Options{Store: st, Metrics: m, Log: logx.Nop(), Clock: clock})
	return New(Options{Planner: p, Store: st, Metrics: m, Log: logx.Nop(), Clock: clock}).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestHealthAndPlatforms(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, false)

	rec, _ := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec, _ = do(t, h, http.MethodGet, "/v1/platforms", "")
	var got []platformInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode platforms: %v", err)
	}
	if len(got) != 4 || got[0].Platform != "linkedin" || got[0].Region != "America/Vancouver" {
		t.Fatalf("platforms = %+v", got)
	}
}

func TestSchedulesPreview(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, false)

	rec, body := do(t, h, http.MethodPost, "/v1/schedules", `{"platforms":["linkedin","facebook","instagram","x"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	sched, _ := body["schedule"].(map[string]any)
	want := map[string]string{
		"linkedin":  "2024-01-02T16:00:00Z",
		"x":         "2024-01-02T16:00:00Z",
		"facebook":  "2024-01-02T04:00:00Z",
		"instagram": "2024-01-02T04:00:00Z",
	}
	for p, ts := range want {
		if sched[p] != ts {
			t.Fatalf("schedule[%s] = %v, want %s", p, sched[p], ts)
		}
	}

	rec, body = do(t, h, http.MethodPost, "/v1/schedules",
		`{"platforms":["facebook"],"windows":{"Asia/Shanghai":["whenever"]},"now":"2024-01-03T00:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	sched, _ = body["schedule"].(map[string]any)
	if v, ok := sched["facebook"]; !ok || v != nil {
		t.Fatalf("facebook = %v (present=%v), want null", v, ok)
	}
}

func TestSchedulesErrors(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, false)
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "bad json", body: `{"platforms":`, code: "invalid_json"},
		{name: "unknown field", body: `{"platform":["x"]}`, code: "invalid_json"},
		{name: "no platforms", body: `{"platforms":[]}`, code: "no_platforms"},
		{name: "unknown platform", body: `{"platforms":["myspace"]}`, code: "unknown_platform"},
		{name: "unknown region", body: `{"platforms":["x"],"windows":{"Mars/Base":["Tue 08:00-10:00"]}}`, code: "unknown_region"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, body := do(t, h, http.MethodPost, "/v1/schedules", tt.body)
			if rec.Code != http.StatusBadRequest || body["error"] != tt.code {
				t.Fatalf("got %d %v, want 400 %s", rec.Code, body["error"], tt.code)
			}
		})
	}
}

func TestWindowPreview(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, false)

	rec, body := do(t, h, http.MethodGet, "/v1/windows/preview?window=Tue+08:00-10:00&region=America/Vancouver&n=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	occ, _ := body["occurrences"].([]any)
	if len(occ) != 2 || occ[0] != "2024-01-02T16:00:00Z" || occ[1] != "2024-01-09T16:00:00Z" {
		t.Fatalf("occurrences = %v", occ)
	}
	if body["cron"] != "CRON_TZ=America/Vancouver 0 8 * * 2" {
		t.Fatalf("cron = %v", body["cron"])
	}

	rec, body = do(t, h, http.MethodGet, "/v1/windows/preview?window=Tuesday&region=America/Vancouver", "")
	if rec.Code != http.StatusBadRequest || body["error"] != "malformed_window" {
		t.Fatalf("malformed: %d %v", rec.Code, body["error"])
	}
	rec, body = do(t, h, http.MethodGet, "/v1/windows/preview?window=Tue+08:00-10:00&region=Nowhere/City", "")
	if rec.Code != http.StatusBadRequest || body["error"] != "unknown_region" {
		t.Fatalf("region: %d %v", rec.Code, body["error"])
	}
	rec, body = do(t, h, http.MethodGet, "/v1/windows/preview?window=Tue+08:00-10:00&region=America/Vancouver&n=0", "")
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_query" {
		t.Fatalf("n=0: %d %v", rec.Code, body["error"])
	}
}

func TestPostsLifecycle(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, true)

	rec, body := do(t, h, http.MethodPost, "/v1/posts", `{"caption":"launch","platforms":["x","facebook"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	posts, _ := body["posts"].([]any)
	if len(posts) != 2 {
		t.Fatalf("posts = %v", posts)
	}
	first, _ := posts[0].(map[string]any)
	id, _ := first["id"].(string)
	if id == "" || first["status"] != "queued" || first["platform"] != "x" {
		t.Fatalf("first post = %v", first)
	}

	rec, body = do(t, h, http.MethodGet, "/v1/posts?platform=X", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if posts, _ := body["posts"].([]any); len(posts) != 1 {
		t.Fatalf("filtered posts = %v", posts)
	}

	rec, body = do(t, h, http.MethodGet, "/v1/posts/"+id, "")
	if rec.Code != http.StatusOK || body["caption"] != "launch" {
		t.Fatalf("get = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodPost, "/v1/posts/"+id+"/cancel", "")
	if rec.Code != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("cancel = %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodPost, "/v1/posts/"+id+"/cancel", "")
	if rec.Code != http.StatusConflict || body["error"] != "not_cancellable" {
		t.Fatalf("second cancel = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/v1/posts?status=cancelled", "")
	if posts, _ := body["posts"].([]any); rec.Code != http.StatusOK || len(posts) != 1 {
		t.Fatalf("cancelled list = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/v1/posts/nope", "")
	if rec.Code != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("missing = %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodGet, "/v1/posts?status=sent", "")
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_query" {
		t.Fatalf("bad status = %d %v", rec.Code, body)
	}
}

// dispatchAfterGet marks a post due right after the handler reads it, the way
// a sweep can win the race against a cancel.
type dispatchAfterGet struct {
	storage.Store
}

func (d dispatchAfterGet) GetPost(ctx context.Context, id string) (storage.Post, error) {
	p, err := d.Store.GetPost(ctx, id)
	if err == nil {
		err = d.Store.SetStatus(ctx, id, storage.StatusQueued, storage.StatusDue, monday)
	}
	return p, err
}

func TestCancelLosesToDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sched := monday.Add(time.Hour)
	if err := st.PutPosts(ctx, []storage.Post{
		{ID: "p", Platform: "x", Region: "America/Vancouver", ScheduledAt: &sched, Status: storage.StatusQueued, CreatedAt: monday, UpdatedAt: monday},
	}); err != nil {
		t.Fatalf("PutPosts: %v", err)
	}

	h := New(Options{Store: dispatchAfterGet{Store: st}, Log: logx.Nop(), Clock: func() time.Time { return monday }}).Handler()
	rec, body := do(t, h, http.MethodPost, "/v1/posts/p/cancel", "")
	if rec.Code != http.StatusConflict || body["error"] != "not_cancellable" {
		t.Fatalf("cancel = %d %v", rec.Code, body)
	}
	if p, _ := st.GetPost(ctx, "p"); p.Status != storage.StatusDue {
		t.Fatalf("status = %s, want due", p.Status)
	}
}

func TestPostsWithoutStorage(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, false)
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/v1/posts", ""},
		{http.MethodPost, "/v1/posts", `{"platforms":["x"]}`},
		{http.MethodGet, "/v1/posts/abc", ""},
	} {
		rec, body := do(t, h, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusServiceUnavailable || body["error"] != "storage_disabled" {
			t.Fatalf("%s %s = %d %v", tc.method, tc.path, rec.Code, body)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestAPI(t, false)
	_, _ = do(t, h, http.MethodPost, "/v1/schedules", `{"platforms":["linkedin"]}`)
	rec, _ := do(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), `postsched_schedules_resolved_total{outcome="scheduled",platform="linkedin"} 1`) {
		t.Fatalf("metrics missing counter:\n%s", rec.Body.String())
	}
}

type fakeSweeper struct {
	enabled bool
	swept   int
}

func (f *fakeSweeper) Enabled() bool { return f.enabled }

func (f *fakeSweeper) NextRuns(from time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, from.Add(time.Duration(i)*time.Minute))
	}
	return out, nil
}

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) {
	f.swept++
	return 3, nil
}

func TestDispatchEndpoints(t *testing.T) {
	t.Parallel()
	rec, body := do(t, newTestAPI(t, false), http.MethodGet, "/v1/dispatch", "")
	if rec.Code != http.StatusServiceUnavailable || body["error"] != "dispatch_unavailable" {
		t.Fatalf("without dispatcher = %d %v", rec.Code, body)
	}

	sw := &fakeSweeper{enabled: true}
	h := New(Options{Log: logx.Nop(), Dispatch: sw, Clock: func() time.Time { return monday }}).Handler()

	rec, _ = do(t, h, http.MethodGet, "/v1/dispatch?n=2", "")
	var st dispatchStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Enabled || len(st.NextRuns) != 2 || !st.NextRuns[0].Equal(monday.Add(time.Minute)) {
		t.Fatalf("status = %+v", st)
	}

	rec, _ = do(t, h, http.MethodGet, "/v1/dispatch?n=99", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("n=99 = %d", rec.Code)
	}

	rec, body = do(t, h, http.MethodPost, "/v1/dispatch/sweep", "")
	if rec.Code != http.StatusOK || body["dispatched"] != float64(3) || sw.swept != 1 {
		t.Fatalf("sweep = %d %v (swept %d)", rec.Code, body, sw.swept)
	}

	sw.enabled = false
	rec, _ = do(t, h, http.MethodGet, "/v1/dispatch", "")
	st = dispatchStatus{}
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Enabled || len(st.NextRuns) != 0 {
		t.Fatalf("disabled status = %+v", st)
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	rec, _ := do(t, newTestAPI(t, false), http.MethodGet, "/debug/pprof/", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof without opt-in = %d", rec.Code)
	}

	h := New(Options{Log: logx.Nop(), Pprof: true}).Handler()
	rec, _ = do(t, h, http.MethodGet, "/debug/pprof/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof = %d", rec.Code)
	}
}

func TestServerApply(t *testing.T) {
	t.Parallel()
	srv := NewServer(newTestAPI(t, false), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { srv.Stop(context.Background()) })

	if err := srv.Apply(ctx, ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected listen address")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	if err := srv.Apply(ctx, ServerConfig{Enabled: false}); err != nil {
		t.Fatalf("Apply(disabled) error: %v", err)
	}
	if srv.Addr() != "" {
		t.Fatal("expected server stopped")
	}
}
