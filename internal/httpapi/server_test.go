package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scenelens/internal/model"
)

type fakeEngine struct {
	lastQuery model.Query
	result    model.Result
	searchErr error
	keyframes map[string][]byte
	lastKey   string
	panicOn   string
}

func (f *fakeEngine) Search(_ context.Context, q model.Query) (model.Result, error) {
	f.lastQuery = q
	if f.panicOn == "search" {
		panic("boom")
	}
	if err := q.Validate(100); err != nil {
		return model.Result{}, err
	}
	return f.result, f.searchErr
}

func (f *fakeEngine) Videos(_ context.Context, limit, offset int) ([]model.Video, int64, error) {
	return []model.Video{{ID: "v1", Title: "Beach Day"}}, 1, nil
}

func (f *fakeEngine) Video(_ context.Context, id string) (model.Video, error) {
	if id != "v1" {
		return model.Video{}, model.ErrNotFound
	}
	return model.Video{ID: "v1", Title: "Beach Day"}, nil
}

func (f *fakeEngine) Segments(_ context.Context, videoID string) ([]model.Segment, error) {
	return []model.Segment{{ID: "s1", VideoID: videoID}}, nil
}

func (f *fakeEngine) Stats(_ context.Context) (model.Stats, error) {
	return model.Stats{IndexLive: 5, LibraryStats: model.LibraryStats{Videos: 1}}, nil
}

func (f *fakeEngine) Keyframe(_ context.Context, ref string) ([]byte, string, error) {
	f.lastKey = ref
	data, ok := f.keyframes[ref]
	if !ok {
		return nil, "", model.ErrNotFound
	}
	return data, "image/png", nil
}

func newTestServer(engine Engine) *Server {
	s := NewServer(engine, Options{DefaultTopK: 7})
	s.Logger = log.New(io.Discard, "", 0)
	return s
}

func do(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestSearch_OK(t *testing.T) {
	engine := &fakeEngine{result: model.Result{
		Query:  "sunny beach",
		Mode:   model.ModeHybrid,
		Status: model.StatusOK,
		Hits:   []model.Hit{{SegmentID: "s1", VideoID: "v1", Score: 0.9, TimestampSeconds: 8}},
	}}
	s := newTestServer(engine)

	rr := do(t, s, "/search?q=sunny+beach&video_id=v1&mode=caption&top_k=3")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d body=%s", rr.Code, rr.Body.String())
	}
	want := model.Query{Text: "sunny beach", VideoID: "v1", TopK: 3, Mode: model.ModeCaption}
	if engine.lastQuery != want {
		t.Fatalf("query = %+v, want %+v", engine.lastQuery, want)
	}
	body := decode(t, rr)
	if body["status"] != "ok" || body["total_results"] != float64(1) {
		t.Fatalf("unexpected body %v", body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestSearch_GroupedMoments(t *testing.T) {
	engine := &fakeEngine{result: model.Result{
		Status: model.StatusOK,
		Hits: []model.Hit{
			{SegmentID: "s1", VideoID: "v1", Score: 0.9, TimestampSeconds: 8},
			{SegmentID: "s2", VideoID: "v1", Score: 0.7, TimestampSeconds: 11},
			{SegmentID: "s3", VideoID: "v1", Score: 0.5, TimestampSeconds: 30},
		},
	}}
	s := newTestServer(engine)

	body := decode(t, do(t, s, "/search?q=dog"))
	if _, ok := body["moments"]; ok {
		t.Fatalf("moments present without group: %v", body)
	}

	body = decode(t, do(t, s, "/search?q=dog&group=true&gap=5"))
	moments, ok := body["moments"].([]any)
	if !ok || len(moments) != 2 {
		t.Fatalf("moments = %v", body["moments"])
	}
	first := moments[0].(map[string]any)
	if first["start_seconds"] != float64(8) || first["end_seconds"] != float64(11) {
		t.Fatalf("first moment = %v", first)
	}
	if body["total_results"] != float64(3) {
		t.Fatalf("hits must stay ungrouped, total_results = %v", body["total_results"])
	}

	for _, target := range []string{"/search?q=dog&group=maybe", "/search?q=dog&group=1&gap=-2"} {
		if rr := do(t, s, target); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", target, rr.Code)
		}
	}
}

func TestSearch_DefaultTopK(t *testing.T) {
	engine := &fakeEngine{result: model.Result{Status: model.StatusOK}}
	s := newTestServer(engine)
	if rr := do(t, s, "/search?q=dog"); rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if engine.lastQuery.TopK != 7 {
		t.Fatalf("expected the configured default top_k, got %d", engine.lastQuery.TopK)
	}
}

func TestSearch_ErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		target string
		engine *fakeEngine
		status int
	}{
		{"empty query", "/search?q=", &fakeEngine{}, http.StatusBadRequest},
		{"bad top_k", "/search?q=dog&top_k=many", &fakeEngine{}, http.StatusBadRequest},
		{"top_k too large", "/search?q=dog&top_k=1000", &fakeEngine{}, http.StatusBadRequest},
		{"unknown video", "/search?q=dog&video_id=nope", &fakeEngine{searchErr: model.ErrNotFound}, http.StatusNotFound},
		{"extraction failed", "/search?q=dog&video_id=v1", &fakeEngine{
			result:    model.Result{Status: model.StatusFailed, Error: "decode failed"},
			searchErr: errors.New("decode failed"),
		}, http.StatusInternalServerError},
		{"store error", "/search?q=dog", &fakeEngine{searchErr: errors.New("disk gone")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, newTestServer(tc.engine), tc.target)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d (body=%s)", rr.Code, tc.status, rr.Body.String())
			}
		})
	}
}

func TestSearch_NotReadyIsOK(t *testing.T) {
	engine := &fakeEngine{result: model.Result{Status: model.StatusNotReady}}
	rr := do(t, newTestServer(engine), "/search?q=dog&video_id=v1")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if body := decode(t, rr); body["status"] != "not_ready" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestVideosAndHealth(t *testing.T) {
	s := newTestServer(&fakeEngine{})

	rr := do(t, s, "/videos?limit=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("videos status %d", rr.Code)
	}
	if body := decode(t, rr); body["total"] != float64(1) || body["limit"] != float64(5) {
		t.Fatalf("unexpected videos body %v", body)
	}

	if rr := do(t, s, "/videos/v1"); rr.Code != http.StatusOK {
		t.Fatalf("video status %d", rr.Code)
	}
	if rr := do(t, s, "/videos/zzz"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown video, got %d", rr.Code)
	}

	rr = do(t, s, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("health status %d", rr.Code)
	}
	body := decode(t, rr)
	stats, _ := body["stats"].(map[string]any)
	if body["status"] != "ok" || stats["index_live"] != float64(5) || stats["videos"] != float64(1) {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestKeyframe(t *testing.T) {
	engine := &fakeEngine{keyframes: map[string][]byte{"frames/v1/frame_000000_t0.00s.png": []byte("png")}}
	s := newTestServer(engine)

	rr := do(t, s, "/keyframes/frames/v1/frame_000000_t0.00s.png")
	if rr.Code != http.StatusOK || rr.Body.String() != "png" || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected keyframe response %d %q %q", rr.Code, rr.Body.String(), rr.Header().Get("Content-Type"))
	}
	if rr := do(t, s, "/keyframes/frames/v1/missing.png"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing keyframe, got %d", rr.Code)
	}

	engine.lastKey = ""
	if rr := do(t, s, "/keyframes/meta.sqlite"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside frames/, got %d", rr.Code)
	}
	if engine.lastKey != "" {
		t.Fatalf("keys outside frames/ must not reach the store, got %q", engine.lastKey)
	}
}

func TestRecovery(t *testing.T) {
	rr := do(t, newTestServer(&fakeEngine{panicOn: "search"}), "/search?q=dog")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s := NewServer(&fakeEngine{result: model.Result{Status: model.StatusOK}}, Options{RateLimitRPS: 1, RateLimitBurst: 2})
	s.Logger = log.New(io.Discard, "", 0)
	h := s.Handler()

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	for range 5 {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("loopback clients must not be limited, got %d", rr.Code)
		}
	}
}

func TestIPRateLimiter_RefillsAndCleansUp(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newIPRateLimiter(2, 1)
	l.now = func() time.Time { return now }

	if !l.allow("198.51.100.1") {
		t.Fatal("first request should pass")
	}
	if l.allow("198.51.100.1") {
		t.Fatal("second immediate request should be limited")
	}
	now = now.Add(500 * time.Millisecond)
	if !l.allow("198.51.100.1") {
		t.Fatal("bucket should refill at 2 tokens per second")
	}

	now = now.Add(time.Hour)
	l.cleanup(time.Minute)
	if len(l.buckets) != 0 {
		t.Fatalf("expected idle buckets to be dropped, got %d", len(l.buckets))
	}
}
