package extract

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scenelens/internal/index"
	"scenelens/internal/ingest"
	"scenelens/internal/media"
	"scenelens/internal/model"
	"scenelens/internal/store"
	"scenelens/internal/testutil"
)

type env struct {
	dir      string
	store    *store.SQLiteStore
	index    *index.VectorIndex
	source   *media.SyntheticSource
	models   *testutil.StubModels
	pipeline *ingest.Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	st := store.NewSQLiteStore(filepath.Join(dir, "meta.sqlite"))
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	e := &env{
		dir:    dir,
		store:  st,
		index:  index.NewVectorIndex("", index.Options{ExactThreshold: 1000}),
		source: media.NewSyntheticSource(),
		models: &testutil.StubModels{Palette: testutil.DefaultPalette()},
	}
	e.pipeline = &ingest.Pipeline{
		Store:     st,
		Index:     e.index,
		Encoder:   e.models,
		Captioner: e.models,
		Keyframes: media.NewFSKeyframeStore(filepath.Join(dir, "keyframes")),
		Workers:   2,
	}
	return e
}

func (e *env) extractor(t *testing.T, mutate func(*Config)) *Extractor {
	t.Helper()
	cfg := Config{
		Store:      e.store,
		Source:     e.source,
		Pipeline:   e.pipeline,
		Strategy:   &EvenCoverage{Source: e.source, MaxFrames: 4},
		JobTimeout: 10 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	x := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = x.Close(ctx)
	})
	return x
}

func (e *env) video(t *testing.T, name string) model.Video {
	t.Helper()
	return e.videoWith(t, name, testutil.BeachVideo())
}

func (e *env) videoWith(t *testing.T, name string, sv media.SyntheticVideo) model.Video {
	t.Helper()
	path := testutil.TouchVideo(t, e.source, e.dir, name, sv)
	v, err := ingest.NewService(e.store, e.source).Register(context.Background(), path)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return v
}

func TestEnsure_ExtractsOnceThenReady(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	v := e.video(t, "beach.mp4")
	x := e.extractor(t, nil)

	if got := x.State(v.ID); got != model.ExtractionNotStarted {
		t.Fatalf("expected not_started, got %s", got)
	}
	state, err := x.Ensure(ctx, v.ID, "beach")
	if err != nil || state != model.ExtractionReady {
		t.Fatalf("Ensure = %s, %v", state, err)
	}
	segs, _ := e.store.ListSegments(ctx, v.ID)
	if len(segs) != 4 {
		t.Fatalf("expected 4 extracted segments, got %d", len(segs))
	}
	if e.index.Snapshot().Live() != 4 {
		t.Fatalf("expected 4 live vectors, got %d", e.index.Snapshot().Live())
	}

	state, err = x.Ensure(ctx, v.ID, "another query")
	if err != nil || state != model.ExtractionReady {
		t.Fatalf("second Ensure = %s, %v", state, err)
	}
	if x.Runs() != 1 {
		t.Fatalf("expected one job, got %d", x.Runs())
	}
}

func TestEnsure_ConcurrentQueriesShareOneJob(t *testing.T) {
	e := newEnv(t)
	v := e.video(t, "beach.mp4")
	x := e.extractor(t, nil)

	var wg sync.WaitGroup
	states := make([]model.ExtractionState, 8)
	errs := make([]error, 8)
	for n := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			states[n], errs[n] = x.Ensure(context.Background(), v.ID, "beach")
		}()
	}
	wg.Wait()

	for n := range states {
		if errs[n] != nil || states[n] != model.ExtractionReady {
			t.Fatalf("caller %d: %s, %v", n, states[n], errs[n])
		}
	}
	if x.Runs() != 1 {
		t.Fatalf("expected exactly one job, got %d", x.Runs())
	}
	segs, _ := e.store.ListSegments(context.Background(), v.ID)
	if len(segs) != 4 {
		t.Fatalf("expected 4 segments, got %d", len(segs))
	}
}

func TestEnsure_AdoptsEagerlyBuiltVideo(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	v := e.video(t, "beach.mp4")
	b := &ingest.Builder{Pipeline: e.pipeline, Source: e.source, IntervalSeconds: 2}
	if _, err := b.Build(ctx, v); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	x := e.extractor(t, nil)
	state, err := x.Ensure(ctx, v.ID, "beach")
	if err != nil || state != model.ExtractionReady {
		t.Fatalf("Ensure = %s, %v", state, err)
	}
	if x.Runs() != 0 {
		t.Fatalf("expected no job for an indexed video, got %d", x.Runs())
	}
}

func TestEnsure_FailedThenRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	path := filepath.Join(e.dir, "later.mp4")
	v, err := e.store.CreateVideo(ctx, model.Video{Filename: "later.mp4", SourcePath: path})
	if err != nil {
		t.Fatal(err)
	}
	x := e.extractor(t, nil)

	state, err := x.Ensure(ctx, v.ID, "beach")
	if state != model.ExtractionFailed || !errors.Is(err, model.ErrIngestion) {
		t.Fatalf("expected failed ingestion, got %s, %v", state, err)
	}

	e.source.Add(path, testutil.BeachVideo())
	state, err = x.Ensure(ctx, v.ID, "beach")
	if err != nil || state != model.ExtractionReady {
		t.Fatalf("retry = %s, %v", state, err)
	}
	if x.Runs() != 2 {
		t.Fatalf("expected two jobs, got %d", x.Runs())
	}
}

func TestEnsure_TooManyFrameErrorsFails(t *testing.T) {
	e := newEnv(t)
	v := e.video(t, "beach.mp4")
	e.models.FailImage = func([]byte) error { return testutil.ErrStubUnavailable }
	x := e.extractor(t, nil)

	state, err := x.Ensure(context.Background(), v.ID, "beach")
	if state != model.ExtractionFailed || !errors.Is(err, model.ErrEncoding) {
		t.Fatalf("expected encoding failure, got %s, %v", state, err)
	}
}

// blockingCaptioner never answers before its context ends.
type blockingCaptioner struct{}

func (blockingCaptioner) Caption(ctx context.Context, _ []byte) (model.Caption, error) {
	<-ctx.Done()
	return model.Caption{}, ctx.Err()
}

func TestEnsure_JobTimeoutRevertsToNotStarted(t *testing.T) {
	e := newEnv(t)
	v := e.video(t, "beach.mp4")
	e.pipeline.Captioner = blockingCaptioner{}
	x := e.extractor(t, func(c *Config) { c.JobTimeout = 50 * time.Millisecond })

	state, err := x.Ensure(context.Background(), v.ID, "beach")
	if state != model.ExtractionNotStarted || !errors.Is(err, model.ErrNotReady) {
		t.Fatalf("expected timeout, got %s, %v", state, err)
	}
	if x.State(v.ID) != model.ExtractionNotStarted {
		t.Fatalf("expected state to revert, got %s", x.State(v.ID))
	}
}

// slowCaptioner delays every caption.
type slowCaptioner struct {
	delay time.Duration
	next  model.CaptionModel
}

func (s slowCaptioner) Caption(ctx context.Context, image []byte) (model.Caption, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return model.Caption{}, ctx.Err()
	}
	return s.next.Caption(ctx, image)
}

func TestEnsure_CallerTimeoutDoesNotCancelJob(t *testing.T) {
	e := newEnv(t)
	v := e.video(t, "beach.mp4")
	e.pipeline.Captioner = slowCaptioner{delay: 100 * time.Millisecond, next: e.models}
	x := e.extractor(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	state, err := x.Ensure(ctx, v.ID, "beach")
	if state != model.ExtractionInProgress || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected in-progress timeout, got %s, %v", state, err)
	}

	state, err = x.Wait(context.Background(), v.ID)
	if err != nil || state != model.ExtractionReady {
		t.Fatalf("Wait = %s, %v", state, err)
	}
	if x.Runs() != 1 {
		t.Fatalf("expected one job, got %d", x.Runs())
	}
}

func TestEnsure_LockHolderWorkIsNotRedone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	v := e.video(t, "beach.mp4")
	lock := NewLocalLock()
	x := e.extractor(t, func(c *Config) { c.Lock = lock })

	// another process holds the lock and builds the video meanwhile
	release, err := lock.Acquire(ctx, LockKey(v.ID))
	if err != nil {
		t.Fatal(err)
	}
	if state, err := x.Start(ctx, v.ID, "beach"); err != nil || state != model.ExtractionInProgress {
		t.Fatalf("Start = %s, %v", state, err)
	}
	b := &ingest.Builder{Pipeline: e.pipeline, Source: e.source, IntervalSeconds: 2}
	if _, err := b.Build(ctx, v); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	calls := e.models.ImageCalls()
	release()

	state, err := x.Wait(ctx, v.ID)
	if err != nil || state != model.ExtractionReady {
		t.Fatalf("Wait = %s, %v", state, err)
	}
	if e.models.ImageCalls() != calls {
		t.Fatal("extraction re-encoded frames after waiting for the lock")
	}
	segs, _ := e.store.ListSegments(ctx, v.ID)
	if len(segs) != 5 {
		t.Fatalf("expected only the built segments, got %d", len(segs))
	}
}

func TestMarkReadyAndReset(t *testing.T) {
	e := newEnv(t)
	x := e.extractor(t, nil)
	x.MarkReady("v1")
	if x.State("v1") != model.ExtractionReady {
		t.Fatalf("expected ready, got %s", x.State("v1"))
	}
	if got := x.States()["ready"]; got != 1 {
		t.Fatalf("expected one ready video, got %d", got)
	}
	x.Reset("v1")
	if x.State("v1") != model.ExtractionNotStarted {
		t.Fatalf("expected not_started after reset, got %s", x.State("v1"))
	}
}

func TestEnsure_UnknownVideo(t *testing.T) {
	e := newEnv(t)
	x := e.extractor(t, nil)
	if _, err := x.Ensure(context.Background(), "missing", "q"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if x.Runs() != 0 {
		t.Fatalf("expected no job, got %d", x.Runs())
	}
}

func TestQueryConditioned_PicksMatchingScene(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	// four frames per second puts the dense grid on exact quarter seconds
	slow := testutil.BeachVideo()
	slow.FPS = 4
	v := e.videoWith(t, "beach.mp4", slow)
	strategy, err := NewStrategy("query", e.source, e.models, StrategyOptions{
		MaxFrames:            3,
		DenseIntervalSeconds: 0.25,
		MaxScanFrames:        240,
		MinGapSeconds:        0.5,
	})
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}
	info, _ := e.source.Probe(ctx, v.SourcePath)
	frames, err := strategy.Candidates(ctx, v, info, "waves on the beach")
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}

	var got []float64
	for in, err := range frames {
		if err != nil {
			t.Fatalf("frame error: %v", err)
		}
		if len(in.Vector) == 0 {
			t.Fatal("expected the scan vector to be carried")
		}
		got = append(got, in.Frame.TimestampSeconds)
	}
	want := []float64{8, 8.5, 9}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestQueryConditioned_FallsBackWhenTextFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	v := e.video(t, "beach.mp4")
	e.models.TextErr = testutil.ErrStubUnavailable
	strategy, _ := NewStrategy("query", e.source, e.models, StrategyOptions{MaxFrames: 2})
	info, _ := e.source.Probe(ctx, v.SourcePath)
	frames, err := strategy.Candidates(ctx, v, info, "beach")
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	n := 0
	for in, err := range frames {
		if err != nil || len(in.Vector) != 0 {
			t.Fatalf("expected plain even-coverage frames, got %#v, %v", in.Vector, err)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 frames, got %d", n)
	}
}

func TestNewStrategy_RejectsUnknown(t *testing.T) {
	if _, err := NewStrategy("random", nil, nil, StrategyOptions{}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestSelectDiverse(t *testing.T) {
	mk := func(ts float64, score float32) scoredFrame {
		return scoredFrame{frame: model.Frame{TimestampSeconds: ts}, score: score}
	}
	frames := []scoredFrame{
		mk(1.0, 0.9), mk(1.25, 0.95), mk(1.5, 0.8), mk(4.0, 0.5), mk(6.0, 0.1),
	}

	got := selectDiverse(frames, 3, 0.5)
	want := []float64{1.25, 4.0, 6.0}
	for i, sf := range got {
		if sf.frame.TimestampSeconds != want[i] {
			t.Fatalf("diverse pick: got %v at %d, want %v", sf.frame.TimestampSeconds, i, want)
		}
	}

	// with a wide gap only one frame qualifies and the rest are filled by score
	got = selectDiverse(frames, 3, 10)
	want = []float64{1.0, 1.25, 1.5}
	for i, sf := range got {
		if sf.frame.TimestampSeconds != want[i] {
			t.Fatalf("backfill: got %v at %d, want %v", sf.frame.TimestampSeconds, i, want)
		}
	}

	if got := selectDiverse(frames[:2], 5, 0.5); len(got) != 2 {
		t.Fatalf("expected all frames when under the limit, got %d", len(got))
	}
}

func TestLocalLock_Exclusive(t *testing.T) {
	lock := NewLocalLock()
	release, err := lock.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lock.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the held lock to block, got %v", err)
	}
	if r, err := lock.Acquire(context.Background(), "other"); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	} else {
		r()
	}

	release()
	release()
	again, err := lock.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected lock to be free after release: %v", err)
	}
	again()
}
