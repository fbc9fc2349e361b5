package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"scenelens/internal/appstate"
	"scenelens/internal/index"
	"scenelens/internal/media"
	"scenelens/internal/model"
	"scenelens/internal/store"
	"scenelens/internal/testutil"
)

type fixture struct {
	dir      string
	store    *store.SQLiteStore
	index    *index.VectorIndex
	source   *media.SyntheticSource
	models   *testutil.StubModels
	pipeline *Pipeline
	service  *Service
	state    *appstate.IndexingState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st := store.NewSQLiteStore(filepath.Join(dir, "meta.sqlite"))
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	f := &fixture{
		dir:    dir,
		store:  st,
		index:  index.NewVectorIndex("", index.Options{ExactThreshold: 1000}),
		source: media.NewSyntheticSource(),
		models: &testutil.StubModels{Palette: testutil.DefaultPalette()},
		state:  appstate.NewIndexingState(appstate.ModeIncremental),
	}
	f.pipeline = &Pipeline{
		Store:     st,
		Index:     f.index,
		Encoder:   f.models,
		Captioner: f.models,
		Keyframes: media.NewFSKeyframeStore(filepath.Join(dir, "keyframes")),
		Workers:   3,
		State:     f.state,
	}
	f.service = NewService(st, f.source)
	f.service.SetIndexingState(f.state)
	return f
}

func (f *fixture) builder(onReady func(string)) *Builder {
	return &Builder{Pipeline: f.pipeline, Source: f.source, IntervalSeconds: 2, OnReady: onReady}
}

func TestRegister_RecordsProbeAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := testutil.TouchVideo(t, f.source, f.dir, "beach_day.mp4", testutil.BeachVideo())

	v, err := f.service.Register(ctx, path)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if v.Title != "Beach Day" || v.DurationSeconds != 10 || v.FPS != 30 || v.Status != model.VideoStatusOK {
		t.Fatalf("unexpected video: %#v", v)
	}

	again, err := f.service.Register(ctx, path)
	if err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	if again.ID != v.ID {
		t.Fatalf("expected same video, got %s and %s", v.ID, again.ID)
	}
	if snap := f.state.Snapshot(); snap.Registered != 1 || snap.Skipped != 1 {
		t.Fatalf("unexpected counters: %#v", snap)
	}
}

func TestRegister_UnreadableVideoIsRecordedAsError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := filepath.Join(f.dir, "broken.mp4")
	if err := os.WriteFile(path, []byte("not a video"), 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := f.service.Register(ctx, path)
	if !errors.Is(err, model.ErrIngestion) {
		t.Fatalf("expected IngestionError, got %v", err)
	}
	if v.ID == "" || v.Status != model.VideoStatusIngestError || v.Error == "" {
		t.Fatalf("expected ingest_error record, got %#v", v)
	}
	stored, err := f.store.GetVideo(ctx, v.ID)
	if err != nil || stored.Status != model.VideoStatusIngestError {
		t.Fatalf("stored video = %#v, %v", stored, err)
	}

	if _, err := f.service.Register(ctx, filepath.Join(f.dir, "missing.mp4")); !errors.Is(err, model.ErrIngestion) {
		t.Fatalf("expected IngestionError for a missing file, got %v", err)
	}
}

func TestRegisterDir_OnlyVideos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lib := filepath.Join(f.dir, "library")
	testutil.TouchVideo(t, f.source, lib, "a.mp4", testutil.BeachVideo())
	testutil.TouchVideo(t, f.source, lib, "nested/b.MOV", testutil.BeachVideo())
	testutil.TouchVideo(t, f.source, lib, ".scenelens/c.mp4", testutil.BeachVideo())
	if err := os.WriteFile(filepath.Join(lib, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	videos, err := f.service.RegisterDir(ctx, lib)
	if err != nil {
		t.Fatalf("RegisterDir failed: %v", err)
	}
	if len(videos) != 2 {
		t.Fatalf("expected 2 videos, got %#v", videos)
	}
	if f.state.Snapshot().Scanned != 2 {
		t.Fatalf("unexpected scanned count: %#v", f.state.Snapshot())
	}
}

func TestBuild_TenSecondVideoYieldsFiveSegments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := testutil.TouchVideo(t, f.source, f.dir, "beach.mp4", testutil.BeachVideo())
	v, err := f.service.Register(ctx, path)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var ready []string
	n, err := f.builder(func(id string) { ready = append(ready, id) }).Build(ctx, v)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 segments, got %d", n)
	}
	if len(ready) != 1 || ready[0] != v.ID {
		t.Fatalf("expected ready callback for %s, got %v", v.ID, ready)
	}

	segs, err := f.store.ListSegments(ctx, v.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if len(segs) != 5 {
		t.Fatalf("expected 5 stored segments, got %d", len(segs))
	}
	wantTimes := []float64{0, 2, 4, 6, 8}
	positions := map[int64]bool{}
	for i, seg := range segs {
		if seg.TimestampSeconds != wantTimes[i] {
			t.Fatalf("segment %d at %v, want %v", i, seg.TimestampSeconds, wantTimes[i])
		}
		if !seg.HasEmbedding() || !seg.HasCaption() || seg.KeyframeRef == "" {
			t.Fatalf("segment %d incomplete: %#v", i, seg)
		}
		if positions[seg.EmbeddingIndex] {
			t.Fatalf("duplicate position %d", seg.EmbeddingIndex)
		}
		positions[seg.EmbeddingIndex] = true
	}
	if segs[0].Caption != "a red car parked on a street" || segs[4].Caption != "waves crashing on a sunny beach" {
		t.Fatalf("unexpected captions: %q, %q", segs[0].Caption, segs[4].Caption)
	}
	if got := f.index.Snapshot().Live(); got != 5 {
		t.Fatalf("expected 5 live vectors, got %d", got)
	}

	// rebuilding is idempotent
	n, err = f.builder(nil).Build(ctx, v)
	if err != nil {
		t.Fatalf("second Build failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing new on rebuild, got %d", n)
	}
	segs, _ = f.store.ListSegments(ctx, v.ID)
	if len(segs) != 5 || f.index.Snapshot().Len() != 5 {
		t.Fatalf("rebuild duplicated work: %d segments, %d vectors", len(segs), f.index.Snapshot().Len())
	}
}

func TestBuild_EncoderFailureLeavesSegmentPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := testutil.TouchVideo(t, f.source, f.dir, "beach.mp4", testutil.BeachVideo())
	v, err := f.service.Register(ctx, path)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	f.models.FailImage = func(image []byte) error {
		c, _ := media.FrameColor(image)
		if c == testutil.Blue {
			return testutil.ErrStubUnavailable
		}
		return nil
	}
	n, err := f.builder(nil).Build(ctx, v)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected all 5 segments persisted, got %d", n)
	}

	segs, _ := f.store.ListSegments(ctx, v.ID)
	last := segs[4]
	if last.HasEmbedding() || last.EmbeddingStatus != model.EmbeddingStatusPending {
		t.Fatalf("expected pending segment, got %#v", last)
	}
	if !last.HasCaption() {
		t.Fatal("expected failed-embedding segment to keep its caption")
	}
	if f.state.Snapshot().FrameErrors != 1 {
		t.Fatalf("expected one frame error, got %#v", f.state.Snapshot())
	}

	// once the encoder recovers the next build fills the gap
	f.models.FailImage = nil
	n, err = f.builder(nil).Build(ctx, v)
	if err != nil || n != 1 {
		t.Fatalf("expected the pending frame to be rebuilt, got %d, %v", n, err)
	}
	if got := f.index.Snapshot().Live(); got != 5 {
		t.Fatalf("expected 5 live vectors, got %d", got)
	}
}

func TestBuild_UndecodableSourceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v, err := f.store.CreateVideo(ctx, model.Video{Filename: "gone.mp4", SourcePath: filepath.Join(f.dir, "gone.mp4")})
	if err != nil {
		t.Fatal(err)
	}

	ready := false
	_, err = f.builder(func(string) { ready = true }).Build(ctx, v)
	if !errors.Is(err, model.ErrIngestion) {
		t.Fatalf("expected IngestionError, got %v", err)
	}
	if ready {
		t.Fatal("ready callback must not run on failure")
	}
	stored, _ := f.store.GetVideo(ctx, v.ID)
	if stored.Status != model.VideoStatusIngestError {
		t.Fatalf("expected ingest_error status, got %#v", stored)
	}
}

func TestPipeline_UsesPrecomputedVectors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := testutil.TouchVideo(t, f.source, f.dir, "beach.mp4", testutil.BeachVideo())
	v, _ := f.service.Register(ctx, path)

	frames := func(yield func(FrameInput, error) bool) {
		for frame, err := range f.source.FramesAt(ctx, path, []float64{1}) {
			vec := make([]float32, f.models.Dim())
			vec[0] = 1
			if !yield(FrameInput{Frame: frame, Vector: vec}, err) {
				return
			}
		}
	}
	out, err := f.pipeline.Process(ctx, v, frames)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.Embedded != 1 || f.models.ImageCalls() != 0 {
		t.Fatalf("expected precomputed vector to be used, outcome %#v, encoder calls %d", out, f.models.ImageCalls())
	}
}

func TestIsVideoFile(t *testing.T) {
	for _, name := range []string{"a.mp4", "B.MKV", "dir/c.webm"} {
		if !IsVideoFile(name) {
			t.Fatalf("expected %s to be a video", name)
		}
	}
	for _, name := range []string{"a.txt", "noext", "clip.mp4.part"} {
		if IsVideoFile(name) {
			t.Fatalf("expected %s not to be a video", name)
		}
	}
}
