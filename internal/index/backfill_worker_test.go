package index

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"scenelens/internal/model"
)

type fakeSegmentSource struct {
	tasks        []model.SegmentTask
	assigned     []model.EmbeddingAssignment
	failedIDs    []string
	failedReason string
	setErrs      []error
	// taken segments already hold a position and are skipped.
	taken map[string]bool
}

func (s *fakeSegmentSource) NextPending(_ context.Context, _ int) ([]model.SegmentTask, error) {
	out := s.tasks
	s.tasks = nil
	return out, nil
}

func (s *fakeSegmentSource) SetEmbeddings(_ context.Context, a []model.EmbeddingAssignment) ([]string, error) {
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var skipped []string
	for _, as := range a {
		if s.taken[as.SegmentID] {
			skipped = append(skipped, as.SegmentID)
			continue
		}
		s.assigned = append(s.assigned, as)
	}
	return skipped, nil
}

func (s *fakeSegmentSource) MarkEmbeddingFailed(_ context.Context, ids []string, reason string) error {
	s.failedIDs = append(s.failedIDs, ids...)
	s.failedReason = reason
	return nil
}

type fakeKeyframes map[string][]byte

func (f fakeKeyframes) Put(_ context.Context, key string, data []byte) (string, error) {
	f[key] = data
	return key, nil
}

func (f fakeKeyframes) Get(_ context.Context, ref string) ([]byte, error) {
	data, ok := f[ref]
	if !ok {
		return nil, model.ErrNotFound
	}
	return data, nil
}

func (f fakeKeyframes) DeletePrefix(_ context.Context, _ string) error { return nil }

// byteEncoder turns the first image byte into a 2-d vector.
type byteEncoder struct {
	err error
}

func (e *byteEncoder) EncodeImage(_ context.Context, image []byte) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(image[0]), 1}, nil
}

func (e *byteEncoder) EncodeText(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func TestBackfillWorker_RunOnce_Success(t *testing.T) {
	source := &fakeSegmentSource{tasks: []model.SegmentTask{
		{SegmentID: "s1", VideoID: "v", FrameNumber: 0, KeyframeRef: "k1"},
		{SegmentID: "s2", VideoID: "v", FrameNumber: 48, KeyframeRef: "k2"},
	}}
	idx := NewVectorIndex("", Options{})
	indexed := map[string]uint64{}
	worker := &BackfillWorker{
		Source:    source,
		Index:     idx,
		Encoder:   &byteEncoder{},
		Keyframes: fakeKeyframes{"k1": {3}, "k2": {5}},
		OnIndexed: func(task model.SegmentTask, position uint64) { indexed[task.SegmentID] = position },
	}

	n, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 2 || len(source.assigned) != 2 {
		t.Fatalf("expected 2 assignments, got n=%d assigned=%d", n, len(source.assigned))
	}
	if idx.Snapshot().Live() != 2 {
		t.Fatalf("expected 2 vectors in index, got %d", idx.Snapshot().Live())
	}
	if indexed["s1"] == indexed["s2"] {
		t.Fatalf("positions must be distinct: %#v", indexed)
	}
}

func TestBackfillWorker_RunOnce_PermanentFailureMarksFailed(t *testing.T) {
	source := &fakeSegmentSource{tasks: []model.SegmentTask{{SegmentID: "s1", VideoID: "v", KeyframeRef: "k1"}}}
	worker := &BackfillWorker{
		Source:    source,
		Index:     NewVectorIndex("", Options{}),
		Encoder:   &byteEncoder{err: &model.ProviderError{Code: "BAD_IMAGE", Message: "undecodable", Retryable: false}},
		Keyframes: fakeKeyframes{"k1": {1}},
		Logger:    log.New(&bytes.Buffer{}, "", 0),
	}
	n, err := worker.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected no error and zero indexed, got n=%d err=%v", n, err)
	}
	if len(source.failedIDs) != 1 || source.failedIDs[0] != "s1" {
		t.Fatalf("expected s1 marked failed, got %v", source.failedIDs)
	}
}

func TestBackfillWorker_RunOnce_TransientFailureLeavesPending(t *testing.T) {
	source := &fakeSegmentSource{tasks: []model.SegmentTask{{SegmentID: "s1", VideoID: "v", KeyframeRef: "k1"}}}
	worker := &BackfillWorker{
		Source:    source,
		Index:     NewVectorIndex("", Options{}),
		Encoder:   &byteEncoder{err: &model.ProviderError{Code: "RATE_LIMIT", Message: "slow down", Retryable: true}},
		Keyframes: fakeKeyframes{"k1": {1}},
	}
	if _, err := worker.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected transient error to surface")
	}
	if len(source.failedIDs) != 0 {
		t.Fatalf("transient error should not mark failed: %v", source.failedIDs)
	}
}

func TestBackfillWorker_RunOnce_RetriesBookkeeping(t *testing.T) {
	var logs bytes.Buffer
	source := &fakeSegmentSource{
		tasks:   []model.SegmentTask{{SegmentID: "s1", VideoID: "v", KeyframeRef: "k1"}},
		setErrs: []error{errors.New("database is locked"), nil},
	}
	worker := &BackfillWorker{
		Source:    source,
		Index:     NewVectorIndex("", Options{}),
		Encoder:   &byteEncoder{},
		Keyframes: fakeKeyframes{"k1": {1}},
		Logger:    log.New(&logs, "", 0),
	}
	n, err := worker.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected success after retry, got n=%d err=%v", n, err)
	}
	if !strings.Contains(logs.String(), "attempt 1/3") {
		t.Fatalf("expected retry to be logged, got %q", logs.String())
	}
}

func TestBackfillWorker_RunOnce_LostRaceTombstonesPosition(t *testing.T) {
	source := &fakeSegmentSource{
		tasks: []model.SegmentTask{
			{SegmentID: "s1", VideoID: "v", KeyframeRef: "k1"},
			{SegmentID: "s2", VideoID: "v", KeyframeRef: "k2"},
		},
		taken: map[string]bool{"s1": true},
	}
	idx := NewVectorIndex("", Options{})
	var indexed []string
	worker := &BackfillWorker{
		Source:    source,
		Index:     idx,
		Encoder:   &byteEncoder{},
		Keyframes: fakeKeyframes{"k1": {3}, "k2": {5}},
		OnIndexed: func(task model.SegmentTask, _ uint64) { indexed = append(indexed, task.SegmentID) },
		Logger:    log.New(&bytes.Buffer{}, "", 0),
	}

	n, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 1 || len(indexed) != 1 || indexed[0] != "s2" {
		t.Fatalf("expected only s2 indexed, got n=%d indexed=%v", n, indexed)
	}
	snap := idx.Snapshot()
	if snap.Live() != 1 {
		t.Fatalf("expected the skipped vector to be tombstoned, live=%d", snap.Live())
	}
	if id, _, ok := snap.Lookup(0); ok {
		t.Fatalf("position 0 should be tombstoned, holds %s", id)
	}
	if id, _, ok := snap.Lookup(1); !ok || id != "s2" {
		t.Fatalf("position 1 should hold s2, got %q ok=%v", id, ok)
	}
}

func TestBackfillWorker_RunStopsOnFatal(t *testing.T) {
	calls := 0
	errCh := make(chan error, 1)
	worker := &BackfillWorker{
		Logger: log.New(&bytes.Buffer{}, "", 0),
		ErrCh:  errCh,
		RunOnceFunc: func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, errors.New("transient")
			}
			return 0, ErrFatal
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := worker.Run(ctx, 5*time.Millisecond)
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	select {
	case got := <-errCh:
		if !errors.Is(got, ErrFatal) {
			t.Fatalf("unexpected error on channel: %v", got)
		}
	default:
		t.Fatalf("expected fatal error on ErrCh")
	}
}

func TestIsTransientEmbedError(t *testing.T) {
	if !isTransientEmbedError(context.DeadlineExceeded) {
		t.Fatalf("deadline should be transient")
	}
	if !isTransientEmbedError(errors.New("upstream rate limit hit")) {
		t.Fatalf("rate limit text should be transient")
	}
	if isTransientEmbedError(errors.New("invalid image")) {
		t.Fatalf("generic error should be permanent")
	}
}
