// Package extract runs on-demand extraction: the first query against a
// video that has no index starts one background job that extracts a
// bounded set of candidate frames, and concurrent queries wait on it.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"scenelens/internal/ingest"
	"scenelens/internal/model"
	"scenelens/internal/telemetry"
)

type Config struct {
	Store    model.MetadataStore
	Source   model.FrameSource
	Pipeline *ingest.Pipeline
	Strategy CandidateStrategy

	// Lock guards jobs across extractors. Nil means no cross-process
	// coordination.
	Lock Lock

	JobTimeout    time.Duration
	MaxErrorRatio float64

	Logger *log.Logger
}

// Extractor owns the per-video ExtractionState. At most one job per video
// is in flight.
type Extractor struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*job
	runs atomic.Int64

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// job is one extraction attempt. state and err are written once, under
// Extractor.mu, before done is closed.
type job struct {
	state model.ExtractionState
	err   error
	done  chan struct{}
}

func New(cfg Config) *Extractor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.MaxErrorRatio <= 0 {
		cfg.MaxErrorRatio = 0.5
	}
	base, cancel := context.WithCancel(context.Background())
	return &Extractor{cfg: cfg, jobs: make(map[string]*job), base: base, cancel: cancel}
}

// State reports the current state without starting anything.
func (e *Extractor) State(videoID string) model.ExtractionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.jobs[videoID]; ok {
		return j.state
	}
	return model.ExtractionNotStarted
}

// States counts tracked videos per state name.
func (e *Extractor) States() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64)
	for _, j := range e.jobs {
		out[j.state.String()]++
	}
	return out
}

// Runs is the number of jobs started so far.
func (e *Extractor) Runs() int64 {
	return e.runs.Load()
}

// MarkReady records that videoID was indexed elsewhere, e.g. by the eager
// builder. A job in flight is left to finish.
func (e *Extractor) MarkReady(videoID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.jobs[videoID]; ok && j.state == model.ExtractionInProgress {
		return
	}
	e.jobs[videoID] = finished(model.ExtractionReady, nil)
}

// Reset forgets videoID, typically after it was deleted.
func (e *Extractor) Reset(videoID string) {
	e.mu.Lock()
	delete(e.jobs, videoID)
	e.mu.Unlock()
}

// Ensure makes sure videoID is extracted, starting a job when needed, and
// waits for it within ctx. A caller that gives up gets IN_PROGRESS and
// ctx's error; the job keeps running.
func (e *Extractor) Ensure(ctx context.Context, videoID, query string) (model.ExtractionState, error) {
	ctx, span := telemetry.StartSpan(ctx, "Extractor.Ensure", attribute.String("video_id", videoID))
	defer span.End()

	j, err := e.begin(ctx, videoID, query)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return model.ExtractionNotStarted, err
	}
	state, err := e.wait(ctx, j)
	span.SetAttributes(attribute.String("state", state.String()))
	telemetry.RecordError(ctx, err)
	return state, err
}

// Start begins extraction for videoID if needed and returns immediately.
func (e *Extractor) Start(ctx context.Context, videoID, query string) (model.ExtractionState, error) {
	j, err := e.begin(ctx, videoID, query)
	if err != nil {
		return model.ExtractionNotStarted, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return j.state, j.err
}

// Wait blocks until the current job for videoID finishes or ctx is done.
func (e *Extractor) Wait(ctx context.Context, videoID string) (model.ExtractionState, error) {
	e.mu.Lock()
	j, ok := e.jobs[videoID]
	e.mu.Unlock()
	if !ok {
		return model.ExtractionNotStarted, nil
	}
	return e.wait(ctx, j)
}

func (e *Extractor) wait(ctx context.Context, j *job) (model.ExtractionState, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return model.ExtractionInProgress, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return j.state, j.err
}

// begin returns the job a caller should wait on: the finished READY job,
// the one in flight, or a freshly started one.
func (e *Extractor) begin(ctx context.Context, videoID, query string) (*job, error) {
	if e.cfg.Store == nil || e.cfg.Source == nil || e.cfg.Pipeline == nil || e.cfg.Strategy == nil {
		return nil, errors.New("extractor store, source, pipeline and strategy are required")
	}
	if j := e.current(videoID); j != nil {
		return j, nil
	}

	video, err := e.cfg.Store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	embedded, err := e.cfg.Store.CountEmbeddedSegments(ctx, videoID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.jobs[videoID]; ok && (j.state == model.ExtractionReady || j.state == model.ExtractionInProgress) {
		return j, nil
	}
	if embedded > 0 {
		j := finished(model.ExtractionReady, nil)
		e.jobs[videoID] = j
		return j, nil
	}

	j := &job{state: model.ExtractionInProgress, done: make(chan struct{})}
	e.jobs[videoID] = j
	e.runs.Add(1)
	e.wg.Add(1)
	go e.run(j, video, query)
	return j, nil
}

func (e *Extractor) current(videoID string) *job {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[videoID]
	if ok && (j.state == model.ExtractionReady || j.state == model.ExtractionInProgress) {
		return j
	}
	return nil
}

func (e *Extractor) run(j *job, video model.Video, query string) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.base, e.cfg.JobTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "Extractor.job",
		attribute.String("video_id", video.ID),
		attribute.String("strategy", e.cfg.Strategy.Name()))
	defer span.End()

	start := time.Now()
	state, err := e.extract(ctx, video, query)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		state, err = model.ExtractionNotStarted, &model.ExtractionTimeoutError{VideoID: video.ID, Waited: time.Since(start)}
	case e.base.Err() != nil:
		state, err = model.ExtractionNotStarted, e.base.Err()
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		e.logf("extract %s: %s: %v", video.ID, state, err)
	}

	e.mu.Lock()
	j.state, j.err = state, err
	e.mu.Unlock()
	close(j.done)
}

func (e *Extractor) extract(ctx context.Context, video model.Video, query string) (model.ExtractionState, error) {
	if e.cfg.Lock != nil {
		release, err := e.cfg.Lock.Acquire(ctx, LockKey(video.ID))
		if err != nil {
			return model.ExtractionFailed, fmt.Errorf("extraction lock for video %s: %w", video.ID, err)
		}
		defer release()

		// Whoever held the lock may have finished the work.
		embedded, err := e.cfg.Store.CountEmbeddedSegments(ctx, video.ID)
		if err != nil {
			return model.ExtractionFailed, err
		}
		if embedded > 0 {
			return model.ExtractionReady, nil
		}
	}

	info, err := e.cfg.Source.Probe(ctx, video.SourcePath)
	if err != nil {
		return model.ExtractionFailed, &model.IngestionError{VideoID: video.ID, Path: video.SourcePath, Cause: err}
	}
	if video.FPS != info.FPS || video.DurationSeconds != info.DurationSeconds || video.Width != info.Width {
		video.DurationSeconds = info.DurationSeconds
		video.FPS = info.FPS
		video.Width = info.Width
		video.Height = info.Height
		if err := e.cfg.Store.UpdateVideo(ctx, video); err != nil {
			e.logf("update stats for video %s: %v", video.ID, err)
		}
	}

	frames, err := e.cfg.Strategy.Candidates(ctx, video, info, query)
	if err != nil {
		return model.ExtractionFailed, err
	}
	out, err := e.cfg.Pipeline.Process(ctx, video, frames)
	if err != nil {
		return model.ExtractionFailed, err
	}
	if ratio := out.ErrorRatio(); ratio > e.cfg.MaxErrorRatio {
		return model.ExtractionFailed, fmt.Errorf("video %s: %d of %d frames failed: %w",
			video.ID, out.FrameErrors, out.Frames-out.Skipped, model.ErrEncoding)
	}
	return model.ExtractionReady, nil
}

// Close cancels running jobs and waits for them within ctx.
func (e *Extractor) Close(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func finished(state model.ExtractionState, err error) *job {
	j := &job{state: state, err: err, done: make(chan struct{})}
	close(j.done)
	return j
}

func (e *Extractor) logf(format string, args ...interface{}) {
	if e != nil && e.cfg.Logger != nil {
		e.cfg.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
