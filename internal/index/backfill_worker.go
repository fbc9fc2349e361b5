package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"scenelens/internal/model"
)

// SegmentSource is the slice of the metadata store the backfill worker needs.
type SegmentSource interface {
	NextPending(ctx context.Context, limit int) ([]model.SegmentTask, error)
	SetEmbeddings(ctx context.Context, assignments []model.EmbeddingAssignment) (skipped []string, err error)
	MarkEmbeddingFailed(ctx context.Context, segmentIDs []string, reason string) error
}

// BackfillWorker embeds segments that were persisted without a vector,
// typically because the encoder failed during extraction.
type BackfillWorker struct {
	Source    SegmentSource
	Index     *VectorIndex
	Encoder   model.VisualEncoder
	Keyframes model.KeyframeStore
	BatchSize int
	OnIndexed func(task model.SegmentTask, position uint64)

	// Logger is optional; when nil the standard library's log package is
	// used.
	Logger *log.Logger

	// ErrCh, if set, receives the fatal error before Run returns. It is
	// never closed by the worker.
	ErrCh chan error

	// RunOnceFunc replaces RunOnce inside Run. Intended for tests.
	RunOnceFunc func(ctx context.Context) (int, error)
}

func (w *BackfillWorker) RunOnce(ctx context.Context) (int, error) {
	if w.Source == nil || w.Index == nil || w.Encoder == nil || w.Keyframes == nil {
		return 0, errors.New("source, index, encoder, and keyframes are required")
	}

	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	tasks, err := w.Source.NextPending(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var (
		ready   []model.SegmentTask
		vectors [][]float32
		failed  []string
	)
	for _, task := range tasks {
		if task.SegmentID == "" {
			return 0, fmt.Errorf("%w: pending segment without id", ErrFatal)
		}
		image, err := w.Keyframes.Get(ctx, task.KeyframeRef)
		if err != nil {
			if isTransientEmbedError(err) {
				return 0, err
			}
			w.logf("keyframe unavailable for segment %s: %v", task.SegmentID, err)
			failed = append(failed, task.SegmentID)
			continue
		}
		vec, err := w.Encoder.EncodeImage(ctx, image)
		if err != nil {
			// Transient errors leave the remaining segments pending.
			if isTransientEmbedError(err) {
				if len(failed) > 0 {
					w.markFailed(ctx, failed, "keyframe unavailable")
				}
				return 0, err
			}
			w.logf("encode failed for segment %s: %v", task.SegmentID, err)
			failed = append(failed, task.SegmentID)
			continue
		}
		ready = append(ready, task)
		vectors = append(vectors, vec)
	}
	if len(failed) > 0 {
		w.markFailed(ctx, failed, "backfill encoding failed")
	}
	if len(ready) == 0 {
		return 0, nil
	}

	entries := make([]Entry, len(ready))
	for n, task := range ready {
		entries[n] = Entry{SegmentID: task.SegmentID, VideoID: task.VideoID, Vector: vectors[n]}
	}
	positions, err := w.Index.InsertBatch(entries)
	if err != nil {
		ids := make([]string, len(ready))
		for n, task := range ready {
			ids[n] = task.SegmentID
		}
		w.markFailed(ctx, ids, err.Error())
		return 0, err
	}

	assignments := make([]model.EmbeddingAssignment, len(ready))
	for n, task := range ready {
		assignments[n] = model.EmbeddingAssignment{
			SegmentID: task.SegmentID,
			VideoID:   task.VideoID,
			Position:  positions[n],
			Vector:    vectors[n],
		}
	}

	// The vectors are already visible, so retry the bookkeeping rather than
	// re-embed on the next cycle.
	const maxRetries = 3
	retryDelay := 100 * time.Millisecond
	var (
		setErr  error
		skipped []string
	)
	for attempt := 0; attempt < maxRetries; attempt++ {
		skipped, setErr = w.Source.SetEmbeddings(ctx, assignments)
		if setErr == nil {
			break
		}
		w.logf("set embeddings attempt %d/%d failed: %v", attempt+1, maxRetries, setErr)
		if attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return len(ready), ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}
	}
	if setErr != nil {
		return len(ready), setErr
	}

	// A skipped segment was embedded elsewhere, or deleted, after it was
	// read as pending. Its new vector must not stay searchable.
	lost := make(map[string]struct{}, len(skipped))
	for _, id := range skipped {
		lost[id] = struct{}{}
	}
	var orphaned []uint64
	indexed := 0
	for n, task := range ready {
		if _, ok := lost[task.SegmentID]; ok {
			orphaned = append(orphaned, positions[n])
			continue
		}
		indexed++
		if w.OnIndexed != nil {
			w.OnIndexed(task, positions[n])
		}
	}
	if len(orphaned) > 0 {
		w.Index.Remove(orphaned)
		w.logf("backfill: %d segments were embedded or deleted concurrently; tombstoned their new positions", len(orphaned))
	}
	return indexed, nil
}

func (w *BackfillWorker) markFailed(ctx context.Context, ids []string, reason string) {
	if err := w.Source.MarkEmbeddingFailed(ctx, ids, reason); err != nil {
		w.logf("mark failed update error: %v (reason: %s) segments=%v", err, reason, ids)
	}
}

// Run calls RunOnce on every tick until ctx is done. Retryable errors back
// off exponentially up to 30s; fatal errors are sent to ErrCh and returned.
func (w *BackfillWorker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := interval
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce := w.RunOnce
			if w.RunOnceFunc != nil {
				runOnce = w.RunOnceFunc
			}
			_, err := runOnce(ctx)
			if err != nil {
				if isRetryable(err) {
					w.logf("backfill failed (retryable): %v; backing off %v", err, backoff)
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(backoff):
					}
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
					continue
				}
				w.logf("backfill failed (fatal): %v", err)
				if w.ErrCh != nil {
					select {
					case w.ErrCh <- err:
					default:
					}
				}
				return err
			}
			backoff = interval
		}
	}
}

func (w *BackfillWorker) logf(format string, args ...interface{}) {
	if w != nil && w.Logger != nil {
		w.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// ErrFatal makes Run exit instead of retrying.
var ErrFatal = errors.New("fatal")

// isRetryable reports whether Run should try again after err. Context
// errors and ErrFatal are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return false
	}
	return true
}

// isTransientEmbedError reports whether err looks like a network hiccup,
// timeout, rate limit or cancellation. Such segments stay pending.
func isTransientEmbedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return true
		}
		if ne.Temporary() { //nolint:staticcheck
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "timeout") {
		return true
	}
	return false
}
