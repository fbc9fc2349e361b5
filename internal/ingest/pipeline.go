package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scenelens/internal/appstate"
	"scenelens/internal/index"
	"scenelens/internal/media"
	"scenelens/internal/model"
)

// FrameInput is one frame to persist. Vector, when set, is an embedding
// computed upstream and is used instead of running the encoder again.
type FrameInput struct {
	Frame  model.Frame
	Vector []float32
}

// Inputs adapts a plain frame sequence.
func Inputs(frames iter.Seq2[model.Frame, error]) iter.Seq2[FrameInput, error] {
	return func(yield func(FrameInput, error) bool) {
		for frame, err := range frames {
			if !yield(FrameInput{Frame: frame}, err) {
				return
			}
		}
	}
}

// Outcome summarizes one Process call.
type Outcome struct {
	Frames      int
	Skipped     int
	Persisted   int
	Embedded    int
	FrameErrors int
	Segments    []model.Segment
}

// ErrorRatio is the fraction of processed frames that hit an encoding error.
func (o Outcome) ErrorRatio() float64 {
	processed := o.Frames - o.Skipped
	if processed <= 0 {
		return 0
	}
	return float64(o.FrameErrors) / float64(processed)
}

// Pipeline turns decoded frames into persisted, indexed segments. It is
// shared by the eager builder and the on-demand extractor.
type Pipeline struct {
	Store     model.MetadataStore
	Index     *index.VectorIndex
	Encoder   model.VisualEncoder
	Captioner model.CaptionModel
	Keyframes model.KeyframeStore

	// Workers bounds per-frame inference within one call.
	Workers int

	State  *appstate.IndexingState
	Logger *log.Logger
}

type frameResult struct {
	frame     model.Frame
	existing  *model.Segment
	ref       string
	caption   model.Caption
	vector    []float32
	embedErr  string
	hadErrors bool
}

// Process persists a segment per frame. Frames whose segment already has
// an embedding are skipped. Encoding failures are logged and the segment is
// persisted without the missing value; a frame decode error aborts with an
// IngestionError and nothing is written. All new vectors are appended with
// one InsertBatch, so they become searchable together.
func (p *Pipeline) Process(ctx context.Context, video model.Video, frames iter.Seq2[FrameInput, error]) (Outcome, error) {
	if p.Store == nil || p.Index == nil || p.Encoder == nil || p.Keyframes == nil {
		return Outcome{}, errors.New("pipeline store, index, encoder and keyframes are required")
	}

	existing, err := p.Store.ListSegments(ctx, video.ID)
	if err != nil {
		return Outcome{}, err
	}
	byFrame := make(map[int]model.Segment, len(existing))
	for _, seg := range existing {
		byFrame[seg.FrameNumber] = seg
	}

	workers := p.Workers
	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var (
		out       Outcome
		mu        sync.Mutex
		results   []frameResult
		decodeErr error
		seen      = make(map[int]struct{})
	)
	for in, err := range frames {
		if err != nil {
			decodeErr = err
			break
		}
		if _, dup := seen[in.Frame.Number]; dup {
			continue
		}
		seen[in.Frame.Number] = struct{}{}
		out.Frames++

		var prior *model.Segment
		if seg, ok := byFrame[in.Frame.Number]; ok {
			if seg.HasEmbedding() {
				out.Skipped++
				continue
			}
			prior = &seg
		}

		g.Go(func() error {
			r := p.processFrame(gctx, video, in, prior)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	if decodeErr != nil {
		return out, &model.IngestionError{VideoID: video.ID, Path: video.SourcePath, Cause: decodeErr}
	}
	if len(results) == 0 {
		return out, nil
	}

	sort.Slice(results, func(i, j int) bool { return results[i].frame.Number < results[j].frame.Number })
	p.dropMismatchedVectors(video, results)

	var (
		entries []index.Entry
		owners  []int
	)
	for n, r := range results {
		if r.hadErrors {
			out.FrameErrors++
		}
		if r.vector == nil {
			continue
		}
		segID := ""
		if r.existing != nil {
			segID = r.existing.ID
		}
		entries = append(entries, index.Entry{SegmentID: segID, VideoID: video.ID, Vector: r.vector})
		owners = append(owners, n)
	}

	// Segment IDs are needed in the index, so new segments get their IDs
	// before the insert.
	writes := make([]model.SegmentWrite, len(results))
	for n, r := range results {
		seg := model.Segment{
			VideoID:           video.ID,
			FrameNumber:       r.frame.Number,
			TimestampSeconds:  r.frame.TimestampSeconds,
			KeyframeRef:       r.ref,
			Caption:           r.caption.Text,
			CaptionConfidence: r.caption.Confidence,
			EmbeddingIndex:    model.NoEmbedding,
			EmbeddingError:    r.embedErr,
		}
		if r.existing != nil {
			seg.ID = r.existing.ID
		} else {
			seg.ID = newSegmentID()
		}
		writes[n] = model.SegmentWrite{Segment: seg}
	}
	for e, n := range owners {
		entries[e].SegmentID = writes[n].Segment.ID
	}

	positions, err := p.Index.InsertBatch(entries)
	if err != nil {
		return out, fmt.Errorf("insert %d vectors for video %s: %w", len(entries), video.ID, err)
	}
	for e, n := range owners {
		writes[n].Segment.EmbeddingIndex = int64(positions[e])
		writes[n].Vector = results[n].vector
	}

	stored, err := p.Store.UpsertSegments(ctx, writes)
	if err != nil {
		p.Index.Remove(positions)
		return out, fmt.Errorf("persist segments for video %s: %w", video.ID, err)
	}

	// A concurrent writer may have embedded the same frame first; its
	// position wins and ours is tombstoned.
	var orphans []uint64
	for e, n := range owners {
		if stored[n].EmbeddingIndex != int64(positions[e]) {
			orphans = append(orphans, positions[e])
			continue
		}
		out.Embedded++
	}
	if len(orphans) > 0 {
		p.Index.Remove(orphans)
	}

	out.Persisted = len(stored)
	out.Segments = stored
	p.State.AddSegments(int64(out.Persisted))
	p.State.AddEmbeddedOK(int64(out.Embedded))
	p.State.AddFrameErrors(int64(out.FrameErrors))
	return out, nil
}

func (p *Pipeline) processFrame(ctx context.Context, video model.Video, in FrameInput, prior *model.Segment) frameResult {
	frame := in.Frame
	r := frameResult{frame: frame, existing: prior}

	if prior != nil && prior.KeyframeRef != "" {
		r.ref = prior.KeyframeRef
	} else {
		key := media.KeyframeKey(video.ID, frame.Number, frame.TimestampSeconds, frame.ContentType)
		ref, err := p.Keyframes.Put(ctx, key, frame.Image)
		if err != nil {
			p.recordFrameError(&r, video, "keyframe", err)
		} else {
			r.ref = ref
		}
	}

	if prior != nil && prior.HasCaption() {
		r.caption = model.Caption{Text: prior.Caption, Confidence: prior.CaptionConfidence}
	} else if p.Captioner != nil {
		caption, err := p.Captioner.Caption(ctx, frame.Image)
		if err != nil {
			p.recordFrameError(&r, video, "caption", err)
		} else {
			r.caption = caption
		}
	}

	if len(in.Vector) > 0 {
		r.vector = in.Vector
		return r
	}
	vec, err := p.Encoder.EncodeImage(ctx, frame.Image)
	if err != nil {
		p.recordFrameError(&r, video, "embed", err)
		r.embedErr = err.Error()
		return r
	}
	if len(vec) == 0 {
		p.recordFrameError(&r, video, "embed", index.ErrEmptyVector)
		r.embedErr = index.ErrEmptyVector.Error()
		return r
	}
	r.vector = vec
	return r
}

// dropMismatchedVectors turns vectors of the wrong dimension into encoding
// failures so one bad frame cannot fail the whole batch insert.
func (p *Pipeline) dropMismatchedVectors(video model.Video, results []frameResult) {
	dim := p.Index.Snapshot().Dim()
	for n := range results {
		r := &results[n]
		if r.vector == nil {
			continue
		}
		if dim == 0 {
			dim = len(r.vector)
			continue
		}
		if len(r.vector) != dim {
			err := fmt.Errorf("%w: got %d, want %d", index.ErrDimensionMismatch, len(r.vector), dim)
			p.recordFrameError(r, video, "embed", err)
			r.embedErr = err.Error()
			r.vector = nil
		}
	}
}

func (p *Pipeline) recordFrameError(r *frameResult, video model.Video, stage string, err error) {
	r.hadErrors = true
	encErr := &model.EncodingError{VideoID: video.ID, FrameNumber: r.frame.Number, Stage: stage, Cause: err}
	p.logf("%v", encErr)
}

func newSegmentID() string {
	return uuid.NewString()
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p != nil && p.Logger != nil {
		p.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
