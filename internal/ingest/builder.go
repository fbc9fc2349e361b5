package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"scenelens/internal/model"
	"scenelens/internal/telemetry"
)

// Builder is the eager pipeline: it samples a whole video on a fixed grid
// and indexes every frame.
type Builder struct {
	Pipeline        *Pipeline
	Source          model.FrameSource
	IntervalSeconds float64

	// OnReady is called after a successful build, typically to mark the
	// video READY in the on-demand extractor.
	OnReady func(videoID string)

	// Acquire, if set, guards each video build against a concurrent
	// extraction of the same video.
	Acquire func(ctx context.Context, videoID string) (release func(), err error)
}

// Build indexes video and returns the number of segments written. Frames
// that already have an embedding are skipped, so repeated builds are
// idempotent.
func (b *Builder) Build(ctx context.Context, video model.Video) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "Builder.Build", attribute.String("video_id", video.ID))
	defer span.End()

	if b.Acquire != nil {
		release, err := b.Acquire(ctx, video.ID)
		if err != nil {
			telemetry.RecordError(ctx, err)
			return 0, err
		}
		defer release()
	}
	n, err := b.build(ctx, video)
	telemetry.RecordError(ctx, err)
	span.SetAttributes(attribute.Int("segments", n))
	return n, err
}

func (b *Builder) build(ctx context.Context, video model.Video) (int, error) {
	if b.Pipeline == nil || b.Source == nil {
		return 0, errors.New("builder pipeline and source are required")
	}
	interval := b.IntervalSeconds
	if interval <= 0 {
		interval = 2
	}

	info, err := b.Source.Probe(ctx, video.SourcePath)
	if err != nil {
		ingestErr := &model.IngestionError{VideoID: video.ID, Path: video.SourcePath, Cause: err}
		b.markIngestError(ctx, video, ingestErr)
		return 0, ingestErr
	}
	if video.Status != model.VideoStatusOK || video.FPS != info.FPS || video.DurationSeconds != info.DurationSeconds {
		video.Status = model.VideoStatusOK
		video.Error = ""
		applyProbe(&video, info)
		if err := b.Pipeline.Store.UpdateVideo(ctx, video); err != nil {
			return 0, fmt.Errorf("update video %s: %w", video.ID, err)
		}
	}

	out, err := b.Pipeline.Process(ctx, video, Inputs(b.Source.Frames(ctx, video.SourcePath, interval)))
	if err != nil {
		if errors.Is(err, model.ErrIngestion) {
			b.markIngestError(ctx, video, err)
		}
		return out.Persisted, err
	}
	if out.FrameErrors > 0 {
		b.Pipeline.logf("build %s: %d of %d frames had encoding errors", video.ID, out.FrameErrors, out.Frames-out.Skipped)
	}
	if b.OnReady != nil {
		b.OnReady(video.ID)
	}
	return out.Persisted, nil
}

// BuildAll builds every registered video. A failing video does not stop the
// others; the returned error joins the individual failures.
func (b *Builder) BuildAll(ctx context.Context) (int, error) {
	if b.Pipeline == nil {
		return 0, errors.New("builder pipeline is required")
	}
	const page = 100
	var (
		total int
		errs  []error
	)
	for offset := 0; ; offset += page {
		videos, _, err := b.Pipeline.Store.ListVideos(ctx, page, offset)
		if err != nil {
			return total, err
		}
		for _, v := range videos {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			n, err := b.Build(ctx, v)
			total += n
			if err != nil {
				b.Pipeline.State.AddErrors(1)
				errs = append(errs, fmt.Errorf("video %s: %w", v.ID, err))
			}
		}
		if len(videos) < page {
			break
		}
	}
	return total, errors.Join(errs...)
}

func (b *Builder) markIngestError(ctx context.Context, video model.Video, cause error) {
	video.Status = model.VideoStatusIngestError
	video.Error = cause.Error()
	if err := b.Pipeline.Store.UpdateVideo(ctx, video); err != nil {
		b.Pipeline.logf("mark video %s failed: %v", video.ID, err)
	}
}
