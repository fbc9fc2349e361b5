package extract

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"math"
	"sort"
	"strings"

	"scenelens/internal/index"
	"scenelens/internal/ingest"
	"scenelens/internal/media"
	"scenelens/internal/model"
)

// CandidateStrategy picks the frames an on-demand job extracts.
type CandidateStrategy interface {
	Name() string
	Candidates(ctx context.Context, video model.Video, info model.VideoInfo, query string) (iter.Seq2[ingest.FrameInput, error], error)
}

// NewStrategy maps a configured strategy name to an implementation.
func NewStrategy(name string, source model.FrameSource, encoder model.VisualEncoder, opts StrategyOptions) (CandidateStrategy, error) {
	even := &EvenCoverage{Source: source, MaxFrames: opts.MaxFrames}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "even":
		return even, nil
	case "query":
		return &QueryConditioned{
			Source:               source,
			Encoder:              encoder,
			MaxFrames:            opts.MaxFrames,
			DenseIntervalSeconds: opts.DenseIntervalSeconds,
			MaxScanFrames:        opts.MaxScanFrames,
			MinGapSeconds:        opts.MinGapSeconds,
			Fallback:             even,
		}, nil
	default:
		return nil, fmt.Errorf("unknown extraction strategy %q", name)
	}
}

type StrategyOptions struct {
	MaxFrames            int
	DenseIntervalSeconds float64
	MaxScanFrames        int
	MinGapSeconds        float64
}

// EvenCoverage takes MaxFrames frames at the centres of equal slots.
type EvenCoverage struct {
	Source    model.FrameSource
	MaxFrames int
}

func (s *EvenCoverage) Name() string { return "even" }

func (s *EvenCoverage) Candidates(ctx context.Context, video model.Video, info model.VideoInfo, _ string) (iter.Seq2[ingest.FrameInput, error], error) {
	n := s.MaxFrames
	if n <= 0 {
		n = 24
	}
	timestamps := media.EvenTimestamps(info.DurationSeconds, n)
	if len(timestamps) == 0 {
		timestamps = []float64{0}
	}
	return ingest.Inputs(s.Source.FramesAt(ctx, video.SourcePath, timestamps)), nil
}

// QueryConditioned scans the video densely, scores every frame against the
// query embedding and keeps the best frames that are at least MinGapSeconds
// apart. The scan vectors are handed on, so selected frames are not encoded
// twice.
type QueryConditioned struct {
	Source               model.FrameSource
	Encoder              model.VisualEncoder
	MaxFrames            int
	DenseIntervalSeconds float64
	MaxScanFrames        int
	MinGapSeconds        float64

	// Fallback is used when the query is empty or cannot be encoded.
	Fallback CandidateStrategy

	Logger *log.Logger
}

func (s *QueryConditioned) Name() string { return "query" }

type scoredFrame struct {
	frame  model.Frame
	vector []float32
	score  float32
}

func (s *QueryConditioned) Candidates(ctx context.Context, video model.Video, info model.VideoInfo, query string) (iter.Seq2[ingest.FrameInput, error], error) {
	if s.Source == nil || s.Encoder == nil {
		return nil, errors.New("query strategy needs a frame source and an encoder")
	}
	if strings.TrimSpace(query) == "" {
		return s.fallback(ctx, video, info, query, nil)
	}
	qvec, err := s.Encoder.EncodeText(ctx, query)
	if err != nil {
		return s.fallback(ctx, video, info, query, err)
	}

	maxScan := s.MaxScanFrames
	if maxScan <= 0 {
		maxScan = 240
	}
	interval := s.DenseIntervalSeconds
	if interval <= 0 {
		interval = 0.25
	}
	if info.DurationSeconds > 0 && info.DurationSeconds/interval > float64(maxScan) {
		interval = info.DurationSeconds / float64(maxScan)
	}

	var (
		scored  []scoredFrame
		scanned int
	)
	for frame, err := range s.Source.Frames(ctx, video.SourcePath, interval) {
		if err != nil {
			return nil, &model.IngestionError{VideoID: video.ID, Path: video.SourcePath, Cause: err}
		}
		if scanned >= maxScan {
			break
		}
		scanned++
		vec, err := s.Encoder.EncodeImage(ctx, frame.Image)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logf("%v", &model.EncodingError{VideoID: video.ID, FrameNumber: frame.Number, Stage: "embed", Cause: err})
			continue
		}
		scored = append(scored, scoredFrame{frame: frame, vector: vec, score: index.CosineSimilarity(qvec, vec)})
	}
	if scanned > 0 && len(scored) == 0 {
		return nil, fmt.Errorf("scan of video %s: all %d frames failed: %w", video.ID, scanned, model.ErrEncoding)
	}

	n := s.MaxFrames
	if n <= 0 {
		n = 24
	}
	selected := selectDiverse(scored, n, s.MinGapSeconds)
	return func(yield func(ingest.FrameInput, error) bool) {
		for _, sf := range selected {
			if !yield(ingest.FrameInput{Frame: sf.frame, Vector: sf.vector}, nil) {
				return
			}
		}
	}, nil
}

func (s *QueryConditioned) fallback(ctx context.Context, video model.Video, info model.VideoInfo, query string, cause error) (iter.Seq2[ingest.FrameInput, error], error) {
	if cause != nil {
		s.logf("query strategy for video %s falls back to even coverage: %v", video.ID, cause)
	}
	fb := s.Fallback
	if fb == nil {
		fb = &EvenCoverage{Source: s.Source, MaxFrames: s.MaxFrames}
	}
	return fb.Candidates(ctx, video, info, query)
}

// selectDiverse keeps up to n frames in score order, skipping frames closer
// than minGap to one already taken, then fills any remaining slots from the
// skipped frames in score order. The result is in timestamp order.
func selectDiverse(frames []scoredFrame, n int, minGap float64) []scoredFrame {
	ranked := make([]scoredFrame, len(frames))
	copy(ranked, frames)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].frame.TimestampSeconds < ranked[j].frame.TimestampSeconds
	})
	if len(ranked) <= n {
		sortByTime(ranked)
		return ranked
	}

	taken := make([]bool, len(ranked))
	out := make([]scoredFrame, 0, n)
	for i, sf := range ranked {
		if len(out) == n {
			break
		}
		diverse := true
		for _, kept := range out {
			if math.Abs(sf.frame.TimestampSeconds-kept.frame.TimestampSeconds) < minGap {
				diverse = false
				break
			}
		}
		if diverse {
			out = append(out, sf)
			taken[i] = true
		}
	}
	for i, sf := range ranked {
		if len(out) == n {
			break
		}
		if !taken[i] {
			out = append(out, sf)
		}
	}
	sortByTime(out)
	return out
}

func sortByTime(frames []scoredFrame) {
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].frame.TimestampSeconds < frames[j].frame.TimestampSeconds
	})
}

func (s *QueryConditioned) logf(format string, args ...interface{}) {
	if s != nil && s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
