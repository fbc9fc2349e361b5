package model

import (
	"context"
	"iter"
)

// FrameSource yields decoded frames lazily. Each call to Frames or FramesAt
// starts a fresh pass over the video, so sequences are restartable.
type FrameSource interface {
	Probe(ctx context.Context, path string) (VideoInfo, error)
	Frames(ctx context.Context, path string, intervalSeconds float64) iter.Seq2[Frame, error]
	FramesAt(ctx context.Context, path string, timestamps []float64) iter.Seq2[Frame, error]
}

// VisualEncoder maps images and text into one embedding space.
type VisualEncoder interface {
	EncodeImage(ctx context.Context, image []byte) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
}

type CaptionModel interface {
	Caption(ctx context.Context, image []byte) (Caption, error)
}

// KeyframeStore holds extracted keyframe bytes. Put returns the reference
// recorded on the Segment.
type KeyframeStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

type MetadataStore interface {
	Init(ctx context.Context) error

	CreateVideo(ctx context.Context, v Video) (Video, error)
	GetVideo(ctx context.Context, id string) (Video, error)
	GetVideoBySource(ctx context.Context, sourcePath string) (Video, error)
	ListVideos(ctx context.Context, limit, offset int) ([]Video, int64, error)
	UpdateVideo(ctx context.Context, v Video) error
	DeleteVideo(ctx context.Context, id string) ([]uint64, error)

	UpsertSegments(ctx context.Context, writes []SegmentWrite) ([]Segment, error)
	GetSegments(ctx context.Context, ids []string) (map[string]Segment, error)
	ListSegments(ctx context.Context, videoID string) ([]Segment, error)
	CountEmbeddedSegments(ctx context.Context, videoID string) (int64, error)
	SetEmbeddings(ctx context.Context, assignments []EmbeddingAssignment) (skipped []string, err error)
	MarkEmbeddingFailed(ctx context.Context, segmentIDs []string, reason string) error
	NextPending(ctx context.Context, limit int) ([]SegmentTask, error)
	SearchCaptions(ctx context.Context, q CaptionQuery) ([]Segment, error)
	ListEmbeddedSegments(ctx context.Context, limit, offset int) ([]EmbeddedSegment, error)
	ListEmbeddingPositions(ctx context.Context, limit, offset int) ([]EmbeddingPosition, error)
	ReassignEmbeddingIndexes(ctx context.Context, positions map[string]uint64) error

	LogSearch(ctx context.Context, entry SearchLog) error
	RecentSearches(ctx context.Context, limit int) ([]SearchLog, error)
	Stats(ctx context.Context) (LibraryStats, error)

	Close() error
}
