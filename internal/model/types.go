package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	VideoStatusOK          = "ok"
	VideoStatusIngestError = "ingest_error"

	EmbeddingStatusPending = "pending"
	EmbeddingStatusOK      = "ok"
	EmbeddingStatusError   = "error"
)

// NoEmbedding marks a Segment that has no vector in the index.
const NoEmbedding int64 = -1

type Video struct {
	ID              string  `json:"video_id"`
	Filename        string  `json:"filename"`
	Title           string  `json:"title"`
	SourcePath      string  `json:"source_path"`
	DurationSeconds float64 `json:"duration_seconds"`
	FPS             float64 `json:"fps"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	SizeBytes       int64   `json:"size_bytes"`
	Status          string  `json:"status"`
	Error           string  `json:"error,omitempty"`
	CreatedUnix     int64   `json:"created_unix"`
	UpdatedUnix     int64   `json:"updated_unix"`
}

// Segment is one extracted frame of a Video. Caption is empty until computed
// and EmbeddingIndex is NoEmbedding until the vector is in the index.
type Segment struct {
	ID                string  `json:"segment_id"`
	VideoID           string  `json:"video_id"`
	FrameNumber       int     `json:"frame_number"`
	TimestampSeconds  float64 `json:"timestamp_seconds"`
	KeyframeRef       string  `json:"keyframe_ref"`
	Caption           string  `json:"caption,omitempty"`
	CaptionConfidence float64 `json:"caption_confidence"`
	EmbeddingIndex    int64   `json:"embedding_index"`
	EmbeddingStatus   string  `json:"embedding_status"`
	EmbeddingError    string  `json:"embedding_error,omitempty"`
	CreatedUnix       int64   `json:"created_unix"`
}

func (s Segment) HasEmbedding() bool { return s.EmbeddingIndex >= 0 }

func (s Segment) HasCaption() bool { return strings.TrimSpace(s.Caption) != "" }

type ExtractionState int

const (
	ExtractionNotStarted ExtractionState = iota
	ExtractionInProgress
	ExtractionReady
	ExtractionFailed
)

func (s ExtractionState) String() string {
	switch s {
	case ExtractionNotStarted:
		return "not_started"
	case ExtractionInProgress:
		return "in_progress"
	case ExtractionReady:
		return "ready"
	case ExtractionFailed:
		return "failed"
	default:
		return fmt.Sprintf("extraction_state(%d)", int(s))
	}
}

func (s ExtractionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeCaption  Mode = "caption"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode accepts the three search modes case-insensitively. An empty
// string yields an empty Mode so callers can apply their own default.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case string(ModeSemantic):
		return ModeSemantic, nil
	case string(ModeCaption):
		return ModeCaption, nil
	case string(ModeHybrid):
		return ModeHybrid, nil
	default:
		return "", &InvalidQueryError{Field: "mode", Reason: fmt.Sprintf("must be one of semantic, caption, hybrid (got %q)", raw)}
	}
}

// Query is a search request. An empty VideoID means global scope.
type Query struct {
	Text    string
	VideoID string
	TopK    int
	Mode    Mode
}

// Validate rejects malformed queries. maxTopK <= 0 disables the upper bound.
func (q Query) Validate(maxTopK int) error {
	if strings.TrimSpace(q.Text) == "" {
		return &InvalidQueryError{Field: "q", Reason: "must not be empty"}
	}
	if q.TopK <= 0 {
		return &InvalidQueryError{Field: "top_k", Reason: "must be positive"}
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		return &InvalidQueryError{Field: "top_k", Reason: fmt.Sprintf("must be at most %d", maxTopK)}
	}
	if _, err := ParseMode(string(q.Mode)); err != nil {
		return err
	}
	return nil
}

type MatchSource string

const (
	MatchSemantic MatchSource = "semantic"
	MatchCaption  MatchSource = "caption"
	MatchBoth     MatchSource = "both"
)

type Hit struct {
	SegmentID         string      `json:"segment_id"`
	VideoID           string      `json:"video_id"`
	Score             float64     `json:"score"`
	TimestampSeconds  float64     `json:"timestamp_seconds"`
	FrameNumber       int         `json:"frame_number"`
	KeyframeRef       string      `json:"keyframe_ref"`
	Caption           string      `json:"caption,omitempty"`
	CaptionConfidence float64     `json:"caption_confidence"`
	MatchedBy         MatchSource `json:"matched_by"`
}

type Status string

const (
	StatusOK       Status = "ok"
	StatusNotReady Status = "not_ready"
	StatusFailed   Status = "failed"
)

// Result is the answer to a Query. An ok Result with no hits means nothing
// matched; not_ready means extraction for the scope is still running.
type Result struct {
	Query   string `json:"query"`
	Mode    Mode   `json:"mode"`
	VideoID string `json:"video_id,omitempty"`
	Status  Status `json:"status"`
	Hits    []Hit  `json:"results"`
	// Moments is the grouped view of Hits, filled only when asked for.
	Moments   []Moment `json:"moments,omitempty"`
	Error     string   `json:"error,omitempty"`
	ElapsedMS int64    `json:"response_time_ms"`
}

// MarshalJSON encodes a nil hit list as [] and adds total_results.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	if r.Hits == nil {
		r.Hits = []Hit{}
	}
	return json.Marshal(struct {
		alias
		TotalResults int `json:"total_results"`
	}{alias: alias(r), TotalResults: len(r.Hits)})
}

// Frame is one decoded image taken from a video at TimestampSeconds.
type Frame struct {
	Number           int
	TimestampSeconds float64
	Image            []byte
	ContentType      string
}

type VideoInfo struct {
	DurationSeconds float64
	FPS             float64
	Width           int
	Height          int
	FrameCount      int
}

type Caption struct {
	Text       string
	Confidence float64
}

// SegmentWrite persists a Segment and, when Vector is set, the embedding
// stored at Segment.EmbeddingIndex.
type SegmentWrite struct {
	Segment Segment
	Vector  []float32
}

// SegmentTask is a persisted segment that still needs a vector.
type SegmentTask struct {
	SegmentID   string
	VideoID     string
	FrameNumber int
	KeyframeRef string
}

type EmbeddingAssignment struct {
	SegmentID string
	VideoID   string
	Position  uint64
	Vector    []float32
}

// EmbeddedSegment carries a stored vector, used to rebuild the index.
type EmbeddedSegment struct {
	SegmentID string
	VideoID   string
	Vector    []float32
}

// EmbeddingPosition is the index position a segment's vector was stored at.
type EmbeddingPosition struct {
	SegmentID string
	Position  uint64
}

type CaptionQuery struct {
	Phrase  string
	Tokens  []string
	VideoID string
	Limit   int
}

type SearchLog struct {
	ID             string `json:"log_id"`
	Query          string `json:"query"`
	Mode           Mode   `json:"mode"`
	VideoID        string `json:"video_id,omitempty"`
	ResultsCount   int    `json:"results_count"`
	Status         Status `json:"status"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	CreatedUnix    int64  `json:"created_unix"`
}

type LibraryStats struct {
	VideoCounts map[string]int64 `json:"video_counts"`
	Videos      int64            `json:"videos"`
	Segments    int64            `json:"segments"`
	Captioned   int64            `json:"captioned"`
	EmbeddedOK  int64            `json:"embedded_ok"`
	Pending     int64            `json:"pending"`
	Errors      int64            `json:"errors"`
	Searches    int64            `json:"searches"`
}

// MarshalJSON encodes a nil VideoCounts map as {}.
func (c LibraryStats) MarshalJSON() ([]byte, error) {
	type alias LibraryStats
	if c.VideoCounts == nil {
		c.VideoCounts = make(map[string]int64)
	}
	return json.Marshal(alias(c))
}

type Stats struct {
	StateDir        string           `json:"state_dir"`
	IndexVectors    int              `json:"index_vectors"`
	IndexLive       int              `json:"index_live"`
	Dimension       int              `json:"dimension"`
	Approximate     bool             `json:"approximate"`
	ExtractionState map[string]int64 `json:"extraction_states"`

	LibraryStats
}

// MarshalJSON flattens the embedded LibraryStats next to the index fields.
// LibraryStats has its own MarshalJSON, so the default encoder would drop
// the outer fields.
func (s Stats) MarshalJSON() ([]byte, error) {
	if s.VideoCounts == nil {
		s.VideoCounts = make(map[string]int64)
	}
	if s.ExtractionState == nil {
		s.ExtractionState = make(map[string]int64)
	}
	type libraryFields LibraryStats
	type plain struct {
		StateDir        string           `json:"state_dir"`
		IndexVectors    int              `json:"index_vectors"`
		IndexLive       int              `json:"index_live"`
		Dimension       int              `json:"dimension"`
		Approximate     bool             `json:"approximate"`
		ExtractionState map[string]int64 `json:"extraction_states"`
		libraryFields
	}
	return json.Marshal(plain{
		StateDir:        s.StateDir,
		IndexVectors:    s.IndexVectors,
		IndexLive:       s.IndexLive,
		Dimension:       s.Dimension,
		Approximate:     s.Approximate,
		ExtractionState: s.ExtractionState,
		libraryFields:   libraryFields(s.LibraryStats),
	})
}
