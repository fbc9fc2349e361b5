package appstate

import (
	"strings"
	"sync/atomic"

	"github.com/segmentio/ksuid"
)

const (
	// ModeIncremental skips frames that already have a vector.
	ModeIncremental = "incremental"
	// ModeFull rebuilds the vector index from stored embeddings first.
	ModeFull = "full"
)

type IndexingSnapshot struct {
	JobID       string `json:"job_id"`
	Running     bool   `json:"running"`
	Mode        string `json:"mode"`
	Scanned     int64  `json:"scanned"`
	Registered  int64  `json:"registered"`
	Skipped     int64  `json:"skipped"`
	Deleted     int64  `json:"deleted"`
	Segments    int64  `json:"segments"`
	EmbeddedOK  int64  `json:"embedded_ok"`
	FrameErrors int64  `json:"frame_errors"`
	Errors      int64  `json:"errors"`
}

// IndexingState tracks one ingest or build run. A nil *IndexingState is a
// valid no-op receiver.
type IndexingState struct {
	jobID   atomic.Value
	mode    atomic.Value
	running atomic.Bool

	scanned     atomic.Int64
	registered  atomic.Int64
	skipped     atomic.Int64
	deleted     atomic.Int64
	segments    atomic.Int64
	embeddedOK  atomic.Int64
	frameErrors atomic.Int64
	errors      atomic.Int64
}

func NewIndexingState(mode string) *IndexingState {
	s := &IndexingState{}
	s.jobID.Store(newJobID())
	s.mode.Store(normalizeMode(mode))
	return s
}

func (s *IndexingState) SetJobID(jobID string) {
	if s == nil {
		return
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		jobID = newJobID()
	}
	s.jobID.Store(jobID)
}

func (s *IndexingState) SetMode(mode string) {
	if s == nil {
		return
	}
	s.mode.Store(normalizeMode(mode))
}

func (s *IndexingState) SetRunning(running bool) {
	if s == nil {
		return
	}
	s.running.Store(running)
}

func (s *IndexingState) AddScanned(delta int64) {
	if s == nil {
		return
	}
	s.scanned.Add(delta)
}

func (s *IndexingState) AddRegistered(delta int64) {
	if s == nil {
		return
	}
	s.registered.Add(delta)
}

func (s *IndexingState) AddSkipped(delta int64) {
	if s == nil {
		return
	}
	s.skipped.Add(delta)
}

func (s *IndexingState) AddDeleted(delta int64) {
	if s == nil {
		return
	}
	s.deleted.Add(delta)
}

func (s *IndexingState) AddSegments(delta int64) {
	if s == nil {
		return
	}
	s.segments.Add(delta)
}

func (s *IndexingState) AddEmbeddedOK(delta int64) {
	if s == nil {
		return
	}
	s.embeddedOK.Add(delta)
}

func (s *IndexingState) AddFrameErrors(delta int64) {
	if s == nil {
		return
	}
	s.frameErrors.Add(delta)
}

func (s *IndexingState) AddErrors(delta int64) {
	if s == nil {
		return
	}
	s.errors.Add(delta)
}

func (s *IndexingState) Snapshot() IndexingSnapshot {
	if s == nil {
		return IndexingSnapshot{Mode: ModeIncremental}
	}
	return IndexingSnapshot{
		JobID:       loadString(&s.jobID, ""),
		Running:     s.running.Load(),
		Mode:        loadString(&s.mode, ModeIncremental),
		Scanned:     s.scanned.Load(),
		Registered:  s.registered.Load(),
		Skipped:     s.skipped.Load(),
		Deleted:     s.deleted.Load(),
		Segments:    s.segments.Load(),
		EmbeddedOK:  s.embeddedOK.Load(),
		FrameErrors: s.frameErrors.Load(),
		Errors:      s.errors.Load(),
	}
}

func loadString(value *atomic.Value, fallback string) string {
	raw := value.Load()
	cast, ok := raw.(string)
	if !ok || strings.TrimSpace(cast) == "" {
		return fallback
	}
	return cast
}

func normalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeFull:
		return ModeFull
	default:
		return ModeIncremental
	}
}

func newJobID() string {
	return "job_" + ksuid.New().String()
}
