package index

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrEmptyVector       = errors.New("vector cannot be empty")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Entry is one vector to insert, tagged with the segment and video it
// belongs to.
type Entry struct {
	SegmentID string
	VideoID   string
	Vector    []float32
}

// Match is a search hit. Score is the cosine similarity in [-1, 1].
type Match struct {
	Position  uint64
	SegmentID string
	VideoID   string
	Score     float32
}

type Options struct {
	// ExactThreshold is the live vector count below which every search is
	// an exact scan. At or above it snapshots carry an IVF partition.
	ExactThreshold int
	// NProbe is the number of IVF lists scanned per approximate search.
	NProbe int
}

// VectorIndex is an append-only vector store with copy-on-write snapshots.
// Readers load the current snapshot once and never block; writers are
// serialized and publish a new snapshot with an atomic swap.
type VectorIndex struct {
	path    string
	opts    Options
	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]

	generation atomic.Uint64

	// Logger is optional; when nil the standard library's log package is
	// used.
	Logger *log.Logger

	// Metrics collects optional counters. If nil nothing is incremented.
	Metrics *Metrics
}

// Metrics holds counters gathered by an index instance.
type Metrics struct {
	DimensionMismatch atomic.Int64
	Searches          atomic.Int64
	ApproxSearches    atomic.Int64
	Swaps             atomic.Int64
}

func NewVectorIndex(path string, opts Options) *VectorIndex {
	if opts.ExactThreshold < 0 {
		opts.ExactThreshold = 0
	}
	if opts.NProbe <= 0 {
		opts.NProbe = 8
	}
	idx := &VectorIndex{path: path, opts: opts}
	idx.current.Store(emptySnapshot())
	return idx
}

// Snapshot returns the currently published snapshot. It is immutable.
func (i *VectorIndex) Snapshot() *Snapshot {
	return i.current.Load()
}

// Swap publishes s and returns the snapshot it replaced.
func (i *VectorIndex) Swap(s *Snapshot) *Snapshot {
	if s == nil {
		s = emptySnapshot()
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return i.swapLocked(s)
}

// Generation counts published snapshots. It changes on every write.
func (i *VectorIndex) Generation() uint64 {
	return i.generation.Load()
}

func (i *VectorIndex) swapLocked(s *Snapshot) *Snapshot {
	old := i.current.Swap(s)
	i.generation.Add(1)
	if i.Metrics != nil {
		i.Metrics.Swaps.Add(1)
	}
	return old
}

// InsertBatch appends entries and returns their positions in order. The
// whole batch becomes visible in a single swap.
func (i *VectorIndex) InsertBatch(entries []Entry) ([]uint64, error) {
	if len(entries) == 0 {
		return []uint64{}, nil
	}

	normalized := make([][]float32, len(entries))
	for n, e := range entries {
		if len(e.Vector) == 0 {
			return nil, ErrEmptyVector
		}
		if e.SegmentID == "" {
			return nil, errors.New("segment id is required")
		}
		if len(e.Vector) != len(entries[0].Vector) {
			return nil, fmt.Errorf("%w: batch mixes %d and %d", ErrDimensionMismatch, len(entries[0].Vector), len(e.Vector))
		}
		normalized[n] = normalize(e.Vector)
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	old := i.current.Load()
	if old.dim != 0 && old.dim != len(normalized[0]) {
		return nil, fmt.Errorf("%w: index has %d, batch has %d", ErrDimensionMismatch, old.dim, len(normalized[0]))
	}

	next, positions := old.withAppended(entries, normalized)
	next.ivf = i.partitionFor(old, next, positions)
	i.swapLocked(next)
	return positions, nil
}

// Remove tombstones the given positions. Positions are never reused until
// Rebuild compacts the index.
func (i *VectorIndex) Remove(positions []uint64) int {
	if len(positions) == 0 {
		return 0
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	old := i.current.Load()
	next, removed := old.withRemoved(positions)
	if removed == 0 {
		return 0
	}
	i.swapLocked(next)
	return removed
}

// RemoveVideo tombstones every live position that belongs to videoID.
func (i *VectorIndex) RemoveVideo(videoID string) int {
	positions := i.current.Load().VideoPositions(videoID)
	return i.Remove(positions)
}

// Rebuild replaces the index with a compact snapshot built from entries and
// returns the new position of every segment. Writers are blocked from the
// start of the build until the swap, so later inserts extend the rebuilt
// snapshot. Inserts that completed before the call are discarded unless
// they appear in entries; callers must quiesce writers while reading them.
func (i *VectorIndex) Rebuild(entries []Entry) (map[string]uint64, error) {
	normalized := make([][]float32, len(entries))
	for n, e := range entries {
		if len(e.Vector) == 0 {
			return nil, ErrEmptyVector
		}
		if len(e.Vector) != len(entries[0].Vector) {
			return nil, fmt.Errorf("%w: rebuild mixes %d and %d", ErrDimensionMismatch, len(entries[0].Vector), len(e.Vector))
		}
		normalized[n] = normalize(e.Vector)
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	next, positions := emptySnapshot().withAppended(entries, normalized)
	next.ivf = i.partitionFor(nil, next, positions)

	assigned := make(map[string]uint64, len(entries))
	for n, e := range entries {
		assigned[e.SegmentID] = positions[n]
	}
	i.swapLocked(next)
	return assigned, nil
}

// Search returns up to k matches for query, ordered by similarity desc then
// position asc. A non-empty videoID restricts the search to that video.
func (i *VectorIndex) Search(query []float32, k int, videoID string) ([]Match, error) {
	snap := i.current.Load()
	if i.Metrics != nil {
		i.Metrics.Searches.Add(1)
	}
	matches, approx, err := snap.search(query, k, videoID, i.opts.NProbe)
	if errors.Is(err, ErrDimensionMismatch) {
		if i.Metrics != nil {
			i.Metrics.DimensionMismatch.Add(1)
		}
		i.logf("dimension mismatch: index_dim=%d query_len=%d", snap.dim, len(query))
	}
	if approx && i.Metrics != nil {
		i.Metrics.ApproxSearches.Add(1)
	}
	return matches, err
}

// partitionFor decides whether next needs an IVF partition. Below the exact
// threshold there is none; otherwise the previous partition is extended, or
// retrained once the live count has doubled since it was trained.
func (i *VectorIndex) partitionFor(old, next *Snapshot, added []uint64) *ivfPartition {
	if next.live < i.opts.ExactThreshold || next.live < minTrainVectors {
		return nil
	}
	if old != nil && old.ivf != nil && next.live < 2*old.ivf.trainedLive {
		return old.ivf.withAssigned(next.vectors, added)
	}
	p := trainIVF(next.vectors, next.livePositions())
	if p != nil {
		i.logf("vector index: trained %d lists over %d vectors", len(p.centroids), next.live)
	}
	return p
}

// logf routes messages to the configured logger or the global log package.
func (i *VectorIndex) logf(format string, args ...interface{}) {
	if i != nil && i.Logger != nil {
		i.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (i *VectorIndex) Close() error {
	return nil
}

// Snapshot is an immutable view of the index. Position p maps to
// vectors[p], segmentIDs[p] and videoIDs[p]; a tombstoned position has an
// empty segment id and a nil vector.
type Snapshot struct {
	dim        int
	vectors    [][]float32
	segmentIDs []string
	videoIDs   []string
	live       int
	byVideo    map[string][]uint64
	ivf        *ivfPartition
}

func emptySnapshot() *Snapshot {
	return &Snapshot{byVideo: map[string][]uint64{}}
}

// Len is the number of positions ever assigned, tombstones included.
func (s *Snapshot) Len() int { return len(s.vectors) }

// Live is the number of searchable vectors.
func (s *Snapshot) Live() int { return s.live }

func (s *Snapshot) Dim() int { return s.dim }

func (s *Snapshot) Approximate() bool { return s.ivf != nil }

// Lookup resolves a position to its segment and video.
func (s *Snapshot) Lookup(position uint64) (segmentID, videoID string, ok bool) {
	if position >= uint64(len(s.segmentIDs)) || s.segmentIDs[position] == "" {
		return "", "", false
	}
	return s.segmentIDs[position], s.videoIDs[position], true
}

// VideoPositions returns a copy of the live positions for videoID.
func (s *Snapshot) VideoPositions(videoID string) []uint64 {
	return append([]uint64(nil), s.byVideo[videoID]...)
}

func (s *Snapshot) livePositions() []uint64 {
	out := make([]uint64, 0, s.live)
	for p, id := range s.segmentIDs {
		if id != "" {
			out = append(out, uint64(p))
		}
	}
	return out
}

func (s *Snapshot) withAppended(entries []Entry, normalized [][]float32) (*Snapshot, []uint64) {
	n := len(s.vectors)
	next := &Snapshot{
		dim:        s.dim,
		vectors:    make([][]float32, n, n+len(entries)),
		segmentIDs: make([]string, n, n+len(entries)),
		videoIDs:   make([]string, n, n+len(entries)),
		live:       s.live,
		byVideo:    make(map[string][]uint64, len(s.byVideo)+1),
	}
	copy(next.vectors, s.vectors)
	copy(next.segmentIDs, s.segmentIDs)
	copy(next.videoIDs, s.videoIDs)
	for k, v := range s.byVideo {
		next.byVideo[k] = v
	}
	if next.dim == 0 && len(normalized) > 0 {
		next.dim = len(normalized[0])
	}

	touched := make(map[string]bool)
	positions := make([]uint64, len(entries))
	for idx, e := range entries {
		pos := uint64(len(next.vectors))
		next.vectors = append(next.vectors, normalized[idx])
		next.segmentIDs = append(next.segmentIDs, e.SegmentID)
		next.videoIDs = append(next.videoIDs, e.VideoID)
		next.live++
		positions[idx] = pos

		if !touched[e.VideoID] {
			touched[e.VideoID] = true
			next.byVideo[e.VideoID] = append([]uint64(nil), next.byVideo[e.VideoID]...)
		}
		next.byVideo[e.VideoID] = append(next.byVideo[e.VideoID], pos)
	}
	return next, positions
}

func (s *Snapshot) withRemoved(positions []uint64) (*Snapshot, int) {
	next := &Snapshot{
		dim:        s.dim,
		vectors:    append([][]float32(nil), s.vectors...),
		segmentIDs: append([]string(nil), s.segmentIDs...),
		videoIDs:   append([]string(nil), s.videoIDs...),
		live:       s.live,
		byVideo:    make(map[string][]uint64, len(s.byVideo)),
		ivf:        s.ivf,
	}
	removed := 0
	gone := make(map[uint64]bool, len(positions))
	for _, p := range positions {
		if p >= uint64(len(next.segmentIDs)) || next.segmentIDs[p] == "" {
			continue
		}
		next.segmentIDs[p] = ""
		next.vectors[p] = nil
		next.live--
		gone[p] = true
		removed++
	}
	for video, list := range s.byVideo {
		kept := make([]uint64, 0, len(list))
		for _, p := range list {
			if !gone[p] {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			next.byVideo[video] = kept
		}
	}
	return next, removed
}

func (s *Snapshot) search(query []float32, k int, videoID string, nprobe int) ([]Match, bool, error) {
	if len(query) == 0 {
		return nil, false, errors.New("query vector cannot be empty")
	}
	if k <= 0 || s.live == 0 {
		return []Match{}, false, nil
	}
	if len(query) != s.dim {
		return nil, false, fmt.Errorf("%w: index has %d, query has %d", ErrDimensionMismatch, s.dim, len(query))
	}
	q := normalize(query)

	var (
		candidates []uint64
		approx     bool
	)
	switch {
	case videoID != "":
		candidates = s.byVideo[videoID]
	case s.ivf != nil:
		candidates = s.ivf.candidates(q, nprobe)
		approx = true
		if len(candidates) < k {
			candidates = nil
			approx = false
		}
	}

	var matches []Match
	score := func(p uint64) {
		vec := s.vectors[p]
		if s.segmentIDs[p] == "" || len(vec) != len(q) {
			return
		}
		matches = append(matches, Match{
			Position:  p,
			SegmentID: s.segmentIDs[p],
			VideoID:   s.videoIDs[p],
			Score:     dot(q, vec),
		})
	}
	if candidates == nil && videoID == "" {
		matches = make([]Match, 0, s.live)
		for p := range s.vectors {
			score(uint64(p))
		}
	} else {
		matches = make([]Match, 0, len(candidates))
		for _, p := range candidates {
			score(p)
		}
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score == matches[b].Score {
			return matches[a].Position < matches[b].Position
		}
		return matches[a].Score > matches[b].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, approx, nil
}

func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var mag float32
	for _, x := range v {
		mag += x * x
	}
	if mag == 0 {
		return out
	}
	inv := 1 / sqrt32(mag)
	for idx, x := range v {
		out[idx] = x * inv
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for idx := range a {
		sum += a[idx] * b[idx]
	}
	return sum
}

// CosineSimilarity compares two raw vectors of equal length.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var d, magA, magB float32
	for idx := range a {
		d += a[idx] * b[idx]
		magA += a[idx] * a[idx]
		magB += b[idx] * b[idx]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return d / sqrt32(magA*magB)
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
