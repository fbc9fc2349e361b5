package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"scenelens/internal/index"
	"scenelens/internal/model"
	"scenelens/internal/telemetry"
)

// Extractor is the on-demand extraction the search path delegates to.
type Extractor interface {
	State(videoID string) model.ExtractionState
	Ensure(ctx context.Context, videoID, query string) (model.ExtractionState, error)
}

type Options struct {
	DefaultMode        model.Mode
	MaxTopK            int
	SemanticWeight     float64
	CaptionWeight      float64
	MinSemanticScore   float64
	Oversample         int
	QueryBudget        time.Duration
	GlobalExtractLimit int
}

func DefaultOptions() Options {
	return Options{
		DefaultMode:        model.ModeHybrid,
		MaxTopK:            100,
		SemanticWeight:     0.6,
		CaptionWeight:      0.4,
		MinSemanticScore:   0.15,
		Oversample:         5,
		QueryBudget:        20 * time.Second,
		GlobalExtractLimit: 4,
	}
}

// Service answers queries by fusing vector similarity with caption matches.
type Service struct {
	store     model.MetadataStore
	index     *index.VectorIndex
	encoder   model.VisualEncoder
	extractor Extractor
	opts      Options

	Logger *log.Logger
}

func NewService(store model.MetadataStore, idx *index.VectorIndex, encoder model.VisualEncoder, extractor Extractor, opts Options) *Service {
	def := DefaultOptions()
	if opts.DefaultMode == "" {
		opts.DefaultMode = def.DefaultMode
	}
	if opts.Oversample <= 0 {
		opts.Oversample = def.Oversample
	}
	if opts.QueryBudget <= 0 {
		opts.QueryBudget = def.QueryBudget
	}
	if opts.SemanticWeight == 0 && opts.CaptionWeight == 0 {
		opts.SemanticWeight, opts.CaptionWeight = def.SemanticWeight, def.CaptionWeight
	}
	return &Service{store: store, index: idx, encoder: encoder, extractor: extractor, opts: opts}
}

// candidate is one segment reached by either path.
type candidate struct {
	seg     model.Segment
	sem     float64
	cap     float64
	viaSem  bool
	viaCapt bool
}

// Search runs q. Malformed queries fail with an InvalidQueryError before
// anything is touched. An unknown scope video is model.ErrNotFound. A scope
// that is still extracting when the budget runs out yields status
// not_ready; an extraction failure yields status failed and the error.
func (s *Service) Search(ctx context.Context, q model.Query) (model.Result, error) {
	start := time.Now()
	mode, err := model.ParseMode(string(q.Mode))
	if err != nil {
		return model.Result{}, err
	}
	if mode == "" {
		mode = s.opts.DefaultMode
	}
	q.Mode = mode
	q.Text = strings.TrimSpace(q.Text)
	q.VideoID = strings.TrimSpace(q.VideoID)
	if err := q.Validate(s.opts.MaxTopK); err != nil {
		return model.Result{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "Service.Search",
		attribute.String("mode", string(mode)),
		attribute.String("video_id", q.VideoID),
		attribute.Int("top_k", q.TopK))
	defer span.End()

	res := model.Result{Query: q.Text, Mode: mode, VideoID: q.VideoID, Status: model.StatusOK}
	res, err = s.search(ctx, q, res)
	res.ElapsedMS = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Int("results", len(res.Hits)))
	telemetry.RecordError(ctx, err)
	if err == nil || res.Status == model.StatusFailed {
		s.logSearch(ctx, q, res)
	}
	return res, err
}

func (s *Service) search(ctx context.Context, q model.Query, res model.Result) (model.Result, error) {
	if s.store == nil || s.index == nil {
		return res, errors.New("search store and index are required")
	}
	if q.VideoID != "" {
		if _, err := s.store.GetVideo(ctx, q.VideoID); err != nil {
			return res, err
		}
	}

	status, err := s.prepare(ctx, q)
	if err != nil || status != model.StatusOK {
		res.Status = status
		if err != nil {
			res.Error = err.Error()
		}
		return res, err
	}

	var sem, capt map[string]*candidate
	switch q.Mode {
	case model.ModeSemantic:
		sem, err = s.semantic(ctx, q)
		if err != nil {
			res.Status = model.StatusFailed
			res.Error = err.Error()
			return res, err
		}
	case model.ModeCaption:
		capt, err = s.caption(ctx, q)
		if err != nil {
			return res, err
		}
	default:
		sem, err = s.semantic(ctx, q)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			s.logf("search %q: semantic path unavailable, using captions only: %v", q.Text, err)
			sem = nil
		}
		capt, err = s.caption(ctx, q)
		if err != nil {
			return res, err
		}
	}

	res.Hits = s.rank(q, fuse(sem, capt))
	return res, nil
}

// prepare delegates to the extractor when the scope has nothing indexed.
func (s *Service) prepare(ctx context.Context, q model.Query) (model.Status, error) {
	if s.extractor == nil {
		return model.StatusOK, nil
	}
	bctx, cancel := context.WithTimeout(ctx, s.opts.QueryBudget)
	defer cancel()

	if q.VideoID != "" {
		if s.extractor.State(q.VideoID) == model.ExtractionReady {
			return model.StatusOK, nil
		}
		state, err := s.extractor.Ensure(bctx, q.VideoID, q.Text)
		return s.extractionStatus(ctx, state, err)
	}

	if s.index.Snapshot().Live() > 0 || s.opts.GlobalExtractLimit <= 0 {
		return model.StatusOK, nil
	}
	videos, _, err := s.store.ListVideos(ctx, 0, 0)
	if err != nil {
		return model.StatusFailed, err
	}
	var pending []string
	for _, v := range videos {
		if len(pending) == s.opts.GlobalExtractLimit {
			break
		}
		if v.Status == model.VideoStatusOK && s.extractor.State(v.ID) != model.ExtractionReady {
			pending = append(pending, v.ID)
		}
	}
	if len(pending) == 0 {
		return model.StatusOK, nil
	}

	var g errgroup.Group
	states := make([]model.ExtractionState, len(pending))
	errs := make([]error, len(pending))
	for n, id := range pending {
		g.Go(func() error {
			states[n], errs[n] = s.extractor.Ensure(bctx, id, q.Text)
			return nil
		})
	}
	_ = g.Wait()

	ready := 0
	for n := range pending {
		status, err := s.extractionStatus(ctx, states[n], errs[n])
		switch {
		case status == model.StatusOK:
			ready++
		case status == model.StatusNotReady:
			return status, nil
		default:
			s.logf("search %q: extraction of video %s failed: %v", q.Text, pending[n], err)
		}
	}
	if ready == 0 {
		return model.StatusFailed, fmt.Errorf("extraction failed for all %d candidate videos", len(pending))
	}
	return model.StatusOK, nil
}

// extractionStatus maps an Ensure outcome onto a result status. Running
// out of budget, or a job timeout, is not_ready; a cancelled caller is
// returned as is.
func (s *Service) extractionStatus(ctx context.Context, state model.ExtractionState, err error) (model.Status, error) {
	if err == nil {
		if state == model.ExtractionReady {
			return model.StatusOK, nil
		}
		return model.StatusNotReady, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.StatusFailed, ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrNotReady) {
		return model.StatusNotReady, nil
	}
	return model.StatusFailed, err
}

func (s *Service) semantic(ctx context.Context, q model.Query) (map[string]*candidate, error) {
	if s.encoder == nil {
		return nil, errors.New("no visual encoder configured")
	}
	qvec, err := s.encoder.EncodeText(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	if s.index.Snapshot().Live() == 0 {
		return map[string]*candidate{}, nil
	}
	matches, err := s.index.Search(qvec, q.TopK*s.opts.Oversample, q.VideoID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(matches))
	kept := matches[:0]
	for _, m := range matches {
		if float64(m.Score) < s.opts.MinSemanticScore {
			continue
		}
		kept = append(kept, m)
		ids = append(ids, m.SegmentID)
	}
	if len(ids) == 0 {
		return map[string]*candidate{}, nil
	}
	segs, err := s.store.GetSegments(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*candidate, len(kept))
	for _, m := range kept {
		seg, ok := segs[m.SegmentID]
		// Deleted, or re-positioned by a rebuild after this snapshot.
		if !ok || seg.EmbeddingIndex != int64(m.Position) {
			continue
		}
		out[seg.ID] = &candidate{seg: seg, sem: float64(m.Score), viaSem: true}
	}
	return out, nil
}

func (s *Service) caption(ctx context.Context, q model.Query) (map[string]*candidate, error) {
	terms := newQueryTerms(q.Text)
	if len(terms.tokens) == 0 {
		return map[string]*candidate{}, nil
	}
	segs, err := s.store.SearchCaptions(ctx, model.CaptionQuery{
		Phrase:  terms.phrase,
		Tokens:  terms.tokens,
		VideoID: q.VideoID,
		Limit:   max(200, q.TopK*s.opts.Oversample),
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*candidate, len(segs))
	for _, seg := range segs {
		score := terms.captionScore(seg.Caption)
		if score <= 0 {
			continue
		}
		out[seg.ID] = &candidate{seg: seg, cap: score, viaCapt: true}
	}
	return out, nil
}

func fuse(sem, capt map[string]*candidate) map[string]*candidate {
	out := make(map[string]*candidate, len(sem)+len(capt))
	for id, c := range sem {
		out[id] = c
	}
	for id, c := range capt {
		if existing, ok := out[id]; ok {
			existing.cap = c.cap
			existing.viaCapt = true
			continue
		}
		out[id] = c
	}
	return out
}

// score applies the mode's scoring. Single-path modes keep the raw path
// score; hybrid weighs whichever paths reached the segment.
func (s *Service) score(mode model.Mode, c *candidate) float64 {
	switch mode {
	case model.ModeSemantic:
		return c.sem
	case model.ModeCaption:
		return c.cap
	}
	var score float64
	if c.viaSem {
		score += s.opts.SemanticWeight * c.sem
	}
	if c.viaCapt {
		score += s.opts.CaptionWeight * c.cap
	}
	return score
}

func (s *Service) rank(q model.Query, cands map[string]*candidate) []model.Hit {
	hits := make([]model.Hit, 0, len(cands))
	for _, c := range cands {
		matched := model.MatchSemantic
		switch {
		case c.viaSem && c.viaCapt:
			matched = model.MatchBoth
		case c.viaCapt:
			matched = model.MatchCaption
		}
		hits = append(hits, model.Hit{
			SegmentID:         c.seg.ID,
			VideoID:           c.seg.VideoID,
			Score:             s.score(q.Mode, c),
			TimestampSeconds:  c.seg.TimestampSeconds,
			FrameNumber:       c.seg.FrameNumber,
			KeyframeRef:       c.seg.KeyframeRef,
			Caption:           c.seg.Caption,
			CaptionConfidence: c.seg.CaptionConfidence,
			MatchedBy:         matched,
		})
	}
	sortHits(hits)
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits
}

// sortHits orders by score desc, caption confidence desc, timestamp asc,
// then segment id asc.
func sortHits(hits []model.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.CaptionConfidence != b.CaptionConfidence {
			return a.CaptionConfidence > b.CaptionConfidence
		}
		if a.TimestampSeconds != b.TimestampSeconds {
			return a.TimestampSeconds < b.TimestampSeconds
		}
		return a.SegmentID < b.SegmentID
	})
}

// logSearch records the query. Failures are logged and never surface.
func (s *Service) logSearch(ctx context.Context, q model.Query, res model.Result) {
	entry := model.SearchLog{
		ID:             ksuid.New().String(),
		Query:          q.Text,
		Mode:           q.Mode,
		VideoID:        q.VideoID,
		ResultsCount:   len(res.Hits),
		Status:         res.Status,
		ResponseTimeMS: res.ElapsedMS,
		CreatedUnix:    time.Now().Unix(),
	}
	if err := s.store.LogSearch(context.WithoutCancel(ctx), entry); err != nil {
		s.logf("search log write failed: %v", err)
	}
}

func (s *Service) logf(format string, args ...interface{}) {
	if s != nil && s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
