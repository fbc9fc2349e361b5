package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"scenelens/internal/appstate"
	"scenelens/internal/clip"
	"scenelens/internal/config"
	"scenelens/internal/extract"
	"scenelens/internal/index"
	"scenelens/internal/ingest"
	"scenelens/internal/media"
	"scenelens/internal/model"
	"scenelens/internal/openai"
	"scenelens/internal/state"
	"scenelens/internal/store"
)

// ErrIndexLoad means the persisted index could not be read for a reason
// other than corruption.
var ErrIndexLoad = errors.New("index load failed")

// Deps overrides the collaborators Open would build from config. Nil
// fields get the configured implementation.
type Deps struct {
	Source    model.FrameSource
	Encoder   model.VisualEncoder
	Captioner model.CaptionModel
	Keyframes model.KeyframeStore
	Lock      extract.Lock
	Logger    *log.Logger
}

// Engine wires the store, index, models, extractor and search service for
// one state directory.
type Engine struct {
	cfg   config.Config
	paths state.Paths

	store     *store.SQLiteStore
	index     *index.VectorIndex
	keyframes model.KeyframeStore
	ingest    *ingest.Service
	builder   *ingest.Builder
	extractor *extract.Extractor
	search    *Service
	persist   *index.PersistenceManager
	backfill  *index.BackfillWorker
	lock      extract.Lock
	indexing  *appstate.IndexingState

	// rebuiltOnOpen is set when the persisted index was replaced from the
	// store during Open.
	rebuiltOnOpen bool

	logger *log.Logger

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	closeFns  []func()
	closeOnce sync.Once
}

// Open prepares the state directory and loads the index. A corrupt or
// stale index file is rebuilt from the vectors kept in the store.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	e := &Engine{cfg: *cfg, paths: state.PathsFor(cfg.StateDir), logger: deps.Logger}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if err := state.EnsureStateDir(cfg.StateDir, cfg); err != nil {
		return nil, err
	}

	e.store = store.NewSQLiteStore(e.paths.MetaDB)
	e.closeFns = append(e.closeFns, func() { _ = e.store.Close() })
	if err := e.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize metadata store: %w", err)
	}

	e.index = index.NewVectorIndex(e.paths.Index, index.Options{
		ExactThreshold: cfg.Index.ExactThreshold,
		NProbe:         cfg.Index.NProbe,
	})
	e.index.Logger = deps.Logger
	e.persist = index.NewPersistenceManager(
		[]index.IndexedFile{{Path: e.paths.Index, Index: e.index}},
		time.Duration(cfg.Index.AutosaveSeconds)*time.Second,
		func(err error) { e.logf("index autosave failed: %v", err) },
	)
	if err := e.loadIndex(ctx); err != nil {
		return nil, err
	}

	if err := e.wireModels(ctx, deps); err != nil {
		return nil, err
	}
	ok = true
	return e, nil
}

func (e *Engine) loadIndex(ctx context.Context) error {
	err := e.persist.LoadAll(ctx)
	switch {
	case errors.Is(err, model.ErrIndexCorruption):
		e.logf("%v; rebuilding from the metadata store", err)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrIndexLoad, err)
	default:
		reason, err := e.indexMismatch(ctx)
		if err != nil {
			return fmt.Errorf("%w: check index: %v", ErrIndexLoad, err)
		}
		if reason == "" {
			return nil
		}
		e.logf("index file is stale (%s); rebuilding from the metadata store", reason)
	}
	if _, err := e.Rebuild(ctx); err != nil {
		return fmt.Errorf("%w: rebuild: %v", ErrIndexLoad, err)
	}
	e.rebuiltOnOpen = true
	return nil
}

// indexMismatch compares the loaded snapshot with the positions recorded in
// the store. Every recorded position must resolve to the same segment, and
// the snapshot must hold no other live vector. An empty reason means the
// two agree.
func (e *Engine) indexMismatch(ctx context.Context) (string, error) {
	snap := e.index.Snapshot()
	const page = 1000
	stored := 0
	for offset := 0; ; offset += page {
		rows, err := e.store.ListEmbeddingPositions(ctx, page, offset)
		if err != nil {
			return "", err
		}
		for _, r := range rows {
			stored++
			id, _, ok := snap.Lookup(r.Position)
			if !ok {
				return fmt.Sprintf("segment %s is recorded at position %d, which the index does not hold", r.SegmentID, r.Position), nil
			}
			if id != r.SegmentID {
				return fmt.Sprintf("position %d holds segment %s in the index but %s in the store", r.Position, id, r.SegmentID), nil
			}
		}
		if len(rows) < page {
			break
		}
	}
	if live := snap.Live(); live != stored {
		return fmt.Sprintf("index holds %d live vectors but the store records %d", live, stored), nil
	}
	return "", nil
}

func (e *Engine) wireModels(ctx context.Context, deps Deps) error {
	cfg := e.cfg
	timeout := time.Duration(cfg.Models.TimeoutSeconds) * time.Second

	var clipClient *clip.Client
	if deps.Encoder == nil || (deps.Captioner == nil && cfg.Models.CaptionProvider != "openai") {
		clipClient = clip.NewClient(cfg.Models.CLIPBaseURL, cfg.Models.CLIPAPIKey, timeout)
	}
	encoder := deps.Encoder
	if encoder == nil {
		encoder = clipClient
	}
	captioner := deps.Captioner
	if captioner == nil {
		if cfg.Models.CaptionProvider == "openai" {
			captioner = openai.NewCaptioner(cfg.Models.OpenAIAPIKey, cfg.Models.OpenAIBaseURL, cfg.Models.OpenAIModel, timeout)
		} else {
			captioner = clipClient
		}
	}
	source := deps.Source
	if source == nil {
		source = media.NewFFmpegSource(cfg.Media.FFmpegPath, cfg.Media.FFprobePath)
	}

	e.keyframes = deps.Keyframes
	if e.keyframes == nil {
		switch cfg.Media.KeyframeBackend {
		case "minio":
			mc := cfg.Media.MinIO
			kf, err := media.NewMinIOKeyframeStore(ctx, media.MinIOOptions{
				Endpoint:  mc.Endpoint,
				AccessKey: mc.AccessKey,
				SecretKey: mc.SecretKey,
				Bucket:    mc.Bucket,
				UseSSL:    mc.UseSSL,
			})
			if err != nil {
				return err
			}
			e.keyframes = kf
		default:
			e.keyframes = media.NewFSKeyframeStore(e.paths.Keyframes)
		}
	}

	e.lock = deps.Lock
	if e.lock == nil {
		if cfg.Coord.RedisAddr != "" {
			rl, err := extract.NewRedisLock(ctx, cfg.Coord.RedisAddr, cfg.Coord.RedisPassword,
				time.Duration(cfg.Coord.LockTTLSeconds)*time.Second)
			if err != nil {
				return err
			}
			rl.Logger = e.logger
			e.closeFns = append(e.closeFns, func() { _ = rl.Close() })
			e.lock = rl
		} else {
			e.lock = extract.NewLocalLock()
		}
	}

	e.indexing = appstate.NewIndexingState(appstate.ModeIncremental)
	pipeline := &ingest.Pipeline{
		Store:     e.store,
		Index:     e.index,
		Encoder:   encoder,
		Captioner: captioner,
		Keyframes: e.keyframes,
		Workers:   cfg.Extract.Workers,
		State:     e.indexing,
		Logger:    e.logger,
	}

	strategy, err := extract.NewStrategy(cfg.Extract.Strategy, source, encoder, extract.StrategyOptions{
		MaxFrames:            cfg.Extract.MaxFrames,
		DenseIntervalSeconds: cfg.Extract.DenseIntervalSeconds,
		MaxScanFrames:        cfg.Extract.MaxScanFrames,
		MinGapSeconds:        cfg.Extract.MinGapSeconds,
	})
	if err != nil {
		return err
	}
	e.extractor = extract.New(extract.Config{
		Store:         e.store,
		Source:        source,
		Pipeline:      pipeline,
		Strategy:      strategy,
		Lock:          e.lock,
		JobTimeout:    time.Duration(cfg.Extract.JobTimeoutSeconds) * time.Second,
		MaxErrorRatio: cfg.Extract.MaxErrorRatio,
		Logger:        e.logger,
	})
	e.closeFns = append(e.closeFns, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.extractor.Close(ctx)
	})

	e.builder = &ingest.Builder{
		Pipeline:        pipeline,
		Source:          source,
		IntervalSeconds: cfg.Sampling.IntervalSeconds,
		OnReady:         e.extractor.MarkReady,
		Acquire: func(ctx context.Context, videoID string) (func(), error) {
			return e.lock.Acquire(ctx, extract.LockKey(videoID))
		},
	}
	e.ingest = ingest.NewService(e.store, source)
	e.ingest.Logger = e.logger
	e.ingest.SetIndexingState(e.indexing)

	mode, err := model.ParseMode(cfg.Search.DefaultMode)
	if err != nil {
		return err
	}
	e.search = NewService(e.store, e.index, encoder, e.extractor, Options{
		DefaultMode:        mode,
		MaxTopK:            cfg.Search.MaxTopK,
		SemanticWeight:     cfg.Search.SemanticWeight,
		CaptionWeight:      cfg.Search.CaptionWeight,
		MinSemanticScore:   cfg.Search.MinSemanticScore,
		Oversample:         cfg.Search.Oversample,
		QueryBudget:        time.Duration(cfg.Search.QueryBudgetMS) * time.Millisecond,
		GlobalExtractLimit: cfg.Search.GlobalExtractLimit,
	})
	e.search.Logger = e.logger

	e.backfill = &index.BackfillWorker{
		Source:    e.store,
		Index:     e.index,
		Encoder:   encoder,
		Keyframes: e.keyframes,
		Logger:    e.logger,
	}
	return nil
}

// Ingest registers one video file.
func (e *Engine) Ingest(ctx context.Context, path string) (model.Video, error) {
	return e.ingest.Register(ctx, path)
}

// IngestDir registers every video under root.
func (e *Engine) IngestDir(ctx context.Context, root string) ([]model.Video, error) {
	return e.ingest.RegisterDir(ctx, root)
}

// Build eagerly indexes one video.
func (e *Engine) Build(ctx context.Context, videoID string) (int, error) {
	video, err := e.store.GetVideo(ctx, videoID)
	if err != nil {
		return 0, err
	}
	return e.builder.Build(ctx, video)
}

// BuildAll eagerly indexes every registered video.
func (e *Engine) BuildAll(ctx context.Context) (int, error) {
	e.indexing.SetRunning(true)
	defer e.indexing.SetRunning(false)
	return e.builder.BuildAll(ctx)
}

func (e *Engine) Search(ctx context.Context, q model.Query) (model.Result, error) {
	return e.search.Search(ctx, q)
}

// DeleteVideo removes a video, its segments and keyframes, and tombstones
// its index positions.
func (e *Engine) DeleteVideo(ctx context.Context, videoID string) error {
	positions, err := e.store.DeleteVideo(ctx, videoID)
	if err != nil {
		return err
	}
	removed := e.index.Remove(positions)
	removed += e.index.RemoveVideo(videoID)
	e.extractor.Reset(videoID)
	e.indexing.AddDeleted(1)
	if err := e.keyframes.DeletePrefix(ctx, media.VideoPrefix(videoID)); err != nil {
		e.logf("delete keyframes of video %s: %v", videoID, err)
	}
	e.logf("deleted video %s (%d index positions)", videoID, removed)
	return nil
}

// Rebuild replaces the index with a compact one built from the vectors in
// the store and records the new positions. It must not run concurrently
// with builds or extractions.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	const page = 500
	var entries []index.Entry
	for offset := 0; ; offset += page {
		rows, err := e.store.ListEmbeddedSegments(ctx, page, offset)
		if err != nil {
			return 0, err
		}
		for _, r := range rows {
			entries = append(entries, index.Entry{SegmentID: r.SegmentID, VideoID: r.VideoID, Vector: r.Vector})
		}
		if len(rows) < page {
			break
		}
	}
	assigned, err := e.index.Rebuild(entries)
	if err != nil {
		return 0, err
	}
	if err := e.store.ReassignEmbeddingIndexes(ctx, assigned); err != nil {
		return 0, err
	}
	if err := e.persist.SaveAll(); err != nil {
		return len(entries), err
	}
	return len(entries), nil
}

// Backfill runs one pass of the pending-embedding worker.
func (e *Engine) Backfill(ctx context.Context) (int, error) {
	return e.backfill.RunOnce(ctx)
}

func (e *Engine) Videos(ctx context.Context, limit, offset int) ([]model.Video, int64, error) {
	return e.store.ListVideos(ctx, limit, offset)
}

func (e *Engine) Video(ctx context.Context, id string) (model.Video, error) {
	return e.store.GetVideo(ctx, id)
}

func (e *Engine) Segments(ctx context.Context, videoID string) ([]model.Segment, error) {
	return e.store.ListSegments(ctx, videoID)
}

func (e *Engine) RecentSearches(ctx context.Context, limit int) ([]model.SearchLog, error) {
	return e.store.RecentSearches(ctx, limit)
}

// Keyframe returns the stored image for a segment's keyframe reference.
func (e *Engine) Keyframe(ctx context.Context, ref string) ([]byte, string, error) {
	data, err := e.keyframes.Get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	return data, media.ContentTypeForKey(ref), nil
}

func (e *Engine) ExtractionState(videoID string) model.ExtractionState {
	return e.extractor.State(videoID)
}

// ExtractionRuns is the number of on-demand jobs started by this engine.
func (e *Engine) ExtractionRuns() int64 {
	return e.extractor.Runs()
}

func (e *Engine) RebuiltOnOpen() bool {
	return e.rebuiltOnOpen
}

func (e *Engine) Indexing() appstate.IndexingSnapshot {
	return e.indexing.Snapshot()
}

func (e *Engine) Stats(ctx context.Context) (model.Stats, error) {
	lib, err := e.store.Stats(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	snap := e.index.Snapshot()
	return model.Stats{
		StateDir:        e.paths.Root,
		IndexVectors:    snap.Len(),
		IndexLive:       snap.Live(),
		Dimension:       snap.Dim(),
		Approximate:     snap.Approximate(),
		ExtractionState: e.extractor.States(),
		LibraryStats:    lib,
	}, nil
}

// WriteStatus refreshes status.json in the state directory.
func (e *Engine) WriteStatus(ctx context.Context) error {
	stats, err := e.Stats(ctx)
	if err != nil {
		return err
	}
	return state.WriteStatusJSON(e.paths.Root, &state.StatusJSON{
		UpdatedUnix: time.Now().Unix(),
		Stats:       stats,
		Indexing:    e.indexing.Snapshot(),
	})
}

// Start launches index autosave and the backfill worker. They stop when
// ctx ends or the engine is closed.
func (e *Engine) Start(ctx context.Context, backfillInterval time.Duration) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.runCancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel
	e.persist.Start(runCtx)
	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		if err := e.backfill.Run(runCtx, backfillInterval); err != nil && !errors.Is(err, context.Canceled) {
			e.logf("backfill worker stopped: %v", err)
		}
	}()
}

func (e *Engine) stop(ctx context.Context) error {
	e.runMu.Lock()
	cancel := e.runCancel
	e.runCancel = nil
	e.runMu.Unlock()
	if cancel != nil {
		cancel()
		e.runWG.Wait()
	}
	if e.persist == nil {
		return nil
	}
	return e.persist.StopAndSave(ctx)
}

// Shutdown stops background work, saves the index, writes status.json and
// closes the engine.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if e.extractor != nil {
		if err := e.extractor.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("save index: %w", err))
	}
	if e.store != nil && e.indexing != nil {
		if err := e.WriteStatus(ctx); err != nil {
			errs = append(errs, fmt.Errorf("write status: %w", err))
		}
	}
	e.Close()
	return errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition. It does not
// save the index; use Shutdown for that.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		for i := len(e.closeFns) - 1; i >= 0; i-- {
			if fn := e.closeFns[i]; fn != nil {
				fn()
			}
		}
	})
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e != nil && e.logger != nil {
		e.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
