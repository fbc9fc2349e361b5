package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"scenelens/internal/model"
)

type SQLiteStore struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

var _ model.MetadataStore = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

const schema = `
CREATE TABLE IF NOT EXISTS videos (
  video_id TEXT PRIMARY KEY,
  filename TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  source_path TEXT NOT NULL UNIQUE,
  duration_seconds REAL NOT NULL DEFAULT 0,
  fps REAL NOT NULL DEFAULT 0,
  width INTEGER NOT NULL DEFAULT 0,
  height INTEGER NOT NULL DEFAULT 0,
  size_bytes INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'ok',
  error TEXT NOT NULL DEFAULT '',
  created_unix INTEGER NOT NULL DEFAULT 0,
  updated_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS segments (
  segment_id TEXT PRIMARY KEY,
  video_id TEXT NOT NULL REFERENCES videos(video_id) ON DELETE CASCADE,
  frame_number INTEGER NOT NULL,
  timestamp_seconds REAL NOT NULL,
  keyframe_ref TEXT NOT NULL DEFAULT '',
  caption TEXT,
  caption_terms TEXT NOT NULL DEFAULT '',
  caption_confidence REAL NOT NULL DEFAULT 0,
  embedding_index INTEGER UNIQUE,
  embedding BLOB,
  embedding_status TEXT NOT NULL DEFAULT 'pending',
  embedding_error TEXT NOT NULL DEFAULT '',
  created_unix INTEGER NOT NULL DEFAULT 0,
  UNIQUE(video_id, frame_number)
);

CREATE INDEX IF NOT EXISTS idx_segments_video_ts ON segments(video_id, timestamp_seconds);
CREATE INDEX IF NOT EXISTS idx_segments_embedding_status ON segments(embedding_status);

CREATE TABLE IF NOT EXISTS search_logs (
  log_id TEXT PRIMARY KEY,
  query TEXT NOT NULL,
  mode TEXT NOT NULL,
  video_id TEXT NOT NULL DEFAULT '',
  results_count INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  response_time_ms INTEGER NOT NULL DEFAULT 0,
  created_unix INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_search_logs_created ON search_logs(created_unix);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if s.path == ":memory:" {
		// each pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return err
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}
	if err := addCaptionTerms(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate caption terms: %w", err)
	}

	s.db = db
	return nil
}

// addCaptionTerms adds and fills segments.caption_terms on databases created
// before the column existed.
func addCaptionTerms(ctx context.Context, db *sql.DB) error {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('segments') WHERE name = 'caption_terms'`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `ALTER TABLE segments ADD COLUMN caption_terms TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx, `SELECT segment_id, caption FROM segments WHERE caption IS NOT NULL AND caption <> ''`)
	if err != nil {
		return err
	}
	captions := map[string]string{}
	for rows.Next() {
		var id, caption string
		if err := rows.Scan(&id, &caption); err != nil {
			_ = rows.Close()
			return err
		}
		captions[id] = caption
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for id, caption := range captions {
		if _, err := tx.ExecContext(ctx, `UPDATE segments SET caption_terms = ? WHERE segment_id = ?`,
			model.CaptionTerms(caption), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const videoColumns = `video_id, filename, title, source_path, duration_seconds, fps, width, height, size_bytes, status, error, created_unix, updated_unix`

func (s *SQLiteStore) CreateVideo(ctx context.Context, v model.Video) (model.Video, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.Video{}, err
	}
	if strings.TrimSpace(v.SourcePath) == "" {
		return model.Video{}, errors.New("video source path is required")
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	if v.CreatedUnix == 0 {
		v.CreatedUnix = now
	}
	v.UpdatedUnix = now
	v.Status = defaultIfEmpty(v.Status, model.VideoStatusOK)

	_, err = db.ExecContext(ctx,
		`INSERT INTO videos(`+videoColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Filename, v.Title, v.SourcePath, v.DurationSeconds, v.FPS, v.Width, v.Height,
		v.SizeBytes, v.Status, v.Error, v.CreatedUnix, v.UpdatedUnix,
	)
	if err != nil {
		return model.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) GetVideo(ctx context.Context, id string) (model.Video, error) {
	return s.getVideo(ctx, `SELECT `+videoColumns+` FROM videos WHERE video_id = ?`, id)
}

func (s *SQLiteStore) GetVideoBySource(ctx context.Context, sourcePath string) (model.Video, error) {
	return s.getVideo(ctx, `SELECT `+videoColumns+` FROM videos WHERE source_path = ?`, sourcePath)
}

func (s *SQLiteStore) getVideo(ctx context.Context, query, arg string) (model.Video, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.Video{}, err
	}
	v, err := scanVideo(db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Video{}, model.ErrNotFound
	}
	return v, err
}

func (s *SQLiteStore) ListVideos(ctx context.Context, limit, offset int) ([]model.Video, int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos ORDER BY created_unix, video_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Video, 0, limit)
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

// UpdateVideo rewrites the derived stats and status of an existing video.
func (s *SQLiteStore) UpdateVideo(ctx context.Context, v model.Video) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE videos SET title = ?, duration_seconds = ?, fps = ?, width = ?, height = ?, size_bytes = ?,
		   status = ?, error = ?, updated_unix = ?
		 WHERE video_id = ?`,
		v.Title, v.DurationSeconds, v.FPS, v.Width, v.Height, v.SizeBytes,
		defaultIfEmpty(v.Status, model.VideoStatusOK), v.Error, time.Now().Unix(), v.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// DeleteVideo removes a video and its segments and returns the embedding
// positions those segments held, so the caller can tombstone them.
func (s *SQLiteStore) DeleteVideo(ctx context.Context, id string) ([]uint64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT embedding_index FROM segments WHERE video_id = ? AND embedding_index IS NOT NULL`, id)
	if err != nil {
		return nil, err
	}
	var positions []uint64
	for rows.Next() {
		var pos int64
		if err := rows.Scan(&pos); err != nil {
			_ = rows.Close()
			return nil, err
		}
		positions = append(positions, uint64(pos))
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE video_id = ?`, id); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM videos WHERE video_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, model.ErrNotFound
	}
	return positions, tx.Commit()
}

const segmentColumns = `segment_id, video_id, frame_number, timestamp_seconds, keyframe_ref, caption, caption_confidence, embedding_index, embedding_status, embedding_error, created_unix`

// UpsertSegments writes segments in one transaction. Rows are keyed by
// (video_id, frame_number): an existing row keeps its id, its caption and
// its embedding, so re-extraction never duplicates or reassigns.
func (s *SQLiteStore) UpsertSegments(ctx context.Context, writes []model.SegmentWrite) ([]model.Segment, error) {
	if len(writes) == 0 {
		return []model.Segment{}, nil
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO segments(segment_id, video_id, frame_number, timestamp_seconds, keyframe_ref, caption, caption_terms,
		   caption_confidence, embedding_index, embedding, embedding_status, embedding_error, created_unix)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(video_id, frame_number) DO UPDATE SET
		   keyframe_ref = CASE WHEN segments.keyframe_ref = '' THEN excluded.keyframe_ref ELSE segments.keyframe_ref END,
		   caption_terms = CASE WHEN segments.caption IS NULL THEN excluded.caption_terms ELSE segments.caption_terms END,
		   caption = COALESCE(segments.caption, excluded.caption),
		   caption_confidence = CASE WHEN segments.caption IS NULL THEN excluded.caption_confidence ELSE segments.caption_confidence END,
		   embedding = CASE WHEN segments.embedding_index IS NULL THEN excluded.embedding ELSE segments.embedding END,
		   embedding_status = CASE WHEN segments.embedding_index IS NULL THEN excluded.embedding_status ELSE segments.embedding_status END,
		   embedding_error = CASE WHEN segments.embedding_index IS NULL THEN excluded.embedding_error ELSE segments.embedding_error END,
		   embedding_index = COALESCE(segments.embedding_index, excluded.embedding_index)`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().Unix()
	for _, w := range writes {
		seg := w.Segment
		if seg.VideoID == "" {
			return nil, errors.New("segment video id is required")
		}
		if seg.ID == "" {
			seg.ID = uuid.NewString()
		}
		var (
			caption  sql.NullString
			terms    string
			position sql.NullInt64
			blob     []byte
			status   = model.EmbeddingStatusPending
		)
		if seg.HasCaption() {
			caption = sql.NullString{String: seg.Caption, Valid: true}
			terms = model.CaptionTerms(seg.Caption)
		}
		if seg.HasEmbedding() && len(w.Vector) > 0 {
			position = sql.NullInt64{Int64: seg.EmbeddingIndex, Valid: true}
			blob = encodeVector(w.Vector)
			status = model.EmbeddingStatusOK
		}
		if _, err := stmt.ExecContext(ctx,
			seg.ID, seg.VideoID, seg.FrameNumber, seg.TimestampSeconds, seg.KeyframeRef, caption, terms,
			seg.CaptionConfidence, position, blob, status, seg.EmbeddingError, now,
		); err != nil {
			return nil, fmt.Errorf("upsert segment %s/%d: %w", seg.VideoID, seg.FrameNumber, err)
		}
	}

	out := make([]model.Segment, 0, len(writes))
	for _, w := range writes {
		seg, err := scanSegment(tx.QueryRowContext(ctx,
			`SELECT `+segmentColumns+` FROM segments WHERE video_id = ? AND frame_number = ?`,
			w.Segment.VideoID, w.Segment.FrameNumber))
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, tx.Commit()
}

func (s *SQLiteStore) GetSegments(ctx context.Context, ids []string) (map[string]model.Segment, error) {
	out := make(map[string]model.Segment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		batch := ids[start:end]
		args := make([]any, len(batch))
		for n, id := range batch {
			args[n] = id
		}
		rows, err := db.QueryContext(ctx,
			`SELECT `+segmentColumns+` FROM segments WHERE segment_id IN (`+placeholders(len(batch))+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			seg, err := scanSegment(rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out[seg.ID] = seg
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) ListSegments(ctx context.Context, videoID string) ([]model.Segment, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE video_id = ? ORDER BY timestamp_seconds, frame_number`, videoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountEmbeddedSegments(ctx context.Context, videoID string) (int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE video_id = ? AND embedding_index IS NOT NULL`, videoID).Scan(&n)
	return n, err
}

// SetEmbeddings records the index position and vector of each segment that
// has none yet. Segments that already hold a position, or no longer exist,
// are left untouched and returned as skipped.
func (s *SQLiteStore) SetEmbeddings(ctx context.Context, assignments []model.EmbeddingAssignment) ([]string, error) {
	if len(assignments) == 0 {
		return nil, nil
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE segments SET embedding_index = ?, embedding = ?, embedding_status = 'ok', embedding_error = ''
		 WHERE segment_id = ? AND embedding_index IS NULL`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stmt.Close() }()

	var skipped []string
	for _, a := range assignments {
		if a.Position > math.MaxInt64 {
			return nil, fmt.Errorf("position %d overflows int64", a.Position)
		}
		res, err := stmt.ExecContext(ctx, int64(a.Position), encodeVector(a.Vector), a.SegmentID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			skipped = append(skipped, a.SegmentID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return skipped, nil
}

func (s *SQLiteStore) MarkEmbeddingFailed(ctx context.Context, segmentIDs []string, reason string) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE segments SET embedding_status = 'error', embedding_error = ?
		 WHERE segment_id = ? AND embedding_index IS NULL`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range segmentIDs {
		if _, err := stmt.ExecContext(ctx, snippet(reason, 500), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) NextPending(ctx context.Context, limit int) ([]model.SegmentTask, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 32
	}
	rows, err := db.QueryContext(ctx,
		`SELECT segment_id, video_id, frame_number, keyframe_ref FROM segments
		 WHERE embedding_status = 'pending' AND embedding_index IS NULL AND keyframe_ref <> ''
		 ORDER BY created_unix, segment_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]model.SegmentTask, 0, limit)
	for rows.Next() {
		var t model.SegmentTask
		if err := rows.Scan(&t.SegmentID, &t.VideoID, &t.FrameNumber, &t.KeyframeRef); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SearchCaptions returns captioned segments that contain the phrase or any
// token as whole words, case-insensitively. Rows are ordered by match
// strength before the limit applies: phrase matches first, then by the
// number of distinct tokens present, then by caption confidence.
func (s *SQLiteStore) SearchCaptions(ctx context.Context, q model.CaptionQuery) ([]model.Segment, error) {
	phrase := model.CaptionTerms(q.Phrase)
	tokens := make([]string, 0, len(q.Tokens))
	seen := make(map[string]struct{}, len(q.Tokens))
	for _, tok := range q.Tokens {
		t := model.CaptionTerms(tok)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	if phrase == "" && len(tokens) == 0 {
		return []model.Segment{}, nil
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	var (
		b    strings.Builder
		args []any
	)
	phraseExpr := `0`
	if phrase != "" {
		phraseExpr = `(instr(caption_terms, ?) > 0)`
		args = append(args, phrase)
	}
	tokenExpr := `0`
	if len(tokens) > 0 {
		parts := make([]string, len(tokens))
		for n, tok := range tokens {
			parts[n] = `(instr(caption_terms, ?) > 0)`
			args = append(args, tok)
		}
		tokenExpr = strings.Join(parts, ` + `)
	}
	b.WriteString(`SELECT ` + segmentColumns + ` FROM (SELECT *, ` + phraseExpr + ` AS phrase_hit, (` + tokenExpr + `) AS token_hits
		FROM segments WHERE caption_terms <> ''`)
	if q.VideoID != "" {
		b.WriteString(` AND video_id = ?`)
		args = append(args, q.VideoID)
	}
	b.WriteString(`) WHERE phrase_hit > 0 OR token_hits > 0
		ORDER BY phrase_hit DESC, token_hits DESC, caption_confidence DESC, timestamp_seconds ASC, segment_id ASC LIMIT ?`)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ListEmbeddingPositions pages through every recorded (segment, position)
// pair in position order. No vectors are read.
func (s *SQLiteStore) ListEmbeddingPositions(ctx context.Context, limit, offset int) ([]model.EmbeddingPosition, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.QueryContext(ctx,
		`SELECT segment_id, embedding_index FROM segments
		 WHERE embedding_index IS NOT NULL
		 ORDER BY embedding_index LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.EmbeddingPosition, 0, limit)
	for rows.Next() {
		var (
			p   model.EmbeddingPosition
			pos int64
		)
		if err := rows.Scan(&p.SegmentID, &pos); err != nil {
			return nil, err
		}
		if pos < 0 {
			return nil, fmt.Errorf("segment %s has negative position %d", p.SegmentID, pos)
		}
		p.Position = uint64(pos)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListEmbeddedSegments pages through every stored vector in position order.
func (s *SQLiteStore) ListEmbeddedSegments(ctx context.Context, limit, offset int) ([]model.EmbeddedSegment, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.QueryContext(ctx,
		`SELECT segment_id, video_id, embedding FROM segments
		 WHERE embedding IS NOT NULL AND embedding_status = 'ok'
		 ORDER BY embedding_index, segment_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.EmbeddedSegment, 0, limit)
	for rows.Next() {
		var (
			e    model.EmbeddedSegment
			blob []byte
		)
		if err := rows.Scan(&e.SegmentID, &e.VideoID, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", e.SegmentID, err)
		}
		e.Vector = vec
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReassignEmbeddingIndexes replaces every stored position after a rebuild.
// Segments missing from positions lose their position.
func (s *SQLiteStore) ReassignEmbeddingIndexes(ctx context.Context, positions map[string]uint64) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE segments SET embedding_index = NULL WHERE embedding_index IS NOT NULL`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE segments SET embedding_index = ? WHERE segment_id = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for id, pos := range positions {
		if _, err := stmt.ExecContext(ctx, int64(pos), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LogSearch(ctx context.Context, entry model.SearchLog) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	if entry.ID == "" {
		return errors.New("search log id is required")
	}
	if entry.CreatedUnix == 0 {
		entry.CreatedUnix = time.Now().Unix()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO search_logs(log_id, query, mode, video_id, results_count, status, response_time_ms, created_unix)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Query, string(entry.Mode), entry.VideoID, entry.ResultsCount,
		string(entry.Status), entry.ResponseTimeMS, entry.CreatedUnix,
	)
	return err
}

func (s *SQLiteStore) RecentSearches(ctx context.Context, limit int) ([]model.SearchLog, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(ctx,
		`SELECT log_id, query, mode, video_id, results_count, status, response_time_ms, created_unix
		 FROM search_logs ORDER BY created_unix DESC, log_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.SearchLog
	for rows.Next() {
		var (
			l            model.SearchLog
			mode, status string
		)
		if err := rows.Scan(&l.ID, &l.Query, &mode, &l.VideoID, &l.ResultsCount, &status, &l.ResponseTimeMS, &l.CreatedUnix); err != nil {
			return nil, err
		}
		l.Mode = model.Mode(mode)
		l.Status = model.Status(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (model.LibraryStats, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.LibraryStats{}, err
	}
	stats := model.LibraryStats{VideoCounts: map[string]int64{}}

	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM videos GROUP BY status`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return stats, err
		}
		stats.VideoCounts[status] = n
		stats.Videos += n
	}
	if err := rows.Close(); err != nil {
		return stats, err
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN caption IS NOT NULL AND caption <> '' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN embedding_status = 'ok' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN embedding_status = 'pending' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN embedding_status = 'error' THEN 1 ELSE 0 END), 0)
		 FROM segments`,
	).Scan(&stats.Segments, &stats.Captioned, &stats.EmbeddedOK, &stats.Pending, &stats.Errors)
	if err != nil {
		return stats, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_logs`).Scan(&stats.Searches); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) ensureDB(ctx context.Context) (*sql.DB, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("sqlite db not initialized")
	}
	return s.db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (model.Video, error) {
	var v model.Video
	err := row.Scan(&v.ID, &v.Filename, &v.Title, &v.SourcePath, &v.DurationSeconds, &v.FPS,
		&v.Width, &v.Height, &v.SizeBytes, &v.Status, &v.Error, &v.CreatedUnix, &v.UpdatedUnix)
	return v, err
}

func scanSegment(row rowScanner) (model.Segment, error) {
	var (
		seg      model.Segment
		caption  sql.NullString
		position sql.NullInt64
	)
	err := row.Scan(&seg.ID, &seg.VideoID, &seg.FrameNumber, &seg.TimestampSeconds, &seg.KeyframeRef,
		&caption, &seg.CaptionConfidence, &position, &seg.EmbeddingStatus, &seg.EmbeddingError, &seg.CreatedUnix)
	if err != nil {
		return model.Segment{}, err
	}
	seg.Caption = caption.String
	seg.EmbeddingIndex = model.NoEmbedding
	if position.Valid {
		seg.EmbeddingIndex = position.Int64
	}
	return seg, nil
}

// encodeVector packs float32s little-endian.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for n, x := range v {
		binary.LittleEndian.PutUint32(out[4*n:], math.Float32bits(x))
	}
	return out
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for n := range out {
		out[n] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*n:]))
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func defaultIfEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
