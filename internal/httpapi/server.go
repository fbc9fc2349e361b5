// Package httpapi serves search, library and keyframe endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"scenelens/internal/model"
)

// Engine is what the HTTP layer needs from the retrieval engine.
type Engine interface {
	Search(ctx context.Context, q model.Query) (model.Result, error)
	Videos(ctx context.Context, limit, offset int) ([]model.Video, int64, error)
	Video(ctx context.Context, id string) (model.Video, error)
	Segments(ctx context.Context, videoID string) ([]model.Segment, error)
	Stats(ctx context.Context) (model.Stats, error)
	Keyframe(ctx context.Context, ref string) ([]byte, string, error)
}

type Options struct {
	DefaultTopK int
	// RateLimitRPS and RateLimitBurst bound requests per client IP. Loopback
	// clients are never limited. Zero disables the limit.
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	engine  Engine
	opts    Options
	limiter *ipRateLimiter

	Logger *log.Logger
}

func NewServer(engine Engine, opts Options) *Server {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 10
	}
	return &Server{
		engine:  engine,
		opts:    opts,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}
}

// Handler returns the routed handler with tracing, recovery and rate
// limiting applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.tracing)
	r.Use(s.recovery)
	r.Use(s.rateLimit)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/videos", s.handleVideos).Methods(http.MethodGet)
	r.HandleFunc("/videos/{id}", s.handleVideo).Methods(http.MethodGet)
	r.HandleFunc("/keyframes/{key:.+}", s.handleKeyframe).Methods(http.MethodGet)
	return r
}

// Serve blocks while handling HTTP on listener. Cancelling ctx starts a
// graceful shutdown that lets in-flight requests drain.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	go s.sweepLimiter(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup(10 * time.Minute)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"stats":  stats,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := model.Query{
		Text:    params.Get("q"),
		VideoID: params.Get("video_id"),
		Mode:    model.Mode(params.Get("mode")),
		TopK:    s.opts.DefaultTopK,
	}
	if raw := strings.TrimSpace(params.Get("top_k")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, &model.InvalidQueryError{Field: "top_k", Reason: "must be an integer"})
			return
		}
		q.TopK = n
	}
	group, gap, err := groupParams(params)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	res, err := s.engine.Search(r.Context(), q)
	switch {
	case err == nil:
		if group {
			res.Moments = model.GroupHits(res.Hits, gap)
		}
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, model.ErrInvalidQuery):
		s.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
	case res.Status == model.StatusFailed:
		writeJSON(w, http.StatusInternalServerError, res)
	default:
		s.writeError(w, r, http.StatusInternalServerError, err)
	}
}

// groupParams reads group=<bool> and the optional gap=<seconds> that asks
// for hits to be merged into moments.
func groupParams(params url.Values) (bool, float64, error) {
	raw := strings.TrimSpace(params.Get("group"))
	if raw == "" {
		return false, 0, nil
	}
	group, err := strconv.ParseBool(raw)
	if err != nil {
		return false, 0, &model.InvalidQueryError{Field: "group", Reason: "must be a boolean"}
	}
	gap := model.DefaultMomentGap
	if rawGap := strings.TrimSpace(params.Get("gap")); rawGap != "" {
		gap, err = strconv.ParseFloat(rawGap, 64)
		if err != nil || gap <= 0 {
			return false, 0, &model.InvalidQueryError{Field: "gap", Reason: "must be a positive number of seconds"}
		}
	}
	return group, gap, nil
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	videos, total, err := s.engine.Videos(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if videos == nil {
		videos = []model.Video{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"videos": videos,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	video, err := s.engine.Video(r.Context(), id)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	segments, err := s.engine.Segments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	if segments == nil {
		segments = []model.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"video":    video,
		"segments": segments,
	})
}

// handleKeyframe serves stored keyframe images. Keys outside frames/ are
// not served.
func (s *Server) handleKeyframe(w http.ResponseWriter, r *http.Request) {
	key := path.Clean(mux.Vars(r)["key"])
	if !strings.HasPrefix(key, "frames/") {
		s.writeError(w, r, http.StatusNotFound, model.ErrNotFound)
		return
	}
	data, contentType, err := s.engine.Keyframe(r.Context(), key)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logf("[%s] %s %s: %v", RequestID(r.Context()), r.Method, r.URL.Path, err)
	}
	body := map[string]interface{}{"error": err.Error()}
	var invalid *model.InvalidQueryError
	if errors.As(err, &invalid) {
		body["field"] = invalid.Field
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) logf(format string, args ...interface{}) {
	if s != nil && s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
