package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"scenelens/internal/appstate"
	"scenelens/internal/media"
	"scenelens/internal/model"
)

// Service registers video files in the metadata store. Registration only
// probes the container; no frames are decoded.
type Service struct {
	store         model.MetadataStore
	source        model.FrameSource
	indexingState *appstate.IndexingState

	Logger *log.Logger
}

func NewService(store model.MetadataStore, source model.FrameSource) *Service {
	return &Service{store: store, source: source}
}

func (s *Service) SetIndexingState(state *appstate.IndexingState) {
	s.indexingState = state
}

// Register records the video at path and returns it. Registering the same
// source twice returns the existing record. A file that exists but cannot
// be probed is still recorded, with status ingest_error, and the call
// returns an IngestionError.
func (s *Service) Register(ctx context.Context, path string) (model.Video, error) {
	if s.store == nil || s.source == nil {
		return model.Video{}, errors.New("ingest store and frame source are required")
	}
	absPath, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return model.Video{}, &model.IngestionError{Path: path, Cause: err}
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return model.Video{}, &model.IngestionError{Path: absPath, Cause: err}
	}
	if info.IsDir() {
		return model.Video{}, &model.IngestionError{Path: absPath, Cause: errors.New("is a directory")}
	}

	existing, err := s.store.GetVideoBySource(ctx, absPath)
	switch {
	case err == nil && existing.Status == model.VideoStatusOK:
		s.indexingState.AddSkipped(1)
		return existing, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.Video{}, err
	}
	found := err == nil

	video := existing
	if !found {
		video = model.Video{
			Filename:   filepath.Base(absPath),
			Title:      media.TitleFromFilename(absPath),
			SourcePath: absPath,
		}
	}
	video.SizeBytes = info.Size()

	probe, probeErr := s.source.Probe(ctx, absPath)
	if probeErr != nil {
		video.Status = model.VideoStatusIngestError
		video.Error = probeErr.Error()
	} else {
		video.Status = model.VideoStatusOK
		video.Error = ""
		applyProbe(&video, probe)
	}

	if found {
		err = s.store.UpdateVideo(ctx, video)
	} else {
		video, err = s.store.CreateVideo(ctx, video)
	}
	if err != nil {
		return model.Video{}, fmt.Errorf("record video %s: %w", absPath, err)
	}

	if probeErr != nil {
		s.indexingState.AddErrors(1)
		s.logf("ingest %s: %v", absPath, probeErr)
		return video, &model.IngestionError{VideoID: video.ID, Path: absPath, Cause: probeErr}
	}
	s.indexingState.AddRegistered(1)
	return video, nil
}

// RegisterDir registers every video under root. Per-file failures are
// counted and logged; the returned slice holds the usable videos.
func (s *Service) RegisterDir(ctx context.Context, root string) ([]model.Video, error) {
	files, err := DiscoverVideos(ctx, root, DiscoverOptions{})
	if err != nil {
		return nil, err
	}

	s.indexingState.SetRunning(true)
	defer s.indexingState.SetRunning(false)

	videos := make([]model.Video, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return videos, err
		}
		s.indexingState.AddScanned(1)
		v, err := s.Register(ctx, f.AbsPath)
		if err != nil {
			if errors.Is(err, model.ErrIngestion) {
				continue
			}
			return videos, err
		}
		videos = append(videos, v)
	}
	return videos, nil
}

func applyProbe(v *model.Video, info model.VideoInfo) {
	v.DurationSeconds = info.DurationSeconds
	v.FPS = info.FPS
	v.Width = info.Width
	v.Height = info.Height
}

func (s *Service) logf(format string, args ...interface{}) {
	if s != nil && s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
