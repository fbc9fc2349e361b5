package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"iter"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"scenelens/internal/model"
)

// SyntheticScene colours every frame up to UntilSeconds.
type SyntheticScene struct {
	UntilSeconds float64
	Color        color.RGBA
}

type SyntheticVideo struct {
	DurationSeconds float64
	FPS             float64
	Width           int
	Height          int
	Scenes          []SyntheticScene
}

// SyntheticSource renders flat-colour PNG frames for registered paths. It
// stands in for ffmpeg in tests and demos.
type SyntheticSource struct {
	mu     sync.RWMutex
	videos map[string]SyntheticVideo

	decoded atomic.Int64
}

var _ model.FrameSource = (*SyntheticSource)(nil)

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{videos: make(map[string]SyntheticVideo)}
}

func (s *SyntheticSource) Add(path string, v SyntheticVideo) {
	if v.FPS <= 0 {
		v.FPS = 30
	}
	if v.Width <= 0 {
		v.Width = 16
	}
	if v.Height <= 0 {
		v.Height = 16
	}
	s.mu.Lock()
	s.videos[path] = v
	s.mu.Unlock()
}

// Decoded reports how many frames were rendered so far.
func (s *SyntheticSource) Decoded() int64 {
	return s.decoded.Load()
}

func (s *SyntheticSource) lookup(path string) (SyntheticVideo, error) {
	s.mu.RLock()
	v, ok := s.videos[path]
	s.mu.RUnlock()
	if !ok {
		return SyntheticVideo{}, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	return v, nil
}

func (s *SyntheticSource) Probe(ctx context.Context, path string) (model.VideoInfo, error) {
	if err := ctx.Err(); err != nil {
		return model.VideoInfo{}, err
	}
	v, err := s.lookup(path)
	if err != nil {
		return model.VideoInfo{}, err
	}
	return model.VideoInfo{
		DurationSeconds: v.DurationSeconds,
		FPS:             v.FPS,
		Width:           v.Width,
		Height:          v.Height,
		FrameCount:      int(math.Floor(v.DurationSeconds * v.FPS)),
	}, nil
}

func (s *SyntheticSource) Frames(ctx context.Context, path string, intervalSeconds float64) iter.Seq2[model.Frame, error] {
	return func(yield func(model.Frame, error) bool) {
		info, err := s.Probe(ctx, path)
		if err != nil {
			yield(model.Frame{}, err)
			return
		}
		v, _ := s.lookup(path)
		for _, point := range SampleGrid(info.FPS, info.FrameCount, intervalSeconds) {
			frame, err := s.render(ctx, v, point)
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

func (s *SyntheticSource) FramesAt(ctx context.Context, path string, timestamps []float64) iter.Seq2[model.Frame, error] {
	return func(yield func(model.Frame, error) bool) {
		info, err := s.Probe(ctx, path)
		if err != nil {
			yield(model.Frame{}, err)
			return
		}
		v, _ := s.lookup(path)
		for _, ts := range timestamps {
			frame, err := s.render(ctx, v, FrameAt(info.FPS, info.FrameCount, ts))
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

func (s *SyntheticSource) render(ctx context.Context, v SyntheticVideo, point GridPoint) (model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}
	c := sceneColor(v.Scenes, point)
	img := image.NewRGBA(image.Rect(0, 0, v.Width, v.Height))
	for y := 0; y < v.Height; y++ {
		for x := 0; x < v.Width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return model.Frame{}, err
	}
	s.decoded.Add(1)
	return model.Frame{
		Number:           point.FrameNumber,
		TimestampSeconds: point.TimestampSeconds,
		Image:            buf.Bytes(),
		ContentType:      "image/png",
	}, nil
}

func sceneColor(scenes []SyntheticScene, point GridPoint) color.RGBA {
	for _, scene := range scenes {
		if point.TimestampSeconds < scene.UntilSeconds {
			return scene.Color
		}
	}
	if len(scenes) > 0 {
		return scenes[len(scenes)-1].Color
	}
	n := point.FrameNumber
	return color.RGBA{R: uint8(n * 37), G: uint8(n * 71), B: uint8(n * 113), A: 255}
}

// FrameColor returns the top-left pixel of an encoded frame.
func FrameColor(data []byte) (color.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return color.RGBA{}, err
	}
	b := img.Bounds()
	r, g, bl, a := img.At(b.Min.X, b.Min.Y).RGBA()
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8), A: uint8(a >> 8)}, nil
}
