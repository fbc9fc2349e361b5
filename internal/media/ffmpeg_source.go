package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os/exec"
	"strconv"
	"strings"

	"scenelens/internal/model"
)

// FFmpegSource decodes frames by shelling out to ffmpeg, one process per
// frame, so a sequence can stop early without leaking a decoder.
type FFmpegSource struct {
	FFmpegPath  string
	FFprobePath string
}

var _ model.FrameSource = (*FFmpegSource)(nil)

func NewFFmpegSource(ffmpegPath, ffprobePath string) *FFmpegSource {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegSource{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

func (s *FFmpegSource) Probe(ctx context.Context, path string) (model.VideoInfo, error) {
	return runProbe(ctx, s.FFprobePath, path)
}

func (s *FFmpegSource) Frames(ctx context.Context, path string, intervalSeconds float64) iter.Seq2[model.Frame, error] {
	return func(yield func(model.Frame, error) bool) {
		info, err := s.Probe(ctx, path)
		if err != nil {
			yield(model.Frame{}, err)
			return
		}
		for _, point := range SampleGrid(info.FPS, info.FrameCount, intervalSeconds) {
			frame, err := s.grab(ctx, path, point)
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

func (s *FFmpegSource) FramesAt(ctx context.Context, path string, timestamps []float64) iter.Seq2[model.Frame, error] {
	return func(yield func(model.Frame, error) bool) {
		info, err := s.Probe(ctx, path)
		if err != nil {
			yield(model.Frame{}, err)
			return
		}
		for _, ts := range timestamps {
			frame, err := s.grab(ctx, path, FrameAt(info.FPS, info.FrameCount, ts))
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

func (s *FFmpegSource) grab(ctx context.Context, path string, point GridPoint) (model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}
	cmd := exec.CommandContext(ctx, s.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(point.TimestampSeconds, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return model.Frame{}, fmt.Errorf("ffmpeg frame %d: %w: %s", point.FrameNumber, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return model.Frame{}, errors.New("ffmpeg produced no image for frame " + strconv.Itoa(point.FrameNumber))
	}
	return model.Frame{
		Number:           point.FrameNumber,
		TimestampSeconds: point.TimestampSeconds,
		Image:            stdout.Bytes(),
		ContentType:      "image/jpeg",
	}, nil
}
