package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"scenelens/internal/model"
)

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

func runProbe(ctx context.Context, ffprobe, path string) (model.VideoInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobe, "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return model.VideoInfo{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

// parseProbe reads the first video stream of ffprobe's JSON output.
func parseProbe(raw []byte) (model.VideoInfo, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(raw, &probe); err != nil {
		return model.VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := model.VideoInfo{}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info.DurationSeconds = d
	}

	found := false
	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}
		found = true
		info.Width = stream.Width
		info.Height = stream.Height
		info.FPS = parseFrameRate(stream.AvgFrameRate)
		if info.FPS <= 0 {
			info.FPS = parseFrameRate(stream.RFrameRate)
		}
		if info.DurationSeconds <= 0 {
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
				info.DurationSeconds = d
			}
		}
		if n, err := strconv.Atoi(stream.NbFrames); err == nil {
			info.FrameCount = n
		}
		break
	}
	if !found {
		return model.VideoInfo{}, fmt.Errorf("no video stream")
	}
	if info.FPS <= 0 {
		return model.VideoInfo{}, fmt.Errorf("unknown frame rate")
	}
	if info.FrameCount <= 0 {
		info.FrameCount = int(math.Floor(info.DurationSeconds * info.FPS))
	}
	return info, nil
}

// parseFrameRate accepts "30000/1001" style rationals and plain numbers.
func parseFrameRate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	num, den, ok := strings.Cut(raw, "/")
	if !ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d <= 0 {
		return 0
	}
	return n / d
}
