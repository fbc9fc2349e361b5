package testutil

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"scenelens/internal/media"
)

var (
	Red   = color.RGBA{R: 220, A: 255}
	Green = color.RGBA{G: 200, A: 255}
	Blue  = color.RGBA{B: 210, A: 255}
)

// DefaultPalette captions the three scene colours used by BeachVideo.
func DefaultPalette() []Scene {
	return []Scene{
		{Color: Red, Caption: "a red car parked on a street"},
		{Color: Green, Caption: "a dog running across a green park"},
		{Color: Blue, Caption: "waves crashing on a sunny beach"},
	}
}

// BeachVideo is a ten second clip: red until 4s, green until 8s, then blue.
func BeachVideo() media.SyntheticVideo {
	return media.SyntheticVideo{
		DurationSeconds: 10,
		FPS:             30,
		Scenes: []media.SyntheticScene{
			{UntilSeconds: 4, Color: Red},
			{UntilSeconds: 8, Color: Green},
			{UntilSeconds: 10, Color: Blue},
		},
	}
}

// TouchVideo creates an empty placeholder file so registration can stat it,
// and registers v for it on src. It returns the absolute path.
func TouchVideo(t *testing.T, src *media.SyntheticSource, dir, name string, v media.SyntheticVideo) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("synthetic"), 0o644); err != nil {
		t.Fatalf("write placeholder: %v", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	src.Add(abs, v)
	return abs
}
