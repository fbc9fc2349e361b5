package media

import "math"

// GridPoint is one sampled position of a video.
type GridPoint struct {
	FrameNumber      int
	TimestampSeconds float64
}

// SampleGrid lists the frames taken every intervalSeconds: frame numbers are
// multiples of max(1, int(fps*interval)) and each timestamp is frame/fps.
func SampleGrid(fps float64, frameCount int, intervalSeconds float64) []GridPoint {
	if fps <= 0 || frameCount <= 0 {
		return nil
	}
	step := max(1, int(fps*intervalSeconds))
	out := make([]GridPoint, 0, frameCount/step+1)
	for frame := 0; frame < frameCount; frame += step {
		out = append(out, GridPoint{FrameNumber: frame, TimestampSeconds: float64(frame) / fps})
	}
	return out
}

// FrameAt maps a timestamp onto the nearest frame number within the video.
func FrameAt(fps float64, frameCount int, timestampSeconds float64) GridPoint {
	if fps <= 0 {
		return GridPoint{TimestampSeconds: timestampSeconds}
	}
	frame := int(math.Round(timestampSeconds * fps))
	if frameCount > 0 && frame >= frameCount {
		frame = frameCount - 1
	}
	frame = max(frame, 0)
	return GridPoint{FrameNumber: frame, TimestampSeconds: float64(frame) / fps}
}

// EvenTimestamps returns up to n timestamps spread across the video, each
// at the centre of an equal-width slot.
func EvenTimestamps(durationSeconds float64, n int) []float64 {
	if durationSeconds <= 0 || n <= 0 {
		return nil
	}
	out := make([]float64, n)
	slot := durationSeconds / float64(n)
	for i := range out {
		out[i] = slot*float64(i) + slot/2
	}
	return out
}
