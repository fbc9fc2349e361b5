package model

import "sort"

// DefaultMomentGap is the largest distance in seconds between two hits of
// one video that still places them in the same Moment.
const DefaultMomentGap = 2.0

// Moment is a run of hits from one video whose timestamps are no more than
// the grouping gap apart. Best is the highest scoring hit of the run.
type Moment struct {
	VideoID      string   `json:"video_id"`
	StartSeconds float64  `json:"start_seconds"`
	EndSeconds   float64  `json:"end_seconds"`
	Score        float64  `json:"score"`
	Best         Hit      `json:"best"`
	SegmentIDs   []string `json:"segment_ids"`
}

// GroupHits merges hits of the same video into Moments. Within a video the
// hits are walked in timestamp order and a new Moment starts whenever the
// distance to the previous hit exceeds maxGap. A non-positive maxGap uses
// DefaultMomentGap. Moments are ordered by score descending, then video id,
// then start time. The input slice is not modified.
func GroupHits(hits []Hit, maxGap float64) []Moment {
	if len(hits) == 0 {
		return nil
	}
	if maxGap <= 0 {
		maxGap = DefaultMomentGap
	}
	sorted := make([]Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].VideoID != sorted[j].VideoID {
			return sorted[i].VideoID < sorted[j].VideoID
		}
		return sorted[i].TimestampSeconds < sorted[j].TimestampSeconds
	})

	var moments []Moment
	var cur *Moment
	for _, h := range sorted {
		if cur != nil && cur.VideoID == h.VideoID && h.TimestampSeconds-cur.EndSeconds <= maxGap {
			cur.EndSeconds = h.TimestampSeconds
			cur.SegmentIDs = append(cur.SegmentIDs, h.SegmentID)
			if h.Score > cur.Score {
				cur.Score = h.Score
				cur.Best = h
			}
			continue
		}
		moments = append(moments, Moment{
			VideoID:      h.VideoID,
			StartSeconds: h.TimestampSeconds,
			EndSeconds:   h.TimestampSeconds,
			Score:        h.Score,
			Best:         h,
			SegmentIDs:   []string{h.SegmentID},
		})
		cur = &moments[len(moments)-1]
	}

	sort.SliceStable(moments, func(i, j int) bool {
		a, b := moments[i], moments[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.VideoID != b.VideoID {
			return a.VideoID < b.VideoID
		}
		return a.StartSeconds < b.StartSeconds
	})
	return moments
}
