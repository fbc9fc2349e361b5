package index

import "sort"

const (
	maxLists        = 100
	minTrainVectors = 20
	maxTrainSample  = 20000
	trainIterations = 8
)

// ivfPartition is an inverted-file partition over unit vectors: spherical
// k-means centroids, each owning the positions closest to it. It is
// immutable once published inside a Snapshot.
type ivfPartition struct {
	centroids   [][]float32
	lists       [][]uint64
	trainedLive int
}

// trainIVF clusters the live vectors into min(100, n/10) lists.
func trainIVF(vectors [][]float32, live []uint64) *ivfPartition {
	nlist := len(live) / 10
	if nlist > maxLists {
		nlist = maxLists
	}
	if nlist < 2 {
		return nil
	}

	sample := live
	if len(sample) > maxTrainSample {
		stride := float64(len(live)) / float64(maxTrainSample)
		sample = make([]uint64, maxTrainSample)
		for n := range sample {
			sample[n] = live[int(float64(n)*stride)]
		}
	}

	// Seed with evenly spaced sample vectors so training is deterministic.
	centroids := make([][]float32, nlist)
	step := len(sample) / nlist
	for c := range centroids {
		centroids[c] = append([]float32(nil), vectors[sample[c*step]]...)
	}

	dim := len(centroids[0])
	assign := make([]int, len(sample))
	for iter := 0; iter < trainIterations; iter++ {
		changed := false
		for n, p := range sample {
			best := nearestCentroid(centroids, vectors[p])
			if iter == 0 || best != assign[n] {
				changed = true
			}
			assign[n] = best
		}
		if !changed {
			break
		}
		sums := make([][]float32, nlist)
		counts := make([]int, nlist)
		for n, p := range sample {
			c := assign[n]
			if sums[c] == nil {
				sums[c] = make([]float32, dim)
			}
			for d, x := range vectors[p] {
				sums[c][d] += x
			}
			counts[c]++
		}
		for c := range centroids {
			// empty clusters keep their previous centroid
			if counts[c] > 0 {
				centroids[c] = normalize(sums[c])
			}
		}
	}

	p := &ivfPartition{
		centroids:   centroids,
		lists:       make([][]uint64, nlist),
		trainedLive: len(live),
	}
	for _, pos := range live {
		c := nearestCentroid(centroids, vectors[pos])
		p.lists[c] = append(p.lists[c], pos)
	}
	return p
}

// withAssigned returns a copy of p with the added positions placed in their
// nearest lists. Untouched lists are shared with p.
func (p *ivfPartition) withAssigned(vectors [][]float32, added []uint64) *ivfPartition {
	next := &ivfPartition{
		centroids:   p.centroids,
		lists:       make([][]uint64, len(p.lists)),
		trainedLive: p.trainedLive,
	}
	copy(next.lists, p.lists)
	touched := make(map[int]bool)
	for _, pos := range added {
		c := nearestCentroid(p.centroids, vectors[pos])
		if !touched[c] {
			touched[c] = true
			next.lists[c] = append([]uint64(nil), next.lists[c]...)
		}
		next.lists[c] = append(next.lists[c], pos)
	}
	return next
}

// candidates returns the positions in the nprobe lists nearest to q.
func (p *ivfPartition) candidates(q []float32, nprobe int) []uint64 {
	if nprobe > len(p.centroids) {
		nprobe = len(p.centroids)
	}
	type ranked struct {
		list  int
		score float32
	}
	order := make([]ranked, len(p.centroids))
	for c, centroid := range p.centroids {
		order[c] = ranked{list: c, score: dot(q, centroid)}
	}
	sort.Slice(order, func(a, b int) bool {
		if order[a].score == order[b].score {
			return order[a].list < order[b].list
		}
		return order[a].score > order[b].score
	})

	total := 0
	for _, r := range order[:nprobe] {
		total += len(p.lists[r.list])
	}
	out := make([]uint64, 0, total)
	for _, r := range order[:nprobe] {
		out = append(out, p.lists[r.list]...)
	}
	return out
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best := 0
	var bestScore float32 = -2
	for c, centroid := range centroids {
		if s := dot(v, centroid); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}
