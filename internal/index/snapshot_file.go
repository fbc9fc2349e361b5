package index

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"scenelens/internal/model"
)

const snapshotFileVersion = 1

// snapshotFile is the on-disk layout: a vector block plus the parallel
// position mappings. Tombstones are stored as an empty segment id.
type snapshotFile struct {
	Version    int
	Dim        int
	Vectors    [][]float32
	SegmentIDs []string
	VideoIDs   []string
}

// Save writes the current snapshot to path (or the index path) through a
// temp file and rename, so a partially written file is never visible.
func (i *VectorIndex) Save(path string) error {
	if path == "" {
		path = i.path
	}
	if path == "" {
		return errors.New("path is required")
	}

	snap := i.current.Load()
	payload := snapshotFile{
		Version:    snapshotFileVersion,
		Dim:        snap.dim,
		Vectors:    snap.vectors,
		SegmentIDs: snap.segmentIDs,
		VideoIDs:   snap.videoIDs,
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(file).Encode(&payload); err != nil {
		closeErr := file.Close()
		_ = os.Remove(tmpPath)
		return errors.Join(err, closeErr)
	}
	if err := file.Sync(); err != nil {
		closeErr := file.Close()
		_ = os.Remove(tmpPath)
		return errors.Join(err, closeErr)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Load replaces the index with the snapshot stored at path. A missing file
// leaves the index empty. Mismatched block lengths or vector dimensions
// yield a model.IndexCorruptionError and leave the index untouched.
func (i *VectorIndex) Load(path string) error {
	if path == "" {
		path = i.path
	}
	if path == "" {
		return errors.New("path is required")
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var payload snapshotFile
	if err := gob.NewDecoder(file).Decode(&payload); err != nil {
		return &model.IndexCorruptionError{Path: path, Detail: "decode: " + err.Error()}
	}
	snap, err := snapshotFromFile(payload)
	if err != nil {
		corrupt := &model.IndexCorruptionError{}
		if errors.As(err, &corrupt) {
			corrupt.Path = path
		}
		return err
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	snap.ivf = i.partitionFor(nil, snap, nil)
	i.swapLocked(snap)
	return nil
}

func snapshotFromFile(f snapshotFile) (*Snapshot, error) {
	if f.Version != snapshotFileVersion {
		return nil, &model.IndexCorruptionError{Detail: fmt.Sprintf("unsupported version %d", f.Version)}
	}
	if len(f.Vectors) != len(f.SegmentIDs) || len(f.Vectors) != len(f.VideoIDs) {
		mappings := len(f.SegmentIDs)
		if len(f.VideoIDs) != mappings {
			mappings = min(mappings, len(f.VideoIDs))
		}
		return nil, &model.IndexCorruptionError{Vectors: len(f.Vectors), Mappings: mappings}
	}

	snap := &Snapshot{
		dim:        f.Dim,
		vectors:    f.Vectors,
		segmentIDs: f.SegmentIDs,
		videoIDs:   f.VideoIDs,
		byVideo:    make(map[string][]uint64),
	}
	for p, id := range f.SegmentIDs {
		if id == "" {
			snap.vectors[p] = nil
			continue
		}
		if len(f.Vectors[p]) != f.Dim {
			return nil, &model.IndexCorruptionError{Detail: fmt.Sprintf("position %d has dimension %d, want %d", p, len(f.Vectors[p]), f.Dim)}
		}
		snap.live++
		snap.byVideo[f.VideoIDs[p]] = append(snap.byVideo[f.VideoIDs[p]], uint64(p))
	}
	return snap, nil
}
