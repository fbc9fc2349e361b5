package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Persistable is anything the PersistenceManager can save and restore.
type Persistable interface {
	Save(path string) error
	Load(path string) error
}

// Versioned is implemented by indexes that count their published changes.
// The autosave loop skips an index whose generation has not moved since it
// was last loaded or saved.
type Versioned interface {
	Generation() uint64
}

type IndexedFile struct {
	Path  string
	Index Persistable
}

// trackedFile remembers the generation last written to or read from Path.
type trackedFile struct {
	IndexedFile
	synced    uint64
	hasSynced bool
}

// dirty reports whether the index changed since the last sync, and the
// generation to record once it is written.
func (f *trackedFile) dirty() (bool, uint64) {
	v, ok := f.Index.(Versioned)
	if !ok {
		return true, 0
	}
	gen := v.Generation()
	return !f.hasSynced || gen != f.synced, gen
}

func (f *trackedFile) markSynced(gen uint64) {
	if _, ok := f.Index.(Versioned); ok {
		f.synced, f.hasSynced = gen, true
	}
}

// PersistenceManager loads the vector index at start, writes it back on a
// timer when it has changed, and saves it a final time on shutdown.
type PersistenceManager struct {
	files    []*trackedFile
	interval time.Duration
	onError  func(error)

	// saveMu serializes loads, saves and the autosave ticker.
	saveMu sync.Mutex
	saves  int
	skips  int

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPersistenceManager(indices []IndexedFile, interval time.Duration, onError func(error)) *PersistenceManager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	files := make([]*trackedFile, 0, len(indices))
	for _, f := range indices {
		if f.Index == nil {
			continue
		}
		files = append(files, &trackedFile{IndexedFile: f})
	}
	return &PersistenceManager{files: files, interval: interval, onError: onError}
}

// LoadAll loads every index, checking ctx between files. It stops at the
// first error, which callers inspect for model.ErrIndexCorruption.
func (m *PersistenceManager) LoadAll(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	for _, f := range m.files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.Index.Load(f.Path); err != nil {
			return err
		}
		_, gen := f.dirty()
		f.markSynced(gen)
	}
	return ctx.Err()
}

// SaveAll writes every index, changed or not.
func (m *PersistenceManager) SaveAll() error {
	return m.save(true)
}

// SaveChanged writes only the indexes whose generation moved since their
// last load or save. Indexes without a generation are always written.
func (m *PersistenceManager) SaveChanged() error {
	return m.save(false)
}

func (m *PersistenceManager) save(force bool) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	var combined error
	for _, f := range m.files {
		dirty, gen := f.dirty()
		if !dirty && !force {
			m.skips++
			continue
		}
		if err := f.Index.Save(f.Path); err != nil {
			combined = errors.Join(combined, fmt.Errorf("save %s: %w", f.Path, err))
			continue
		}
		m.saves++
		f.markSynced(gen)
	}
	return combined
}

// Counts returns how many index files were written and how many autosaves
// were skipped because nothing changed.
func (m *PersistenceManager) Counts() (saves, skips int) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return m.saves, m.skips
}

// Start launches the autosave ticker. It is a no-op when already running.
func (m *PersistenceManager) Start(ctx context.Context) {
	if len(m.files) == 0 {
		return
	}

	m.stateMu.Lock()
	if m.running {
		m.stateMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.stateMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.stateMu.Lock()
			m.cancel = nil
			m.running = false
			m.stateMu.Unlock()
		}()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := m.SaveChanged(); err != nil && m.onError != nil {
					m.onError(err)
				}
			}
		}
	}()
}

// StopAndSave stops the autosave loop, waiting for it within ctx, then
// writes whatever changed since the last save.
func (m *PersistenceManager) StopAndSave(ctx context.Context) error {
	m.stateMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.SaveChanged()
}
