package index

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakePersistIndex struct {
	loadCalls int32
	saveCalls int32
	loadErr   error
	saveErr   error
}

func (f *fakePersistIndex) Save(path string) error {
	_ = path
	atomic.AddInt32(&f.saveCalls, 1)
	return f.saveErr
}

func (f *fakePersistIndex) Load(path string) error {
	_ = path
	atomic.AddInt32(&f.loadCalls, 1)
	return f.loadErr
}

func TestPersistenceManager_LoadAndSaveAll(t *testing.T) {
	i1 := &fakePersistIndex{}
	i2 := &fakePersistIndex{}
	pm := NewPersistenceManager([]IndexedFile{
		{Path: "a.idx", Index: i1},
		{Path: "b.idx", Index: i2},
	}, time.Second, nil)

	if err := pm.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if err := pm.SaveAll(); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	if atomic.LoadInt32(&i1.loadCalls) != 1 || atomic.LoadInt32(&i2.loadCalls) != 1 {
		t.Fatalf("unexpected load calls: i1=%d i2=%d", i1.loadCalls, i2.loadCalls)
	}
	if atomic.LoadInt32(&i1.saveCalls) != 1 || atomic.LoadInt32(&i2.saveCalls) != 1 {
		t.Fatalf("unexpected save calls: i1=%d i2=%d", i1.saveCalls, i2.saveCalls)
	}
}

func TestPersistenceManager_AutoSaveAndStop(t *testing.T) {
	i1 := &fakePersistIndex{}
	pm := NewPersistenceManager([]IndexedFile{
		{Path: "a.idx", Index: i1},
	}, 20*time.Millisecond, nil)

	pm.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pm.StopAndSave(ctx); err != nil {
		t.Fatalf("StopAndSave failed: %v", err)
	}

	if atomic.LoadInt32(&i1.saveCalls) < 2 {
		t.Fatalf("expected at least 2 save calls (tick + final), got %d", i1.saveCalls)
	}
}

func TestPersistenceManager_LoadAllHonoursCancelledContext(t *testing.T) {
	i1 := &fakePersistIndex{}
	pm := NewPersistenceManager([]IndexedFile{{Path: "a.idx", Index: i1}}, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pm.LoadAll(ctx); err == nil {
		t.Fatalf("expected context error")
	}
	if atomic.LoadInt32(&i1.loadCalls) != 0 {
		t.Fatalf("load should not run after cancellation")
	}
}

func TestPersistenceManager_WithVectorIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.gob")
	idx := NewVectorIndex(path, Options{})
	if _, err := idx.InsertBatch([]Entry{{SegmentID: "s", VideoID: "v", Vector: []float32{1, 2}}}); err != nil {
		t.Fatal(err)
	}
	pm := NewPersistenceManager([]IndexedFile{{Path: path, Index: idx}}, time.Second, nil)
	if err := pm.SaveAll(); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	restored := NewVectorIndex(path, Options{})
	pm2 := NewPersistenceManager([]IndexedFile{{Path: path, Index: restored}}, time.Second, nil)
	if err := pm2.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if restored.Snapshot().Live() != 1 {
		t.Fatalf("expected 1 live vector after load, got %d", restored.Snapshot().Live())
	}
}

type versionedIndex struct {
	fakePersistIndex
	gen atomic.Uint64
}

func (v *versionedIndex) Generation() uint64 { return v.gen.Load() }

func TestPersistenceManager_SaveChangedSkipsUnchangedIndex(t *testing.T) {
	idx := &versionedIndex{}
	pm := NewPersistenceManager([]IndexedFile{{Path: "a.idx", Index: idx}}, time.Second, nil)
	if err := pm.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := pm.SaveChanged(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&idx.saveCalls); got != 0 {
		t.Fatalf("unchanged index was written %d times", got)
	}

	idx.gen.Add(1)
	if err := pm.SaveChanged(); err != nil {
		t.Fatal(err)
	}
	if err := pm.SaveChanged(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&idx.saveCalls); got != 1 {
		t.Fatalf("expected one write after one change, got %d", got)
	}

	if err := pm.SaveAll(); err != nil {
		t.Fatal(err)
	}
	saves, skips := pm.Counts()
	if saves != 2 || skips != 2 {
		t.Fatalf("expected saves=2 skips=2, got saves=%d skips=%d", saves, skips)
	}
}

func TestPersistenceManager_FailedSaveStaysDirty(t *testing.T) {
	idx := &versionedIndex{}
	idx.saveErr = errors.New("disk full")
	idx.gen.Add(1)
	pm := NewPersistenceManager([]IndexedFile{{Path: "a.idx", Index: idx}}, time.Second, nil)

	if err := pm.SaveChanged(); err == nil {
		t.Fatal("expected save error")
	}
	idx.saveErr = nil
	if err := pm.SaveChanged(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&idx.saveCalls); got != 2 {
		t.Fatalf("expected the failed save to be retried, calls=%d", got)
	}
}

func TestVectorIndex_GenerationMovesOnWrites(t *testing.T) {
	idx := NewVectorIndex("", Options{})
	start := idx.Generation()
	if _, err := idx.InsertBatch([]Entry{{SegmentID: "s", VideoID: "v", Vector: []float32{1, 0}}}); err != nil {
		t.Fatal(err)
	}
	afterInsert := idx.Generation()
	if afterInsert == start {
		t.Fatal("insert must move the generation")
	}
	if idx.Remove([]uint64{7}) != 0 || idx.Generation() != afterInsert {
		t.Fatal("a no-op remove must not move the generation")
	}
	idx.Remove([]uint64{0})
	if idx.Generation() == afterInsert {
		t.Fatal("remove must move the generation")
	}
}
