package store

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]pendingPoint
	fail    bool
}

func (f *flushRecorder) flush(batch []pendingPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("database unavailable")
	}
	cp := make([]pendingPoint, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *flushRecorder) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *flushRecorder) batch(i int) []pendingPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func point(ts int64) DataPoint {
	return DataPoint{Timestamp: ts, Metrics: map[string]float64{"v": float64(ts)}}
}

func TestBatcherFlushesWhenFull(t *testing.T) {
	rec := &flushRecorder{}
	b := newBatcher(3, time.Hour, rec.flush)
	b.start()
	defer b.stop()

	b.add("dev-1", point(1))
	b.add("dev-1", point(2))
	if rec.count() != 0 {
		t.Fatalf("flushed before reaching size: %d", rec.count())
	}

	b.add("dev-1", point(3))
	if rec.count() != 1 {
		t.Fatalf("flush count = %d, want 1", rec.count())
	}
	if got := rec.batch(0); len(got) != 3 || got[0].point.Timestamp != 1 || got[2].point.Timestamp != 3 {
		t.Errorf("batch = %v", got)
	}
	if b.pendingLen() != 0 {
		t.Errorf("pending = %d after flush", b.pendingLen())
	}
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	rec := &flushRecorder{}
	b := newBatcher(100, 20*time.Millisecond, rec.flush)
	b.start()
	defer b.stop()

	b.add("dev-1", point(1))
	b.add("dev-1", point(2))

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() == 0 {
		t.Fatal("interval flush never happened")
	}
	if got := rec.batch(0); len(got) != 2 {
		t.Errorf("batch len = %d, want 2", len(got))
	}
}

func TestBatcherRetriesFailedBatchInOrder(t *testing.T) {
	rec := &flushRecorder{}
	b := newBatcher(2, time.Hour, rec.flush)
	b.start()
	defer b.stop()

	rec.setFail(true)
	b.add("dev-1", point(1))
	b.add("dev-1", point(2)) // triggers a failing flush
	if rec.count() != 0 {
		t.Fatalf("flush recorded despite failure: %d", rec.count())
	}
	if b.pendingLen() != 2 {
		t.Fatalf("pending = %d, want 2 (re-prepended)", b.pendingLen())
	}

	rec.setFail(false)
	b.add("dev-2", point(3)) // 3 >= size, flushes everything
	if rec.count() != 1 {
		t.Fatalf("flush count = %d, want 1", rec.count())
	}
	got := rec.batch(0)
	if len(got) != 3 {
		t.Fatalf("batch len = %d, want 3", len(got))
	}
	if got[0].point.Timestamp != 1 || got[1].point.Timestamp != 2 || got[2].point.Timestamp != 3 {
		t.Errorf("retry order wrong: %v", got)
	}
}

func TestBatcherPendingFor(t *testing.T) {
	rec := &flushRecorder{}
	b := newBatcher(100, time.Hour, rec.flush)
	b.start()
	defer b.stop()

	b.add("dev-1", point(1))
	b.add("dev-2", point(2))
	b.addAll("dev-1", []DataPoint{point(3), point(4)})

	got := b.pendingFor("dev-1")
	if len(got) != 3 {
		t.Fatalf("pendingFor len = %d, want 3", len(got))
	}
	if got[0].Timestamp != 1 || got[1].Timestamp != 3 || got[2].Timestamp != 4 {
		t.Errorf("pendingFor order = %v", got)
	}
	if len(b.pendingFor("dev-3")) != 0 {
		t.Error("unknown device should have no pending points")
	}
}

func TestBatcherStopFlushesRemainder(t *testing.T) {
	rec := &flushRecorder{}
	b := newBatcher(100, time.Hour, rec.flush)
	b.start()

	b.add("dev-1", point(9))
	b.stop()
	b.stop()

	if rec.count() != 1 {
		t.Fatalf("flush count = %d, want 1 final flush", rec.count())
	}
	if got := rec.batch(0); len(got) != 1 || got[0].point.Timestamp != 9 {
		t.Errorf("final batch = %v", got)
	}
}
