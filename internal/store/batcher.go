package store

import (
	"log/slog"
	"sync"
	"time"
)

// pendingPoint is one buffered telemetry write.
type pendingPoint struct {
	deviceID string
	point    DataPoint
}

// batcher coalesces telemetry appends into multi-row inserts. Appends land
// in a mutexed buffer; the buffer is flushed synchronously by the appender
// that fills it to size, and by a background ticker every interval. A failed
// flush re-prepends its batch so the points retry on the next flush.
type batcher struct {
	mu  sync.Mutex
	buf []pendingPoint

	size     int
	interval time.Duration
	flush    func([]pendingPoint) error

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newBatcher(size int, interval time.Duration, flush func([]pendingPoint) error) *batcher {
	return &batcher{
		size:     size,
		interval: interval,
		flush:    flush,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *batcher) start() {
	go b.loop()
}

func (b *batcher) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flushNow()
		case <-b.stopCh:
			return
		}
	}
}

func (b *batcher) add(deviceID string, p DataPoint) {
	b.mu.Lock()
	b.buf = append(b.buf, pendingPoint{deviceID: deviceID, point: p})
	full := len(b.buf) >= b.size
	b.mu.Unlock()
	if full {
		b.flushNow()
	}
}

func (b *batcher) addAll(deviceID string, points []DataPoint) {
	b.mu.Lock()
	for _, p := range points {
		b.buf = append(b.buf, pendingPoint{deviceID: deviceID, point: p})
	}
	full := len(b.buf) >= b.size
	b.mu.Unlock()
	if full {
		b.flushNow()
	}
}

// flushNow swaps the buffer out and writes it. On failure the batch goes
// back in front of anything appended meanwhile, preserving insert order.
func (b *batcher) flushNow() {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := b.flush(batch); err != nil {
		b.mu.Lock()
		b.buf = append(batch, b.buf...)
		pending := len(b.buf)
		b.mu.Unlock()
		slog.Debug("batch re-queued after failed flush", "batch", len(batch), "pending", pending)
	}
}

// pendingFor snapshots the buffered points for one device, oldest first.
func (b *batcher) pendingFor(deviceID string) []DataPoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []DataPoint
	for _, pp := range b.buf {
		if pp.deviceID == deviceID {
			out = append(out, pp.point)
		}
	}
	return out
}

// pendingLen reports the buffered point count, for stats.
func (b *batcher) pendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// stop halts the ticker goroutine, waits for it, and flushes one last time.
func (b *batcher) stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.done
		b.flushNow()
	})
}
