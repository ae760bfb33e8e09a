package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chartdesk/internal/metrics"
	"chartdesk/internal/series"
)

// pendingSave is a snapshot write held back while the breaker was open.
type pendingSave struct {
	key  string
	snap series.Snapshot
}

// BufferedStore wraps a SnapshotStore with a circuit breaker. While the
// circuit is open, saves are buffered locally (newest per key wins) and
// flushed when the circuit closes again; loads fail fast.
type BufferedStore struct {
	inner   series.SnapshotStore
	cb      *series.CircuitBreaker
	metrics *metrics.Metrics
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	buffer []pendingSave
	maxBuf int

	// Callbacks
	OnBuffer func()          // called when a write is buffered
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedStore creates a BufferedStore. maxBufferSize <= 0 means 1024.
func NewBufferedStore(inner series.SnapshotStore, cb *series.CircuitBreaker, maxBufferSize int, m *metrics.Metrics) *BufferedStore {
	if maxBufferSize <= 0 {
		maxBufferSize = 1024
	}
	bs := &BufferedStore{
		inner:   inner,
		cb:      cb,
		metrics: m,
		log:     slog.With("component", "redis"),
		timeout: 5 * time.Second,
		buffer:  make([]pendingSave, 0, 64),
		maxBuf:  maxBufferSize,
	}

	// Register flush on circuit close
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to series.State) {
		if prev != nil {
			prev(from, to)
		}
		if to == series.StateClosed {
			go bs.flush()
		}
	}
	return bs
}

// Load reads through the breaker.
func (bs *BufferedStore) Load(ctx context.Context, key string) (series.Snapshot, bool, error) {
	var (
		snap series.Snapshot
		ok   bool
	)
	err := bs.cb.Execute(func() error {
		var err error
		snap, ok, err = bs.inner.Load(ctx, key)
		return err
	})
	return snap, ok, err
}

// Save writes through the breaker. If the circuit is open the write is
// buffered and nil is returned.
func (bs *BufferedStore) Save(ctx context.Context, key string, snap series.Snapshot) error {
	err := bs.cb.Execute(func() error {
		return bs.inner.Save(ctx, key, snap)
	})
	if err == series.ErrCircuitOpen {
		bs.bufferSave(key, snap)
		return nil // buffered, not lost
	}
	return err
}

func (bs *BufferedStore) bufferSave(key string, snap series.Snapshot) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	for i := range bs.buffer {
		if bs.buffer[i].key == key {
			bs.buffer[i].snap = snap
			bs.notifyBuffered()
			return
		}
	}
	if len(bs.buffer) >= bs.maxBuf {
		// Buffer full, drop oldest
		bs.buffer = bs.buffer[1:]
	}
	bs.buffer = append(bs.buffer, pendingSave{key: key, snap: snap})
	bs.notifyBuffered()
}

func (bs *BufferedStore) notifyBuffered() {
	bs.metrics.RedisBuffered()
	if bs.OnBuffer != nil {
		bs.OnBuffer()
	}
}

// flush replays all buffered saves through the underlying store.
func (bs *BufferedStore) flush() {
	bs.mu.Lock()
	if len(bs.buffer) == 0 {
		bs.mu.Unlock()
		return
	}
	toFlush := bs.buffer
	bs.buffer = make([]pendingSave, 0, 64)
	bs.mu.Unlock()

	flushed := 0
	for _, ps := range toFlush {
		ctx, cancel := context.WithTimeout(context.Background(), bs.timeout)
		if err := bs.inner.Save(ctx, ps.key, ps.snap); err != nil {
			bs.log.Warn("buffered save failed", "key", ps.key, "error", err)
		} else {
			flushed++
		}
		cancel()
	}

	bs.log.Info("flushed buffered snapshot writes", "count", flushed)
	if bs.OnFlush != nil {
		bs.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bs *BufferedStore) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.buffer)
}
