package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flusher periodically writes the cache snapshot to disk, but only while the
// session reports itself connected. Flushing mid-reconnect would persist a
// torn view of the index.
type Flusher struct {
	cache     *Cache
	interval  time.Duration
	connected func() bool
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewFlusher creates a flusher. connected gates every tick.
func NewFlusher(c *Cache, interval time.Duration, connected func() bool, logger *zap.Logger) *Flusher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Flusher{
		cache:     c,
		interval:  interval,
		connected: connected,
		logger:    logger,
	}
}

// Start begins the flush loop. Calling Start while already running is a no-op.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	go f.loop(ctx)
}

// Stop halts the flush loop. Safe to call when not running.
func (f *Flusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// Running reports whether the flush loop is active.
func (f *Flusher) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

func (f *Flusher) loop(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs one gated flush attempt.
func (f *Flusher) Tick() {
	if !f.connected() {
		return
	}
	if err := f.cache.Flush(); err != nil {
		f.logger.Error("failed to flush message cache", zap.Error(err))
		return
	}
	f.logger.Debug("message cache flushed", zap.Int("conversations", f.cache.Len()))
}
