package ratelimit

import (
	"context"
	"sync"
	"time"

	"lmsguard/util/goroutine"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const (
	// DefaultShards is the number of independently locked window maps.
	DefaultShards = 32
	// DefaultCleanupInterval is how often elapsed windows are dropped.
	DefaultCleanupInterval = time.Minute
)

type window struct {
	count int
	start time.Time
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryOptions tunes a MemoryLimiter. Zero values take defaults.
type MemoryOptions struct {
	Shards          int
	CleanupInterval time.Duration
	Now             func() time.Time
}

// MemoryLimiter keeps windows in process memory. Counts are per replica.
type MemoryLimiter struct {
	config          Config
	shards          []windowShard
	now             func() time.Time
	cleanupInterval time.Duration
	logger          *zap.SugaredLogger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMemoryLimiter creates an in-memory fixed-window limiter.
func NewMemoryLimiter(config Config, opts MemoryOptions, logger *zap.SugaredLogger) *MemoryLimiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	shards := make([]windowShard, opts.Shards)
	for i := range shards {
		shards[i].windows = make(map[string]*window)
	}
	return &MemoryLimiter{
		config:          config,
		shards:          shards,
		now:             opts.Now,
		cleanupInterval: opts.CleanupInterval,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

func (l *MemoryLimiter) shardFor(key string) *windowShard {
	return &l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// Allow counts the request against key's window. Rejected requests are not counted.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.start.Add(l.config.Window)) {
		w = &window{start: now}
		s.windows[key] = w
	}

	res := Result{
		Limit:      l.config.Limit,
		ResetAfter: w.start.Add(l.config.Window).Sub(now),
	}
	if w.count >= l.config.Limit {
		return res, nil
	}
	w.count++
	res.Allowed = true
	res.Remaining = l.config.Limit - w.count
	return res, nil
}

// Cleanup drops every window whose period has elapsed and returns how many went.
func (l *MemoryLimiter) Cleanup() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, w := range s.windows {
			if !now.Before(w.start.Add(l.config.Window)) {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *MemoryLimiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// Start launches the cleanup loop. Calling it more than once has no effect.
func (l *MemoryLimiter) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			goroutine.Every(ctx, l.stopCh, l.cleanupInterval, "ratelimit-cleanup", l.logger, func() {
				if n := l.Cleanup(); n > 0 {
					l.logger.Debugw("Dropped elapsed rate limit windows", "count", n)
				}
			})
		}()
	})
}

// Stop halts the cleanup loop and waits for it to exit.
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
