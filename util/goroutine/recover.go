package goroutine

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"lmsguard/metrics"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from panics in goroutines and logs them.
// If logger is nil, falls back to stderr to ensure panic is recorded.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, StackTraceBufferSize)
		n := runtime.Stack(buf, false)
		metrics.GoroutinePanics.WithLabelValues(name).Inc()

		if logger != nil {
			logger.Errorw("Goroutine panic recovered",
				"goroutine", name,
				"panic", fmt.Sprint(r),
				"stack", string(buf[:n]))
		} else {
			fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n",
				name, r, string(buf[:n]))
		}
	}
}

// Every calls fn on each tick of interval until ctx is cancelled or stop is closed.
// A panic in fn is recovered and logged, and the loop keeps ticking.
func Every(ctx context.Context, stop <-chan struct{}, interval time.Duration, name string, logger *zap.SugaredLogger, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			runGuarded(name, logger, fn)
		}
	}
}

func runGuarded(name string, logger *zap.SugaredLogger, fn func()) {
	defer Recover(name, logger)
	fn()
}
