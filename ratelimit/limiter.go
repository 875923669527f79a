// Package ratelimit enforces a fixed-window request ceiling per client key.
//
// A window opens with the first request from a key and lasts Config.Window. Within it
// at most Config.Limit requests are admitted; later ones are rejected until the window
// elapses, at which point the next request opens a fresh window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultLimit is the number of requests admitted per window.
	DefaultLimit = 100
	// DefaultWindow is the window length.
	DefaultWindow = 15 * time.Minute
)

// ErrBackendUnavailable wraps failures of a remote counter backend.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Config is the ceiling applied to every key.
type Config struct {
	Limit  int
	Window time.Duration
}

// DefaultConfig returns 100 requests per 15 minutes.
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, Window: DefaultWindow}
}

// Validate checks the ceiling.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.Window)
	}
	return nil
}

// Result describes the decision for one request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAfter is the time until the current window closes.
	ResetAfter time.Duration
}

// Limiter admits or rejects requests by key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}
