// Package csrf issues and validates per-session CSRF secrets.
//
// Tokens are reuse-tolerant: a secret stays valid for every request until it expires
// or is replaced by a newer issuance for the same session key.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"lmsguard/metrics"
	"lmsguard/util/goroutine"

	"go.uber.org/zap"
)

const (
	// DefaultTTL is how long an issued secret stays valid.
	DefaultTTL = time.Hour
	// DefaultSweepInterval is how often the janitor purges expired secrets.
	DefaultSweepInterval = 10 * time.Minute
	// secretBytes of entropy, hex-encoded to 64 characters.
	secretBytes = 32
)

// Options configures a Guard. Zero values select the defaults.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Shards        int
	// Now overrides the clock, for tests.
	Now func() time.Time
	// Entropy overrides crypto/rand, for tests.
	Entropy io.Reader
}

// Guard issues secrets into a Store and validates caller-supplied secrets against it.
type Guard struct {
	store         *Store
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	entropy       io.Reader
	logger        *zap.SugaredLogger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewGuard creates a Guard. The sweep goroutine is not started until Start is called.
func NewGuard(opts Options, logger *zap.SugaredLogger) *Guard {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Entropy == nil {
		opts.Entropy = rand.Reader
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Guard{
		store:         NewStore(opts.Shards),
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		entropy:       opts.Entropy,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Store exposes the underlying token store.
func (g *Guard) Store() *Store {
	return g.store
}

// TTL returns the lifetime of issued secrets.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Issue generates a fresh secret for sessionKey, replacing any previous one.
func (g *Guard) Issue(sessionKey string) (string, error) {
	secret, err := g.generateSecret()
	if err != nil {
		return "", err
	}
	now := g.now()
	g.store.Put(sessionKey, Token{
		Secret:    secret,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	})
	metrics.CSRFTokensIssued.Inc()
	return secret, nil
}

// Validate checks supplied against the secret stored for sessionKey.
// The stored secret is not consumed on success.
func (g *Guard) Validate(sessionKey, supplied string) error {
	tok, found, expired := g.store.Lookup(sessionKey, g.now())
	switch {
	case !found:
		return ErrMissingToken
	case expired:
		return ErrExpiredToken
	case supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(tok.Secret)) != 1:
		return ErrInvalidToken
	}
	return nil
}

// Sweep removes expired secrets now and returns how many were removed.
func (g *Guard) Sweep() int {
	removed := g.store.Sweep(g.now())
	metrics.CSRFTokensSwept.Add(float64(removed))
	metrics.CSRFStoreSize.Set(float64(g.store.Len()))
	if removed > 0 {
		g.logger.Debugw("CSRF token sweep completed",
			"removed", removed,
			"remaining", g.store.Len())
	}
	return removed
}

// Start launches the periodic sweep. It stops when ctx is cancelled or Stop is called.
// Calling Start more than once has no effect.
func (g *Guard) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			goroutine.Every(ctx, g.stopCh, g.sweepInterval, "csrf-janitor", g.logger, func() {
				g.Sweep()
			})
		}()
	})
}

// Stop halts the sweep goroutine and waits for it to exit. Safe to call multiple times.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
	g.wg.Wait()
}

func (g *Guard) generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(g.entropy, buf); err != nil {
		return "", fmt.Errorf("failed to generate CSRF secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
