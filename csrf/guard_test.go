package csrf

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(t *testing.T, clock *fakeClock) *Guard {
	t.Helper()
	return NewGuard(Options{Now: clock.Now}, zaptest.NewLogger(t).Sugar())
}

func TestIssue_SecretFormat(t *testing.T) {
	g := newTestGuard(t, newFakeClock())

	secret, err := g.Issue("session-1")
	require.NoError(t, err)

	assert.Len(t, secret, 64, "32 random bytes hex encoded")
	for _, c := range secret {
		assert.Contains(t, "0123456789abcdef", string(c))
	}
}

func TestIssue_SecretsAreUnique(t *testing.T) {
	g := newTestGuard(t, newFakeClock())

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		secret, err := g.Issue("same-session")
		require.NoError(t, err)
		require.False(t, seen[secret], "secret collision at iteration %d", i)
		seen[secret] = true
	}
}

func TestIssue_EntropyFailure(t *testing.T) {
	g := NewGuard(Options{Entropy: bytes.NewReader([]byte("short"))}, nil)

	_, err := g.Issue("session-1")
	require.Error(t, err)

	_, ok := g.Store().Get("session-1")
	assert.False(t, ok, "nothing is stored when secret generation fails")
}

func TestValidate_MissingToken(t *testing.T) {
	g := newTestGuard(t, newFakeClock())

	err := g.Validate("never-issued", "anything")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestValidate_ReuseWithinTTL(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	secret, err := g.Issue("session-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.NoError(t, g.Validate("session-1", secret), "request %d", i)
		clock.Advance(10 * time.Minute)
	}

	// 50 minutes in; exactly at expiry is still valid.
	clock.Advance(10 * time.Minute)
	assert.NoError(t, g.Validate("session-1", secret))
}

func TestValidate_ExpiredStrictlyAfterTTL(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	secret, err := g.Issue("session-1")
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Nanosecond)
	assert.ErrorIs(t, g.Validate("session-1", secret), ErrExpiredToken)

	// The expired entry was deleted by the failed validation.
	assert.ErrorIs(t, g.Validate("session-1", secret), ErrMissingToken)
}

func TestValidate_ReissueInvalidatesPrevious(t *testing.T) {
	g := newTestGuard(t, newFakeClock())

	first, err := g.Issue("session-1")
	require.NoError(t, err)
	second, err := g.Issue("session-1")
	require.NoError(t, err)

	assert.ErrorIs(t, g.Validate("session-1", first), ErrInvalidToken)
	assert.NoError(t, g.Validate("session-1", second))
}

func TestValidate_InvalidSecrets(t *testing.T) {
	g := newTestGuard(t, newFakeClock())

	secret, err := g.Issue("session-1")
	require.NoError(t, err)

	tests := []struct {
		name     string
		supplied string
	}{
		{"empty", ""},
		{"wrong", "deadbeef"},
		{"prefix", secret[:32]},
		{"case changed", string(bytes.ToUpper([]byte(secret)))},
		{"trailing space", secret + " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, g.Validate("session-1", tt.supplied), ErrInvalidToken)
		})
	}
}

func TestValidate_KeysAreIsolated(t *testing.T) {
	g := newTestGuard(t, newFakeClock())

	a, err := g.Issue("alice")
	require.NoError(t, err)
	b, err := g.Issue("bob")
	require.NoError(t, err)

	assert.NoError(t, g.Validate("alice", a))
	assert.ErrorIs(t, g.Validate("alice", b), ErrInvalidToken)
	assert.ErrorIs(t, g.Validate("carol", a), ErrMissingToken)
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	_, err := g.Issue("old")
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	fresh, err := g.Issue("fresh")
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, g.Sweep())

	assert.ErrorIs(t, g.Validate("old", "x"), ErrMissingToken)
	assert.NoError(t, g.Validate("fresh", fresh))
}

func TestSweep_DoesNotDeleteReissuedToken(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	_, err := g.Issue("session-1")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	// Reissue for the same key after the first token expired, then sweep.
	fresh, err := g.Issue("session-1")
	require.NoError(t, err)
	assert.Equal(t, 0, g.Sweep())
	assert.NoError(t, g.Validate("session-1", fresh))
}

func TestConcurrentIssueAndValidate_NoTornState(t *testing.T) {
	g := NewGuard(Options{}, nil)

	secret, err := g.Issue("shared")
	require.NoError(t, err)

	var wg sync.WaitGroup
	issued := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s, err := g.Issue("shared")
			if err == nil {
				issued <- s
			}
		}()
		go func() {
			defer wg.Done()
			err := g.Validate("shared", secret)
			// Either the original secret is still current or it was replaced;
			// the entry is never observed missing or expired.
			if err != nil && !errors.Is(err, ErrInvalidToken) {
				t.Errorf("unexpected validation error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(issued)

	tok, ok := g.Store().Get("shared")
	require.True(t, ok)
	assert.Equal(t, tok.IssuedAt.Add(time.Hour), tok.ExpiresAt, "secret and expiry are written together")

	matched := false
	for s := range issued {
		if s == tok.Secret {
			matched = true
		}
	}
	assert.True(t, matched, "stored secret is one of the issued secrets")
}

func TestStartStop_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := NewGuard(Options{SweepInterval: time.Millisecond}, zaptest.NewLogger(t).Sugar())
	g.Start(context.Background())
	g.Start(context.Background())
	g.Stop()
	g.Stop()
}

func TestStart_JanitorSweepsExpiredTokens(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	g := NewGuard(Options{SweepInterval: time.Millisecond, Now: clock.Now}, zaptest.NewLogger(t).Sugar())
	_, err := g.Issue("stale")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	assert.Eventually(t, func() bool { return g.Store().Len() == 0 }, time.Second, time.Millisecond)

	cancel()
	g.Stop()
}
