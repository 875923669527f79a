package api

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lmsguard/audit"
	"lmsguard/config"
	"lmsguard/csrf"
	"lmsguard/proctor"
	"lmsguard/ratelimit"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testJWTSecret = "test-secret-0123456789abcdef-0123456789"

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

type recordingEmitter struct {
	mu      sync.Mutex
	records []audit.Record
}

func (e *recordingEmitter) Emit(rec audit.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, rec)
}

func (e *recordingEmitter) byKind(kind audit.Kind) []audit.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []audit.Record
	for _, r := range e.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// countingHandler records how often the business handler ran.
type countingHandler struct {
	mu     sync.Mutex
	calls  int
	status int
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	status := h.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("handled"))
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type testEnv struct {
	api     *API
	clock   *fakeClock
	guard   *csrf.Guard
	emitter *recordingEmitter
	backend *countingHandler
}

func testConfig() *config.Config {
	cfg := &config.Config{Environment: config.EnvTest}
	cfg.API.Port = 3001
	cfg.API.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.API.BodyLimit = 1 << 20
	cfg.API.ReadHeaderTimeout = 10 * time.Second
	cfg.RateLimit.Limit = ratelimit.DefaultLimit
	cfg.RateLimit.Window = ratelimit.DefaultWindow
	cfg.Proctoring.LoopbackBypass = true
	cfg.Proctoring.SEB = proctor.DefaultSEBOptions()
	cfg.Auth.JWTSecret = testJWTSecret
	return cfg
}

var defaultTestRoutes = []config.Route{
	{Prefix: "/api/auth"},
	{Prefix: "/api/courses", CSRF: true},
	{Prefix: "/api/exams", CSRF: true},
	{Prefix: "/api/proctoring", CSRF: true, Proctored: true},
	{Prefix: "/api/live", Proctored: true},
}

// newTestEnv builds the full pipeline with the default route layout.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithRoutes(t, mutate, defaultTestRoutes)
}

func newTestEnvWithRoutes(t *testing.T, mutate func(*config.Config), routes []config.Route) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger := zaptest.NewLogger(t).Sugar()
	clock := newFakeClock()
	emitter := &recordingEmitter{}

	guard := csrf.NewGuard(csrf.Options{Now: clock.Now}, logger)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window},
		ratelimit.MemoryOptions{Now: clock.Now}, logger)
	gateOpts := proctor.DefaultOptions()
	gateOpts.LoopbackBypass = cfg.Proctoring.LoopbackBypass

	a := NewAPI(cfg, Deps{
		Guard:   guard,
		Limiter: limiter,
		Gate:    proctor.NewGate(gateOpts),
		Audit:   audit.NewLogger(audit.DefaultPolicy(), emitter, clock.Now),
		Now:     clock.Now,
	}, logger)

	backend := &countingHandler{}
	a.MountRoutes(routes, backend)

	return &testEnv{api: a, clock: clock, guard: guard, emitter: emitter, backend: backend}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, id int, email, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		ID:    id,
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return s
}
