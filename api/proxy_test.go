package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lmsguard/config"
	"lmsguard/csrf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestUpstreamProxy_ForwardsAdmittedRequests(t *testing.T) {
	var gotPath, gotHost, gotBody, gotForwarded string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHost = r.Host
		gotForwarded = r.Header.Get("X-Forwarded-For")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	proxy, err := NewUpstreamProxy(upstream.URL, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	env := newTestEnvWithRoutes(t, nil, nil)
	env.api.MountRoutes([]config.Route{{Prefix: "/api/courses", CSRF: true}}, proxy)

	req := httptest.NewRequest(http.MethodGet, "/api/courses", nil)
	req.Header.Set(csrf.SessionHeader, "s")
	secret := env.do(req).Header().Get(csrf.HeaderName)
	require.NotEmpty(t, secret)

	body := `{"code":"FIZ101","_csrf":"` + secret + `"}`
	req = httptest.NewRequest(http.MethodPost, "/api/courses", strings.NewReader(body))
	req.Host = "lms.example.edu"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrf.SessionHeader, "s")
	rec := env.do(req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/api/courses", gotPath)
	assert.Equal(t, "lms.example.edu", gotHost)
	assert.Equal(t, body, gotBody, "body consumed by the CSRF guard is restored")
	assert.Equal(t, "192.0.2.1", gotForwarded)
}

func TestUpstreamProxy_BackendDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	proxy, err := NewUpstreamProxy(url, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	env := newTestEnvWithRoutes(t, nil, nil)
	env.api.MountRoutes([]config.Route{{Prefix: "/api/auth"}}, proxy)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"Upstream unavailable"}`, rec.Body.String())
}

func TestNewUpstreamProxy_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "lms-backend:3001", "http://", "::"} {
		_, err := NewUpstreamProxy(raw, nil)
		assert.Error(t, err, raw)
	}
}
