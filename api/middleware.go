package api

import (
	"net/http"
	"runtime"
	"strconv"

	"lmsguard/audit"
	"lmsguard/metrics"
	"lmsguard/util"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// statusRecorder remembers the status code written by downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush lets the upstream proxy stream responses.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// errorRecoveryMiddleware turns a handler panic into a 500. The stack trace is logged
// server side only. http.ErrAbortHandler passes through untouched, and a panic after the
// response has started aborts the connection instead of appending an error body.
func (a *API) errorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := newStatusRecorder(w)
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}

			stackBuf := make([]byte, 4096)
			stackLen := runtime.Stack(stackBuf, false)

			a.logger.Errorw("PANIC RECOVERED",
				"error", util.SanitizeValue(err),
				"request_id", GetRequestIDOrDefault(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"response_started", rec.wroteHeader,
				"stack_trace", string(stackBuf[:stackLen]),
			)
			metrics.GoroutinePanics.WithLabelValues("http-handler").Inc()

			if rec.wroteHeader {
				panic(http.ErrAbortHandler)
			}
			writeError(rec, http.StatusInternalServerError, "Internal server error", nil, nil)
		}()

		next.ServeHTTP(rec, r)
	})
}

// requestIDMiddleware assigns every request an ID and records its duration.
// A well-formed incoming X-Request-ID is kept so IDs correlate across hops.
func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := a.now()

		requestID := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r.WithContext(WithRequestID(r.Context(), requestID)))

		metrics.RequestDuration.WithLabelValues(r.Method, strconv.Itoa(rec.status)).
			Observe(a.now().Sub(start).Seconds())
	})
}

// rateLimitMiddleware applies the per-IP fixed window to every request, matched
// route or not.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks)
		r = r.WithContext(WithClientIP(r.Context(), ip))

		res, err := a.limiter.Allow(r.Context(), ip)
		if err != nil {
			// Both limiter implementations degrade internally, so this is unexpected.
			a.logger.Errorw("Rate limit check failed, request admitted",
				"ip", ip,
				"error", err,
				"request_id", GetRequestIDOrDefault(r.Context()))
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, res)
		if !res.Allowed {
			metrics.RequestsRejected.WithLabelValues("ratelimit", "exceeded").Inc()
			a.rejectLog.Do(func() {
				a.logger.Warnw("Rate limit exceeded",
					"ip", ip,
					"limit", res.Limit,
					"reset_after", res.ResetAfter)
			})
			writeRateLimitResponse(w, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflight requests and sets CORS headers for allowed origins
func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.config.API.AllowedOrigins {
			if origin != "" && (allowed == "*" || origin == allowed) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Session-Id, X-Safe-Exam-Browser")
		w.Header().Set("Access-Control-Expose-Headers", "X-CSRF-Token, X-Request-ID, Retry-After")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		// Add HSTS if TLS is enabled
		if a.config.API.TLS {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// identityMiddleware attaches verified JWT claims to the request. It never rejects:
// missing or invalid tokens leave the caller anonymous and the backend owns 401s.
func (a *API) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := validateJWT(token, a.jwtSecret)
		if err != nil {
			a.logger.Debugw("Ignoring invalid bearer token",
				"error", err,
				"request_id", GetRequestIDOrDefault(r.Context()))
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// auditMiddleware records critical mutations once downstream has answered, so the
// record carries the final status. A handler that panics before writing is recorded
// as a 500; one that panics mid-response keeps the status already sent.
func (a *API) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.audit == nil || !a.audit.Critical(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		rec := newStatusRecorder(w)
		start := a.now()
		defer func() {
			status := rec.status
			if p := recover(); p != nil {
				if !rec.wroteHeader {
					status = http.StatusInternalServerError
				}
				defer panic(p)
			}
			actor := audit.AnonymousActor
			if claims, ok := GetClaims(r.Context()); ok && claims.Email != "" {
				actor = claims.Email
			}
			source, _ := GetClientIP(r.Context())
			a.audit.Observe(audit.Record{
				Timestamp: start,
				Method:    r.Method,
				Path:      r.URL.Path,
				Actor:     actor,
				Source:    source,
				Status:    status,
				RequestID: GetRequestIDOrDefault(r.Context()),
			})
		}()

		next.ServeHTTP(rec, r)
	})
}

// chain wraps h so that the first middleware is outermost.
func chain(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

