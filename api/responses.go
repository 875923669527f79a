package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"lmsguard/csrf"
	"lmsguard/ratelimit"

	"go.uber.org/zap"
)

// RateLimitMessage is the plain text body of a 429 response.
const RateLimitMessage = "Too many requests from this IP, please try again later."

// CSRFErrorResponse is the body of a CSRF rejection.
type CSRFErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SEBRequiredResponse is the body of a proctoring denial.
type SEBRequiredResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// respondJSON writes data as JSON with the given status
func respondJSON(w http.ResponseWriter, data interface{}, status int, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && logger != nil {
		// Response already started, log for monitoring
		logger.Errorw("Failed to encode JSON response", "error", err, "status", status)
	}
}

// writeError logs err server side and sends a generic JSON error to the client
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message, "error", err.Error(), "status_code", statusCode)
		} else {
			logger.Errorw(message, "status_code", statusCode)
		}
	}
	respondJSON(w, map[string]string{"error": message}, statusCode, nil)
}

// csrfErrorBody maps a guard failure to its client facing body and metric reason.
func csrfErrorBody(err error) (CSRFErrorResponse, string) {
	switch {
	case errors.Is(err, csrf.ErrMissingToken):
		return CSRFErrorResponse{Error: csrf.ErrMissingToken.Error(), Message: "Please refresh the page and try again"}, "missing"
	case errors.Is(err, csrf.ErrExpiredToken):
		return CSRFErrorResponse{Error: csrf.ErrExpiredToken.Error(), Message: "Please refresh the page and try again"}, "expired"
	default:
		return CSRFErrorResponse{Error: csrf.ErrInvalidToken.Error(), Message: "Security validation failed"}, "invalid"
	}
}

// setRateLimitHeaders writes the RateLimit-* headers for res
func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("RateLimit-Reset", strconv.Itoa(ceilSeconds(res.ResetAfter)))
}

// writeRateLimitResponse rejects the request with 429 and a Retry-After hint
func writeRateLimitResponse(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(res.ResetAfter)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(RateLimitMessage))
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
