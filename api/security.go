package api

import (
	"net"
	"net/http"
	"strings"

	"lmsguard/csrf"
	"lmsguard/metrics"
	"lmsguard/proctor"
)

// csrfProtectionMiddleware issues a token on safe requests and validates the
// resubmitted token on everything else.
func (a *API) csrfProtectionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionKey := csrf.SessionKey(r)

		if csrf.IsSafeMethod(r.Method) {
			secret, err := a.guard.Issue(sessionKey)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to issue CSRF token", err, a.logger)
				return
			}
			csrf.SetTokenCookie(w, secret, a.guard.TTL(), a.config.IsProduction())
			next.ServeHTTP(w, r)
			return
		}

		supplied := csrf.SuppliedToken(r, a.config.API.BodyLimit)
		if err := a.guard.Validate(sessionKey, supplied); err != nil {
			body, reason := csrfErrorBody(err)
			metrics.RequestsRejected.WithLabelValues("csrf", reason).Inc()
			a.rejectLog.Do(func() {
				a.logger.Warnw("CSRF validation failed",
					"reason", reason,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestIDOrDefault(r.Context()))
			})
			respondJSON(w, body, http.StatusForbidden, a.logger)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// proctoringMiddleware admits only Safe Exam Browser clients, plus the admin and
// loopback bypasses, which are logged and audited.
func (a *API) proctoringMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signals := proctor.Signals{
			UserAgent: r.UserAgent(),
			SEBHeader: r.Header.Get(proctor.HeaderName),
			Host:      proctor.HostWithoutPort(r.Host),
		}
		signals.RemoteAddr, _ = GetClientIP(r.Context())
		if claims, ok := GetClaims(r.Context()); ok {
			signals.Role = claims.Role
			signals.Actor = claims.Email
		}

		decision := a.gate.Evaluate(signals)
		metrics.ProctoringDecisions.WithLabelValues(string(decision.Outcome), string(decision.Reason)).Inc()

		switch decision.Outcome {
		case proctor.OutcomeBypass:
			a.recordBypass(r, decision, signals)
		case proctor.OutcomeDeny:
			metrics.RequestsRejected.WithLabelValues("proctoring", "seb_required").Inc()
			respondJSON(w, SEBRequiredResponse{Message: a.gate.DenyMessage(), Code: proctor.DenyCode}, http.StatusForbidden, a.logger)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) recordBypass(r *http.Request, decision proctor.Decision, signals proctor.Signals) {
	detail := map[string]string{
		"reason":     string(decision.Reason),
		"path":       r.URL.Path,
		"request_id": GetRequestIDOrDefault(r.Context()),
	}
	var message string
	switch decision.Reason {
	case proctor.ReasonAdmin:
		message = "SEB check bypassed by admin"
		detail["user"] = signals.Actor
	default:
		message = "SEB check bypassed for loopback host"
		detail["ip"] = signals.RemoteAddr
		detail["host"] = signals.Host
	}

	a.logger.Infow(message, "reason", decision.Reason, "user", signals.Actor, "ip", signals.RemoteAddr)
	if a.audit != nil {
		a.audit.Note(message, detail)
	}
}

// getRealIP extracts the client IP. Forwarded headers are honoured only when
// trustProxy is set and the direct peer is inside trustedNetworks.
func getRealIP(r *http.Request, trustProxy bool, trustedNetworks []string) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}
	if !trustProxy || !isTrustedProxy(directIP, trustedNetworks) {
		return directIP
	}

	// X-Forwarded-For can contain multiple IPs, the first one is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}

	// X-Real-IP is set by nginx
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}

	return directIP
}

// isTrustedProxy checks if an IP address is in the list of trusted proxy networks
func isTrustedProxy(ip string, trustedNetworks []string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, network := range trustedNetworks {
		if strings.Contains(network, "/") {
			_, ipNet, err := net.ParseCIDR(network)
			if err == nil && ipNet.Contains(parsedIP) {
				return true
			}
		} else if network == ip {
			return true
		}
	}
	return false
}
