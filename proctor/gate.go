// Package proctor decides whether a request may reach a proctored exam route.
//
// Access is granted to clients running Safe Exam Browser (SEB), recognised by a marker
// in the User-Agent or by the X-Safe-Exam-Browser header. Administrators and, in demo
// deployments, requests addressed to a loopback host are let through as named bypasses
// so the caller can record them.
package proctor

import (
	"net"
	"strings"
)

const (
	// DefaultUserAgentMarker is the substring SEB adds to its User-Agent.
	DefaultUserAgentMarker = "SEB"
	// HeaderName is the header SEB clients may send instead of the marker.
	HeaderName = "X-Safe-Exam-Browser"
	// DenyCode is the machine readable code in a denial body.
	DenyCode = "SEB_REQUIRED"
	// DefaultDenyMessage is shown to students outside SEB.
	DefaultDenyMessage = "Erişim Engellendi: Bu sınava sadece Safe Exam Browser (SEB) kullanılarak girilebilir."
	// AdminRole is the role exempt from the SEB requirement.
	AdminRole = "admin"
)

// Outcome is the gate's verdict.
type Outcome string

const (
	OutcomeVerifiedClient Outcome = "verified_client"
	OutcomeBypass         Outcome = "bypass"
	OutcomeDeny           Outcome = "deny"
)

// Reason names which rule produced the outcome.
type Reason string

const (
	ReasonUserAgent Reason = "user_agent"
	ReasonHeader    Reason = "header"
	ReasonAdmin     Reason = "admin"
	ReasonLoopback  Reason = "loopback"
	ReasonNoSEB     Reason = "no_seb"
)

// Signals are the request attributes the gate looks at.
type Signals struct {
	UserAgent string
	SEBHeader string
	Role      string
	// Actor is the authenticated email, if any.
	Actor string
	// Host is the request host name without port.
	Host string
	// RemoteAddr is the resolved client address.
	RemoteAddr string
}

// Decision is the result of Evaluate.
type Decision struct {
	Outcome Outcome
	Reason  Reason
}

// Allowed reports whether the request may continue.
func (d Decision) Allowed() bool {
	return d.Outcome != OutcomeDeny
}

// Options configures a Gate.
type Options struct {
	UserAgentMarker string
	// LoopbackBypass admits requests whose Host is a loopback name or address.
	LoopbackBypass bool
	DenyMessage    string
}

// DefaultOptions matches a demo deployment: SEB marker "SEB", loopback bypass on.
func DefaultOptions() Options {
	return Options{
		UserAgentMarker: DefaultUserAgentMarker,
		LoopbackBypass:  true,
		DenyMessage:     DefaultDenyMessage,
	}
}

// Gate is stateless and safe for concurrent use.
type Gate struct {
	opts Options
}

// NewGate creates a Gate. Empty marker and message fall back to the defaults.
func NewGate(opts Options) *Gate {
	if opts.UserAgentMarker == "" {
		opts.UserAgentMarker = DefaultUserAgentMarker
	}
	if opts.DenyMessage == "" {
		opts.DenyMessage = DefaultDenyMessage
	}
	return &Gate{opts: opts}
}

// DenyMessage returns the text placed in a denial body.
func (g *Gate) DenyMessage() string {
	return g.opts.DenyMessage
}

// Evaluate applies the rules in order; the first match wins.
func (g *Gate) Evaluate(s Signals) Decision {
	switch {
	case strings.Contains(s.UserAgent, g.opts.UserAgentMarker):
		return Decision{Outcome: OutcomeVerifiedClient, Reason: ReasonUserAgent}
	case s.SEBHeader != "":
		return Decision{Outcome: OutcomeVerifiedClient, Reason: ReasonHeader}
	case s.Role == AdminRole:
		return Decision{Outcome: OutcomeBypass, Reason: ReasonAdmin}
	case g.opts.LoopbackBypass && IsLoopbackHost(s.Host):
		return Decision{Outcome: OutcomeBypass, Reason: ReasonLoopback}
	default:
		return Decision{Outcome: OutcomeDeny, Reason: ReasonNoSEB}
	}
}

// IsLoopbackHost reports whether host (without port) names the local machine.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HostWithoutPort strips the port from a Host header value.
func HostWithoutPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
