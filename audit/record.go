// Package audit records mutating requests against critical LMS resources, plus notes
// about policy exceptions such as proctoring bypasses.
//
// Records are handed to a Dispatcher that writes them asynchronously; emitting never
// blocks or fails the request being observed.
package audit

import (
	"net/http"
	"strings"
	"time"
)

// AnonymousActor is recorded when the request carries no authenticated identity.
const AnonymousActor = "Anonymous"

// Kind distinguishes request records from policy notes.
type Kind string

const (
	KindRequest Kind = "request"
	KindNote    Kind = "note"
)

// Record is one audit line.
type Record struct {
	Kind      Kind
	Timestamp time.Time
	Method    string
	Path      string
	Actor     string
	Source    string
	Status    int
	RequestID string

	// Message and Detail are set on notes.
	Message string
	Detail  map[string]string
}

// DefaultCriticalPrefixes are the path prefixes whose mutations are always audited.
var DefaultCriticalPrefixes = []string{"/api/auth/login", "/api/courses", "/api/exams"}

// DefaultCriticalMethods are the methods that count as mutations.
var DefaultCriticalMethods = []string{http.MethodPost, http.MethodPut, http.MethodDelete}

// Policy decides which requests are critical.
type Policy struct {
	prefixes []string
	methods  map[string]struct{}
}

// NewPolicy builds a Policy. Nil slices take the defaults.
func NewPolicy(prefixes, methods []string) Policy {
	if prefixes == nil {
		prefixes = DefaultCriticalPrefixes
	}
	if methods == nil {
		methods = DefaultCriticalMethods
	}
	p := Policy{
		prefixes: append([]string(nil), prefixes...),
		methods:  make(map[string]struct{}, len(methods)),
	}
	for _, m := range methods {
		p.methods[strings.ToUpper(m)] = struct{}{}
	}
	return p
}

// DefaultPolicy audits POST, PUT and DELETE under login, courses and exams.
func DefaultPolicy() Policy {
	return NewPolicy(nil, nil)
}

// Critical reports whether a request with method and path must be audited.
func (p Policy) Critical(method, path string) bool {
	if _, ok := p.methods[method]; !ok {
		return false
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
