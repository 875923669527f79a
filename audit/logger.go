package audit

import (
	"time"
)

// Emitter accepts records without blocking. *Dispatcher satisfies it.
type Emitter interface {
	Emit(rec Record)
}

// Logger applies the critical-request policy in front of an Emitter.
type Logger struct {
	policy  Policy
	emitter Emitter
	now     func() time.Time
}

// NewLogger creates a Logger. now may be nil.
func NewLogger(policy Policy, emitter Emitter, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{policy: policy, emitter: emitter, now: now}
}

// Critical reports whether the request would be audited.
func (l *Logger) Critical(method, path string) bool {
	return l.policy.Critical(method, path)
}

// Observe emits rec if it is a critical request. It reports whether a record was emitted.
func (l *Logger) Observe(rec Record) bool {
	if !l.policy.Critical(rec.Method, rec.Path) {
		return false
	}
	rec.Kind = KindRequest
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if rec.Actor == "" {
		rec.Actor = AnonymousActor
	}
	l.emitter.Emit(rec)
	return true
}

// Note records a policy exception regardless of method or path.
func (l *Logger) Note(message string, detail map[string]string) {
	l.emitter.Emit(Record{
		Kind:      KindNote,
		Timestamp: l.now(),
		Message:   message,
		Detail:    detail,
	})
}
