// Package core holds the shared infrastructure the security middleware builds on when
// it runs as more than one replica: the Redis client wrapper used for rate-limit
// counters and the circuit breaker that decides when Redis is skipped in favour of
// the in-process fallback.
package core
