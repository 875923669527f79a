package csrf

import "errors"

var (
	// ErrMissingToken means no token was ever issued for the session key (or it was swept).
	ErrMissingToken = errors.New("CSRF token missing")
	// ErrExpiredToken means the stored token outlived its TTL; it has been deleted.
	ErrExpiredToken = errors.New("CSRF token expired")
	// ErrInvalidToken means the caller supplied no secret or a secret that does not match.
	ErrInvalidToken = errors.New("CSRF token invalid")
)
