package csrf

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"
)

const (
	// HeaderName carries the secret in both directions.
	HeaderName = "X-CSRF-Token"
	// CookieName is the script-readable cookie mirroring the issued secret.
	CookieName = "csrf-token"
	// FieldName is the body field and query parameter accepted on resubmission.
	FieldName = "_csrf"

	// SessionHeader and SessionCookie identify the session a secret belongs to.
	SessionHeader = "X-Session-Id"
	SessionCookie = "sessionId"
	// AnonymousSession is shared by every caller without a session header or cookie.
	AnonymousSession = "anonymous"

	// DefaultBodyLimit caps how much of a request body is inspected for FieldName.
	DefaultBodyLimit = 1 << 20
)

// IsSafeMethod reports whether method never mutates state and so never needs a token.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// SessionKey resolves the session a request belongs to: the X-Session-Id header,
// then the sessionId cookie, then AnonymousSession.
func SessionKey(r *http.Request) string {
	if v := r.Header.Get(SessionHeader); v != "" {
		return v
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return AnonymousSession
}

// SuppliedToken returns the secret the caller resubmitted: the X-CSRF-Token header,
// then the _csrf body field (JSON or urlencoded form), then the _csrf query parameter.
// The request body is restored so downstream handlers can read it again.
func SuppliedToken(r *http.Request, bodyLimit int64) string {
	if v := r.Header.Get(HeaderName); v != "" {
		return v
	}
	if v := bodyToken(r, bodyLimit); v != "" {
		return v
	}
	return r.URL.Query().Get(FieldName)
}

func bodyToken(r *http.Request, limit int64) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	if mediaType != "application/json" && mediaType != "application/x-www-form-urlencoded" {
		return ""
	}
	if limit <= 0 {
		limit = DefaultBodyLimit
	}

	// Read one byte past the limit so an oversized body is detected but not truncated
	// for downstream consumers.
	head, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body = restoredBody{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if err != nil || int64(len(head)) > limit {
		return ""
	}

	if mediaType == "application/json" {
		var payload struct {
			CSRF string `json:"_csrf"`
		}
		if json.Unmarshal(head, &payload) != nil {
			return ""
		}
		return payload.CSRF
	}
	values, err := url.ParseQuery(string(head))
	if err != nil {
		return ""
	}
	return values.Get(FieldName)
}

type restoredBody struct {
	io.Reader
	io.Closer
}

// SetTokenCookie writes the issued secret to the response as a header and as a
// SameSite=Strict cookie that client-side script can read back.
func SetTokenCookie(w http.ResponseWriter, secret string, ttl time.Duration, secure bool) {
	w.Header().Set(HeaderName, secret)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    secret,
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl / time.Second),
	})
}
