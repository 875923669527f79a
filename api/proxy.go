package api

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"lmsguard/util"

	"go.uber.org/zap"
)

// NewUpstreamProxy forwards requests that passed the pipeline to the LMS backend.
func NewUpstreamProxy(rawURL string, logger *zap.SugaredLogger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme and host required", rawURL)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Errorw("Upstream request failed",
				"upstream", target.Host,
				"method", r.Method,
				"path", r.URL.Path,
				"error", util.SanitizeError(err),
				"request_id", GetRequestIDOrDefault(r.Context()))
			respondJSON(w, map[string]string{"error": "Upstream unavailable"}, http.StatusBadGateway, nil)
		},
	}
	return proxy, nil
}
