package api

import (
	"net/http"
	"time"

	"lmsguard/csrf"
	"lmsguard/proctor"

	"github.com/gorilla/mux"
)

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Mode      string `json:"mode"`
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:    "ok",
		Message:   "LMS security gateway is running",
		Timestamp: a.now().UTC().Format(time.RFC3339),
		Mode:      a.config.Environment,
	}, http.StatusOK, a.logger)
}

// getCSRFToken issues a fresh token for the caller's session.
func (a *API) getCSRFToken(w http.ResponseWriter, r *http.Request) {
	secret, err := a.guard.Issue(csrf.SessionKey(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue CSRF token", err, a.logger)
		return
	}
	csrf.SetTokenCookie(w, secret, a.guard.TTL(), a.config.IsProduction())
	respondJSON(w, map[string]string{"csrfToken": secret}, http.StatusOK, a.logger)
}

// getSEBConfig serves the Safe Exam Browser configuration for an exam.
func (a *API) getSEBConfig(w http.ResponseWriter, r *http.Request) {
	examID := mux.Vars(r)["examId"]

	cfg := proctor.BuildSEBConfig(examID, a.config.Proctoring.SEB, a.now())
	doc, err := cfg.Marshal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build SEB config", err, a.logger)
		return
	}

	w.Header().Set("Content-Type", proctor.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+cfg.Filename()+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc); err != nil {
		a.logger.Errorw("Failed to write SEB config", "exam_id", examID, "error", err)
	}
}
