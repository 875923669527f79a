package proctor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContentType is the media type of a SEB configuration download.
const ContentType = "application/x-seb-config"

// SEBOptions are the deployment specific parts of a SEB configuration.
// StartURL may contain the placeholder {examId}.
type SEBOptions struct {
	StartURL         string   `mapstructure:"start_url"`
	QuitURL          string   `mapstructure:"quit_url"`
	AllowedURLs      []string `mapstructure:"allowed_urls"`
	BlockedProcesses []string `mapstructure:"blocked_processes"`
}

// DefaultSEBOptions targets the local development frontend and API.
func DefaultSEBOptions() SEBOptions {
	return SEBOptions{
		StartURL:         "http://localhost:3000/dashboard/exams/{examId}/proctored",
		QuitURL:          "http://localhost:3000/dashboard",
		AllowedURLs:      []string{"localhost:3000/*", "localhost:3001/api/*"},
		BlockedProcesses: []string{"chrome.exe", "firefox.exe", "msedge.exe"},
	}
}

// SEBConfig is the document a SEB client loads before opening an exam.
// Proctored exams always run with camera and microphone enabled.
type SEBConfig struct {
	ExamID             string   `json:"examId"`
	StartURL           string   `json:"startURL"`
	ShowTaskBar        bool     `json:"showTaskBar"`
	ShowMenuBar        bool     `json:"showMenuBar"`
	EnableRightMouse   bool     `json:"enableRightMouse"`
	AllowQuit          bool     `json:"allowQuit"`
	BrowserExamKey     string   `json:"browserExamKey"`
	QuitURL            string   `json:"quitURL"`
	AllowedURLs        []string `json:"allowedURLs"`
	BlockedProcesses   []string `json:"blockedProcesses"`
	EnableMediaCapture bool     `json:"enableMediaCapture"`
	AllowVideoCapture  bool     `json:"allowVideoCapture"`
	AllowAudioCapture  bool     `json:"allowAudioCapture"`
}

// BuildSEBConfig assembles the configuration for examID.
func BuildSEBConfig(examID string, opts SEBOptions, now time.Time) SEBConfig {
	return SEBConfig{
		ExamID:             examID,
		StartURL:           strings.ReplaceAll(opts.StartURL, "{examId}", examID),
		BrowserExamKey:     fmt.Sprintf("seb_%s_%d", examID, now.UnixMilli()),
		QuitURL:            opts.QuitURL,
		AllowedURLs:        nonNil(opts.AllowedURLs),
		BlockedProcesses:   nonNil(opts.BlockedProcesses),
		EnableMediaCapture: true,
		AllowVideoCapture:  true,
		AllowAudioCapture:  true,
	}
}

// Marshal renders the document with two-space indentation.
func (c SEBConfig) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Filename is the attachment name offered to the browser.
func (c SEBConfig) Filename() string {
	return fmt.Sprintf("exam_%s.seb", c.ExamID)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
