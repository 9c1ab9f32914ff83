package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/reviewready/internal/application"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// StatusResponse is the JSON representation of the polling loop.
type StatusResponse struct {
	State               string `json:"state"`
	IntervalSeconds     int    `json:"interval_seconds"`
	ErrorBackoffSeconds int    `json:"error_backoff_seconds"`
	Cycles              int    `json:"cycles"`
	LastCycleStarted    string `json:"last_cycle_started,omitempty"`
	LastCycleFinished   string `json:"last_cycle_finished,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Notified            []int  `json:"notified"`
}

// CycleReportResponse is the JSON representation of one cycle.
type CycleReportResponse struct {
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
	Removed       []int  `json:"removed"`
	Notified      []int  `json:"notified"`
	Conflicts     []int  `json:"conflicts"`
	NotifiedCount int    `json:"notified_count"`
	Error         string `json:"error,omitempty"`
}

func toStatusResponse(st application.Status) StatusResponse {
	return StatusResponse{
		State:               string(st.State),
		IntervalSeconds:     int(st.Interval / time.Second),
		ErrorBackoffSeconds: int(st.ErrorBackoff / time.Second),
		Cycles:              st.Cycles,
		LastCycleStarted:    formatTime(st.LastCycleStarted),
		LastCycleFinished:   formatTime(st.LastCycleFinished),
		LastError:           st.LastError,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Notified:            nonNil(st.Notified),
	}
}

func toCycleReportResponse(r application.CycleReport) CycleReportResponse {
	resp := CycleReportResponse{
		StartedAt:     formatTime(r.StartedAt),
		FinishedAt:    formatTime(r.FinishedAt),
		Removed:       nonNil(r.Removed),
		Notified:      nonNil(r.Notified),
		Conflicts:     nonNil(r.Conflicts),
		NotifiedCount: r.NotifiedCount,
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

// formatTime renders t as RFC 3339 in UTC; the zero time becomes "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
