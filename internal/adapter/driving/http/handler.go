// Package httphandler serves the JSON status API of the notifier.
package httphandler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/reviewready/internal/application"
)

// Poller is the part of application.PollService the API uses.
type Poller interface {
	Status() application.Status
	TriggerPoll(ctx context.Context) (application.CycleReport, error)
}

// Handler is the HTTP driving adapter that serves the status API.
type Handler struct {
	poller      Poller
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewHandler creates a Handler. pollTimeout bounds how long POST /api/v1/poll
// waits for the triggered cycle.
func NewHandler(poller Poller, pollTimeout time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		poller:      poller,
		pollTimeout: pollTimeout,
		logger:      logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+healthPath, h.Health)
	mux.HandleFunc("GET /api/v1/status", h.Status)
	mux.HandleFunc("POST /api/v1/poll", h.TriggerPoll)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns the polling loop state and the notified ids.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(h.poller.Status()))
}

// TriggerPoll runs a cycle now and returns its report. A failed cycle is
// reported with 502 and the report body.
func (h *Handler) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.pollTimeout)
	defer cancel()

	report, err := h.poller.TriggerPoll(ctx)
	if err == nil {
		writeJSON(w, http.StatusOK, toCycleReportResponse(report))
		return
	}

	var cerr *application.CycleError
	switch {
	case errors.Is(err, application.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "poll loop is not running")
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusBadGateway, toCycleReportResponse(report))
	case ctx.Err() != nil:
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for poll cycle")
	default:
		h.logger.Error("manual poll failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
