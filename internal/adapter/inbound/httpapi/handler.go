package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/service"
)

// maxResponseBodyBytes caps inbound decision bodies.
const maxResponseBodyBytes = 1 * 1024 * 1024 // 1MB

// ResponseHandler exposes the approval decision endpoint and the
// pending-approvals inspection endpoint.
type ResponseHandler struct {
	coordinator *service.Coordinator
	logger      *slog.Logger
	metrics     *Metrics
}

// NewResponseHandler creates the handler. metrics may be nil.
func NewResponseHandler(coordinator *service.Coordinator, logger *slog.Logger, metrics *Metrics) *ResponseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseHandler{
		coordinator: coordinator,
		logger:      logger,
		metrics:     metrics,
	}
}

// HandleResponse is POST /v1/approvals/response. The raw body is handed
// to the coordinator unmodified so signature verification sees the
// exact bytes the responder signed.
func (h *ResponseHandler) HandleResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	if err := h.coordinator.HandleResponseBody(body, headers); err != nil {
		status, msg := classifyResponseError(err)
		h.logger.Warn("approval response rejected",
			"status", status,
			"error", err)
		if h.metrics != nil {
			h.metrics.ResponsesTotal.WithLabelValues("rejected").Inc()
		}
		writeError(w, status, msg)
		return
	}

	if h.metrics != nil {
		h.metrics.ResponsesTotal.WithLabelValues("accepted").Inc()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// classifyResponseError maps coordinator errors onto HTTP statuses
// without leaking verification internals to the caller.
func classifyResponseError(err error) (int, string) {
	switch {
	case errors.Is(err, guard.ErrUnknownRequestID):
		return http.StatusNotFound, "unknown request id"
	case errors.Is(err, guard.ErrInvalidSignature), errors.Is(err, guard.ErrDuplicateNonce):
		return http.StatusUnauthorized, "response verification failed"
	case errors.Is(err, guard.ErrRequestIDMismatch):
		return http.StatusConflict, "request id mismatch"
	case errors.Is(err, guard.ErrCoordinatorClosed):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, guard.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid response body"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// pendingItem is the wire shape of one pending approval.
type pendingItem struct {
	ID        string    `json:"id"`
	ToolName  string    `json:"toolName"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	AgeMs     int64     `json:"ageMs"`
	HasWaiter bool      `json:"hasWaiter"`
}

// HandlePending is GET /v1/approvals/pending.
func (h *ResponseHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pending := h.coordinator.GetPendingApprovals()
	items := make([]pendingItem, 0, len(pending))
	for _, p := range pending {
		items = append(items, pendingItem{
			ID:        p.Request.ID,
			ToolName:  p.Request.ToolCall.ToolName,
			CreatedAt: p.Request.CreatedAt,
			ExpiresAt: p.Request.ExpiresAt,
			AgeMs:     p.Age.Milliseconds(),
			HasWaiter: p.HasWaiter,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": items})
}

// HandleStats is GET /v1/approvals/stats.
func (h *ResponseHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats := h.coordinator.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":      stats.Pending,
		"oldestAgeMs":  stats.OldestAge.Milliseconds(),
		"averageAgeMs": stats.AverageAge.Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
