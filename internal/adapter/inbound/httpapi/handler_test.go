package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/hitl"
	"github.com/agentguard/agentguard/internal/domain/policy"
	"github.com/agentguard/agentguard/internal/domain/security"
	"github.com/agentguard/agentguard/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHandlerFixture(t *testing.T) (*ResponseHandler, *service.Coordinator, *security.Envelope) {
	t.Helper()
	env, err := security.NewEnvelope(&policy.WebhookSecurityConfig{
		SigningSecret: strings.Repeat("s", security.MinSigningSecretLen),
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	coordinator := service.NewCoordinator(env, testLogger())
	t.Cleanup(coordinator.Destroy)

	metrics := NewMetrics(prometheus.NewRegistry())
	return NewResponseHandler(coordinator, testLogger(), metrics), coordinator, env
}

func pendingRequest(t *testing.T, c *service.Coordinator) *hitl.ApprovalRequest {
	t.Helper()
	req, err := c.CreateApprovalRequest(context.Background(), &guard.ToolCall{
		ToolName:   "send_payment",
		Parameters: map[string]any{"amount": 500},
	})
	if err != nil {
		t.Fatalf("CreateApprovalRequest: %v", err)
	}
	return req
}

func postResponse(t *testing.T, h *ResponseHandler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/approvals/response", bytes.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.HandleResponse(w, r)
	return w
}

func signedDecision(t *testing.T, env *security.Envelope, requestID string) ([]byte, map[string]string) {
	t.Helper()
	body, err := json.Marshal(hitl.ApprovalResponse{
		RequestID: requestID,
		Decision:  hitl.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	headers, err := env.GenerateHeaders(body, requestID)
	if err != nil {
		t.Fatalf("GenerateHeaders: %v", err)
	}
	return body, headers
}

func TestHandleResponseAccepted(t *testing.T) {
	h, c, env := newHandlerFixture(t)
	req := pendingRequest(t, c)

	body, headers := signedDecision(t, env, req.ID)
	w := postResponse(t, h, body, headers)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Errorf("body = %v", resp)
	}
}

func TestHandleResponseStatusMapping(t *testing.T) {
	h, c, env := newHandlerFixture(t)
	req := pendingRequest(t, c)

	t.Run("unknown id is 404", func(t *testing.T) {
		body, headers := signedDecision(t, env, "nope")
		if w := postResponse(t, h, body, headers); w.Code != http.StatusNotFound {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("bad signature is 401", func(t *testing.T) {
		body, headers := signedDecision(t, env, req.ID)
		headers[security.HeaderSignature] = strings.Repeat("0", 64)
		if w := postResponse(t, h, body, headers); w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("request id mismatch is 409", func(t *testing.T) {
		body, headers := signedDecision(t, env, req.ID)
		headers[security.HeaderRequestID] = "different"
		if w := postResponse(t, h, body, headers); w.Code != http.StatusConflict {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		if w := postResponse(t, h, []byte("{not json"), nil); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("replayed nonce is 401", func(t *testing.T) {
		body, headers := signedDecision(t, env, req.ID)
		if w := postResponse(t, h, body, headers); w.Code != http.StatusAccepted {
			t.Fatalf("first delivery status = %d", w.Code)
		}
		req2 := pendingRequest(t, c)
		body2, headers2 := signedDecision(t, env, req2.ID)
		headers2[security.HeaderNonce] = headers[security.HeaderNonce]
		// Re-sign with the replayed nonce so only replay detection fires.
		headers2[security.HeaderSignature] = resign(t, env, body2, req2.ID, headers2)
		if w := postResponse(t, h, body2, headers2); w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", w.Code)
		}
	})
}

func resign(t *testing.T, env *security.Envelope, body []byte, requestID string, headers map[string]string) string {
	t.Helper()
	ts, err := strconv.ParseInt(headers[security.HeaderTimestamp], 10, 64)
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	return env.Sign(body, requestID, ts, headers[security.HeaderNonce])
}

func TestHandleResponseClosedCoordinator(t *testing.T) {
	h, c, env := newHandlerFixture(t)
	req := pendingRequest(t, c)
	c.Destroy()

	body, headers := signedDecision(t, env, req.ID)
	if w := postResponse(t, h, body, headers); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestHandleResponseMethodNotAllowed(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/v1/approvals/response", nil)
	w := httptest.NewRecorder()
	h.HandleResponse(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", w.Code)
	}
}

func TestHandlePending(t *testing.T) {
	h, c, _ := newHandlerFixture(t)
	req := pendingRequest(t, c)

	r := httptest.NewRequest(http.MethodGet, "/v1/approvals/pending", nil)
	w := httptest.NewRecorder()
	h.HandlePending(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Pending []pendingItem `json:"pending"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Pending) != 1 {
		t.Fatalf("pending = %d", len(resp.Pending))
	}
	item := resp.Pending[0]
	if item.ID != req.ID || item.ToolName != "send_payment" || item.HasWaiter {
		t.Errorf("item = %+v", item)
	}
}

func TestHandleStats(t *testing.T) {
	h, c, _ := newHandlerFixture(t)
	pendingRequest(t, c)

	r := httptest.NewRequest(http.MethodGet, "/v1/approvals/stats", nil)
	w := httptest.NewRecorder()
	h.HandleStats(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var stats map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats["pending"].(float64) != 1 {
		t.Errorf("stats = %v", stats)
	}
}
