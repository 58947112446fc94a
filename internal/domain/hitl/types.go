// Package hitl contains the human-in-the-loop domain types: approval
// requests, inbound responses, and the result delivered to a waiting
// tool invocation.
package hitl

import (
	"time"

	"github.com/agentguard/agentguard/internal/domain/guard"
)

// DefaultRequestTTL is how long an approval request stays actionable
// before housekeeping expires it.
const DefaultRequestTTL = 30 * time.Minute

// Decision is the approver's verdict, as carried on the wire.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionDeny    Decision = "DENY"
)

// ApprovalRequest is the process-unique handle for one pending human
// decision. The JSON shape is the "request" object of the outgoing
// webhook payload.
type ApprovalRequest struct {
	// ID is a freshly minted UUID, unique per process.
	ID string `json:"id"`
	// ToolCall is the snapshot of the intercepted call.
	ToolCall *guard.ToolCall `json:"toolCall"`
	// CreatedAt is when the request was registered.
	CreatedAt time.Time `json:"timestamp"`
	// ExpiresAt is CreatedAt + DefaultRequestTTL.
	ExpiresAt time.Time `json:"expiresAt"`
}

// ApprovalResponse is the inbound decision body delivered by the host
// application.
type ApprovalResponse struct {
	RequestID  string   `json:"requestId"`
	Decision   Decision `json:"decision"`
	Reason     string   `json:"reason,omitempty"`
	ApprovedBy string   `json:"approvedBy,omitempty"`
}

// Result is what a waiter observes when its approval resolves. Err is
// set for cancellation, coordinator shutdown, and housekeeping expiry;
// a plain timeout is reported by the waiter itself.
type Result struct {
	Approved     bool
	Reason       string
	ApprovedBy   string
	ResponseTime time.Duration
	Err          error
}

// PendingInfo is a read-only snapshot of one registry entry.
type PendingInfo struct {
	Request   *ApprovalRequest
	Age       time.Duration
	HasWaiter bool
}

// Stats summarizes the registry for observability surfaces.
type Stats struct {
	Pending    int
	OldestAge  time.Duration
	AverageAge time.Duration
}
