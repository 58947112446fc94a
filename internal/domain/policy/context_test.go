package policy

import (
	"testing"
	"time"

	"github.com/agentguard/agentguard/internal/domain/guard"
)

func TestEvaluationContextRoot(t *testing.T) {
	pol := &Policy{Version: "1.0", Name: "prod-guard", Description: "production policy"}
	call := &guard.ToolCall{
		ToolName:   "send_payment",
		Parameters: map[string]any{"amount": 500},
		AgentID:    "billing-bot",
		SessionID:  "sess-1",
		Metadata:   map[string]any{"env": "prod"},
	}
	now := time.Date(2026, 8, 6, 12, 30, 0, 0, time.UTC)

	root := NewEvaluationContext(pol, call, now).Root()

	if v, _ := LookupPath(root, "toolCall.toolName"); v != "send_payment" {
		t.Errorf("toolName = %v", v)
	}
	if v, _ := LookupPath(root, "toolCall.parameters.amount"); v != 500 {
		t.Errorf("amount = %v", v)
	}
	if v, _ := LookupPath(root, "toolCall.agentId"); v != "billing-bot" {
		t.Errorf("agentId = %v", v)
	}
	if v, _ := LookupPath(root, "toolCall.metadata.env"); v != "prod" {
		t.Errorf("metadata.env = %v", v)
	}
	if v, _ := LookupPath(root, "policy.name"); v != "prod-guard" {
		t.Errorf("policy.name = %v", v)
	}
	if v, _ := LookupPath(root, "timestampIso"); v != "2026-08-06T12:30:00Z" {
		t.Errorf("timestampIso = %v", v)
	}
}

func TestEvaluationContextOmitsEmptyIdentity(t *testing.T) {
	root := NewEvaluationContext(&Policy{Name: "p"}, &guard.ToolCall{ToolName: "t"}, time.Now()).Root()

	if _, ok := LookupPath(root, "toolCall.agentId"); ok {
		t.Error("empty agentId should not resolve")
	}
	if _, ok := LookupPath(root, "toolCall.sessionId"); ok {
		t.Error("empty sessionId should not resolve")
	}
	if _, ok := LookupPath(root, "toolCall.metadata"); ok {
		t.Error("nil metadata should not resolve")
	}
}
