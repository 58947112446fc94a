package policy

import (
	"time"

	"github.com/agentguard/agentguard/internal/domain/guard"
)

// EvaluationContext is the read-only object condition field paths are
// resolved against. The dotted-path layout mirrors the JSON shape:
// "toolCall.toolName", "toolCall.parameters.<key>", "policy.name",
// "timestampIso".
type EvaluationContext struct {
	ToolCall     *guard.ToolCall
	Policy       *Policy
	TimestampISO string
}

// NewEvaluationContext references the call as given (it is not copied)
// and stamps the evaluation time in RFC 3339 UTC.
func NewEvaluationContext(p *Policy, call *guard.ToolCall, now time.Time) *EvaluationContext {
	return &EvaluationContext{
		ToolCall:     call,
		Policy:       p,
		TimestampISO: now.UTC().Format(time.RFC3339),
	}
}

// Root returns the path-addressable view of the context. Field
// extraction walks this structure segment by segment.
func (c *EvaluationContext) Root() map[string]any {
	toolCall := map[string]any{
		"toolName":   c.ToolCall.ToolName,
		"parameters": c.ToolCall.Parameters,
	}
	if c.ToolCall.AgentID != "" {
		toolCall["agentId"] = c.ToolCall.AgentID
	}
	if c.ToolCall.SessionID != "" {
		toolCall["sessionId"] = c.ToolCall.SessionID
	}
	if c.ToolCall.Metadata != nil {
		toolCall["metadata"] = c.ToolCall.Metadata
	}

	return map[string]any{
		"toolCall": toolCall,
		"policy": map[string]any{
			"version":     c.Policy.Version,
			"name":        c.Policy.Name,
			"description": c.Policy.Description,
		},
		"timestampIso": c.TimestampISO,
	}
}
