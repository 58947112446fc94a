package policy

import "github.com/agentguard/agentguard/internal/domain/guard"

// Engine evaluates tool calls against a loaded policy. It never fails
// the call: pathological conditions degrade to non-matches and are
// reported through the logger, so Evaluate returns a Decision
// unconditionally.
type Engine interface {
	Evaluate(call *guard.ToolCall) Decision
}
