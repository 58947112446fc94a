// Package policy contains the declarative policy model: actions, rules,
// conditions, and the decision produced by evaluating them against a
// tool call.
package policy

import (
	"fmt"

	"github.com/agentguard/agentguard/internal/domain/guard"
)

// Action is the verdict a rule (or the policy default) assigns to a
// matching tool call.
type Action string

const (
	// ActionAllow permits the tool call to proceed.
	ActionAllow Action = "allow"
	// ActionBlock rejects the tool call without invoking the tool.
	ActionBlock Action = "block"
	// ActionRequireApproval parks the tool call pending a human decision.
	ActionRequireApproval Action = "require_approval"
)

// Valid reports whether a is a member of the decision set.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionBlock, ActionRequireApproval:
		return true
	}
	return false
}

// Operator identifies a condition comparison.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpRegex      Operator = "regex"
	OpIn         Operator = "in"
	OpGT         Operator = "gt"
	OpLT         Operator = "lt"
	OpGTE        Operator = "gte"
	OpLTE        Operator = "lte"
)

// Operators lists every known operator, in documentation order.
var Operators = []Operator{
	OpEquals, OpContains, OpStartsWith, OpEndsWith, OpRegex,
	OpIn, OpGT, OpLT, OpGTE, OpLTE,
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	for _, known := range Operators {
		if op == known {
			return true
		}
	}
	return false
}

// Condition compares one extracted context value against an
// operator-specific payload.
type Condition struct {
	// Field is a dotted path into the evaluation context,
	// e.g. "toolCall.parameters.user.role" or "toolCall.parameters.items.0.id".
	Field string `yaml:"field" json:"field"`
	// Operator selects the comparison.
	Operator Operator `yaml:"operator" json:"operator"`
	// Value is the operator-specific payload.
	Value any `yaml:"value" json:"value"`
}

// Rule is a priority-ordered match clause. A rule matches a call iff
// every condition matches (and, when present, its CEL expression
// evaluates to true).
type Rule struct {
	// Name is required and used in diagnostics and violation errors.
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Priority orders evaluation, highest first. Absent means 0. Ties
	// are broken by declaration order.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Action is the verdict when the rule matches.
	Action Action `yaml:"action" json:"action"`
	// Conditions are ANDed together. A rule with no conditions matches
	// every call.
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	// CEL is an optional expression over {toolName, parameters, agentId,
	// sessionId, metadata} that must also evaluate to true. Compiled at
	// policy load.
	CEL string `yaml:"cel,omitempty" json:"cel,omitempty"`
}

// Policy is the loaded, validated policy document. Treated as read-only
// for the lifetime of a guard; reloads swap the whole pointer.
type Policy struct {
	Version     string `yaml:"version" json:"version"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// DefaultAction applies when no rule matches.
	DefaultAction Action `yaml:"defaultAction" json:"defaultAction"`
	Rules         []Rule `yaml:"rules" json:"rules"`
	// Webhook, when present, overrides any guard-level webhook config.
	Webhook *WebhookConfig `yaml:"webhook,omitempty" json:"webhook,omitempty"`
}

// WebhookConfig describes the approval webhook endpoint.
type WebhookConfig struct {
	URL string `yaml:"url" json:"url"`
	// TimeoutMs bounds a single delivery attempt. Default 10_000.
	TimeoutMs int `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	// Retries is the total attempt budget. Default 3, minimum 1.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`
	// Headers are caller-supplied extras. Security headers always win
	// on key collisions.
	Headers  map[string]string      `yaml:"headers,omitempty" json:"headers,omitempty"`
	Security *WebhookSecurityConfig `yaml:"security,omitempty" json:"security,omitempty"`
}

// DefaultWebhookTimeoutMs bounds a single webhook attempt when the
// config leaves TimeoutMs unset.
const DefaultWebhookTimeoutMs = 10_000

// DefaultWebhookRetries is the attempt budget when the config leaves
// Retries unset.
const DefaultWebhookRetries = 3

// ApplyDefaults fills unset webhook fields in place.
func (w *WebhookConfig) ApplyDefaults() {
	if w.TimeoutMs <= 0 {
		w.TimeoutMs = DefaultWebhookTimeoutMs
	}
	if w.Retries <= 0 {
		w.Retries = DefaultWebhookRetries
	}
}

// WebhookSecurityConfig enables the signing and encryption envelope.
type WebhookSecurityConfig struct {
	// SigningSecret keys the HMAC. Must be at least 32 bytes.
	SigningSecret string `yaml:"signingSecret" json:"signingSecret"`
	// EncryptionKey is 32 raw bytes, hex-encoded (64 hex chars).
	EncryptionKey string `yaml:"encryptionKey,omitempty" json:"encryptionKey,omitempty"`
	// EncryptSensitiveData turns on sensitive-field encryption.
	EncryptSensitiveData bool `yaml:"encryptSensitiveData,omitempty" json:"encryptSensitiveData,omitempty"`
	// SensitiveFields are dotted paths into the outgoing payload whose
	// leaf values are replaced by encryption envelopes.
	SensitiveFields []string `yaml:"sensitiveFields,omitempty" json:"sensitiveFields,omitempty"`
}

// Decision is the evaluator's verdict for one tool call.
type Decision struct {
	// Action is the verdict.
	Action Action
	// MatchedRule is the winning rule, or nil when the default action
	// applied.
	MatchedRule *Rule
	// Reason explains the decision ("Matched rule: <name>" or
	// "No matching rules found").
	Reason string
}

// ViolationError is returned when a call is blocked by a rule, the
// default action, or an approval denial. It carries the matched rule
// descriptor and the call snapshot.
type ViolationError struct {
	// RuleName is the matched rule's name, or "default action" when no
	// rule matched.
	RuleName string
	// Action is the verdict that produced the violation.
	Action Action
	// Reason is a human-readable explanation.
	Reason string
	// Call is the intercepted tool call.
	Call *guard.ToolCall
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy violation: tool %q blocked by %s: %s", e.Call.ToolName, e.RuleName, e.Reason)
}
