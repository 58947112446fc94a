// Package agentguard is the embeddable API for host applications. It
// re-exports the guard orchestrator, its options, the tool-call types,
// and the error taxonomy, so consumers never import internal packages.
//
// Typical use:
//
//	g := agentguard.New(agentguard.WithPolicyFile("policy.yaml"))
//	if err := g.Initialize(ctx); err != nil { ... }
//	defer g.Close()
//
//	sendPayment, err := g.Protect("send_payment", paymentTool,
//		agentguard.WithAgentID("billing-bot"))
//	result, err := sendPayment.Call(ctx, map[string]any{"amount": 500})
package agentguard

import (
	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/policy"
	"github.com/agentguard/agentguard/internal/service"
)

// Guard is the interception orchestrator.
type Guard = service.Guard

// Option configures a Guard.
type Option = service.GuardOption

// ProtectOption attaches identity to a protected wrapper.
type ProtectOption = service.ProtectOption

// Tool is the callable convention for guarded tools.
type Tool = guard.Tool

// ToolCall describes one intercepted invocation.
type ToolCall = guard.ToolCall

// ProtectedTool is a tool wrapped behind the policy pipeline.
type ProtectedTool = guard.ProtectedTool

// Policy is the declarative policy document.
type Policy = policy.Policy

// WebhookConfig describes the approval webhook endpoint.
type WebhookConfig = policy.WebhookConfig

// ViolationError is returned when a call is blocked or denied.
type ViolationError = policy.ViolationError

// Decision is the evaluator's verdict for one call.
type Decision = policy.Decision

// Guard construction options.
var (
	New                 = service.NewGuard
	WithPolicyFile      = service.WithPolicyFile
	WithPolicy          = service.WithPolicy
	WithWebhook         = service.WithWebhook
	WithLogger          = service.WithLogger
	WithApprovalTimeout = service.WithApprovalTimeout
)

// Protect options.
var (
	WithAgentID   = service.WithAgentID
	WithSessionID = service.WithSessionID
	WithMetadata  = service.WithMetadata
)

// Sentinel errors, matchable with errors.Is.
var (
	ErrNotInitialized    = guard.ErrNotInitialized
	ErrInvalidArgument   = guard.ErrInvalidArgument
	ErrPolicyLoad        = guard.ErrPolicyLoad
	ErrNoPolicyPath      = guard.ErrNoPolicyPath
	ErrApprovalTimeout   = guard.ErrApprovalTimeout
	ErrApprovalCancelled = guard.ErrApprovalCancelled
	ErrWebhookFailed     = guard.ErrWebhookFailed
	ErrInvalidSignature  = guard.ErrInvalidSignature
	ErrDuplicateNonce    = guard.ErrDuplicateNonce
	ErrUnknownRequestID  = guard.ErrUnknownRequestID
	ErrCoordinatorClosed = guard.ErrCoordinatorClosed
)

// LoadPolicy reads and validates a YAML policy document.
func LoadPolicy(path string) (*Policy, error) {
	return config.LoadPolicyFile(path)
}

// ParsePolicy decodes and validates a YAML policy document from bytes.
func ParsePolicy(raw []byte) (*Policy, error) {
	return config.ParsePolicy(raw)
}
