package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentguard/agentguard/internal/adapter/outbound/webhook"
	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/policy"
	"github.com/agentguard/agentguard/internal/domain/security"
)

// DefaultApprovalTimeout is how long a blocked invocation waits for a
// human decision before failing.
const DefaultApprovalTimeout = 5 * time.Minute

// Observer receives guard telemetry: evaluation outcomes and approval
// lifecycle events.
type Observer interface {
	RecordDecision(action string)
	ApprovalObserver
}

// Guard is the interception orchestrator. It loads and compiles the
// policy, wraps tools, and routes each invocation through evaluate,
// block, or the approval flow.
type Guard struct {
	logger          *slog.Logger
	policyPath      string
	inlinePolicy    *policy.Policy
	webhookOverride *policy.WebhookConfig
	sender          webhook.Sender
	approvalTimeout time.Duration
	observer        Observer

	mu          sync.Mutex
	initialized atomic.Bool
	compiled    atomic.Pointer[CompiledPolicy]
	evaluator   *Evaluator
	coordinator *Coordinator
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithPolicyFile points the guard at a YAML policy document. Mutually
// exclusive with WithPolicy; the file wins if both are set.
func WithPolicyFile(path string) GuardOption {
	return func(g *Guard) { g.policyPath = path }
}

// WithPolicy supplies an in-memory policy.
func WithPolicy(p *policy.Policy) GuardOption {
	return func(g *Guard) { g.inlinePolicy = p }
}

// WithWebhook sets the guard-level webhook configuration. It is used
// only when the policy document declares no webhook of its own.
func WithWebhook(cfg *policy.WebhookConfig) GuardOption {
	return func(g *Guard) { g.webhookOverride = cfg }
}

// WithHTTPSender replaces the webhook transport. Tests use this to
// substitute a fake.
func WithHTTPSender(s webhook.Sender) GuardOption {
	return func(g *Guard) { g.sender = s }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithApprovalTimeout sets the per-invocation wait budget for human
// decisions.
func WithApprovalTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.approvalTimeout = d }
}

// WithGuardObserver sets the telemetry sink.
func WithGuardObserver(o Observer) GuardOption {
	return func(g *Guard) { g.observer = o }
}

// NewGuard builds an uninitialized guard. Initialize must run before
// any protected tool is called.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		logger:          slog.Default(),
		approvalTimeout: DefaultApprovalTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Initialize loads, validates, and compiles the policy, then starts
// the approval coordinator. Calling it again on an initialized guard
// is a no-op.
func (g *Guard) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initialized.Load() {
		return nil
	}

	pol, err := g.loadPolicy()
	if err != nil {
		return err
	}

	evaluator, err := NewEvaluator(g.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", guard.ErrPolicyLoad, err)
	}
	compiled, err := evaluator.Compile(pol)
	if err != nil {
		return fmt.Errorf("%w: %w", guard.ErrPolicyLoad, err)
	}

	webhookCfg := pol.Webhook
	if webhookCfg == nil {
		webhookCfg = g.webhookOverride
	}

	var envelope *security.Envelope
	var notifier Notifier
	if webhookCfg != nil {
		webhookCfg.ApplyDefaults()
		if webhookCfg.Security != nil {
			envelope, err = security.NewEnvelope(webhookCfg.Security)
			if err != nil {
				return fmt.Errorf("%w: %w", guard.ErrPolicyLoad, err)
			}
		}
		sender := g.sender
		if sender == nil {
			sender = webhook.NewHTTPSender()
		}
		if envelope != nil {
			notifier = webhook.NewDispatcher(sender, webhookCfg, envelope, g.logger)
		}
	}

	coordOpts := []CoordinatorOption{}
	if notifier != nil {
		coordOpts = append(coordOpts, WithNotifier(notifier))
	}
	if g.observer != nil {
		coordOpts = append(coordOpts, WithObserver(g.observer))
	}

	g.evaluator = evaluator
	g.compiled.Store(compiled)
	g.coordinator = NewCoordinator(envelope, g.logger, coordOpts...)
	g.initialized.Store(true)

	g.logger.Info("guard initialized",
		"policy", pol.Name,
		"rules", len(pol.Rules),
		"default_action", pol.DefaultAction,
		"webhook", webhookCfg != nil)
	return nil
}

func (g *Guard) loadPolicy() (*policy.Policy, error) {
	switch {
	case g.policyPath != "":
		return config.LoadPolicyFile(g.policyPath)
	case g.inlinePolicy != nil:
		if err := config.PreparePolicy(g.inlinePolicy); err != nil {
			return nil, err
		}
		return g.inlinePolicy, nil
	default:
		return nil, fmt.Errorf("%w: no policy file or inline policy configured", guard.ErrPolicyLoad)
	}
}

// ProtectOption attaches identity and context to every call made
// through one protected wrapper.
type ProtectOption func(*callIdentity)

type callIdentity struct {
	agentID   string
	sessionID string
	metadata  map[string]any
}

// WithAgentID tags calls with the invoking agent's id.
func WithAgentID(id string) ProtectOption {
	return func(ci *callIdentity) { ci.agentID = id }
}

// WithSessionID tags calls with the agent session id.
func WithSessionID(id string) ProtectOption {
	return func(ci *callIdentity) { ci.sessionID = id }
}

// WithMetadata attaches caller context visible to policy conditions.
func WithMetadata(m map[string]any) ProtectOption {
	return func(ci *callIdentity) { ci.metadata = m }
}

// Protect wraps a tool behind the interception pipeline. The wrapper is
// valid before Initialize; calls through it fail with ErrNotInitialized
// until the guard is ready.
func (g *Guard) Protect(toolName string, tool guard.Tool, opts ...ProtectOption) (*guard.ProtectedTool, error) {
	if toolName == "" {
		return nil, fmt.Errorf("%w: tool name is empty", guard.ErrInvalidArgument)
	}
	if tool == nil {
		return nil, fmt.Errorf("%w: tool is nil", guard.ErrInvalidArgument)
	}
	identity := &callIdentity{}
	for _, opt := range opts {
		opt(identity)
	}

	invoke := func(ctx context.Context, args ...any) (any, error) {
		return g.intercept(ctx, toolName, tool, identity, args)
	}
	return guard.NewProtectedTool(toolName, tool, invoke), nil
}

// intercept runs the pipeline for one invocation: snapshot the call,
// evaluate, then allow, block, or hold for approval.
func (g *Guard) intercept(ctx context.Context, toolName string, tool guard.Tool, identity *callIdentity, args []any) (any, error) {
	if !g.initialized.Load() {
		return nil, fmt.Errorf("%w: call Initialize before invoking protected tools", guard.ErrNotInitialized)
	}

	call := &guard.ToolCall{
		ToolName:   toolName,
		Parameters: guard.ExtractParameters(args),
		AgentID:    identity.agentID,
		SessionID:  identity.sessionID,
		Metadata:   identity.metadata,
		Timestamp:  time.Now().UTC(),
	}

	decision := g.evaluator.Evaluate(g.compiled.Load(), call)
	if g.observer != nil {
		g.observer.RecordDecision(string(decision.Action))
	}
	g.logger.Debug("tool call evaluated",
		"tool", toolName,
		"action", decision.Action,
		"reason", decision.Reason)

	switch decision.Action {
	case policy.ActionAllow:
		return tool(ctx, args...)
	case policy.ActionBlock:
		return nil, violation(decision, call)
	case policy.ActionRequireApproval:
		return g.holdForApproval(ctx, decision, call, tool, args)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", guard.ErrPolicyLoad, decision.Action)
	}
}

func (g *Guard) holdForApproval(ctx context.Context, decision policy.Decision, call *guard.ToolCall, tool guard.Tool, args []any) (any, error) {
	req, err := g.coordinator.CreateApprovalRequest(ctx, call.Clone())
	if err != nil {
		return nil, err
	}
	res, err := g.coordinator.WaitForApproval(ctx, req.ID, g.approvalTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Approved {
		reason := res.Reason
		if reason == "" {
			reason = "Approval denied"
		}
		v := violation(decision, call)
		v.Reason = reason
		return nil, v
	}
	return tool(ctx, args...)
}

func violation(decision policy.Decision, call *guard.ToolCall) *policy.ViolationError {
	ruleName := "default action"
	if decision.MatchedRule != nil {
		ruleName = decision.MatchedRule.Name
	}
	return &policy.ViolationError{
		RuleName: ruleName,
		Action:   decision.Action,
		Reason:   decision.Reason,
		Call:     call,
	}
}

// Evaluate runs the policy against a call without invoking any tool or
// creating approval requests. Uninitialized guards fail closed.
func (g *Guard) Evaluate(call *guard.ToolCall) policy.Decision {
	cp := g.compiled.Load()
	if cp == nil {
		return policy.Decision{Action: policy.ActionBlock, Reason: "guard not initialized"}
	}
	return g.evaluator.Evaluate(cp, call)
}

// ReloadPolicy re-reads the policy file, recompiles, and atomically
// swaps the snapshot. In-flight evaluations finish against the old
// snapshot; pending approvals are untouched.
func (g *Guard) ReloadPolicy(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized.Load() {
		return guard.ErrNotInitialized
	}
	if g.policyPath == "" {
		return guard.ErrNoPolicyPath
	}
	pol, err := config.LoadPolicyFile(g.policyPath)
	if err != nil {
		return err
	}
	compiled, err := g.evaluator.Compile(pol)
	if err != nil {
		return fmt.Errorf("%w: %w", guard.ErrPolicyLoad, err)
	}
	g.compiled.Store(compiled)
	g.evaluator.ClearCache()
	g.logger.Info("policy reloaded",
		"policy", pol.Name,
		"rules", len(pol.Rules))
	return nil
}

// Coordinator exposes the approval coordinator for inbound transports.
func (g *Guard) Coordinator() *Coordinator {
	return g.coordinator
}

// Policy returns the active policy snapshot.
func (g *Guard) Policy() *policy.Policy {
	cp := g.compiled.Load()
	if cp == nil {
		return nil
	}
	return cp.Policy
}

// Close shuts the guard down, failing all pending approvals.
func (g *Guard) Close() {
	if g.coordinator != nil {
		g.coordinator.Destroy()
	}
}

// Compile-time interface verification.
var _ policy.Engine = (*Guard)(nil)
