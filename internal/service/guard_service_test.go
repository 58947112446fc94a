package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/hitl"
	"github.com/agentguard/agentguard/internal/domain/policy"
	"github.com/agentguard/agentguard/internal/domain/security"
)

// okSender accepts every webhook delivery and records the bodies.
type okSender struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (s *okSender) Send(_ context.Context, _ string, _ map[string]string, body []byte, _ time.Duration) (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, append([]byte(nil), body...))
	return 200, nil, nil
}

func allowAllPolicy() *policy.Policy {
	return &policy.Policy{
		Name:          "allow-all",
		DefaultAction: policy.ActionAllow,
	}
}

func approvalPolicy(secret string) *policy.Policy {
	return &policy.Policy{
		Name:          "hold-payments",
		DefaultAction: policy.ActionAllow,
		Rules: []policy.Rule{
			{
				Name: "hold-payments", Priority: 10, Action: policy.ActionRequireApproval,
				Conditions: []policy.Condition{{Field: "toolCall.toolName", Operator: policy.OpEquals, Value: "send_payment"}},
			},
		},
		Webhook: &policy.WebhookConfig{
			URL:      "https://hooks.example.com/approvals",
			Security: &policy.WebhookSecurityConfig{SigningSecret: secret},
		},
	}
}

func initializedGuard(t *testing.T, opts ...GuardOption) *Guard {
	t.Helper()
	opts = append(opts, WithLogger(testLogger()))
	g := NewGuard(opts...)
	if err := g.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestProtectValidation(t *testing.T) {
	g := NewGuard(WithLogger(testLogger()))

	if _, err := g.Protect("", func(context.Context, ...any) (any, error) { return nil, nil }); !errors.Is(err, guard.ErrInvalidArgument) {
		t.Errorf("empty name: got %v", err)
	}
	if _, err := g.Protect("tool", nil); !errors.Is(err, guard.ErrInvalidArgument) {
		t.Errorf("nil tool: got %v", err)
	}
}

func TestCallBeforeInitialize(t *testing.T) {
	g := NewGuard(WithPolicy(allowAllPolicy()), WithLogger(testLogger()))
	pt, err := g.Protect("read_file", func(context.Context, ...any) (any, error) { return "data", nil })
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if _, err := pt.Call(context.Background()); !errors.Is(err, guard.ErrNotInitialized) {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}

func TestInitializeWithoutPolicy(t *testing.T) {
	g := NewGuard(WithLogger(testLogger()))
	if err := g.Initialize(context.Background()); !errors.Is(err, guard.ErrPolicyLoad) {
		t.Errorf("got %v, want ErrPolicyLoad", err)
	}
}

func TestAllowFlow(t *testing.T) {
	g := initializedGuard(t, WithPolicy(allowAllPolicy()))

	var gotArgs []any
	tool := func(_ context.Context, args ...any) (any, error) {
		gotArgs = args
		return "done", nil
	}
	pt, err := g.Protect("read_file", tool, WithAgentID("reader"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if !pt.IsGuarded() || pt.Name() != "read_file" {
		t.Errorf("wrapper = %q guarded=%v", pt.Name(), pt.IsGuarded())
	}

	res, err := pt.Call(context.Background(), map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != "done" {
		t.Errorf("result = %v", res)
	}
	if len(gotArgs) != 1 {
		t.Errorf("tool received %d args", len(gotArgs))
	}
}

func TestBlockFlow(t *testing.T) {
	pol := &policy.Policy{
		Name:          "no-deletes",
		DefaultAction: policy.ActionAllow,
		Rules: []policy.Rule{
			{
				Name: "block-deletes", Priority: 10, Action: policy.ActionBlock,
				Conditions: []policy.Condition{{Field: "toolCall.toolName", Operator: policy.OpStartsWith, Value: "delete_"}},
			},
		},
	}
	g := initializedGuard(t, WithPolicy(pol))

	var invoked atomic.Bool
	pt, err := g.Protect("delete_table", func(context.Context, ...any) (any, error) {
		invoked.Store(true)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	_, err = pt.Call(context.Background(), map[string]any{"table": "users"})
	var v *policy.ViolationError
	if !errors.As(err, &v) {
		t.Fatalf("got %v, want ViolationError", err)
	}
	if v.RuleName != "block-deletes" || v.Action != policy.ActionBlock {
		t.Errorf("violation = %+v", v)
	}
	if invoked.Load() {
		t.Error("blocked tool must not run")
	}
}

func TestApprovalFlowApproved(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	sender := &okSender{}
	g := initializedGuard(t,
		WithPolicy(approvalPolicy(secret)),
		WithHTTPSender(sender),
		WithApprovalTimeout(5*time.Second),
	)

	var invoked atomic.Int32
	pt, err := g.Protect("send_payment", func(context.Context, ...any) (any, error) {
		invoked.Add(1)
		return "payment-sent", nil
	}, WithAgentID("billing-bot"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	type outcome struct {
		res any
		err error
	}
	outCh := make(chan outcome, 1)
	go func() {
		res, err := pt.Call(context.Background(), map[string]any{"amount": 500})
		outCh <- outcome{res, err}
	}()

	req := awaitPendingRequest(t, g.Coordinator())
	respondSigned(t, g.Coordinator(), secret, req.ID, hitl.DecisionApprove)

	out := <-outCh
	if out.err != nil {
		t.Fatalf("Call: %v", out.err)
	}
	if out.res != "payment-sent" {
		t.Errorf("result = %v", out.res)
	}
	if invoked.Load() != 1 {
		t.Errorf("tool invoked %d times", invoked.Load())
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.bodies) != 1 {
		t.Errorf("webhook delivered %d times", len(sender.bodies))
	}
}

func TestApprovalFlowDenied(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	g := initializedGuard(t,
		WithPolicy(approvalPolicy(secret)),
		WithHTTPSender(&okSender{}),
		WithApprovalTimeout(5*time.Second),
	)

	var invoked atomic.Bool
	pt, err := g.Protect("send_payment", func(context.Context, ...any) (any, error) {
		invoked.Store(true)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := pt.Call(context.Background(), map[string]any{"amount": 500})
		errCh <- err
	}()

	req := awaitPendingRequest(t, g.Coordinator())
	respondSigned(t, g.Coordinator(), secret, req.ID, hitl.DecisionDeny)

	err = <-errCh
	var v *policy.ViolationError
	if !errors.As(err, &v) {
		t.Fatalf("got %v, want ViolationError", err)
	}
	if v.Reason != "not today" {
		t.Errorf("reason = %q", v.Reason)
	}
	if invoked.Load() {
		t.Error("denied tool must not run")
	}
}

func TestApprovalFlowTimeout(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	g := initializedGuard(t,
		WithPolicy(approvalPolicy(secret)),
		WithHTTPSender(&okSender{}),
		WithApprovalTimeout(50*time.Millisecond),
	)

	pt, err := g.Protect("send_payment", func(context.Context, ...any) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if _, err := pt.Call(context.Background(), map[string]any{"amount": 500}); !errors.Is(err, guard.ErrApprovalTimeout) {
		t.Errorf("got %v, want ErrApprovalTimeout", err)
	}
}

func TestReloadPolicyErrors(t *testing.T) {
	g := NewGuard(WithPolicy(allowAllPolicy()), WithLogger(testLogger()))
	if err := g.ReloadPolicy(context.Background()); !errors.Is(err, guard.ErrNotInitialized) {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
	if err := g.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(g.Close)
	if err := g.ReloadPolicy(context.Background()); !errors.Is(err, guard.ErrNoPolicyPath) {
		t.Errorf("got %v, want ErrNoPolicyPath", err)
	}
}

func TestEvaluateFailsClosedUninitialized(t *testing.T) {
	g := NewGuard(WithLogger(testLogger()))
	d := g.Evaluate(&guard.ToolCall{ToolName: "anything"})
	if d.Action != policy.ActionBlock {
		t.Errorf("action = %s, want block", d.Action)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	g := initializedGuard(t, WithPolicy(allowAllPolicy()))
	if err := g.Initialize(context.Background()); err != nil {
		t.Errorf("second Initialize: %v", err)
	}
	if g.Policy() == nil || g.Policy().Name != "allow-all" {
		t.Errorf("active policy = %+v", g.Policy())
	}
}

// awaitPendingRequest polls the registry until the approval request for
// the in-flight call shows up.
func awaitPendingRequest(t *testing.T, c *Coordinator) *hitl.ApprovalRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := c.GetPendingApprovals(); len(pending) > 0 {
			return pending[0].Request
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no approval request appeared")
	return nil
}

func respondSigned(t *testing.T, c *Coordinator, secret, requestID string, decision hitl.Decision) {
	t.Helper()
	env, err := security.NewEnvelope(&policy.WebhookSecurityConfig{SigningSecret: secret})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	resp := hitl.ApprovalResponse{
		RequestID:  requestID,
		Decision:   decision,
		ApprovedBy: "ops@example.com",
	}
	if decision == hitl.DecisionDeny {
		resp.Reason = "not today"
	}
	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	headers, err := env.GenerateHeaders(body, requestID)
	if err != nil {
		t.Fatalf("GenerateHeaders: %v", err)
	}
	if err := c.HandleResponseBody(body, headers); err != nil {
		t.Fatalf("HandleResponseBody: %v", err)
	}
}
