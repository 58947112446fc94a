package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentguard/agentguard/internal/adapter/outbound/memory"
	"github.com/agentguard/agentguard/internal/adapter/outbound/webhook"
	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/hitl"
	"github.com/agentguard/agentguard/internal/domain/security"
)

// sweepInterval is how often housekeeping runs over pending requests
// and the nonce cache.
const sweepInterval = time.Minute

// Notifier delivers the approval-request notification for a freshly
// registered request. The webhook dispatcher is the production
// implementation.
type Notifier interface {
	Dispatch(ctx context.Context, requestID string, payload map[string]any) error
}

// ApprovalObserver receives coordinator telemetry. Implementations
// must be safe for concurrent use.
type ApprovalObserver interface {
	RecordApprovalResolved(outcome string, latency time.Duration)
	SetPendingApprovals(n int)
}

// Coordinator owns the lifecycle of human approval requests: register,
// notify, demultiplex inbound decisions to waiters, expire stale
// entries. Safe for concurrent use.
type Coordinator struct {
	store    *memory.PendingStore
	nonces   *security.NonceCache
	envelope *security.Envelope
	notifier Notifier
	observer ApprovalObserver
	logger   *slog.Logger
	now      func() time.Time

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithNotifier sets the outbound notification channel. Without one,
// requests are registered and wait for a decision through the inbound
// API alone.
func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

// WithObserver sets the telemetry sink.
func WithObserver(o ApprovalObserver) CoordinatorOption {
	return func(c *Coordinator) { c.observer = o }
}

// NewCoordinator builds a coordinator and starts its housekeeping
// loop. The envelope may be nil when no webhook security is
// configured; inbound responses are then accepted without signature
// checks.
func NewCoordinator(envelope *security.Envelope, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:    memory.NewPendingStore(logger),
		nonces:   security.NewNonceCache(security.DefaultNonceTTL),
		envelope: envelope,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wg.Add(1)
	go c.housekeeping()
	return c
}

// CreateApprovalRequest registers a pending request and dispatches the
// notification. The registry entry is published before dispatch so a
// response racing ahead of the waiter still lands. A failed dispatch
// rolls the entry back.
func (c *Coordinator) CreateApprovalRequest(ctx context.Context, call *guard.ToolCall) (*hitl.ApprovalRequest, error) {
	if c.closed.Load() {
		return nil, guard.ErrCoordinatorClosed
	}
	now := c.now()
	req := &hitl.ApprovalRequest{
		ID:        uuid.NewString(),
		ToolCall:  call,
		CreatedAt: now,
		ExpiresAt: now.Add(hitl.DefaultRequestTTL),
	}
	c.store.Insert(req)
	c.publishPendingCount()

	if c.notifier != nil {
		payload, err := requestPayload(req)
		if err != nil {
			c.store.Remove(req.ID)
			c.publishPendingCount()
			return nil, err
		}
		if err := c.notifier.Dispatch(ctx, req.ID, payload); err != nil {
			c.store.Remove(req.ID)
			c.publishPendingCount()
			return nil, err
		}
	}

	c.logger.Info("approval request created",
		"request_id", req.ID,
		"tool", call.ToolName,
		"expires_at", req.ExpiresAt)
	return req, nil
}

// requestPayload builds the outgoing notification body. A JSON
// round-trip turns the typed request into the mutable map the
// dispatcher encrypts fields in.
func requestPayload(req *hitl.ApprovalRequest) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing approval request: %w", guard.ErrWebhookFailed, err)
	}
	var reqMap map[string]any
	if err := json.Unmarshal(raw, &reqMap); err != nil {
		return nil, fmt.Errorf("%w: %w", guard.ErrWebhookFailed, err)
	}
	return map[string]any{"request": reqMap}, nil
}

// WaitForApproval blocks until the request resolves, the timeout
// elapses, or the context is cancelled. On timeout or cancellation the
// entry is removed; if removal loses the race against a concurrent
// delivery, the buffered result wins and is returned instead.
func (c *Coordinator) WaitForApproval(ctx context.Context, requestID string, timeout time.Duration) (hitl.Result, error) {
	early, ch, err := c.store.Attach(requestID)
	if err != nil {
		return hitl.Result{}, err
	}
	if early != nil {
		c.publishPendingCount()
		return c.resolve(requestID, *early)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		c.publishPendingCount()
		return c.resolve(requestID, res)
	case <-timer.C:
		if !c.store.Remove(requestID) {
			res := <-ch
			c.publishPendingCount()
			return c.resolve(requestID, res)
		}
		c.publishPendingCount()
		c.observeResolved("timeout", timeout)
		c.logger.Warn("approval request timed out",
			"request_id", requestID,
			"timeout", timeout)
		return hitl.Result{}, fmt.Errorf("%w after %s", guard.ErrApprovalTimeout, timeout)
	case <-ctx.Done():
		if !c.store.Remove(requestID) {
			res := <-ch
			c.publishPendingCount()
			return c.resolve(requestID, res)
		}
		c.publishPendingCount()
		c.observeResolved("cancelled", 0)
		return hitl.Result{}, fmt.Errorf("%w: %w", guard.ErrApprovalCancelled, ctx.Err())
	}
}

// resolve finalizes a delivered result for the waiter.
func (c *Coordinator) resolve(requestID string, res hitl.Result) (hitl.Result, error) {
	if res.Err != nil {
		c.observeResolved("failed", res.ResponseTime)
		return hitl.Result{}, res.Err
	}
	outcome := "denied"
	if res.Approved {
		outcome = "approved"
	}
	c.observeResolved(outcome, res.ResponseTime)
	c.logger.Info("approval request resolved",
		"request_id", requestID,
		"outcome", outcome,
		"response_time", res.ResponseTime)
	return res, nil
}

// HandleResponseBody validates and applies an inbound decision carried
// as a raw JSON body plus transport headers. The signature is verified
// against the exact bytes received. Validation order: entry lookup,
// security envelope, nonce uniqueness, then delivery.
func (c *Coordinator) HandleResponseBody(body []byte, headers map[string]string) error {
	if c.closed.Load() {
		return guard.ErrCoordinatorClosed
	}

	var resp hitl.ApprovalResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: invalid response body: %w", guard.ErrInvalidArgument, err)
	}
	if resp.RequestID == "" {
		return fmt.Errorf("%w: response has no requestId", guard.ErrInvalidArgument)
	}

	req, ok := c.store.Request(resp.RequestID)
	if !ok {
		return fmt.Errorf("%w: %s", guard.ErrUnknownRequestID, resp.RequestID)
	}

	if c.envelope != nil {
		result := c.envelope.ValidateResponse(body, headers, resp.RequestID)
		if !result.Valid {
			if result.Reason == "Request ID mismatch" {
				return fmt.Errorf("%w: %s", guard.ErrRequestIDMismatch, resp.RequestID)
			}
			return fmt.Errorf("%w: %s", guard.ErrInvalidSignature, result.Reason)
		}
		nonce, _ := security.HeaderLookup(headers, security.HeaderNonce)
		if c.nonces.Seen(nonce) {
			return fmt.Errorf("%w: %s", guard.ErrDuplicateNonce, nonce)
		}
		c.nonces.Record(nonce, c.now())
	}

	res := hitl.Result{
		Approved:     resp.Decision == hitl.DecisionApprove,
		Reason:       resp.Reason,
		ApprovedBy:   resp.ApprovedBy,
		ResponseTime: c.now().Sub(req.CreatedAt),
	}
	overwrote, err := c.store.Deliver(resp.RequestID, res)
	if err != nil {
		return fmt.Errorf("%w: %s", guard.ErrUnknownRequestID, resp.RequestID)
	}
	if overwrote {
		c.logger.Warn("duplicate response overwrote earlier decision",
			"request_id", resp.RequestID)
	}
	c.publishPendingCount()
	return nil
}

// HandleApprovalResponse applies an already-decoded decision. Header
// verification runs against the canonical re-serialization of the
// response, so it only suits callers that sign that exact form.
func (c *Coordinator) HandleApprovalResponse(resp *hitl.ApprovalResponse, headers map[string]string) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("%w: %w", guard.ErrInvalidArgument, err)
	}
	return c.HandleResponseBody(body, headers)
}

// CancelApproval resolves a pending request with a cancellation error.
// Returns false when the id is unknown.
func (c *Coordinator) CancelApproval(requestID string) bool {
	ok := c.store.Fail(requestID, guard.ErrApprovalCancelled)
	if ok {
		c.publishPendingCount()
		c.logger.Info("approval request cancelled", "request_id", requestID)
	}
	return ok
}

// CleanupExpiredRequests expires entries past their deadline, failing
// any attached waiters. Returns how many were expired.
func (c *Coordinator) CleanupExpiredRequests() int {
	expired := c.store.Expired(c.now())
	for _, id := range expired {
		if c.store.Fail(id, guard.ErrApprovalTimeout) {
			c.logger.Warn("approval request expired", "request_id", id)
		}
	}
	if len(expired) > 0 {
		c.publishPendingCount()
	}
	return len(expired)
}

// GetPendingApprovals snapshots the registry.
func (c *Coordinator) GetPendingApprovals() []hitl.PendingInfo {
	return c.store.Snapshot(c.now())
}

// GetStats summarizes the registry.
func (c *Coordinator) GetStats() hitl.Stats {
	return c.store.Stats(c.now())
}

// Destroy stops housekeeping and fails every pending request. Safe to
// call more than once.
func (c *Coordinator) Destroy() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.wg.Wait()
	dropped := c.store.FailAll(guard.ErrCoordinatorClosed)
	c.publishPendingCount()
	if dropped > 0 {
		c.logger.Info("coordinator shut down with pending requests", "dropped", dropped)
	}
}

func (c *Coordinator) housekeeping() {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CleanupExpiredRequests()
			if removed := c.nonces.Sweep(c.now()); removed > 0 {
				c.logger.Debug("nonce cache swept", "removed", removed)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) observeResolved(outcome string, latency time.Duration) {
	if c.observer != nil {
		c.observer.RecordApprovalResolved(outcome, latency)
	}
}

func (c *Coordinator) publishPendingCount() {
	if c.observer != nil {
		c.observer.SetPendingApprovals(c.store.Stats(c.now()).Pending)
	}
}

// compile-time check that the webhook dispatcher satisfies Notifier.
var _ Notifier = (*webhook.Dispatcher)(nil)
