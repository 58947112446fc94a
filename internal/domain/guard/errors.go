package guard

import "errors"

// ErrNotInitialized is returned when a wrapped tool is called before
// Guard.Initialize has completed.
var ErrNotInitialized = errors.New("guard not initialized")

// ErrInvalidArgument is returned by Protect for an empty tool name or a
// nil callable.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrPolicyLoad wraps any failure to read, parse, or validate a policy
// document.
var ErrPolicyLoad = errors.New("policy load failed")

// ErrNoPolicyPath is returned by ReloadPolicy when the guard was built
// from an inline policy rather than a file path.
var ErrNoPolicyPath = errors.New("no policy file path configured")

// ErrApprovalTimeout is returned when no approval response arrives
// within the waiter's timeout.
var ErrApprovalTimeout = errors.New("approval timed out")

// ErrApprovalCancelled is returned when a pending approval is cancelled
// explicitly.
var ErrApprovalCancelled = errors.New("approval cancelled")

// ErrWebhookFailed is returned when webhook dispatch exhausts its retry
// budget.
var ErrWebhookFailed = errors.New("webhook delivery failed")

// ErrInvalidSignature is returned when an inbound response fails header
// or HMAC verification.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrRequestIDMismatch is returned when the request id header does not
// match the response body or the registry key.
var ErrRequestIDMismatch = errors.New("request id mismatch")

// ErrDuplicateNonce is returned when an inbound response reuses a nonce
// already consumed within the cache window (possible replay).
var ErrDuplicateNonce = errors.New("duplicate nonce: possible replay")

// ErrUnknownRequestID is returned for a response whose request id has no
// registry entry.
var ErrUnknownRequestID = errors.New("unknown request id")

// ErrCoordinatorClosed is returned to outstanding waiters when the HITL
// coordinator is destroyed.
var ErrCoordinatorClosed = errors.New("hitl coordinator shut down")
