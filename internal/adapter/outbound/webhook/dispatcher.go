package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/policy"
	"github.com/agentguard/agentguard/internal/domain/security"
)

// Dispatcher sends one notification per approval request, encrypting
// nominated sensitive fields and signing the final body. Retries use
// exponential backoff: 1s, 2s, 4s between attempts.
type Dispatcher struct {
	sender   Sender
	cfg      *policy.WebhookConfig
	envelope *security.Envelope
	logger   *slog.Logger
}

// NewDispatcher builds a dispatcher for the given webhook config. The
// config must already have defaults applied.
func NewDispatcher(sender Sender, cfg *policy.WebhookConfig, envelope *security.Envelope, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:   sender,
		cfg:      cfg,
		envelope: envelope,
		logger:   logger,
	}
}

// Dispatch delivers the payload for the given request id. Field
// encryption and signing happen once; every retry sends the identical
// body and headers. Exhausting all attempts returns an error wrapping
// guard.ErrWebhookFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, payload map[string]any) error {
	sec := d.cfg.Security
	if sec != nil && sec.EncryptSensitiveData && d.envelope.HasEncryption() {
		if err := d.envelope.EncryptSensitiveFields(payload, sec.SensitiveFields); err != nil {
			return fmt.Errorf("%w: %w", guard.ErrWebhookFailed, err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: serializing payload: %w", guard.ErrWebhookFailed, err)
	}

	secHeaders, err := d.envelope.GenerateHeaders(body, requestID)
	if err != nil {
		return fmt.Errorf("%w: %w", guard.ErrWebhookFailed, err)
	}

	// Custom headers may not shadow the security set.
	headers := make(map[string]string, len(d.cfg.Headers)+len(secHeaders))
	for k, v := range d.cfg.Headers {
		shadowed := false
		for sk := range secHeaders {
			if strings.EqualFold(sk, k) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			headers[k] = v
		}
	}
	for k, v := range secHeaders {
		headers[k] = v
	}

	timeout := time.Duration(d.cfg.TimeoutMs) * time.Millisecond
	attempts := d.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, respBody, sendErr := d.sender.Send(ctx, d.cfg.URL, headers, body, timeout)
		if sendErr == nil && status >= 200 && status < 300 {
			d.logger.Debug("webhook delivered",
				"request_id", requestID,
				"attempt", attempt,
				"status", status)
			return nil
		}

		if sendErr != nil {
			lastErr = sendErr
		} else {
			lastErr = fmt.Errorf("endpoint returned status %d: %s", status, truncate(respBody, 256))
		}
		d.logger.Warn("webhook attempt failed",
			"request_id", requestID,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", lastErr)

		if attempt == attempts {
			break
		}
		backoff := time.Duration(1<<(attempt-1)) * time.Second
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", guard.ErrWebhookFailed, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", guard.ErrWebhookFailed, attempts, lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
