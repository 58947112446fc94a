// Package webhook delivers signed approval-request notifications to the
// configured host endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBodySize caps how much of a webhook response body is read.
// The body is only used for diagnostics, never parsed.
const maxResponseBodySize = 1 * 1024 * 1024 // 1MB

// Sender performs one HTTP delivery attempt. Implementations must be
// safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, body []byte, timeout time.Duration) (status int, respBody []byte, err error)
}

// HTTPSender is the production Sender backed by net/http.
type HTTPSender struct {
	client *http.Client
}

// SenderOption is a functional option for configuring HTTPSender.
type SenderOption func(*HTTPSender)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) SenderOption {
	return func(s *HTTPSender) {
		s.client = client
	}
}

// NewHTTPSender creates a sender with connection pooling and a TLS 1.2
// floor.
func NewHTTPSender(opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send POSTs the body to the url with the given headers. The per-attempt
// timeout is applied via the request context so a slow endpoint cannot
// stall a retry loop beyond its slot.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, body []byte, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("building webhook request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading webhook response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
