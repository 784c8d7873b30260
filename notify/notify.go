// Package notify defines the contract between the alert dispatcher and the
// delivery providers, plus the HTTP plumbing the providers share.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Channel is a delivery channel for security alerts.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelPush
}

// Message is one alert as handed to a provider. Payload is the canonical
// JSON document; Timestamp and Signature are empty when signing is off.
type Message struct {
	DispatchID string
	Kind       string
	Email      string
	Subject    string
	Text       string
	Payload    []byte
	Timestamp  string
	Signature  string
	// PushTokens holds the recipient's active device tokens for push providers.
	PushTokens []string
}

// Result is what a provider reports for an accepted message.
type Result struct {
	ProviderMessageID string
	// Accepted is the number of recipients (devices for push) the provider took.
	Accepted int
}

// Provider delivers alert messages over one channel.
type Provider interface {
	Name() string
	Channel() Channel
	Send(ctx context.Context, msg Message) (Result, error)
}

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Provider, e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewHTTPClient returns an instrumented client for provider calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// RetryPolicy bounds provider retries.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
}

// DefaultRetryPolicy retries twice starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Base: 200 * time.Millisecond}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return retry.WithMaxRetries(p.MaxRetries, retry.NewExponential(base))
}

// Response is a completed provider HTTP exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Post sends body to url and returns the 2xx response. Network errors and
// retryable statuses are retried under policy; the context bounds the whole
// exchange including backoff.
func Post(ctx context.Context, client *http.Client, provider, url string, header http.Header, body []byte, policy RetryPolicy) (*Response, error) {
	var out *Response
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			serr := &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: truncate(string(data), 256)}
			if serr.Retryable() {
				return retry.RetryableError(serr)
			}
			return serr
		}
		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ErrNoRecipients is returned by push providers when a message carries no tokens.
var ErrNoRecipients = errors.New("no active push tokens")

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
