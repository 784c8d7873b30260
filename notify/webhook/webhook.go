// Package webhook delivers signed alert payloads to an HTTP endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

// Provider POSTs the canonical alert payload to a configured URL.
type Provider struct {
	name    string
	url     string
	channel notify.Channel
	client  *http.Client
	retry   notify.RetryPolicy
	headers http.Header
}

// Option configures the webhook provider.
type Option func(*Provider)

// WithName overrides the provider name recorded on dispatch entries.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(r notify.RetryPolicy) Option {
	return func(p *Provider) { p.retry = r }
}

// WithHeader adds a static header to every request (e.g. an API key).
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Add(key, value) }
}

// New creates a webhook provider for channel.
func New(url string, channel notify.Channel, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("webhook: url is required")
	}
	if !channel.Valid() {
		return nil, errors.New("webhook: invalid channel")
	}
	p := &Provider{
		name:    "webhook",
		url:     url,
		channel: channel,
		client:  notify.NewHTTPClient(10 * time.Second),
		retry:   notify.DefaultRetryPolicy(),
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ notify.Provider = (*Provider)(nil)

func (p *Provider) Name() string            { return p.name }
func (p *Provider) Channel() notify.Channel { return p.channel }

// Send posts msg.Payload. Signature headers are attached when present and
// push tokens travel as X-Push-Token headers so the body stays exactly the
// signed bytes.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	if p.channel == notify.ChannelPush && len(msg.PushTokens) == 0 {
		return notify.Result{}, notify.ErrNoRecipients
	}

	header := p.headers.Clone()
	header.Set("Content-Type", "application/json")
	header.Set("X-Alert-Dispatch-Id", msg.DispatchID)
	header.Set("X-Alert-Channel", string(p.channel))
	if msg.Signature != "" {
		header.Set(crypto.HeaderSignature, msg.Signature)
		header.Set(crypto.HeaderSignatureTimestamp, msg.Timestamp)
	}
	for _, tok := range msg.PushTokens {
		header.Add("X-Push-Token", tok)
	}

	resp, err := notify.Post(ctx, p.client, p.name, p.url, header, msg.Payload, p.retry)
	if err != nil {
		return notify.Result{}, err
	}

	id := resp.Header.Get("X-Message-Id")
	if id == "" {
		var body struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(resp.Body, &body) == nil {
			id = body.ID
		}
	}
	if id == "" {
		id = msg.DispatchID
	}
	accepted := 1
	if p.channel == notify.ChannelPush {
		accepted = len(msg.PushTokens)
	}
	return notify.Result{ProviderMessageID: id, Accepted: accepted}, nil
}
