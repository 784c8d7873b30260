// Package sendgrid provides a SendGrid email alert provider.
package sendgrid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

const defaultEndpoint = "https://api.sendgrid.com/v3/mail/send"

// Provider implements notify.Provider using the SendGrid v3 API.
type Provider struct {
	apiKey    string
	fromEmail string
	fromName  string
	endpoint  string
	client    *http.Client
	retry     notify.RetryPolicy
}

// Option configures the provider.
type Option func(*Provider)

// WithEndpoint overrides the API endpoint.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(r notify.RetryPolicy) Option {
	return func(p *Provider) { p.retry = r }
}

// New creates a new SendGrid provider.
func New(apiKey, fromEmail, fromName string, opts ...Option) (*Provider, error) {
	if apiKey == "" || fromEmail == "" {
		return nil, errors.New("sendgrid: api key and from address are required")
	}
	p := &Provider{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		fromName:  fromName,
		endpoint:  defaultEndpoint,
		client:    notify.NewHTTPClient(10 * time.Second),
		retry:     notify.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ notify.Provider = (*Provider)(nil)

func (p *Provider) Name() string            { return "sendgrid" }
func (p *Provider) Channel() notify.Channel { return notify.ChannelEmail }

// Send mails the alert text to msg.Email. The dispatch id is carried as a
// custom arg so SendGrid event webhooks can be matched back to the dispatch.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	payload := map[string]any{
		"personalizations": []map[string]any{
			{
				"to":      []map[string]string{{"email": msg.Email}},
				"subject": msg.Subject,
			},
		},
		"from": map[string]string{
			"email": p.fromEmail,
			"name":  p.fromName,
		},
		"content": []map[string]string{
			{"type": "text/plain", "value": msg.Text},
		},
		"custom_args": map[string]string{
			"dispatch_id": msg.DispatchID,
			"alert_kind":  msg.Kind,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return notify.Result{}, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := notify.Post(ctx, p.client, p.Name(), p.endpoint, header, body, p.retry)
	if err != nil {
		return notify.Result{}, err
	}
	return notify.Result{ProviderMessageID: resp.Header.Get("X-Message-Id"), Accepted: 1}, nil
}
