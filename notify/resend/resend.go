// Package resend provides a Resend email alert provider.
package resend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

const defaultEndpoint = "https://api.resend.com/emails"

// Provider implements notify.Provider using the Resend API.
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

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(r notify.RetryPolicy) Option {
	return func(p *Provider) { p.retry = r }
}

// New creates a new Resend provider.
func New(apiKey, fromEmail, fromName string, opts ...Option) (*Provider, error) {
	if apiKey == "" || fromEmail == "" {
		return nil, errors.New("resend: api key and from address are required")
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

func (p *Provider) Name() string            { return "resend" }
func (p *Provider) Channel() notify.Channel { return notify.ChannelEmail }

const alertTemplate = `<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; }
		.container { max-width: 600px; margin: 0 auto; padding: 20px; }
		.alert { padding: 16px; background: #fef2f2; border-left: 4px solid #dc2626; border-radius: 6px; }
		.footer { font-size: 12px; color: #6b7280; margin-top: 40px; }
	</style>
</head>
<body>
	<div class="container">
		<h1>%s</h1>
		<div class="alert"><p>%s</p></div>
		<p class="footer">Reference: %s</p>
	</div>
</body>
</html>`

// Send mails the alert to msg.Email and returns Resend's email id.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	from := p.fromEmail
	if p.fromName != "" {
		from = fmt.Sprintf("%s <%s>", p.fromName, p.fromEmail)
	}
	payload := map[string]any{
		"from":    from,
		"to":      []string{msg.Email},
		"subject": msg.Subject,
		"text":    msg.Text,
		"html":    fmt.Sprintf(alertTemplate, html.EscapeString(msg.Subject), html.EscapeString(msg.Text), html.EscapeString(msg.DispatchID)),
		"tags": []map[string]string{
			{"name": "dispatch_id", "value": msg.DispatchID},
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

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return notify.Result{}, fmt.Errorf("resend: decode response: %w", err)
	}
	return notify.Result{ProviderMessageID: out.ID, Accepted: 1}, nil
}
