// Package mailgun provides a Mailgun email alert provider.
package mailgun

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

const defaultBaseURL = "https://api.mailgun.net/v3"

// Provider implements notify.Provider using the Mailgun messages API.
type Provider struct {
	apiKey    string
	domain    string
	fromEmail string
	fromName  string
	baseURL   string
	client    *http.Client
	retry     notify.RetryPolicy
}

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the API base, e.g. the EU region.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(r notify.RetryPolicy) Option {
	return func(p *Provider) { p.retry = r }
}

// New creates a new Mailgun provider.
func New(apiKey, domain, fromEmail, fromName string, opts ...Option) (*Provider, error) {
	if apiKey == "" || domain == "" || fromEmail == "" {
		return nil, errors.New("mailgun: api key, domain and from address are required")
	}
	p := &Provider{
		apiKey:    apiKey,
		domain:    domain,
		fromEmail: fromEmail,
		fromName:  fromName,
		baseURL:   defaultBaseURL,
		client:    notify.NewHTTPClient(10 * time.Second),
		retry:     notify.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ notify.Provider = (*Provider)(nil)

func (p *Provider) Name() string            { return "mailgun" }
func (p *Provider) Channel() notify.Channel { return notify.ChannelEmail }

// Send mails the alert. The dispatch id travels as a user variable so
// Mailgun webhooks can be translated into delivery receipts.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	from := p.fromEmail
	if p.fromName != "" {
		from = fmt.Sprintf("%s <%s>", p.fromName, p.fromEmail)
	}
	form := url.Values{}
	form.Set("from", from)
	form.Set("to", msg.Email)
	form.Set("subject", msg.Subject)
	form.Set("text", msg.Text)
	form.Set("v:dispatch_id", msg.DispatchID)

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("api:"+p.apiKey)))
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	endpoint := fmt.Sprintf("%s/%s/messages", p.baseURL, p.domain)
	resp, err := notify.Post(ctx, p.client, p.Name(), endpoint, header, []byte(form.Encode()), p.retry)
	if err != nil {
		return notify.Result{}, err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return notify.Result{}, fmt.Errorf("mailgun: decode response: %w", err)
	}
	return notify.Result{ProviderMessageID: out.ID, Accepted: 1}, nil
}
