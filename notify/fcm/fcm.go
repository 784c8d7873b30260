// Package fcm provides a Firebase Cloud Messaging (HTTP v1) alert provider.
package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

// TokenSource returns an OAuth2 bearer token for the FCM API.
type TokenSource func(ctx context.Context) (string, error)

// Provider implements notify.Provider using FCM HTTP v1.
type Provider struct {
	projectID string
	tokens    TokenSource
	baseURL   string
	client    *http.Client
	retry     notify.RetryPolicy
}

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides https://fcm.googleapis.com.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(r notify.RetryPolicy) Option {
	return func(p *Provider) { p.retry = r }
}

// New creates a new FCM provider.
func New(projectID string, tokens TokenSource, opts ...Option) (*Provider, error) {
	if projectID == "" || tokens == nil {
		return nil, errors.New("fcm: project id and token source are required")
	}
	p := &Provider{
		projectID: projectID,
		tokens:    tokens,
		baseURL:   "https://fcm.googleapis.com",
		client:    notify.NewHTTPClient(10 * time.Second),
		retry:     notify.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

var _ notify.Provider = (*Provider)(nil)

func (p *Provider) Name() string            { return "fcm" }
func (p *Provider) Channel() notify.Channel { return notify.ChannelPush }

// Send issues one messages:send call per device token. It succeeds when at
// least one device accepted the message.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	if len(msg.PushTokens) == 0 {
		return notify.Result{}, notify.ErrNoRecipients
	}
	bearer, err := p.tokens(ctx)
	if err != nil {
		return notify.Result{}, fmt.Errorf("fcm: token source: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", p.baseURL, p.projectID)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearer)

	var names []string
	var errs []error
	for _, tok := range msg.PushTokens {
		body, err := json.Marshal(map[string]any{
			"message": map[string]any{
				"token": tok,
				"notification": map[string]string{
					"title": msg.Subject,
					"body":  msg.Text,
				},
				"data": map[string]string{
					"dispatch_id": msg.DispatchID,
					"alert_kind":  msg.Kind,
				},
			},
		})
		if err != nil {
			return notify.Result{}, err
		}
		resp, err := notify.Post(ctx, p.client, p.Name(), url, header, body, p.retry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var out struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			errs = append(errs, err)
			continue
		}
		names = append(names, out.Name)
	}

	if len(names) == 0 {
		return notify.Result{}, errors.Join(errs...)
	}
	return notify.Result{ProviderMessageID: strings.Join(names, ","), Accepted: len(names)}, nil
}
