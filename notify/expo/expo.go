// Package expo provides an Expo push notification alert provider.
package expo

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

const defaultEndpoint = "https://exp.host/--/api/v2/push/send"

// Provider implements notify.Provider using the Expo push API.
type Provider struct {
	accessToken string
	endpoint    string
	client      *http.Client
	retry       notify.RetryPolicy
}

// Option configures the provider.
type Option func(*Provider)

// WithAccessToken sets an Expo access token for projects with enhanced security.
func WithAccessToken(token string) Option {
	return func(p *Provider) { p.accessToken = token }
}

// WithEndpoint overrides the API endpoint.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(r notify.RetryPolicy) Option {
	return func(p *Provider) { p.retry = r }
}

// New creates a new Expo provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		endpoint: defaultEndpoint,
		client:   notify.NewHTTPClient(10 * time.Second),
		retry:    notify.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ notify.Provider = (*Provider)(nil)

func (p *Provider) Name() string            { return "expo" }
func (p *Provider) Channel() notify.Channel { return notify.ChannelPush }

type pushMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
	Priority string            `json:"priority"`
}

type pushTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send pushes one message per device token in a single batch. The send is
// successful when at least one ticket is ok; ticket ids are comma joined.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	if len(msg.PushTokens) == 0 {
		return notify.Result{}, notify.ErrNoRecipients
	}

	batch := make([]pushMessage, 0, len(msg.PushTokens))
	for _, tok := range msg.PushTokens {
		batch = append(batch, pushMessage{
			To:       tok,
			Title:    msg.Subject,
			Body:     msg.Text,
			Data:     map[string]string{"dispatch_id": msg.DispatchID, "alert_kind": msg.Kind},
			Priority: "high",
		})
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return notify.Result{}, err
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if p.accessToken != "" {
		header.Set("Authorization", "Bearer "+p.accessToken)
	}
	resp, err := notify.Post(ctx, p.client, p.Name(), p.endpoint, header, body, p.retry)
	if err != nil {
		return notify.Result{}, err
	}

	var out struct {
		Data []pushTicket `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return notify.Result{}, fmt.Errorf("expo: decode response: %w", err)
	}

	var ids []string
	var firstErr string
	for _, ticket := range out.Data {
		if ticket.Status == "ok" {
			ids = append(ids, ticket.ID)
			continue
		}
		if firstErr == "" {
			firstErr = ticket.Message
		}
	}
	if len(ids) == 0 {
		if firstErr == "" {
			firstErr = "no tickets accepted"
		}
		return notify.Result{}, errors.New("expo: " + firstErr)
	}
	return notify.Result{ProviderMessageID: strings.Join(ids, ","), Accepted: len(ids)}, nil
}
