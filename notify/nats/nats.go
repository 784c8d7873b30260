// Package nats publishes alert payloads to a NATS JetStream subject so an
// internal delivery service can fan them out.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

// Publisher is the subset of nats.JetStreamContext the provider needs.
type Publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Provider implements notify.Provider over JetStream.
type Provider struct {
	js      Publisher
	conn    *nats.Conn
	subject string
	channel notify.Channel
}

// Connect dials url and returns a provider publishing to subject.
func Connect(url, subject string, channel notify.Channel, opts ...nats.Option) (*Provider, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	p, err := New(js, subject, channel)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.conn = nc
	return p, nil
}

// New wraps an existing JetStream publisher.
func New(js Publisher, subject string, channel notify.Channel) (*Provider, error) {
	if js == nil || subject == "" {
		return nil, errors.New("nats: publisher and subject are required")
	}
	if !channel.Valid() {
		return nil, errors.New("nats: invalid channel")
	}
	return &Provider{js: js, subject: subject, channel: channel}, nil
}

// Close drains the connection opened by Connect.
func (p *Provider) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

var _ notify.Provider = (*Provider)(nil)

func (p *Provider) Name() string            { return "nats" }
func (p *Provider) Channel() notify.Channel { return p.channel }

// Send publishes the signed payload to <subject>.<channel>. The dispatch id
// doubles as the JetStream message id so redelivered publishes deduplicate.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	if p.channel == notify.ChannelPush && len(msg.PushTokens) == 0 {
		return notify.Result{}, notify.ErrNoRecipients
	}

	m := nats.NewMsg(p.subject + "." + string(p.channel))
	m.Data = msg.Payload
	m.Header.Set(nats.MsgIdHdr, msg.DispatchID+":"+string(p.channel))
	m.Header.Set("Alert-Kind", msg.Kind)
	if msg.Signature != "" {
		m.Header.Set(crypto.HeaderSignature, msg.Signature)
		m.Header.Set(crypto.HeaderSignatureTimestamp, msg.Timestamp)
	}
	for _, tok := range msg.PushTokens {
		m.Header.Add("Push-Token", tok)
	}

	ack, err := p.js.PublishMsg(m, nats.Context(ctx))
	if err != nil {
		return notify.Result{}, fmt.Errorf("nats: publish: %w", err)
	}
	accepted := 1
	if p.channel == notify.ChannelPush {
		accepted = len(msg.PushTokens)
	}
	return notify.Result{
		ProviderMessageID: ack.Stream + ":" + strconv.FormatUint(ack.Sequence, 10),
		Accepted:          accepted,
	}, nil
}
