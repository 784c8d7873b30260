package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

type fakeJetStream struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: "ALERTS", Sequence: uint64(len(f.msgs))}, nil
}

func TestNATSPublish(t *testing.T) {
	js := &fakeJetStream{}
	p, err := New(js, "security.alerts", notify.ChannelEmail)
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Send(context.Background(), notify.Message{
		DispatchID: "d1",
		Kind:       "emergency_lockdown",
		Payload:    []byte(`{"dispatch_id":"d1"}`),
		Timestamp:  "1700000000",
		Signature:  "abc",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "ALERTS:1" {
		t.Fatalf("message id = %q", res.ProviderMessageID)
	}
	m := js.msgs[0]
	if m.Subject != "security.alerts.email" {
		t.Fatalf("subject = %q", m.Subject)
	}
	if m.Header.Get(nats.MsgIdHdr) != "d1:email" || m.Header.Get("X-Signature") != "abc" {
		t.Fatalf("headers = %v", m.Header)
	}
}

func TestNATSPublishError(t *testing.T) {
	boom := errors.New("no responders")
	p, _ := New(&fakeJetStream{err: boom}, "security.alerts", notify.ChannelEmail)
	if _, err := p.Send(context.Background(), notify.Message{DispatchID: "d1"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}
