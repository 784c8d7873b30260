// Package smtp provides an SMTP email alert provider for self-hosted relays.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

// Config holds SMTP configuration.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	// UseTLS enables implicit TLS (e.g. port 465).
	UseTLS bool
}

type sendFunc func(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Provider implements notify.Provider over SMTP.
type Provider struct {
	cfg  Config
	send sendFunc
}

// New creates a new SMTP provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" || cfg.FromEmail == "" {
		return nil, errors.New("smtp: host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	p := &Provider{cfg: cfg}
	p.send = p.sendPlain
	if cfg.UseTLS {
		p.send = p.sendTLS
	}
	return p, nil
}

var _ notify.Provider = (*Provider)(nil)

func (p *Provider) Name() string            { return "smtp" }
func (p *Provider) Channel() notify.Channel { return notify.ChannelEmail }

// Send relays the alert. The relay does not return an id, so the dispatch id
// is used as the Message-ID local part.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	if err := ctx.Err(); err != nil {
		return notify.Result{}, err
	}
	messageID := fmt.Sprintf("<%s@%s>", msg.DispatchID, p.cfg.Host)

	from := p.cfg.FromEmail
	if p.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", p.cfg.FromName, p.cfg.FromEmail)
	}
	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", from)
	fmt.Fprintf(&body, "To: %s\r\n", msg.Email)
	fmt.Fprintf(&body, "Subject: %s\r\n", headerValue(msg.Subject))
	fmt.Fprintf(&body, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&body, "X-Dispatch-Id: %s\r\n", headerValue(msg.DispatchID))
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	body.WriteString(msg.Text + "\r\n")

	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	var auth smtp.Auth
	if p.cfg.Username != "" || p.cfg.Password != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}
	if err := p.send(ctx, addr, auth, p.cfg.FromEmail, []string{strings.TrimSpace(msg.Email)}, body.Bytes()); err != nil {
		return notify.Result{}, fmt.Errorf("smtp: %w", err)
	}
	return notify.Result{ProviderMessageID: messageID, Accepted: 1}, nil
}

// headerValue strips CR/LF so values cannot inject headers.
func headerValue(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}

func (p *Provider) sendPlain(_ context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	return smtp.SendMail(addr, auth, from, to, msg)
}

func (p *Provider) sendTLS(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second},
		Config:    &tls.Config{ServerName: p.cfg.Host, MinVersion: tls.VersionTLS12},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
