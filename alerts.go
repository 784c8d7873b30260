package sessionguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

// AlertRequest asks the dispatcher to notify a user.
type AlertRequest struct {
	Email      string
	Kind       AlertKind
	OccurredAt time.Time
	// Context carries non-secret details such as attempt counts.
	Context map[string]any
}

// AlertOutcome describes what Dispatch did.
type AlertOutcome struct {
	// Suppressed is set when the cooldown blocked the dispatch.
	Suppressed bool
	// Skipped names why nothing was attempted (disabled, no providers).
	Skipped  string
	Dispatch *AlertDispatch
}

type alertDispatcherConfig struct {
	Enabled        bool
	EmailEnabled   bool
	PushEnabled    bool
	Cooldown       time.Duration
	Timeout        time.Duration
	SigningSecret  []byte
	ReceiptSecret  []byte
	ReceiptMaxSkew time.Duration
	AppName        string
}

// AlertDispatcher sends risk alerts over every enabled channel, enforcing a
// per-user, per-kind cooldown and recording one dispatch per alert.
type AlertDispatcher struct {
	store     Store
	providers map[notify.Channel][]NotificationProvider
	breakers  map[NotificationProvider]*CircuitBreaker
	cfg       alertDispatcherConfig
	logger    *zap.Logger
	metrics   *metrics
	clock     func() time.Time
}

func newAlertDispatcher(store Store, providers []NotificationProvider, cfg alertDispatcherConfig, logger *zap.Logger, m *metrics, clock func() time.Time) *AlertDispatcher {
	d := &AlertDispatcher{
		store:     store,
		providers: make(map[notify.Channel][]NotificationProvider),
		breakers:  make(map[NotificationProvider]*CircuitBreaker),
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		clock:     clock,
	}
	if d.cfg.Timeout <= 0 {
		d.cfg.Timeout = 5 * time.Second
	}
	for _, p := range providers {
		d.providers[p.Channel()] = append(d.providers[p.Channel()], p)
		d.breakers[p] = NewCircuitBreaker(p.Name(), 5, time.Minute, clock)
	}
	return d
}

// channels returns the enabled channels that have at least one provider.
func (d *AlertDispatcher) channels() []notify.Channel {
	var out []notify.Channel
	if d.cfg.EmailEnabled && len(d.providers[notify.ChannelEmail]) > 0 {
		out = append(out, notify.ChannelEmail)
	}
	if d.cfg.PushEnabled && len(d.providers[notify.ChannelPush]) > 0 {
		out = append(out, notify.ChannelPush)
	}
	return out
}

// Dispatch runs one alert through cooldown check, delivery and recording.
// Provider failures are recorded on the dispatch and never returned; the
// error result only reports store failures.
func (d *AlertDispatcher) Dispatch(ctx context.Context, req AlertRequest) (*AlertOutcome, error) {
	if !d.cfg.Enabled {
		return &AlertOutcome{Skipped: "disabled"}, nil
	}
	channels := d.channels()
	if len(channels) == 0 {
		d.logger.Warn("security alert dropped", zap.String("kind", string(req.Kind)), zap.Error(ErrNoProviders))
		return &AlertOutcome{Skipped: "no_providers"}, nil
	}

	now := d.clock()
	if req.OccurredAt.IsZero() {
		req.OccurredAt = now
	}

	reserved, err := d.store.Alerts().ReserveCooldown(ctx, req.Email, req.Kind, now, d.cfg.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("reserve cooldown: %w", err)
	}
	if !reserved {
		d.metrics.alertSuppressed(req.Kind)
		d.logger.Debug("security alert suppressed by cooldown",
			zap.String("kind", string(req.Kind)),
			zap.String("email", crypto.MaskEmail(req.Email)),
		)
		return &AlertOutcome{Suppressed: true}, nil
	}

	rec := AlertDispatch{
		DispatchID: uuid.NewString(),
		Email:      req.Email,
		Kind:       req.Kind,
		OccurredAt: req.OccurredAt,
		Channels:   make(map[notify.Channel]*ChannelDelivery, len(channels)),
	}

	msg, err := d.compose(rec, req.Context, now)
	if err != nil {
		return nil, err
	}

	var pushTokens []string
	for _, ch := range channels {
		if ch != notify.ChannelPush {
			continue
		}
		toks, err := d.store.PushTokens().ListPushTokens(ctx, req.Email, false)
		if err != nil {
			d.logger.Warn("list push tokens failed", zap.Error(err))
		}
		for _, t := range toks {
			pushTokens = append(pushTokens, t.Token)
		}
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range channels {
		chMsg := msg
		if ch == notify.ChannelPush {
			chMsg.PushTokens = pushTokens
		}
		wg.Add(1)
		go func(ch notify.Channel, m notify.Message) {
			defer wg.Done()
			entry := d.deliver(ctx, ch, m)
			mu.Lock()
			rec.Channels[ch] = entry
			mu.Unlock()
		}(ch, chMsg)
	}
	wg.Wait()

	if entry, ok := rec.Channels[notify.ChannelPush]; ok && entry.Sent() {
		if err := d.store.PushTokens().TouchPushTokens(ctx, pushTokens, now); err != nil {
			d.logger.Warn("touch push tokens failed", zap.Error(err))
		}
	}

	rec.Recompute()
	if err := d.store.Alerts().SaveDispatch(ctx, rec); err != nil {
		return nil, fmt.Errorf("save dispatch: %w", err)
	}

	d.logger.Info("security alert dispatched",
		zap.String("dispatch_id", rec.DispatchID),
		zap.String("kind", string(rec.Kind)),
		zap.String("status", string(rec.Status)),
		zap.String("email", crypto.MaskEmail(rec.Email)),
	)
	return &AlertOutcome{Dispatch: &rec}, nil
}

// deliver tries the channel's providers in order until one accepts. Each
// attempt is bounded by the provider timeout and skipped while its circuit
// is open.
func (d *AlertDispatcher) deliver(ctx context.Context, ch notify.Channel, msg notify.Message) *ChannelDelivery {
	entry := &ChannelDelivery{}
	if ch == notify.ChannelPush && len(msg.PushTokens) == 0 {
		entry.Provider = d.providers[ch][0].Name()
		entry.Error = notify.ErrNoRecipients.Error()
		d.metrics.alertDelivery(ch, entry.Provider, "no_recipients")
		return entry
	}

	var lastErr error
	for _, p := range d.providers[ch] {
		entry.Provider = p.Name()
		cb := d.breakers[p]
		if !cb.Allow() {
			lastErr = &UpstreamDeliveryError{Provider: p.Name(), Channel: string(ch), Err: errors.New("circuit open")}
			d.metrics.alertDelivery(ch, p.Name(), "circuit_open")
			continue
		}

		res, err := d.send(ctx, p, msg)
		if err != nil {
			cb.Failure()
			lastErr = &UpstreamDeliveryError{Provider: p.Name(), Channel: string(ch), Err: err}
			d.metrics.alertDelivery(ch, p.Name(), "error")
			d.logger.Warn("alert delivery failed",
				zap.String("provider", p.Name()),
				zap.String("channel", string(ch)),
				zap.String("dispatch_id", msg.DispatchID),
				zap.Error(err),
			)
			continue
		}

		cb.Success()
		sentAt := d.clock()
		entry.SentAt = &sentAt
		entry.ProviderMessageID = res.ProviderMessageID
		entry.Error = ""
		d.metrics.alertDelivery(ch, p.Name(), "sent")
		return entry
	}

	if lastErr != nil {
		entry.Error = lastErr.Error()
	}
	return entry
}

// send calls the provider under the per-call timeout and turns panics into
// errors so a misbehaving adapter cannot take the dispatcher down.
func (d *AlertDispatcher) send(ctx context.Context, p NotificationProvider, msg notify.Message) (res notify.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return p.Send(ctx, msg)
}

// compose builds the provider-neutral message and signs its payload.
func (d *AlertDispatcher) compose(rec AlertDispatch, details map[string]any, now time.Time) (notify.Message, error) {
	if details == nil {
		details = map[string]any{}
	}
	payload := map[string]any{
		"dispatch_id": rec.DispatchID,
		"alert_kind":  string(rec.Kind),
		"email":       rec.Email,
		"occurred_at": rec.OccurredAt.UTC().Format(time.RFC3339),
		"context":     details,
	}

	msg := notify.Message{
		DispatchID: rec.DispatchID,
		Kind:       string(rec.Kind),
		Email:      rec.Email,
	}
	msg.Subject, msg.Text = alertText(d.cfg.AppName, rec.Kind, details)

	if len(d.cfg.SigningSecret) > 0 {
		canonical, ts, sig, err := crypto.SignPayload(d.cfg.SigningSecret, payload, now)
		if err != nil {
			return notify.Message{}, fmt.Errorf("sign alert payload: %w", err)
		}
		msg.Payload, msg.Timestamp, msg.Signature = canonical, ts, sig
		return msg, nil
	}

	canonical, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return notify.Message{}, err
	}
	msg.Payload = canonical
	return msg, nil
}

func alertText(app string, kind AlertKind, details map[string]any) (string, string) {
	switch kind {
	case AlertFailedLoginSpike:
		n, _ := details["failed_attempts"].(int)
		return fmt.Sprintf("%s: unusual sign-in activity", app),
			fmt.Sprintf("We blocked %d failed sign-in attempts on your account. If this was not you, change your password.", n)
	case AlertEmergencyLockdown:
		return fmt.Sprintf("%s: your account was locked down", app),
			"All sessions on your account were signed out at your request. Sign in again to continue."
	case AlertRefreshReuse:
		return fmt.Sprintf("%s: suspicious session activity", app),
			"A previously used session token was presented again. If you do not recognise this, lock down your account."
	default:
		return fmt.Sprintf("%s: security alert", app), "A security event occurred on your account."
	}
}
