package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"notifyd/internal/domain"
	"notifyd/internal/events"
	"notifyd/internal/observability"
	"notifyd/internal/provider"
	"notifyd/internal/queue"
)

type Store interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, bool, error)
	UpdateDelivery(ctx context.Context, d *domain.Delivery) error
	GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, bool, error)
	UpdateTemplate(ctx context.Context, t *domain.Template) error
	GetPreference(ctx context.Context, tenantID, userID string) (*domain.Preference, bool, error)
}

// Processor drains one channel's queue on a fixed tick and drives the
// delivery state machine. One processor per channel keeps a stuck provider
// from blocking the others.
type Processor struct {
	Store    Store
	Queue    queue.Queue
	Events   *events.Log
	Registry *provider.Registry
	Channel  domain.Channel

	Interval    time.Duration
	BatchSize   int
	SendTimeout time.Duration
	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker
	Now         func() time.Time

	running atomic.Bool
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Run ticks until the context is cancelled. A tick still in flight when the
// next fires is skipped rather than overlapped.
func (p *Processor) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("processor started", "channel", p.Channel, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("processor stopped", "channel", p.Channel)
			return
		case <-ticker.C:
			if !p.running.CompareAndSwap(false, true) {
				slog.Warn("processor tick overlap, skipping", "channel", p.Channel)
				continue
			}
			if err := p.Tick(ctx); err != nil {
				// Store trouble: drop this tick, the next one retries.
				slog.Error("processor tick failed", "err", err, "channel", p.Channel)
			}
			p.running.Store(false)
		}
	}
}

// Tick pops up to BatchSize due deliveries and processes them.
func (p *Processor) Tick(ctx context.Context) error {
	batch := p.BatchSize
	if batch <= 0 {
		batch = 25
	}
	ids, err := p.Queue.Pop(ctx, p.Channel, batch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			// Shutting down mid-batch: put the rest back.
			_ = p.requeue(context.WithoutCancel(ctx), id)
			continue
		}
		if err := p.processOne(ctx, id); err != nil {
			slog.Error("delivery processing failed", "err", err, "delivery_id", id, "channel", p.Channel)
		}
	}
	if depth, err := p.Queue.Depth(ctx, p.Channel); err == nil {
		observability.QueueDepth.WithLabelValues(string(p.Channel)).Set(float64(depth))
	}
	return nil
}

func (p *Processor) requeue(ctx context.Context, id string) error {
	d, found, err := p.Store.GetDelivery(ctx, id)
	if err != nil || !found {
		return err
	}
	return p.Queue.Push(ctx, p.Channel, id, d.Priority)
}

func (p *Processor) processOne(ctx context.Context, id string) error {
	d, found, err := p.Store.GetDelivery(ctx, id)
	if err != nil {
		// Unknown state: keep the id queued rather than lose it.
		_ = p.Queue.Push(ctx, p.Channel, id, domain.PriorityNormal)
		return err
	}
	if !found {
		return nil
	}

	// The atomic pop means nobody else holds this id, but the stored status
	// is re-checked so a cancelled or already-dispatched delivery is never
	// sent twice.
	if d.Status != domain.DeliveryQueued && d.Status != domain.DeliveryRetry {
		return nil
	}

	now := p.now()

	if d.ScheduledFor != nil && d.ScheduledFor.After(now) {
		return p.Queue.Push(ctx, p.Channel, d.ID, d.Priority)
	}

	if d.IsExpired(now) {
		if err := d.Cancel("expired before dispatch", "processor", now); err != nil {
			return err
		}
		if err := p.Store.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		observability.Deliveries.WithLabelValues(string(p.Channel), string(domain.DeliveryCancelled)).Inc()
		p.Events.Delivery(ctx, d.TenantID, domain.EventDeliveryExpired, d.ID, d.TemplateID, "delivery expired before dispatch", nil)
		return nil
	}

	if next, outside := p.outsideSchedule(ctx, d, now); outside {
		d.ScheduledFor = &next
		if err := p.Store.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		return p.Queue.Push(ctx, p.Channel, d.ID, d.Priority)
	}

	if next, outside := p.outsideTemplateWindow(ctx, d, now); outside {
		d.ScheduledFor = &next
		if err := p.Store.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		return p.Queue.Push(ctx, p.Channel, d.ID, d.Priority)
	}

	// Provider-protection gates run before the PROCESSING claim so a
	// blocked dispatch goes back to the queue without consuming a retry.
	if p.Breaker != nil && p.Breaker.State() == gobreaker.StateOpen {
		observability.ProviderSend.WithLabelValues(string(p.Channel), "cb_open").Inc()
		return p.Queue.Push(ctx, p.Channel, d.ID, d.Priority)
	}
	if p.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.ProviderSend.WithLabelValues(string(p.Channel), "rate_limited_local").Inc()
			return p.Queue.Push(ctx, p.Channel, d.ID, d.Priority)
		}
	}

	if err := d.MarkProcessing(now); err != nil {
		return err
	}
	if err := p.Store.UpdateDelivery(ctx, d); err != nil {
		return err
	}

	return p.dispatch(ctx, d)
}

// outsideSchedule consults the recipient's current schedule window. The
// default reschedule policy is next day 09:00 in the recipient's timezone.
func (p *Processor) outsideSchedule(ctx context.Context, d *domain.Delivery, now time.Time) (time.Time, bool) {
	if d.RecipientID == "" {
		return time.Time{}, false
	}
	pref, found, err := p.Store.GetPreference(ctx, d.TenantID, d.RecipientID)
	if err != nil || !found {
		return time.Time{}, false
	}
	if pref.IsWithinSchedule(d.Channel, now) {
		return time.Time{}, false
	}

	loc := time.UTC
	if cp, ok := pref.Channels[d.Channel]; ok && cp.Schedule != nil {
		loc = cp.Schedule.Location()
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 9, 0, 0, 0, loc).AddDate(0, 0, 1)
	return next.UTC(), true
}

// outsideTemplateWindow consults the template's own quiet-hours and
// business-hours settings, a tenant policy on top of recipient schedules.
func (p *Processor) outsideTemplateWindow(ctx context.Context, d *domain.Delivery, now time.Time) (time.Time, bool) {
	tpl, found, err := p.Store.GetTemplate(ctx, d.TenantID, d.TemplateID)
	if err != nil || !found {
		return time.Time{}, false
	}
	if tpl.Settings.WithinSendWindow(now) {
		return time.Time{}, false
	}
	return tpl.Settings.NextSendTime(now), true
}

func (p *Processor) dispatch(ctx context.Context, d *domain.Delivery) error {
	now := p.now()

	adapter, err := p.Registry.ForChannel(d.Channel)
	if err != nil {
		return p.fail(ctx, d, err.Error(), false)
	}
	if adapter.Name() != d.Metadata.Provider {
		// Provider changed since creation; the frozen name stays as the
		// historical record.
		slog.Warn("provider drift", "delivery_id", d.ID, "frozen", d.Metadata.Provider, "current", adapter.Name())
	}

	start := time.Now()
	res, err := p.executeWithBreaker(ctx, adapter, d)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The breaker tripped under us. Not a delivery failure: release the
		// claim and requeue unchanged.
		observability.ProviderSend.WithLabelValues(string(d.Channel), "cb_open").Inc()
		if err := d.Requeue("circuit_open", p.now()); err != nil {
			return err
		}
		if err := p.Store.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		return p.Queue.Push(ctx, p.Channel, d.ID, d.Priority)
	}
	observability.ProviderLatency.Observe(time.Since(start).Seconds())

	if !res.Success {
		observability.ProviderSend.WithLabelValues(string(d.Channel), "error").Inc()
		reason := "provider send failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		return p.fail(ctx, d, reason, res.Retriable)
	}

	if err := d.MarkSent(res.MessageID, res.Cost, now); err != nil {
		return err
	}
	if err := p.Store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	observability.ProviderSend.WithLabelValues(string(d.Channel), "ok").Inc()
	observability.Deliveries.WithLabelValues(string(d.Channel), string(domain.DeliverySent)).Inc()
	p.Events.Delivery(ctx, d.TenantID, domain.EventDeliverySent, d.ID, d.TemplateID, "delivery sent", map[string]any{
		"provider":          d.Metadata.Provider,
		"providerMessageId": res.MessageID,
	})
	return nil
}

// executeWithBreaker runs the adapter call under the send timeout and, when
// configured, the circuit breaker. Retriable transport failures count
// against the breaker; the Result still carries the details either way.
func (p *Processor) executeWithBreaker(ctx context.Context, adapter provider.Adapter, d *domain.Delivery) (provider.Result, error) {
	call := func() (any, error) {
		timeout := p.SendTimeout
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res := adapter.Send(sendCtx, provider.Payload{
			DeliveryID: d.ID,
			TenantID:   d.TenantID,
			Channel:    d.Channel,
			Recipient:  d.Metadata.Recipient,
			Content:    d.Metadata.Content,
			Context:    d.Metadata.Context,
		})
		if !res.Success && res.Retriable && res.Err != nil {
			return res, res.Err
		}
		return res, nil
	}

	if p.Breaker == nil {
		resAny, _ := call()
		return resAny.(provider.Result), nil
	}
	resAny, err := p.Breaker.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return provider.Result{}, err
	}
	if res, ok := resAny.(provider.Result); ok {
		return res, nil
	}
	return provider.Result{}, err
}

func (p *Processor) fail(ctx context.Context, d *domain.Delivery, reason string, retriable bool) error {
	now := p.now()
	if err := d.MarkFailed(reason, retriable, now); err != nil {
		return err
	}
	if err := p.Store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	observability.Deliveries.WithLabelValues(string(d.Channel), string(domain.DeliveryFailed)).Inc()
	p.Events.Delivery(ctx, d.TenantID, domain.EventDeliveryFailed, d.ID, d.TemplateID, "delivery failed: "+reason, map[string]any{
		"retriable":  retriable,
		"retryCount": d.RetryCount,
	})
	if !d.CanRetry() {
		p.bumpTemplateFailed(ctx, d, now)
	}
	return nil
}

func (p *Processor) bumpTemplateFailed(ctx context.Context, d *domain.Delivery, now time.Time) {
	tpl, found, err := p.Store.GetTemplate(ctx, d.TenantID, d.TemplateID)
	if err != nil || !found {
		return
	}
	tpl.RecordStat(domain.StatFailed, now)
	if err := p.Store.UpdateTemplate(ctx, tpl); err != nil {
		slog.Error("template stats update failed", "err", err, "template_id", tpl.ID)
	}
}
