package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/events"
	"notifyd/internal/observability"
	"notifyd/internal/queue"
	"notifyd/internal/store"
)

type RetryStore interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, bool, error)
	UpdateDelivery(ctx context.Context, d *domain.Delivery) error
	ListRetryCandidates(ctx context.Context, now time.Time, limit int) ([]store.RetryCandidate, error)
}

// RetryScheduler re-queues FAILED deliveries whose retry is due. One
// instance serves all channels.
type RetryScheduler struct {
	Store  RetryStore
	Queue  queue.Queue
	Events *events.Log

	Interval  time.Duration
	BatchSize int
	Now       func() time.Time

	running atomic.Bool
}

func (r *RetryScheduler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *RetryScheduler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("retry scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			if !r.running.CompareAndSwap(false, true) {
				slog.Warn("retry tick overlap, skipping")
				continue
			}
			if err := r.Tick(ctx); err != nil {
				slog.Error("retry tick failed", "err", err)
			}
			r.running.Store(false)
		}
	}
}

// Tick promotes due FAILED deliveries to RETRY and pushes them back onto
// their channel queues.
func (r *RetryScheduler) Tick(ctx context.Context) error {
	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}
	now := r.now()

	candidates, err := r.Store.ListRetryCandidates(ctx, now, batch)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if err := r.retryOne(ctx, c.ID, now); err != nil {
			slog.Error("retry promotion failed", "err", err, "delivery_id", c.ID)
		}
	}
	return nil
}

func (r *RetryScheduler) retryOne(ctx context.Context, id string, now time.Time) error {
	d, found, err := r.Store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if d.Status != domain.DeliveryFailed || !d.CanRetry() {
		return nil
	}

	if err := d.MarkRetry(now); err != nil {
		if errors.Is(err, domain.ErrDeliveryExpired) {
			// Stop selecting it; the record keeps its FAILED terminal state.
			d.NextRetryAt = nil
			if uerr := r.Store.UpdateDelivery(ctx, d); uerr != nil {
				return uerr
			}
			r.Events.Delivery(ctx, d.TenantID, domain.EventDeliveryExpired, d.ID, d.TemplateID, "delivery expired before retry", nil)
			return nil
		}
		return err
	}
	if err := r.Store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	if err := r.Queue.Push(ctx, d.Channel, d.ID, d.Priority); err != nil {
		return err
	}
	observability.Retries.Inc()
	r.Events.Delivery(ctx, d.TenantID, domain.EventDeliveryRetried, d.ID, d.TemplateID, "delivery re-queued for retry", map[string]any{
		"retryCount": d.RetryCount,
	})
	return nil
}
