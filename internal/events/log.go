package events

import (
	"context"
	"log/slog"
	"time"

	"notifyd/internal/domain"
)

type Store interface {
	InsertEvent(ctx context.Context, e *domain.Event) error
	UpdateEvent(ctx context.Context, e *domain.Event) error
	GetEvent(ctx context.Context, id string) (*domain.Event, bool, error)
	FindEventByDedup(ctx context.Context, tenantID, dedupKey string, since time.Time) (*domain.Event, bool, error)
}

// Log is the append-only observability trail. Logging is best-effort: a
// failed insert never propagates into delivery behavior.
type Log struct {
	Store       Store
	IDGen       func() string
	DedupWindow time.Duration
	Retention   time.Duration
	Now         func() time.Time
}

func New(store Store, idGen func() string) *Log {
	return &Log{
		Store:       store,
		IDGen:       idGen,
		DedupWindow: 5 * time.Minute,
		Retention:   90 * 24 * time.Hour,
		Now:         time.Now,
	}
}

// Append writes the event, collapsing a repeat of an identical recent event
// into the existing row's occurrence counter.
func (l *Log) Append(ctx context.Context, e *domain.Event) {
	now := l.Now().UTC()

	if l.DedupWindow > 0 {
		existing, found, err := l.Store.FindEventByDedup(ctx, e.TenantID, e.DedupKey(), now.Add(-l.DedupWindow))
		if err == nil && found {
			existing.IncrementOccurrence(e.Data, now)
			if err := l.Store.UpdateEvent(ctx, existing); err != nil {
				slog.Error("event occurrence update failed", "err", err, "event_type", e.Type)
			}
			return
		}
	}

	if l.Retention > 0 && e.ExpiresAt == nil {
		exp := now.Add(l.Retention)
		e.ExpiresAt = &exp
	}
	if err := l.Store.InsertEvent(ctx, e); err != nil {
		slog.Error("event insert failed", "err", err, "event_type", e.Type)
	}
}

// Acknowledge marks an event as seen by an operator. Unlike Append this is
// not best-effort: the caller needs to know whether the ack landed.
func (l *Log) Acknowledge(ctx context.Context, tenantID, id, by string) (*domain.Event, error) {
	e, found, err := l.Store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found || e.TenantID != tenantID {
		return nil, domain.ErrEventNotFound
	}
	e.Acknowledge(by, l.Now().UTC())
	if err := l.Store.UpdateEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (l *Log) Delivery(ctx context.Context, tenantID string, typ domain.EventType, deliveryID, templateID, desc string, data map[string]any) {
	e := domain.NewDeliveryEvent(l.IDGen(), tenantID, typ, deliveryID, templateID, desc, l.Now().UTC())
	e.Data = data
	l.Append(ctx, e)
}

func (l *Log) Tracking(ctx context.Context, tenantID string, typ domain.EventType, deliveryID, desc string, data map[string]any) {
	e := domain.NewTrackingEvent(l.IDGen(), tenantID, typ, deliveryID, desc, l.Now().UTC())
	e.Data = data
	l.Append(ctx, e)
}

func (l *Log) Consent(ctx context.Context, tenantID string, typ domain.EventType, userID, desc string, data map[string]any) {
	e := domain.NewConsentEvent(l.IDGen(), tenantID, typ, userID, desc, l.Now().UTC())
	e.Data = data
	l.Append(ctx, e)
}

func (l *Log) System(ctx context.Context, tenantID string, typ domain.EventType, desc string, data map[string]any) {
	e := domain.NewSystemEvent(l.IDGen(), tenantID, typ, desc, l.Now().UTC())
	e.Data = data
	l.Append(ctx, e)
}
