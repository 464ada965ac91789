package tracking

import (
	"context"
	"log/slog"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/events"
	"notifyd/internal/observability"
)

type Store interface {
	FindDeliveryByTracking(ctx context.Context, trackingID string) (*domain.Delivery, bool, error)
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, bool, error)
	UpdateDelivery(ctx context.Context, d *domain.Delivery) error
	GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, bool, error)
	UpdateTemplate(ctx context.Context, t *domain.Template) error
}

// Service records open/click engagement. Tracking is counted raw: every call
// increments, repeats are not deduplicated. Only the first open pins
// FirstOpenAt.
type Service struct {
	Store  Store
	Events *events.Log
	Now    func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// TrackOpen records one open against the delivery behind the tracking id.
// Errors are absorbed: the pixel contract means the caller always succeeds.
func (s *Service) TrackOpen(ctx context.Context, trackingID string, data map[string]any) {
	d, found, err := s.Store.FindDeliveryByTracking(ctx, trackingID)
	if err != nil || !found {
		if err != nil {
			slog.Error("track open lookup failed", "err", err, "tracking_id", trackingID)
		}
		return
	}

	now := s.now()
	d.RecordOpen(now)
	if err := s.Store.UpdateDelivery(ctx, d); err != nil {
		slog.Error("track open update failed", "err", err, "delivery_id", d.ID)
		return
	}

	s.bumpTemplateStat(ctx, d, domain.StatOpened, now)
	observability.TrackingEvents.WithLabelValues("open").Inc()
	s.Events.Tracking(ctx, d.TenantID, domain.EventDeliveryOpened, d.ID, "delivery opened", data)
}

// TrackClick records one click and the clicked URL.
func (s *Service) TrackClick(ctx context.Context, trackingID, url string, data map[string]any) {
	d, found, err := s.Store.FindDeliveryByTracking(ctx, trackingID)
	if err != nil || !found {
		if err != nil {
			slog.Error("track click lookup failed", "err", err, "tracking_id", trackingID)
		}
		return
	}

	now := s.now()
	d.RecordClick(url, now)
	if err := s.Store.UpdateDelivery(ctx, d); err != nil {
		slog.Error("track click update failed", "err", err, "delivery_id", d.ID)
		return
	}

	s.bumpTemplateStat(ctx, d, domain.StatClicked, now)
	observability.TrackingEvents.WithLabelValues("click").Inc()
	if data == nil {
		data = map[string]any{}
	}
	data["url"] = url
	s.Events.Tracking(ctx, d.TenantID, domain.EventDeliveryClicked, d.ID, "delivery link clicked", data)
}

func (s *Service) bumpTemplateStat(ctx context.Context, d *domain.Delivery, action domain.StatAction, now time.Time) {
	tpl, found, err := s.Store.GetTemplate(ctx, d.TenantID, d.TemplateID)
	if err != nil || !found {
		return
	}
	tpl.RecordStat(action, now)
	if err := s.Store.UpdateTemplate(ctx, tpl); err != nil {
		slog.Error("template stats update failed", "err", err, "template_id", tpl.ID)
	}
}
