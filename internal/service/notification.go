package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/domain"
	"notifyd/internal/events"
	"notifyd/internal/observability"
	"notifyd/internal/provider"
	"notifyd/internal/queue"
	"notifyd/internal/store"
	"notifyd/internal/util"
)

type Store interface {
	InsertTemplate(ctx context.Context, t *domain.Template) error
	UpdateTemplate(ctx context.Context, t *domain.Template) error
	GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, bool, error)

	InsertDelivery(ctx context.Context, d *domain.Delivery) error
	UpdateDelivery(ctx context.Context, d *domain.Delivery) error
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, bool, error)
	FindDeliveryByTracking(ctx context.Context, trackingID string) (*domain.Delivery, bool, error)
	FindDeliveryByProviderMsgID(ctx context.Context, providerMsgID string) (*domain.Delivery, bool, error)
	DeliveryStats(ctx context.Context, f store.StatsFilter) (store.DeliveryStats, error)

	GetPreference(ctx context.Context, tenantID, userID string) (*domain.Preference, bool, error)
	UpsertPreference(ctx context.Context, p *domain.Preference) error

	IncrementWindowCount(ctx context.Context, key string, window time.Time, limit int) (allowed bool, count int, err error)
}

// RecipientResolver looks up contact info for a user id. External
// collaborator; a nil resolver means only explicit contact info is usable.
type RecipientResolver interface {
	Resolve(ctx context.Context, tenantID, userID string) (domain.ContactInfo, error)
}

// NotificationService is the delivery orchestrator. It is constructed
// explicitly and injected; there is no package-level instance.
type NotificationService struct {
	Store    Store
	Queue    queue.Queue
	Events   *events.Log
	Registry *provider.Registry
	Resolver RecipientResolver
	Now      func() time.Time
}

func (s *NotificationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return util.NowUTC()
}

type SendRequest struct {
	TemplateID   string             `json:"templateId"`
	UserID       string             `json:"userId,omitempty"`
	Contact      domain.ContactInfo `json:"contact,omitempty"`
	Channels     []domain.Channel   `json:"channels,omitempty"`
	Variables    map[string]any     `json:"variables,omitempty"`
	Context      map[string]string  `json:"context,omitempty"`
	ScheduledFor *time.Time         `json:"scheduledFor,omitempty"`
}

func (r SendRequest) Validate() error {
	if r.TemplateID == "" {
		return domain.ErrMissingFields
	}
	return nil
}

// SendNotification resolves template + recipient + preferences into one
// QUEUED delivery per eligible channel. An empty eligible set is not an
// error: it returns an empty id list and logs one cancellation event.
func (s *NotificationService) SendNotification(ctx context.Context, tenantID string, req SendRequest) ([]string, error) {
	now := s.now()

	tpl, found, err := s.Store.GetTemplate(ctx, tenantID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrTemplateNotFound
	}
	if tpl.Status != domain.TemplateActive {
		return nil, fmt.Errorf("%w: status %s", domain.ErrTemplateInactive, tpl.Status)
	}

	if res := tpl.ValidateVariables(req.Variables); !res.Valid {
		return nil, domain.NewValidationError(res.Errors...)
	}

	// Preference is nullable: without a resolvable user there is nothing to
	// gate on and every requested channel passes.
	var pref *domain.Preference
	if req.UserID != "" {
		pref, err = s.resolvePreference(ctx, tenantID, req.UserID, now)
		if err != nil {
			return nil, err
		}
	}

	eligible, consentBlocked := s.eligibleChannels(tpl, pref, req.Channels, now)
	if len(eligible) == 0 {
		s.Events.Delivery(ctx, tenantID, domain.EventDeliveryCancelled, "", tpl.ID,
			"no eligible channels for notification", map[string]any{
				"userId":    req.UserID,
				"requested": req.Channels,
			})
		if consentBlocked {
			s.Events.Consent(ctx, tenantID, domain.EventConsentBlocked, req.UserID,
				"delivery blocked by consent state", map[string]any{"templateId": tpl.ID})
		}
		observability.Suppressed.WithLabelValues("no_eligible_channels").Inc()
		return []string{}, nil
	}

	contact, err := s.resolveContact(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	var consent *domain.ConsentSnapshot
	if pref != nil {
		consent = pref.Snapshot()
	}

	ids := make([]string, 0, len(eligible))
	for _, ch := range eligible {
		content := tpl.RenderContent(ch, req.Variables)
		if content == nil {
			continue
		}

		adapter, err := s.Registry.ForChannel(ch)
		if err != nil {
			slog.Warn("channel has no adapter, skipping", "channel", ch, "template_id", tpl.ID)
			observability.Suppressed.WithLabelValues("no_adapter").Inc()
			continue
		}

		ok, err := s.consumeSendBudget(ctx, tenantID, tpl, pref, ch, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		d := domain.NewDelivery(util.NewDeliveryID(), tpl, ch, content, contact, consent,
			adapter.Name(), uuid.NewString(), req.Context, req.ScheduledFor, now)

		if err := s.Store.InsertDelivery(ctx, d); err != nil {
			return nil, err
		}
		if err := s.Queue.Push(ctx, ch, d.ID, d.Priority); err != nil {
			// The row exists but will never be dispatched; fail it so the
			// caller knows the request was not accepted.
			_ = d.MarkProcessing(now)
			_ = d.MarkFailed("enqueue_failed", false, now)
			_ = s.Store.UpdateDelivery(ctx, d)
			return nil, err
		}

		tpl.RecordStat(domain.StatSent, now)
		observability.Deliveries.WithLabelValues(string(ch), string(domain.DeliveryQueued)).Inc()
		s.Events.Delivery(ctx, tenantID, domain.EventDeliveryQueued, d.ID, tpl.ID, "delivery queued", nil)
		ids = append(ids, d.ID)
	}

	if len(ids) > 0 {
		if err := s.Store.UpdateTemplate(ctx, tpl); err != nil {
			slog.Error("template stats update failed", "err", err, "template_id", tpl.ID)
		}
	}
	return ids, nil
}

type BulkRecipient struct {
	UserID    string             `json:"userId,omitempty"`
	Contact   domain.ContactInfo `json:"contact,omitempty"`
	Variables map[string]any     `json:"variables,omitempty"`
}

type BulkResult struct {
	DeliveryIDs []string `json:"deliveryIds"`
	Failed      int      `json:"failed"`
}

// SendBulkNotification fans out one send per recipient. A single recipient's
// failure is logged and skipped, never aborting the batch.
func (s *NotificationService) SendBulkNotification(ctx context.Context, tenantID string, base SendRequest, recipients []BulkRecipient) BulkResult {
	var out BulkResult
	for _, r := range recipients {
		req := base
		req.UserID = r.UserID
		req.Contact = r.Contact
		if len(r.Variables) > 0 {
			merged := make(map[string]any, len(base.Variables)+len(r.Variables))
			for k, v := range base.Variables {
				merged[k] = v
			}
			for k, v := range r.Variables {
				merged[k] = v
			}
			req.Variables = merged
		}

		ids, err := s.SendNotification(ctx, tenantID, req)
		if err != nil {
			out.Failed++
			slog.Error("bulk recipient send failed", "err", err, "tenant_id", tenantID, "user_id", r.UserID)
			s.Events.System(ctx, tenantID, domain.EventSystemError,
				"bulk recipient send failed", map[string]any{"userId": r.UserID, "error": err.Error()})
			continue
		}
		out.DeliveryIDs = append(out.DeliveryIDs, ids...)
	}
	return out
}

// resolvePreference loads the user's preference, creating the default opt-in
// record on first contact.
func (s *NotificationService) resolvePreference(ctx context.Context, tenantID, userID string, now time.Time) (*domain.Preference, error) {
	pref, found, err := s.Store.GetPreference(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if found {
		return pref, nil
	}
	pref = domain.NewPreference(util.NewPreferenceID(), tenantID, userID, now)
	// First contact implies transactional legitimate interest until an
	// explicit consent action is recorded.
	pref.GrantConsent(domain.ConsentTransactional, "legitimate_interest", "system", "first_send", nil, now)
	if err := s.Store.UpsertPreference(ctx, pref); err != nil {
		return nil, err
	}
	return pref, nil
}

// eligibleChannels filters the requested channels through template support
// and the recipient's preference gates. The second return reports whether
// consent state suppressed at least one channel.
func (s *NotificationService) eligibleChannels(tpl *domain.Template, pref *domain.Preference, requested []domain.Channel, now time.Time) ([]domain.Channel, bool) {
	candidates := requested
	if len(candidates) == 0 {
		candidates = tpl.SupportedChannels
	}

	var out []domain.Channel
	var consentBlocked bool
	for _, ch := range candidates {
		if !tpl.SupportsChannel(ch) {
			continue
		}
		if pref != nil {
			if !pref.CanReceiveTemplate(ch, tpl.ID, now) || !pref.CanReceiveCategory(ch, tpl.Category, now) {
				observability.Suppressed.WithLabelValues("consent").Inc()
				consentBlocked = true
				continue
			}
			if !pref.IsWithinSchedule(ch, now) {
				observability.Suppressed.WithLabelValues("schedule").Inc()
				continue
			}
		}
		out = append(out, ch)
	}
	return out, consentBlocked
}

// consumeSendBudget applies the recipient's per-channel daily cap and the
// template's per-minute rate limit. Both counters are consumed atomically in
// the store, following the increment-then-refund shape of the cap table.
func (s *NotificationService) consumeSendBudget(ctx context.Context, tenantID string, tpl *domain.Template, pref *domain.Preference, ch domain.Channel, now time.Time) (bool, error) {
	if pref != nil {
		if cp, ok := pref.Channels[ch]; ok && cp.MaxPerDay > 0 {
			key := "cap|" + tenantID + "|" + pref.UserID + "|" + string(ch)
			allowed, _, err := s.Store.IncrementWindowCount(ctx, key, now.Truncate(24*time.Hour), cp.MaxPerDay)
			if err != nil {
				return false, err
			}
			if !allowed {
				observability.Suppressed.WithLabelValues("cap_exceeded").Inc()
				slog.Info("daily cap reached, suppressing channel",
					"tenant_id", tenantID, "user_id", pref.UserID, "channel", ch)
				return false, nil
			}
		}
	}
	if tpl.Settings.RateLimit > 0 {
		key := "rate|" + tenantID + "|" + tpl.ID
		allowed, _, err := s.Store.IncrementWindowCount(ctx, key, now.Truncate(time.Minute), tpl.Settings.RateLimit)
		if err != nil {
			return false, err
		}
		if !allowed {
			observability.Suppressed.WithLabelValues("rate_limited").Inc()
			slog.Info("template rate limit reached, suppressing send",
				"tenant_id", tenantID, "template_id", tpl.ID, "channel", ch)
			return false, nil
		}
	}
	return true, nil
}

func (s *NotificationService) resolveContact(ctx context.Context, tenantID string, req SendRequest) (domain.ContactInfo, error) {
	contact := req.Contact
	contact.UserID = req.UserID
	if req.UserID != "" && s.Resolver != nil && contact == (domain.ContactInfo{UserID: req.UserID}) {
		resolved, err := s.Resolver.Resolve(ctx, tenantID, req.UserID)
		if err != nil {
			return domain.ContactInfo{}, err
		}
		resolved.UserID = req.UserID
		return resolved, nil
	}
	return contact, nil
}

// CancelDelivery terminates a pending delivery. Fails once the provider has
// the message.
func (s *NotificationService) CancelDelivery(ctx context.Context, tenantID, id, reason string) error {
	d, found, err := s.Store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if !found || d.TenantID != tenantID {
		return domain.ErrDeliveryNotFound
	}
	now := s.now()
	if err := d.Cancel(reason, "api", now); err != nil {
		return err
	}
	if err := s.Store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	_ = s.Queue.Remove(ctx, d.Channel, d.ID)
	observability.Deliveries.WithLabelValues(string(d.Channel), string(domain.DeliveryCancelled)).Inc()
	s.Events.Delivery(ctx, tenantID, domain.EventDeliveryCancelled, d.ID, d.TemplateID, "delivery cancelled: "+reason, nil)
	return nil
}

func (s *NotificationService) GetDelivery(ctx context.Context, tenantID, id string) (*domain.Delivery, error) {
	d, found, err := s.Store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found || d.TenantID != tenantID {
		return nil, domain.ErrDeliveryNotFound
	}
	return d, nil
}

func (s *NotificationService) GetDeliveryStats(ctx context.Context, f store.StatsFilter) (store.DeliveryStats, error) {
	return s.Store.DeliveryStats(ctx, f)
}

// ConfirmDelivery applies a provider delivery-status callback by provider
// message id, completing the SENT -> DELIVERED (or FAILED) leg.
func (s *NotificationService) ConfirmDelivery(ctx context.Context, providerMsgID, vendorStatus string) error {
	d, found, err := s.Store.FindDeliveryByProviderMsgID(ctx, providerMsgID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrDeliveryNotFound
	}
	now := s.now()

	switch vendorStatus {
	case "delivered":
		if err := d.MarkDelivered(now); err != nil {
			return err
		}
		s.bumpTemplateStat(ctx, d, domain.StatDelivered, now)
		s.Events.Delivery(ctx, d.TenantID, domain.EventDeliveryDelivered, d.ID, d.TemplateID, "provider confirmed delivery", nil)
	case "failed", "undelivered":
		if err := d.MarkFailed("provider reported "+vendorStatus, false, now); err != nil {
			return err
		}
		s.bumpTemplateStat(ctx, d, domain.StatFailed, now)
		s.Events.Delivery(ctx, d.TenantID, domain.EventDeliveryFailed, d.ID, d.TemplateID, "provider reported "+vendorStatus, nil)
	default:
		// Intermediate vendor statuses are recorded but change nothing.
		s.Events.Delivery(ctx, d.TenantID, domain.EventDeliverySent, d.ID, d.TemplateID, "provider status "+vendorStatus, nil)
		return nil
	}

	observability.Deliveries.WithLabelValues(string(d.Channel), string(d.Status)).Inc()
	return s.Store.UpdateDelivery(ctx, d)
}

// bumpTemplateStat is the explicit two-step counter update: load by key,
// mutate, persist. The delivery never holds a live template reference.
func (s *NotificationService) bumpTemplateStat(ctx context.Context, d *domain.Delivery, action domain.StatAction, now time.Time) {
	tpl, found, err := s.Store.GetTemplate(ctx, d.TenantID, d.TemplateID)
	if err != nil || !found {
		return
	}
	tpl.RecordStat(action, now)
	if err := s.Store.UpdateTemplate(ctx, tpl); err != nil {
		slog.Error("template stats update failed", "err", err, "template_id", tpl.ID)
	}
}
