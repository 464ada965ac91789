package service

import (
	"context"

	"notifyd/internal/domain"
)

// GetUserPreference returns the user's preference, creating the default
// record lazily the way a first send would.
func (s *NotificationService) GetUserPreference(ctx context.Context, tenantID, userID string) (*domain.Preference, error) {
	if userID == "" {
		return nil, domain.ErrMissingFields
	}
	return s.resolvePreference(ctx, tenantID, userID, s.now())
}

// PreferenceUpdate is the set of mutations a user or admin can apply in one
// call. Nil / missing entries leave the current value untouched.
type PreferenceUpdate struct {
	GloballyEnabled *bool                   `json:"globallyEnabled,omitempty"`
	Channels        map[domain.Channel]bool `json:"channels,omitempty"`
	Categories      map[string]bool         `json:"categories,omitempty"`
	Templates       map[string]bool         `json:"templates,omitempty"`
	Actor           string                  `json:"-"`
	Source          string                  `json:"source,omitempty"`
}

func (s *NotificationService) UpdateUserPreference(ctx context.Context, tenantID, userID string, upd PreferenceUpdate) (*domain.Preference, error) {
	now := s.now()
	pref, err := s.resolvePreference(ctx, tenantID, userID, now)
	if err != nil {
		return nil, err
	}
	actor := upd.Actor
	if actor == "" {
		actor = "user"
	}

	if upd.GloballyEnabled != nil {
		pref.SetGloballyEnabled(*upd.GloballyEnabled, actor, upd.Source, now)
	}
	for ch, enabled := range upd.Channels {
		pref.SetChannelEnabled(ch, enabled, actor, upd.Source, now)
	}
	for cat, enabled := range upd.Categories {
		pref.SetCategoryEnabled(cat, enabled, actor, upd.Source, now)
	}
	for id, enabled := range upd.Templates {
		pref.SetTemplateEnabled(id, enabled, actor, upd.Source, now)
	}

	if err := s.Store.UpsertPreference(ctx, pref); err != nil {
		return nil, err
	}
	s.Events.Consent(ctx, tenantID, domain.EventPreferenceUpdated, userID, "preference updated", nil)
	return pref, nil
}

func (s *NotificationService) GrantConsent(ctx context.Context, tenantID, userID string, ct domain.ConsentType, legalBasis, actor, source string) (*domain.Preference, error) {
	now := s.now()
	pref, err := s.resolvePreference(ctx, tenantID, userID, now)
	if err != nil {
		return nil, err
	}
	pref.GrantConsent(ct, legalBasis, actor, source, nil, now)
	if err := s.Store.UpsertPreference(ctx, pref); err != nil {
		return nil, err
	}
	s.Events.Consent(ctx, tenantID, domain.EventConsentGranted, userID, "consent granted", nil)
	return pref, nil
}

func (s *NotificationService) WithdrawConsent(ctx context.Context, tenantID, userID, actor, source string) (*domain.Preference, error) {
	now := s.now()
	pref, found, err := s.Store.GetPreference(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrPreferenceNotFound
	}
	pref.WithdrawConsent(actor, source, now)
	if err := s.Store.UpsertPreference(ctx, pref); err != nil {
		return nil, err
	}
	s.Events.Consent(ctx, tenantID, domain.EventConsentWithdrawn, userID, "consent withdrawn", nil)
	return pref, nil
}

// Unsubscribe resolves an opaque token (the delivery's tracking id) to its
// recipient and withdraws marketing consent. Used by one-click unsubscribe
// links embedded in rendered content.
func (s *NotificationService) Unsubscribe(ctx context.Context, token string) error {
	d, found, err := s.Store.FindDeliveryByTracking(ctx, token)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrDeliveryNotFound
	}
	if d.RecipientID == "" {
		// Nothing to withdraw: the delivery was addressed by raw contact
		// info with no preference record behind it.
		return nil
	}

	now := s.now()
	pref, err := s.resolvePreference(ctx, d.TenantID, d.RecipientID, now)
	if err != nil {
		return err
	}
	pref.SetCategoryEnabled("marketing", false, "user", "unsubscribe_link", now)
	if pref.Consent.Type == domain.ConsentMarketing {
		pref.WithdrawConsent("user", "unsubscribe_link", now)
	}
	if err := s.Store.UpsertPreference(ctx, pref); err != nil {
		return err
	}
	s.Events.Consent(ctx, d.TenantID, domain.EventConsentWithdrawn, d.RecipientID, "unsubscribed via tracking token", map[string]any{
		"deliveryId": d.ID,
	})
	return nil
}

// AnonymizeUser blanks personal data in place for an LGPD erasure request.
func (s *NotificationService) AnonymizeUser(ctx context.Context, tenantID, userID, actor string) error {
	pref, found, err := s.Store.GetPreference(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrPreferenceNotFound
	}
	pref.Anonymize(actor, s.now())
	if err := s.Store.UpsertPreference(ctx, pref); err != nil {
		return err
	}
	s.Events.Consent(ctx, tenantID, domain.EventDataAnonymized, userID, "preference anonymized", nil)
	return nil
}
