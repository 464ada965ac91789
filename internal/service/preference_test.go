package service

import (
	"context"
	"errors"
	"testing"

	"notifyd/internal/domain"
)

func TestGetUserPreferenceCreatesDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pref, err := f.svc.GetUserPreference(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pref.Consent.Status != domain.ConsentGranted || pref.Consent.LegalBasis != "legitimate_interest" {
		t.Fatalf("default consent: %+v", pref.Consent)
	}

	// A second read returns the same record, not a new one.
	again, err := f.svc.GetUserPreference(ctx, "t1", "u1")
	if err != nil || again.ID != pref.ID {
		t.Fatalf("lazy create not idempotent: %v %s vs %s", err, again.ID, pref.ID)
	}

	if _, err := f.svc.GetUserPreference(ctx, "t1", ""); !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("empty user id: %v", err)
	}
}

func TestUpdateUserPreference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	off := false
	pref, err := f.svc.UpdateUserPreference(ctx, "t1", "u1", PreferenceUpdate{
		GloballyEnabled: &off,
		Channels:        map[domain.Channel]bool{domain.ChannelSMS: false},
		Categories:      map[string]bool{"marketing": false},
		Templates:       map[string]bool{"tpl_promo": false},
		Source:          "settings",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if pref.GloballyEnabled {
		t.Fatalf("global flag not applied")
	}
	if pref.Channels[domain.ChannelSMS].Enabled {
		t.Fatalf("channel flag not applied")
	}
	if pref.Categories["marketing"] {
		t.Fatalf("category flag not applied")
	}
	if pref.Templates["tpl_promo"] {
		t.Fatalf("template flag not applied")
	}

	// Every mutated field leaves its own audit entry.
	fields := map[string]bool{}
	for _, a := range pref.Audit {
		fields[a.Field] = true
	}
	for _, want := range []string{"globallyEnabled", "channels.sms", "categories.marketing", "templates.tpl_promo"} {
		if !fields[want] {
			t.Fatalf("no audit entry for %s, have %v", want, fields)
		}
	}
}

func TestWithdrawConsentRequiresExistingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.WithdrawConsent(ctx, "t1", "ghost", "ghost", "settings"); !errors.Is(err, domain.ErrPreferenceNotFound) {
		t.Fatalf("expected ErrPreferenceNotFound, got %v", err)
	}
}

func TestUnsubscribeViaTrackingToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tpl := f.activeTemplate(t)

	// Give the user marketing consent so the unsubscribe withdraws it.
	if _, err := f.svc.GrantConsent(ctx, "t1", "u1", domain.ConsentMarketing, "consent", "u1", "signup"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	ids, err := f.svc.SendNotification(ctx, "t1", SendRequest{
		TemplateID: tpl.ID,
		UserID:     "u1",
		Contact:    domain.ContactInfo{Email: "u1@example.com"},
		Channels:   []domain.Channel{domain.ChannelEmail},
		Variables:  map[string]any{"orderId": "A"},
	})
	if err != nil || len(ids) != 1 {
		t.Fatalf("send: ids=%v err=%v", ids, err)
	}
	d, _, _ := f.store.GetDelivery(ctx, ids[0])

	if err := f.svc.Unsubscribe(ctx, d.Metadata.TrackingID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	pref, _, _ := f.store.GetPreference(ctx, "t1", "u1")
	if pref.Categories["marketing"] {
		t.Fatalf("marketing category still enabled")
	}
	if pref.Consent.Status != domain.ConsentWithdrawn {
		t.Fatalf("marketing consent not withdrawn: %s", pref.Consent.Status)
	}

	if err := f.svc.Unsubscribe(ctx, "trk_missing"); !errors.Is(err, domain.ErrDeliveryNotFound) {
		t.Fatalf("unknown token: %v", err)
	}
}

func TestAnonymizeUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.GetUserPreference(ctx, "t1", "u1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.svc.AnonymizeUser(ctx, "t1", "u1", "dpo"); err != nil {
		t.Fatalf("anonymize: %v", err)
	}

	pref, _, _ := f.store.GetPreference(ctx, "t1", "u1")
	if !pref.Anonymized || pref.Active {
		t.Fatalf("record not anonymized: %+v", pref)
	}

	var logged bool
	for _, e := range f.store.Events() {
		if e.Type == domain.EventDataAnonymized {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("anonymization must be logged")
	}
}
