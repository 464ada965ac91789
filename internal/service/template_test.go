package service

import (
	"context"
	"errors"
	"testing"

	"notifyd/internal/domain"
)

func TestCreateTemplateStartsDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tpl, err := f.svc.CreateTemplate(ctx, "t1", domain.Template{
		Name:              "welcome",
		SupportedChannels: []domain.Channel{domain.ChannelEmail},
		Content: map[domain.Channel]*domain.ChannelContent{
			domain.ChannelEmail: {Subject: "Welcome", Body: "Hello {{name}}"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tpl.Status != domain.TemplateDraft {
		t.Fatalf("status = %s", tpl.Status)
	}
	if tpl.TenantID != "t1" || tpl.ID == "" {
		t.Fatalf("identity not assigned: %+v", tpl)
	}
}

func TestCreateTemplateRejectsMissingContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreateTemplate(ctx, "t1", domain.Template{
		Name:              "broken",
		SupportedChannels: []domain.Channel{domain.ChannelEmail, domain.ChannelSMS},
		Content: map[domain.Channel]*domain.ChannelContent{
			domain.ChannelEmail: {Body: "hello"},
		},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateTemplateRevalidatesContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tpl := f.activeTemplate(t)

	spec := *tpl
	spec.SupportedChannels = append(spec.SupportedChannels, domain.ChannelSMS)
	if _, err := f.svc.UpdateTemplate(ctx, "t1", tpl.ID, spec); err == nil {
		t.Fatalf("update with uncovered channel must fail")
	}

	spec.Content[domain.ChannelSMS] = &domain.ChannelContent{Body: "sms body"}
	got, err := f.svc.UpdateTemplate(ctx, "t1", tpl.ID, spec)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.SupportsChannel(domain.ChannelSMS) {
		t.Fatalf("channel not added")
	}
}

func TestCloneTemplate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tpl := f.activeTemplate(t)

	clone, err := f.svc.CloneTemplate(ctx, "t1", tpl.ID, "order-shipped-v2")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.ID == tpl.ID {
		t.Fatalf("clone reused the source id")
	}
	if clone.Status != domain.TemplateDraft || clone.Stats.Sent != 0 {
		t.Fatalf("clone must start draft with zeroed stats: %+v", clone)
	}

	// Both must be independently loadable.
	if _, err := f.svc.GetTemplate(ctx, "t1", clone.ID); err != nil {
		t.Fatalf("clone not persisted: %v", err)
	}
	if _, err := f.svc.GetTemplate(ctx, "t1", tpl.ID); err != nil {
		t.Fatalf("source lost: %v", err)
	}
}

func TestSetTemplateStatusArchives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tpl := f.activeTemplate(t)

	got, err := f.svc.SetTemplateStatus(ctx, "t1", tpl.ID, domain.TemplateArchived)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if got.Status != domain.TemplateArchived {
		t.Fatalf("status = %s", got.Status)
	}

	// Archived templates refuse sends but stay loadable.
	_, err = f.svc.SendNotification(ctx, "t1", SendRequest{TemplateID: tpl.ID, Variables: map[string]any{"orderId": "A"}})
	if !errors.Is(err, domain.ErrTemplateInactive) {
		t.Fatalf("archived template accepted a send: %v", err)
	}

	if _, err := f.svc.SetTemplateStatus(ctx, "t1", tpl.ID, "deleted"); err == nil {
		t.Fatalf("unknown status must be rejected")
	}
}

func TestGetTemplateIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tpl := f.activeTemplate(t)

	if _, err := f.svc.GetTemplate(ctx, "t2", tpl.ID); !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Fatalf("cross-tenant read: %v", err)
	}
}
