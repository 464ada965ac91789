package service

import (
	"context"
	"fmt"

	"notifyd/internal/domain"
	"notifyd/internal/util"
)

// CreateTemplate validates the submitted template and persists it as DRAFT.
func (s *NotificationService) CreateTemplate(ctx context.Context, tenantID string, spec domain.Template) (*domain.Template, error) {
	now := s.now()
	tpl, err := domain.NewTemplate(util.NewTemplateID(), tenantID, spec.Name, spec, now)
	if err != nil {
		return nil, err
	}
	if err := s.Store.InsertTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	s.Events.System(ctx, tenantID, domain.EventTemplateCreated, "template created: "+tpl.Name,
		map[string]any{"templateId": tpl.ID})
	return tpl, nil
}

// UpdateTemplate applies a full-document update. The supported-channel /
// content invariant is re-checked; in-flight deliveries are unaffected
// because they carry frozen snapshots.
func (s *NotificationService) UpdateTemplate(ctx context.Context, tenantID, id string, spec domain.Template) (*domain.Template, error) {
	tpl, found, err := s.Store.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrTemplateNotFound
	}

	var errs []string
	for _, ch := range spec.SupportedChannels {
		if c, ok := spec.Content[ch]; !ok || c == nil {
			errs = append(errs, fmt.Sprintf("channel %s has no content", ch))
		}
	}
	if len(errs) > 0 {
		return nil, domain.NewValidationError(errs...)
	}

	now := s.now()
	tpl.Name = spec.Name
	tpl.EventType = spec.EventType
	tpl.Category = spec.Category
	if spec.Priority != "" {
		tpl.Priority = spec.Priority
	}
	tpl.SupportedChannels = spec.SupportedChannels
	tpl.Content = spec.Content
	tpl.Variables = spec.Variables
	tpl.Settings = spec.Settings
	tpl.UpdatedAt = now

	if err := s.Store.UpdateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	s.Events.System(ctx, tenantID, domain.EventTemplateUpdated, "template updated: "+tpl.Name,
		map[string]any{"templateId": tpl.ID})
	return tpl, nil
}

// CloneTemplate deep-copies an existing template into a new DRAFT with fresh
// counters.
func (s *NotificationService) CloneTemplate(ctx context.Context, tenantID, id, newName string) (*domain.Template, error) {
	tpl, found, err := s.Store.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrTemplateNotFound
	}
	clone := tpl.Clone(util.NewTemplateID(), newName, s.now())
	if err := s.Store.InsertTemplate(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// SetTemplateStatus toggles lifecycle status. Templates are never deleted;
// retiring one archives it.
func (s *NotificationService) SetTemplateStatus(ctx context.Context, tenantID, id string, status domain.TemplateStatus) (*domain.Template, error) {
	switch status {
	case domain.TemplateDraft, domain.TemplateActive, domain.TemplateArchived, domain.TemplateTesting:
	default:
		return nil, domain.NewValidationError(fmt.Sprintf("unknown template status %q", status))
	}
	tpl, found, err := s.Store.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrTemplateNotFound
	}
	tpl.Status = status
	tpl.UpdatedAt = s.now()
	if err := s.Store.UpdateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

func (s *NotificationService) GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, error) {
	tpl, found, err := s.Store.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrTemplateNotFound
	}
	return tpl, nil
}
