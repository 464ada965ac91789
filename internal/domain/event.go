package domain

import "time"

type EventType string

const (
	EventDeliveryQueued    EventType = "delivery_queued"
	EventDeliverySent      EventType = "delivery_sent"
	EventDeliveryDelivered EventType = "delivery_delivered"
	EventDeliveryFailed    EventType = "delivery_failed"
	EventDeliveryRetried   EventType = "delivery_retried"
	EventDeliveryCancelled EventType = "delivery_cancelled"
	EventDeliveryExpired   EventType = "delivery_expired"
	EventDeliveryOpened    EventType = "delivery_opened"
	EventDeliveryClicked   EventType = "delivery_clicked"
	EventConsentGranted    EventType = "consent_granted"
	EventConsentWithdrawn  EventType = "consent_withdrawn"
	EventConsentBlocked    EventType = "consent_blocked"
	EventPreferenceUpdated EventType = "preference_updated"
	EventDataAnonymized    EventType = "data_anonymized"
	EventTemplateCreated   EventType = "template_created"
	EventTemplateUpdated   EventType = "template_updated"
	EventProviderDown      EventType = "provider_down"
	EventSystemError       EventType = "system_error"
	EventAuthFailure       EventType = "auth_failure"
)

type EventCategory string

const (
	CategoryDelivery EventCategory = "delivery"
	CategoryConsent  EventCategory = "consent"
	CategoryTracking EventCategory = "tracking"
	CategorySecurity EventCategory = "security"
	CategorySystem   EventCategory = "system"
)

type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Event is one append-only observability row. Events never feed back into
// delivery behavior.
type Event struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenantId"`
	UserID      string        `json:"userId,omitempty"`
	TemplateID  string        `json:"templateId,omitempty"`
	DeliveryID  string        `json:"deliveryId,omitempty"`
	Type        EventType     `json:"type"`
	Category    EventCategory `json:"category"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Data        map[string]any `json:"data,omitempty"`

	Occurrences    int              `json:"occurrences"`
	AggregatedData []map[string]any `json:"aggregatedData,omitempty"`

	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func newEvent(id, tenantID string, typ EventType, cat EventCategory, desc string, now time.Time) *Event {
	return &Event{
		ID:          id,
		TenantID:    tenantID,
		Type:        typ,
		Category:    cat,
		Severity:    defaultSeverity(cat),
		Description: desc,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// defaultSeverity applies the category defaults: security is high, consent
// (LGPD) is medium, everything else informational.
func defaultSeverity(cat EventCategory) Severity {
	switch cat {
	case CategorySecurity:
		return SeverityHigh
	case CategoryConsent:
		return SeverityMedium
	default:
		return SeverityInfo
	}
}

func NewDeliveryEvent(id, tenantID string, typ EventType, deliveryID, templateID, desc string, now time.Time) *Event {
	e := newEvent(id, tenantID, typ, CategoryDelivery, desc, now)
	e.DeliveryID = deliveryID
	e.TemplateID = templateID
	return e
}

func NewTrackingEvent(id, tenantID string, typ EventType, deliveryID, desc string, now time.Time) *Event {
	e := newEvent(id, tenantID, typ, CategoryTracking, desc, now)
	e.DeliveryID = deliveryID
	return e
}

func NewConsentEvent(id, tenantID string, typ EventType, userID, desc string, now time.Time) *Event {
	e := newEvent(id, tenantID, typ, CategoryConsent, desc, now)
	e.UserID = userID
	return e
}

func NewSecurityEvent(id, tenantID string, typ EventType, desc string, now time.Time) *Event {
	return newEvent(id, tenantID, typ, CategorySecurity, desc, now)
}

func NewSystemEvent(id, tenantID string, typ EventType, desc string, now time.Time) *Event {
	return newEvent(id, tenantID, typ, CategorySystem, desc, now)
}

// DedupKey identifies "the same event happening again" for occurrence
// aggregation.
func (e *Event) DedupKey() string {
	return e.TenantID + "|" + string(e.Type) + "|" + e.DeliveryID + "|" + e.UserID + "|" + e.Description
}

// IncrementOccurrence collapses a repeat of this event into the existing row.
func (e *Event) IncrementOccurrence(data map[string]any, now time.Time) {
	e.Occurrences++
	if data != nil {
		e.AggregatedData = append(e.AggregatedData, data)
	}
	e.UpdatedAt = now
}

func (e *Event) Acknowledge(by string, now time.Time) {
	e.AcknowledgedBy = by
	e.AcknowledgedAt = &now
	e.UpdatedAt = now
}
