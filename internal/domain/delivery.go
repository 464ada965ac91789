package domain

import (
	"fmt"
	"math"
	"time"
)

type DeliveryStatus string

const (
	DeliveryQueued     DeliveryStatus = "queued"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryRetry      DeliveryStatus = "retry"
	DeliveryCancelled  DeliveryStatus = "cancelled"
)

// ContactInfo is the recipient contact resolved at creation time. Only the
// field matching the delivery channel is required.
type ContactInfo struct {
	UserID     string `json:"userId,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	PushToken  string `json:"pushToken,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// ConsentSnapshot freezes the consent state that authorized this delivery.
type ConsentSnapshot struct {
	Type       string     `json:"type,omitempty"`
	Status     string     `json:"status,omitempty"`
	LegalBasis string     `json:"legalBasis,omitempty"`
	GrantedAt  *time.Time `json:"grantedAt,omitempty"`
}

// DeliveryMetadata is frozen at creation: later template or preference edits
// never affect an in-flight send. SchemaVersion guards future field changes.
type DeliveryMetadata struct {
	SchemaVersion     int               `json:"schemaVersion"`
	Recipient         ContactInfo       `json:"recipient"`
	Content           *ChannelContent   `json:"content"`
	Retry             RetryPolicy       `json:"retryPolicy"`
	TrackingID        string            `json:"trackingId"`
	Provider          string            `json:"provider"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	Consent           *ConsentSnapshot  `json:"consent,omitempty"`
	Context           map[string]string `json:"context,omitempty"`

	OpenCount      int        `json:"openCount,omitempty"`
	ClickCount     int        `json:"clickCount,omitempty"`
	FirstOpenAt    *time.Time `json:"firstOpenAt,omitempty"`
	LastOpenAt     *time.Time `json:"lastOpenAt,omitempty"`
	LastClickedURL string     `json:"lastClickedUrl,omitempty"`
}

const MetadataSchemaVersion = 1

type Delivery struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	TemplateID  string           `json:"templateId"`
	RecipientID string           `json:"recipientId,omitempty"`
	Channel     Channel          `json:"channel"`
	Status      DeliveryStatus   `json:"status"`
	Priority    Priority         `json:"priority"`
	Metadata    DeliveryMetadata `json:"metadata"`

	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	QueuedAt     time.Time  `json:"queuedAt"`
	ProcessingAt *time.Time `json:"processingAt,omitempty"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`

	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`

	Cost      float64      `json:"cost,omitempty"`
	LastError string       `json:"lastError,omitempty"`
	Retriable bool         `json:"retriable,omitempty"`
	Audit     []AuditEntry `json:"audit,omitempty"`
}

// NewDelivery freezes the rendered content and consent snapshot and computes
// the expiry from the template's retry policy.
func NewDelivery(id string, tpl *Template, ch Channel, content *ChannelContent, recipient ContactInfo, consent *ConsentSnapshot, provider, trackingID string, bizCtx map[string]string, scheduledFor *time.Time, now time.Time) *Delivery {
	d := &Delivery{
		ID:          id,
		TenantID:    tpl.TenantID,
		TemplateID:  tpl.ID,
		RecipientID: recipient.UserID,
		Channel:     ch,
		Status:      DeliveryQueued,
		Priority:    tpl.Priority,
		Metadata: DeliveryMetadata{
			SchemaVersion: MetadataSchemaVersion,
			Recipient:     recipient,
			Content:       content,
			Retry:         tpl.Settings.Retry,
			TrackingID:    trackingID,
			Provider:      provider,
			Consent:       consent,
			Context:       bizCtx,
		},
		ScheduledFor: scheduledFor,
		QueuedAt:     now,
		MaxRetries:   tpl.Settings.Retry.MaxRetries,
	}
	if h := tpl.Settings.Retry.ExpiryHours; h > 0 {
		exp := now.Add(time.Duration(h) * time.Hour)
		d.ExpiresAt = &exp
	}
	d.appendAudit("created", "", string(DeliveryQueued), "orchestrator", now)
	return d
}

func (d *Delivery) appendAudit(action, oldVal, newVal, actor string, now time.Time) {
	d.Audit = append(d.Audit, AuditEntry{
		Action:    action,
		Field:     "status",
		OldValue:  oldVal,
		NewValue:  newVal,
		Actor:     actor,
		Timestamp: now,
	})
}

func (d *Delivery) transition(to DeliveryStatus, actor string, now time.Time, allowedFrom ...DeliveryStatus) error {
	for _, from := range allowedFrom {
		if d.Status == from {
			d.appendAudit("transition", string(d.Status), string(to), actor, now)
			d.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
}

func (d *Delivery) IsTerminal() bool {
	switch d.Status {
	case DeliveryDelivered, DeliveryCancelled:
		return true
	case DeliveryFailed:
		return !d.CanRetry()
	}
	return false
}

func (d *Delivery) IsExpired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// CanRetry reports whether a FAILED delivery is still eligible for the retry
// loop.
func (d *Delivery) CanRetry() bool {
	return d.Retriable && d.RetryCount < d.MaxRetries
}

func (d *Delivery) MarkProcessing(now time.Time) error {
	if err := d.transition(DeliveryProcessing, "processor", now, DeliveryQueued, DeliveryRetry); err != nil {
		return err
	}
	d.ProcessingAt = &now
	return nil
}

func (d *Delivery) MarkSent(providerMsgID string, cost float64, now time.Time) error {
	if err := d.transition(DeliverySent, "processor", now, DeliveryProcessing); err != nil {
		return err
	}
	d.SentAt = &now
	d.Metadata.ProviderMessageID = providerMsgID
	d.Cost = cost
	d.NextRetryAt = nil
	d.LastError = ""
	return nil
}

func (d *Delivery) MarkDelivered(now time.Time) error {
	if err := d.transition(DeliveryDelivered, "provider", now, DeliverySent); err != nil {
		return err
	}
	d.DeliveredAt = &now
	return nil
}

// MarkFailed records the failure and, when the error is retriable with retries
// remaining, schedules the next attempt with exponential backoff. A backoff
// multiplier of 0 or 1 keeps the delay flat. The delay is capped at 24h.
func (d *Delivery) MarkFailed(reason string, retriable bool, now time.Time) error {
	if err := d.transition(DeliveryFailed, "processor", now, DeliveryProcessing, DeliverySent); err != nil {
		return err
	}
	d.FailedAt = &now
	d.LastError = reason
	d.Retriable = retriable
	if d.CanRetry() && !d.IsExpired(now) {
		next := now.Add(d.retryDelay())
		d.NextRetryAt = &next
	} else {
		d.NextRetryAt = nil
	}
	return nil
}

func (d *Delivery) retryDelay() time.Duration {
	base := time.Duration(d.Metadata.Retry.RetryDelayMinutes) * time.Minute
	if base <= 0 {
		base = 5 * time.Minute
	}
	mult := d.Metadata.Retry.BackoffMultiplier
	if mult > 1 {
		base = time.Duration(float64(base) * math.Pow(mult, float64(d.RetryCount)))
	}
	if base > 24*time.Hour {
		base = 24 * time.Hour
	}
	return base
}

// MarkRetry moves an eligible FAILED delivery back into the queueable state
// and consumes one retry.
func (d *Delivery) MarkRetry(now time.Time) error {
	if d.Status == DeliveryFailed && !d.CanRetry() {
		return fmt.Errorf("%w: retries exhausted", ErrInvalidTransition)
	}
	if d.IsExpired(now) {
		return ErrDeliveryExpired
	}
	if err := d.transition(DeliveryRetry, "retry-scheduler", now, DeliveryFailed); err != nil {
		return err
	}
	d.RetryCount++
	d.NextRetryAt = nil
	return nil
}

// Requeue returns a claimed delivery to the queueable state without
// consuming a retry. Used when dispatch was blocked by transient provider
// protection (rate limit, open breaker), never for send failures.
func (d *Delivery) Requeue(reason string, now time.Time) error {
	if err := d.transition(DeliveryQueued, "processor", now, DeliveryProcessing); err != nil {
		return err
	}
	d.ProcessingAt = nil
	d.LastError = reason
	return nil
}

// Cancel terminates a not-yet-dispatched delivery. Sent, delivered and
// exhausted deliveries cannot be cancelled.
func (d *Delivery) Cancel(reason, actor string, now time.Time) error {
	switch d.Status {
	case DeliveryQueued, DeliveryProcessing, DeliveryRetry:
	default:
		return fmt.Errorf("%w: status %s", ErrCannotCancel, d.Status)
	}
	if err := d.transition(DeliveryCancelled, actor, now, DeliveryQueued, DeliveryProcessing, DeliveryRetry); err != nil {
		return err
	}
	d.CancelledAt = &now
	d.LastError = reason
	d.NextRetryAt = nil
	return nil
}

// RecordOpen counts every open; only the first call sets FirstOpenAt.
func (d *Delivery) RecordOpen(now time.Time) {
	d.Metadata.OpenCount++
	if d.Metadata.FirstOpenAt == nil {
		d.Metadata.FirstOpenAt = &now
	}
	d.Metadata.LastOpenAt = &now
}

// RecordClick counts every click and remembers the last clicked URL.
func (d *Delivery) RecordClick(url string, now time.Time) {
	d.Metadata.ClickCount++
	d.Metadata.LastClickedURL = url
	if d.Metadata.FirstOpenAt == nil {
		// A click implies the message was opened.
		d.Metadata.FirstOpenAt = &now
	}
	d.Metadata.LastOpenAt = &now
}
