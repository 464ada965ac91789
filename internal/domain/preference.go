package domain

import (
	"time"
)

type ConsentStatus string

const (
	ConsentGranted   ConsentStatus = "granted"
	ConsentWithdrawn ConsentStatus = "withdrawn"
	ConsentExpired   ConsentStatus = "expired"
	ConsentPending   ConsentStatus = "pending"
)

type ConsentType string

const (
	ConsentMarketing     ConsentType = "marketing"
	ConsentTransactional ConsentType = "transactional"
)

type Consent struct {
	Type        ConsentType   `json:"type"`
	Status      ConsentStatus `json:"status"`
	GrantedAt   *time.Time    `json:"grantedAt,omitempty"`
	WithdrawnAt *time.Time    `json:"withdrawnAt,omitempty"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
	LegalBasis  string        `json:"legalBasis,omitempty"`
	Source      string        `json:"source,omitempty"`
}

// Valid reports whether the consent authorizes processing right now.
func (c Consent) Valid(now time.Time) bool {
	if c.Status != ConsentGranted {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// Schedule restricts a channel to allowed weekdays and a daily window, minus
// an optional quiet-hours window. Times are "HH:MM" in Timezone.
type Schedule struct {
	AllowedDays  []time.Weekday `json:"allowedDays,omitempty"`
	AllowedStart string         `json:"allowedStart,omitempty"`
	AllowedEnd   string         `json:"allowedEnd,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`
	QuietStart   string         `json:"quietStart,omitempty"`
	QuietEnd     string         `json:"quietEnd,omitempty"`
}

type ChannelPreference struct {
	Enabled   bool      `json:"enabled"`
	Schedule  *Schedule `json:"schedule,omitempty"`
	MaxPerDay int       `json:"maxPerDay,omitempty"`
}

type DigestConfig struct {
	Enabled       bool   `json:"enabled"`
	IntervalHours int    `json:"intervalHours,omitempty"`
	DeliveryTime  string `json:"deliveryTime,omitempty"`
}

type RetentionConfig struct {
	Days          int  `json:"days,omitempty"`
	AnonymizeOnly bool `json:"anonymizeOnly,omitempty"`
}

type Preference struct {
	ID              string                         `json:"id"`
	TenantID        string                         `json:"tenantId"`
	UserID          string                         `json:"userId"`
	Active          bool                           `json:"active"`
	GloballyEnabled bool                           `json:"globallyEnabled"`
	Consent         Consent                        `json:"consent"`
	Channels        map[Channel]*ChannelPreference `json:"channels,omitempty"`
	Categories      map[string]bool                `json:"categories,omitempty"`
	Templates       map[string]bool                `json:"templates,omitempty"`
	Digest          DigestConfig                   `json:"digest,omitempty"`
	Retention       RetentionConfig                `json:"retention,omitempty"`
	Anonymized      bool                           `json:"anonymized,omitempty"`
	Audit           []AuditEntry                   `json:"audit,omitempty"`
	CreatedAt       time.Time                      `json:"createdAt"`
	UpdatedAt       time.Time                      `json:"updatedAt"`
}

// NewPreference builds the default opt-in preference created lazily on first
// send. Consent starts PENDING until an explicit grant is recorded.
func NewPreference(id, tenantID, userID string, now time.Time) *Preference {
	p := &Preference{
		ID:              id,
		TenantID:        tenantID,
		UserID:          userID,
		Active:          true,
		GloballyEnabled: true,
		Consent:         Consent{Status: ConsentPending},
		Channels:        make(map[Channel]*ChannelPreference),
		Categories:      make(map[string]bool),
		Templates:       make(map[string]bool),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, ch := range Channels() {
		p.Channels[ch] = &ChannelPreference{Enabled: true}
	}
	return p
}

func (p *Preference) appendAudit(action, field, oldVal, newVal, actor, source string, now time.Time) {
	p.Audit = append(p.Audit, AuditEntry{
		Action: action, Field: field, OldValue: oldVal, NewValue: newVal,
		Actor: actor, Source: source, Timestamp: now,
	})
	p.UpdatedAt = now
}

// CanReceiveOnChannel is the base consent gate: valid consent, active record,
// global enable and channel enable must all hold.
func (p *Preference) CanReceiveOnChannel(ch Channel, now time.Time) bool {
	if !p.Consent.Valid(now) {
		return false
	}
	if !p.Active || !p.GloballyEnabled {
		return false
	}
	cp, ok := p.Channels[ch]
	if !ok {
		// Unknown channel defaults to enabled under the base gate.
		return true
	}
	return cp.Enabled
}

// CanReceiveCategory adds the per-category flag on top of the base gate.
// Categories default to enabled unless explicitly disabled.
func (p *Preference) CanReceiveCategory(ch Channel, category string, now time.Time) bool {
	if !p.CanReceiveOnChannel(ch, now) {
		return false
	}
	enabled, ok := p.Categories[category]
	return !ok || enabled
}

func (p *Preference) CanReceiveTemplate(ch Channel, templateID string, now time.Time) bool {
	if !p.CanReceiveOnChannel(ch, now) {
		return false
	}
	enabled, ok := p.Templates[templateID]
	return !ok || enabled
}

// IsWithinSchedule checks the channel's allowed weekday set, allowed daily
// window and quiet hours at the given instant, in the schedule's timezone.
// A channel without a schedule is always in-window.
func (p *Preference) IsWithinSchedule(ch Channel, now time.Time) bool {
	cp, ok := p.Channels[ch]
	if !ok || cp.Schedule == nil {
		return true
	}
	s := cp.Schedule
	local := now.In(s.Location())

	if len(s.AllowedDays) > 0 {
		dayOK := false
		for _, d := range s.AllowedDays {
			if local.Weekday() == d {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}

	minutes := local.Hour()*60 + local.Minute()
	if s.AllowedStart != "" && s.AllowedEnd != "" {
		start, end := parseHHMM(s.AllowedStart), parseHHMM(s.AllowedEnd)
		if !inWindow(minutes, start, end) {
			return false
		}
	}
	if s.QuietStart != "" && s.QuietEnd != "" {
		start, end := parseHHMM(s.QuietStart), parseHHMM(s.QuietEnd)
		if inWindow(minutes, start, end) {
			return false
		}
	}
	return true
}

func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// inWindow treats start>end as a midnight-crossing window (e.g. 22:00-07:00).
func inWindow(minutes, start, end int) bool {
	if start > end {
		return minutes >= start || minutes <= end
	}
	return minutes >= start && minutes <= end
}

func parseHHMM(s string) int {
	if len(s) != 5 || s[2] != ':' {
		return 0
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0
	}
	return h*60 + m
}

// GrantConsent records a new explicit consent and re-enables the record.
func (p *Preference) GrantConsent(ct ConsentType, legalBasis, actor, source string, expiresAt *time.Time, now time.Time) {
	old := string(p.Consent.Status)
	p.Consent = Consent{
		Type:       ct,
		Status:     ConsentGranted,
		GrantedAt:  &now,
		ExpiresAt:  expiresAt,
		LegalBasis: legalBasis,
		Source:     source,
	}
	p.GloballyEnabled = true
	p.Active = true
	p.appendAudit("consent_granted", "consent.status", old, string(ConsentGranted), actor, source, now)
}

// WithdrawConsent is irreversible until a new explicit grant: it forces the
// global flag off and disables every channel.
func (p *Preference) WithdrawConsent(actor, source string, now time.Time) {
	old := string(p.Consent.Status)
	p.Consent.Status = ConsentWithdrawn
	p.Consent.WithdrawnAt = &now
	p.GloballyEnabled = false
	for _, cp := range p.Channels {
		cp.Enabled = false
	}
	p.appendAudit("consent_withdrawn", "consent.status", old, string(ConsentWithdrawn), actor, source, now)
}

// SetGloballyEnabled flips the master switch with an audit entry.
func (p *Preference) SetGloballyEnabled(enabled bool, actor, source string, now time.Time) {
	old := boolString(p.GloballyEnabled)
	p.GloballyEnabled = enabled
	p.appendAudit("global_toggled", "globallyEnabled", old, boolString(enabled), actor, source, now)
}

func (p *Preference) SetChannelEnabled(ch Channel, enabled bool, actor, source string, now time.Time) {
	// The maps are omitempty on the wire, so a stored record with no
	// overrides decodes with nil maps.
	if p.Channels == nil {
		p.Channels = make(map[Channel]*ChannelPreference)
	}
	cp, ok := p.Channels[ch]
	if !ok {
		cp = &ChannelPreference{}
		p.Channels[ch] = cp
	}
	old := "false"
	if cp.Enabled {
		old = "true"
	}
	cp.Enabled = enabled
	newVal := "false"
	if enabled {
		newVal = "true"
	}
	p.appendAudit("channel_toggled", "channels."+string(ch), old, newVal, actor, source, now)
}

func (p *Preference) SetCategoryEnabled(category string, enabled bool, actor, source string, now time.Time) {
	if p.Categories == nil {
		p.Categories = make(map[string]bool)
	}
	old, ok := p.Categories[category]
	oldVal := "unset"
	if ok {
		oldVal = boolString(old)
	}
	p.Categories[category] = enabled
	p.appendAudit("category_toggled", "categories."+category, oldVal, boolString(enabled), actor, source, now)
}

func (p *Preference) SetTemplateEnabled(templateID string, enabled bool, actor, source string, now time.Time) {
	if p.Templates == nil {
		p.Templates = make(map[string]bool)
	}
	old, ok := p.Templates[templateID]
	oldVal := "unset"
	if ok {
		oldVal = boolString(old)
	}
	p.Templates[templateID] = enabled
	p.appendAudit("template_toggled", "templates."+templateID, oldVal, boolString(enabled), actor, source, now)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Anonymize blanks personal data in place per the LGPD erasure flow. The
// record, its key and its audit trail remain so the erasure is provable.
func (p *Preference) Anonymize(actor string, now time.Time) {
	p.Consent.Source = ""
	p.Consent.LegalBasis = ""
	p.Active = false
	p.GloballyEnabled = false
	p.Anonymized = true
	for _, cp := range p.Channels {
		cp.Enabled = false
	}
	p.appendAudit("anonymized", "", "", "", actor, "lgpd", now)
}

// Snapshot freezes the consent state for delivery metadata.
func (p *Preference) Snapshot() *ConsentSnapshot {
	return &ConsentSnapshot{
		Type:       string(p.Consent.Type),
		Status:     string(p.Consent.Status),
		LegalBasis: p.Consent.LegalBasis,
		GrantedAt:  p.Consent.GrantedAt,
	}
}
