package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type TemplateStatus string

const (
	TemplateDraft    TemplateStatus = "draft"
	TemplateActive   TemplateStatus = "active"
	TemplateArchived TemplateStatus = "archived"
	TemplateTesting  TemplateStatus = "testing"
)

// ChannelContent is the renderable body for one channel. Email uses
// Subject/HTMLBody, push and in-app use Title/Body/Image, webhook posts Body.
type ChannelContent struct {
	Title    string   `json:"title,omitempty"`
	Body     string   `json:"body"`
	Subject  string   `json:"subject,omitempty"`
	HTMLBody string   `json:"htmlBody,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
}

type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

func (c *ChannelContent) clone() *ChannelContent {
	if c == nil {
		return nil
	}
	out := *c
	if c.Buttons != nil {
		out.Buttons = append([]Button(nil), c.Buttons...)
	}
	return &out
}

type VariableType string

const (
	VarString  VariableType = "string"
	VarNumber  VariableType = "number"
	VarBoolean VariableType = "boolean"
	VarDate    VariableType = "date"
	VarArray   VariableType = "array"
	VarObject  VariableType = "object"
)

type VariableSpec struct {
	Type       VariableType   `json:"type"`
	Required   bool           `json:"required"`
	Default    any            `json:"default,omitempty"`
	Validation *VarValidation `json:"validation,omitempty"`
}

type VarValidation struct {
	Pattern string   `json:"pattern,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Options []string `json:"options,omitempty"`
}

// RetryPolicy governs the retry loop of deliveries created from a template.
// A BackoffMultiplier of 0 or 1 keeps the delay flat.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMinutes int     `json:"retryDelayMinutes"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
	ExpiryHours       int     `json:"expiryHours,omitempty"`
}

type QuietHoursPolicy struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"` // "HH:MM"
	End     string `json:"end,omitempty"`
}

type TemplateSettings struct {
	QuietHours    QuietHoursPolicy `json:"quietHours"`
	BusinessHours bool             `json:"businessHoursOnly,omitempty"`
	RateLimit     int              `json:"rateLimitPerMinute,omitempty"`
	Retry         RetryPolicy      `json:"retryPolicy"`
}

// WithinSendWindow reports whether the template's own quiet hours and the
// business-hours restriction allow dispatch at the given UTC instant. These
// windows are tenant policy; recipient schedules are checked separately.
func (s TemplateSettings) WithinSendWindow(now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	if s.QuietHours.Enabled && s.QuietHours.Start != "" && s.QuietHours.End != "" {
		if inWindow(minutes, parseHHMM(s.QuietHours.Start), parseHHMM(s.QuietHours.End)) {
			return false
		}
	}
	if s.BusinessHours {
		wd := now.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
		if minutes < 9*60 || minutes >= 18*60 {
			return false
		}
	}
	return true
}

// NextSendTime walks forward in 15-minute steps to the next instant the send
// window allows. Bounded at 48h so a misconfigured window cannot loop forever.
func (s TemplateSettings) NextSendTime(now time.Time) time.Time {
	t := now.Truncate(15 * time.Minute)
	for i := 0; i < 48*4; i++ {
		t = t.Add(15 * time.Minute)
		if s.WithinSendWindow(t) {
			return t
		}
	}
	return t
}

type TemplateStats struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`
	Failed    int64 `json:"failed"`
}

// DeliveryRate and friends are derived on read, never stored.
func (s TemplateStats) DeliveryRate() float64 { return ratio(s.Delivered, s.Sent) }
func (s TemplateStats) OpenRate() float64     { return ratio(s.Opened, s.Delivered) }
func (s TemplateStats) ClickRate() float64    { return ratio(s.Clicked, s.Delivered) }
func (s TemplateStats) FailureRate() float64  { return ratio(s.Failed, s.Sent) }

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// StatAction names a template counter bump.
type StatAction string

const (
	StatSent      StatAction = "sent"
	StatDelivered StatAction = "delivered"
	StatOpened    StatAction = "opened"
	StatClicked   StatAction = "clicked"
	StatFailed    StatAction = "failed"
)

type Template struct {
	ID                string                      `json:"id"`
	TenantID          string                      `json:"tenantId"`
	Name              string                      `json:"name"`
	EventType         string                      `json:"eventType"`
	Category          string                      `json:"category"`
	Priority          Priority                    `json:"priority"`
	Status            TemplateStatus              `json:"status"`
	SupportedChannels []Channel                   `json:"supportedChannels"`
	Content           map[Channel]*ChannelContent `json:"content"`
	Variables         map[string]VariableSpec     `json:"variables,omitempty"`
	Settings          TemplateSettings            `json:"settings"`
	Stats             TemplateStats               `json:"stats"`
	CreatedAt         time.Time                   `json:"createdAt"`
	UpdatedAt         time.Time                   `json:"updatedAt"`
	LastUsedAt        *time.Time                  `json:"lastUsedAt,omitempty"`
}

// NewTemplate builds a DRAFT template. Every supported channel must declare
// content, otherwise the input is rejected.
func NewTemplate(id, tenantID, name string, t Template, now time.Time) (*Template, error) {
	if tenantID == "" || name == "" {
		return nil, ErrMissingFields
	}
	var errs []string
	if len(t.SupportedChannels) == 0 {
		errs = append(errs, "at least one supported channel is required")
	}
	for _, ch := range t.SupportedChannels {
		if !ch.Valid() {
			errs = append(errs, fmt.Sprintf("unknown channel %q", ch))
			continue
		}
		if c, ok := t.Content[ch]; !ok || c == nil {
			errs = append(errs, fmt.Sprintf("channel %s has no content", ch))
		}
	}
	if len(errs) > 0 {
		return nil, NewValidationError(errs...)
	}

	out := t
	out.ID = id
	out.TenantID = tenantID
	out.Name = name
	out.Status = TemplateDraft
	out.Stats = TemplateStats{}
	out.CreatedAt = now
	out.UpdatedAt = now
	out.LastUsedAt = nil
	if out.Priority == "" {
		out.Priority = PriorityNormal
	}
	if out.Settings.Retry.MaxRetries == 0 {
		out.Settings.Retry.MaxRetries = 3
	}
	if out.Settings.Retry.RetryDelayMinutes == 0 {
		out.Settings.Retry.RetryDelayMinutes = 5
	}
	return &out, nil
}

func (t *Template) SupportsChannel(ch Channel) bool {
	for _, c := range t.SupportedChannels {
		if c == ch {
			return true
		}
	}
	return false
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderContent returns a deep copy of the channel's content with {{name}}
// placeholders substituted from vars. Unsupported channel returns nil.
// Unresolved placeholders are left verbatim.
func (t *Template) RenderContent(ch Channel, vars map[string]any) *ChannelContent {
	if !t.SupportsChannel(ch) {
		return nil
	}
	src, ok := t.Content[ch]
	if !ok || src == nil {
		return nil
	}

	merged := make(map[string]any, len(vars)+len(t.Variables))
	for name, spec := range t.Variables {
		if spec.Default != nil {
			merged[name] = spec.Default
		}
	}
	for k, v := range vars {
		merged[k] = v
	}

	out := src.clone()
	out.Title = substitute(out.Title, merged)
	out.Body = substitute(out.Body, merged)
	out.Subject = substitute(out.Subject, merged)
	out.HTMLBody = substitute(out.HTMLBody, merged)
	out.ImageURL = substitute(out.ImageURL, merged)
	for i := range out.Buttons {
		out.Buttons[i].Label = substitute(out.Buttons[i].Label, merged)
		out.Buttons[i].URL = substitute(out.Buttons[i].URL, merged)
	}
	return out
}

func substitute(s string, vars map[string]any) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			return m
		}
		return fmt.Sprintf("%v", v)
	})
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateVariables checks vars against the declared variable schema.
func (t *Template) ValidateVariables(vars map[string]any) ValidationResult {
	var errs []string
	for name, spec := range t.Variables {
		v, present := vars[name]
		if !present || v == nil {
			if spec.Required && spec.Default == nil {
				errs = append(errs, fmt.Sprintf("variable %q is required", name))
			}
			continue
		}
		if err := checkType(name, spec.Type, v); err != "" {
			errs = append(errs, err)
			continue
		}
		if err := checkConstraints(name, spec, v); err != "" {
			errs = append(errs, err)
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func checkType(name string, want VariableType, v any) string {
	ok := false
	switch want {
	case VarString, "":
		_, ok = v.(string)
	case VarNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			ok = true
		}
	case VarBoolean:
		_, ok = v.(bool)
	case VarDate:
		switch d := v.(type) {
		case time.Time:
			ok = true
		case string:
			_, err := time.Parse(time.RFC3339, d)
			ok = err == nil
		}
	case VarArray:
		_, ok = v.([]any)
	case VarObject:
		_, ok = v.(map[string]any)
	}
	if !ok {
		return fmt.Sprintf("variable %q must be of type %s", name, want)
	}
	return ""
}

func checkConstraints(name string, spec VariableSpec, v any) string {
	val := spec.Validation
	if val == nil {
		return ""
	}
	if s, isStr := v.(string); isStr {
		if val.Pattern != "" {
			re, err := regexp.Compile(val.Pattern)
			if err == nil && !re.MatchString(s) {
				return fmt.Sprintf("variable %q does not match pattern", name)
			}
		}
		if len(val.Options) > 0 {
			found := false
			for _, opt := range val.Options {
				if opt == s {
					found = true
					break
				}
			}
			if !found {
				return fmt.Sprintf("variable %q is not one of the allowed options", name)
			}
		}
	}
	if n, isNum := asFloat(v); isNum {
		if val.Min != nil && n < *val.Min {
			return fmt.Sprintf("variable %q is below minimum %v", name, *val.Min)
		}
		if val.Max != nil && n > *val.Max {
			return fmt.Sprintf("variable %q is above maximum %v", name, *val.Max)
		}
	}
	return ""
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// RecordStat bumps one aggregate counter and stamps last use.
func (t *Template) RecordStat(action StatAction, now time.Time) {
	switch action {
	case StatSent:
		t.Stats.Sent++
	case StatDelivered:
		t.Stats.Delivered++
	case StatOpened:
		t.Stats.Opened++
	case StatClicked:
		t.Stats.Clicked++
	case StatFailed:
		t.Stats.Failed++
	}
	t.LastUsedAt = &now
	t.UpdatedAt = now
}

// Clone deep-copies content, variables and settings into a new DRAFT template
// with zeroed counters.
func (t *Template) Clone(id, newName string, now time.Time) *Template {
	out := *t
	out.ID = id
	out.Name = newName
	out.Status = TemplateDraft
	out.Stats = TemplateStats{}
	out.CreatedAt = now
	out.UpdatedAt = now
	out.LastUsedAt = nil

	out.SupportedChannels = append([]Channel(nil), t.SupportedChannels...)
	out.Content = make(map[Channel]*ChannelContent, len(t.Content))
	for ch, c := range t.Content {
		out.Content[ch] = c.clone()
	}
	out.Variables = make(map[string]VariableSpec, len(t.Variables))
	for name, spec := range t.Variables {
		copied := spec
		if spec.Validation != nil {
			v := *spec.Validation
			v.Options = append([]string(nil), spec.Validation.Options...)
			copied.Validation = &v
		}
		out.Variables[name] = copied
	}
	return &out
}
