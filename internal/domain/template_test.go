package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func baseTemplate() Template {
	return Template{
		EventType: "order.shipped",
		Category:  "transactional",
		SupportedChannels: []Channel{ChannelEmail, ChannelPush},
		Content: map[Channel]*ChannelContent{
			ChannelEmail: {
				Subject: "Order {{orderId}} shipped",
				Body:    "Hi {{name}}, order {{orderId}} is on its way.",
			},
			ChannelPush: {
				Title: "Shipped",
				Body:  "Order {{orderId}} shipped",
			},
		},
		Variables: map[string]VariableSpec{
			"orderId": {Type: VarString, Required: true},
			"name":    {Type: VarString, Default: "customer"},
		},
	}
}

func TestNewTemplateDefaults(t *testing.T) {
	tpl, err := NewTemplate("tpl_1", "t1", "order-shipped", baseTemplate(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl.Status != TemplateDraft {
		t.Fatalf("new template should start draft, got %s", tpl.Status)
	}
	if tpl.Settings.Retry.MaxRetries != 3 || tpl.Settings.Retry.RetryDelayMinutes != 5 {
		t.Fatalf("retry defaults not applied: %+v", tpl.Settings.Retry)
	}
	if tpl.Priority != PriorityNormal {
		t.Fatalf("priority should default to normal, got %s", tpl.Priority)
	}
}

func TestNewTemplateRejectsChannelWithoutContent(t *testing.T) {
	spec := baseTemplate()
	spec.SupportedChannels = append(spec.SupportedChannels, ChannelSMS)

	_, err := NewTemplate("tpl_1", "t1", "order-shipped", spec, testNow)
	var verr *ValidationError
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if len(verr.Errors) != 1 || !strings.Contains(verr.Errors[0], "sms") {
		t.Fatalf("unexpected errors: %v", verr.Errors)
	}
}

func TestRenderContent(t *testing.T) {
	tpl, _ := NewTemplate("tpl_1", "t1", "order-shipped", baseTemplate(), testNow)

	out := tpl.RenderContent(ChannelEmail, map[string]any{"orderId": "ABC-1"})
	if out == nil {
		t.Fatalf("expected rendered content")
	}
	if out.Subject != "Order ABC-1 shipped" {
		t.Fatalf("subject not substituted: %q", out.Subject)
	}
	// "name" falls back to its declared default.
	if out.Body != "Hi customer, order ABC-1 is on its way." {
		t.Fatalf("body not substituted: %q", out.Body)
	}

	// The source template must be untouched.
	if !strings.Contains(tpl.Content[ChannelEmail].Subject, "{{orderId}}") {
		t.Fatalf("render mutated the template content")
	}
}

func TestRenderContentUnsupportedChannel(t *testing.T) {
	tpl, _ := NewTemplate("tpl_1", "t1", "order-shipped", baseTemplate(), testNow)
	if out := tpl.RenderContent(ChannelSMS, nil); out != nil {
		t.Fatalf("unsupported channel should render nil, got %+v", out)
	}
}

func TestRenderContentUnresolvedPlaceholderStaysVerbatim(t *testing.T) {
	tpl, _ := NewTemplate("tpl_1", "t1", "order-shipped", baseTemplate(), testNow)
	delete(tpl.Variables, "name")

	out := tpl.RenderContent(ChannelEmail, map[string]any{"orderId": "X"})
	if !strings.Contains(out.Body, "{{name}}") {
		t.Fatalf("unresolved placeholder should stay verbatim: %q", out.Body)
	}
}

func TestValidateVariables(t *testing.T) {
	min, max := 0.0, 100.0
	tpl, _ := NewTemplate("tpl_1", "t1", "order-shipped", baseTemplate(), testNow)
	tpl.Variables["discount"] = VariableSpec{
		Type:       VarNumber,
		Validation: &VarValidation{Min: &min, Max: &max},
	}
	tpl.Variables["tier"] = VariableSpec{
		Type:       VarString,
		Validation: &VarValidation{Options: []string{"gold", "silver"}},
	}

	cases := []struct {
		name  string
		vars  map[string]any
		valid bool
	}{
		{"ok", map[string]any{"orderId": "A", "discount": 10, "tier": "gold"}, true},
		{"missing required", map[string]any{"discount": 10}, false},
		{"wrong type", map[string]any{"orderId": 42}, false},
		{"above max", map[string]any{"orderId": "A", "discount": 250}, false},
		{"bad option", map[string]any{"orderId": "A", "tier": "bronze"}, false},
	}
	for _, tc := range cases {
		res := tpl.ValidateVariables(tc.vars)
		if res.Valid != tc.valid {
			t.Fatalf("%s: valid=%v errors=%v", tc.name, res.Valid, res.Errors)
		}
	}
}

func TestSettingsSendWindow(t *testing.T) {
	quiet := TemplateSettings{QuietHours: QuietHoursPolicy{Enabled: true, Start: "11:00", End: "14:00"}}

	if quiet.WithinSendWindow(testNow) { // 12:00
		t.Fatalf("quiet hours must block dispatch")
	}
	if !quiet.WithinSendWindow(testNow.Add(3 * time.Hour)) { // 15:00
		t.Fatalf("outside quiet hours must allow dispatch")
	}
	if next := quiet.NextSendTime(testNow); !next.Equal(time.Date(2026, 8, 1, 14, 15, 0, 0, time.UTC)) {
		t.Fatalf("next send time = %s", next)
	}

	// Disabled quiet hours never block.
	off := TemplateSettings{QuietHours: QuietHoursPolicy{Start: "11:00", End: "14:00"}}
	if !off.WithinSendWindow(testNow) {
		t.Fatalf("disabled quiet hours must not block")
	}

	biz := TemplateSettings{BusinessHours: true}
	if biz.WithinSendWindow(testNow) { // Saturday
		t.Fatalf("weekend must block business-hours templates")
	}
	monday := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	if !biz.WithinSendWindow(monday) {
		t.Fatalf("weekday business hours must allow")
	}
	if biz.WithinSendWindow(monday.Add(10 * time.Hour)) { // 20:00
		t.Fatalf("evening must block business-hours templates")
	}
	// Saturday noon rolls forward to Monday 09:00.
	if next := biz.NextSendTime(testNow); !next.Equal(time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("business-hours next send time = %s", next)
	}
}

func TestStatsRates(t *testing.T) {
	s := TemplateStats{Sent: 10, Delivered: 8, Opened: 4, Clicked: 2, Failed: 2}
	if got := s.DeliveryRate(); got != 0.8 {
		t.Fatalf("delivery rate = %v", got)
	}
	if got := s.OpenRate(); got != 0.5 {
		t.Fatalf("open rate = %v", got)
	}
	if got := s.ClickRate(); got != 0.25 {
		t.Fatalf("click rate = %v", got)
	}
	if got := (TemplateStats{}).OpenRate(); got != 0 {
		t.Fatalf("zero denominator should be 0, got %v", got)
	}
}

func TestClone(t *testing.T) {
	tpl, _ := NewTemplate("tpl_1", "t1", "order-shipped", baseTemplate(), testNow)
	tpl.Status = TemplateActive
	tpl.RecordStat(StatSent, testNow)

	cp := tpl.Clone("tpl_2", "order-shipped-copy", testNow.Add(time.Hour))
	if cp.ID != "tpl_2" || cp.Name != "order-shipped-copy" {
		t.Fatalf("identity not replaced: %s %s", cp.ID, cp.Name)
	}
	if cp.Status != TemplateDraft {
		t.Fatalf("clone must start draft, got %s", cp.Status)
	}
	if cp.Stats != (TemplateStats{}) || cp.LastUsedAt != nil {
		t.Fatalf("clone must start with zeroed stats")
	}

	// Deep copy: mutating the clone's content must not leak back.
	cp.Content[ChannelEmail].Subject = "changed"
	if tpl.Content[ChannelEmail].Subject == "changed" {
		t.Fatalf("clone shares content with the source")
	}
}
