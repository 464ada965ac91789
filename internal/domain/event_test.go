package domain

import (
	"testing"
	"time"
)

func TestDefaultSeverity(t *testing.T) {
	sec := NewSecurityEvent("evt_1", "t1", EventAuthFailure, "bad webhook secret", testNow)
	if sec.Severity != SeverityHigh {
		t.Fatalf("security events default to high, got %s", sec.Severity)
	}
	con := NewConsentEvent("evt_2", "t1", EventConsentWithdrawn, "u1", "consent withdrawn", testNow)
	if con.Severity != SeverityMedium {
		t.Fatalf("consent events default to medium, got %s", con.Severity)
	}
	del := NewDeliveryEvent("evt_3", "t1", EventDeliverySent, "dlv_1", "tpl_1", "sent", testNow)
	if del.Severity != SeverityInfo {
		t.Fatalf("delivery events default to info, got %s", del.Severity)
	}
}

func TestDedupKeyDiscriminates(t *testing.T) {
	a := NewDeliveryEvent("evt_1", "t1", EventDeliveryFailed, "dlv_1", "tpl_1", "delivery failed: timeout", testNow)
	b := NewDeliveryEvent("evt_2", "t1", EventDeliveryFailed, "dlv_1", "tpl_1", "delivery failed: timeout", testNow)
	if a.DedupKey() != b.DedupKey() {
		t.Fatalf("identical events must share a dedup key")
	}

	c := NewDeliveryEvent("evt_3", "t2", EventDeliveryFailed, "dlv_1", "tpl_1", "delivery failed: timeout", testNow)
	if a.DedupKey() == c.DedupKey() {
		t.Fatalf("tenant must be part of the dedup key")
	}
	d := NewDeliveryEvent("evt_4", "t1", EventDeliveryFailed, "dlv_2", "tpl_1", "delivery failed: timeout", testNow)
	if a.DedupKey() == d.DedupKey() {
		t.Fatalf("delivery id must be part of the dedup key")
	}
}

func TestIncrementOccurrence(t *testing.T) {
	e := NewDeliveryEvent("evt_1", "t1", EventDeliveryFailed, "dlv_1", "tpl_1", "delivery failed", testNow)
	if e.Occurrences != 1 {
		t.Fatalf("new event starts at 1 occurrence, got %d", e.Occurrences)
	}

	later := testNow.Add(time.Minute)
	e.IncrementOccurrence(map[string]any{"attempt": 2}, later)
	if e.Occurrences != 2 {
		t.Fatalf("occurrences = %d", e.Occurrences)
	}
	if len(e.AggregatedData) != 1 {
		t.Fatalf("repeat payload not aggregated")
	}
	if !e.UpdatedAt.Equal(later) {
		t.Fatalf("updatedAt not bumped")
	}
	if !e.CreatedAt.Equal(testNow) {
		t.Fatalf("createdAt must not move")
	}
}
