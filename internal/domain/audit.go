package domain

import "time"

// AuditEntry records one mutation of an entity. Entries are append-only and
// survive LGPD anonymization.
type AuditEntry struct {
	Action    string    `json:"action"`
	Field     string    `json:"field,omitempty"`
	OldValue  string    `json:"oldValue,omitempty"`
	NewValue  string    `json:"newValue,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
