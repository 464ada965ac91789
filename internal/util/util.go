package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULID ids are sortable (nice for DB indexes and dashboards). The prefix
// makes the entity type readable in logs.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewTemplateID() string   { return newID("tpl_") }
func NewDeliveryID() string   { return newID("dlv_") }
func NewPreferenceID() string { return newID("prf_") }
func NewEventID() string      { return newID("evt_") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
