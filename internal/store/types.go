package store

import (
	"time"

	"notifyd/internal/domain"
)

// DeliveryStats is the aggregation returned by GetDeliveryStats.
type DeliveryStats struct {
	Total     int64                           `json:"total"`
	ByStatus  map[domain.DeliveryStatus]int64 `json:"byStatus"`
	ByChannel map[domain.Channel]int64        `json:"byChannel"`
	TotalCost float64                         `json:"totalCost"`
}

// StatsFilter narrows a stats query. Zero values mean "no filter".
type StatsFilter struct {
	TenantID   string
	TemplateID string
	Since      *time.Time
	Until      *time.Time
}

// RetryCandidate is the projection the retry scheduler works on.
type RetryCandidate struct {
	ID      string
	Channel domain.Channel
}
