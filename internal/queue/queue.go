package queue

import (
	"context"

	"notifyd/internal/domain"
)

// Queue is one priority-ordered pending list per channel. Pop must be atomic:
// an id handed to one caller is never handed to another, which is what keeps
// at most one processor working a delivery.
type Queue interface {
	// Push enqueues a delivery id with the given priority score.
	Push(ctx context.Context, ch domain.Channel, deliveryID string, priority domain.Priority) error
	// Pop atomically removes and returns up to max ids, lowest score first.
	Pop(ctx context.Context, ch domain.Channel, max int) ([]string, error)
	// Remove deletes a specific pending id, e.g. on cancellation.
	Remove(ctx context.Context, ch domain.Channel, deliveryID string) error
	// Depth reports the number of pending ids on the channel.
	Depth(ctx context.Context, ch domain.Channel) (int64, error)
}
