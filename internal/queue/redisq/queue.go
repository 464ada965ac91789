package redisq

import (
	"context"

	"github.com/redis/go-redis/v9"

	"notifyd/internal/domain"
)

// Queue keeps one sorted set per channel. ZPOPMIN is the atomic
// pop-with-score primitive: redis removes and returns members in one step, so
// two processor ticks can never dequeue the same delivery. Members are ULIDs,
// so equal-score ordering roughly follows creation time without guaranteeing
// FIFO.
type Queue struct {
	RDB    *redis.Client
	Prefix string
}

func New(rdb *redis.Client) *Queue {
	return &Queue{RDB: rdb, Prefix: "notifyd:queue:"}
}

func (q *Queue) key(ch domain.Channel) string {
	return q.Prefix + string(ch)
}

func (q *Queue) Push(ctx context.Context, ch domain.Channel, deliveryID string, priority domain.Priority) error {
	return q.RDB.ZAdd(ctx, q.key(ch), redis.Z{
		Score:  float64(priority.Score()),
		Member: deliveryID,
	}).Err()
}

func (q *Queue) Pop(ctx context.Context, ch domain.Channel, max int) ([]string, error) {
	if max <= 0 {
		max = 1
	}
	zs, err := q.RDB.ZPopMin(ctx, q.key(ch), int64(max)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(zs))
	for _, z := range zs {
		if id, ok := z.Member.(string); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (q *Queue) Remove(ctx context.Context, ch domain.Channel, deliveryID string) error {
	return q.RDB.ZRem(ctx, q.key(ch), deliveryID).Err()
}

func (q *Queue) Depth(ctx context.Context, ch domain.Channel) (int64, error) {
	return q.RDB.ZCard(ctx, q.key(ch)).Result()
}
