package memq

import (
	"container/heap"
	"context"
	"sync"

	"notifyd/internal/domain"
)

// Queue is the in-process counterpart of the redis queue: one heap per
// channel under a single mutex, so Pop is atomic by construction.
type Queue struct {
	mu     sync.Mutex
	queues map[domain.Channel]*entryHeap
	seq    uint64
}

func New() *Queue {
	return &Queue{queues: make(map[domain.Channel]*entryHeap)}
}

type entry struct {
	id    string
	score int
	seq   uint64 // insertion tiebreak within a priority tier
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (q *Queue) Push(_ context.Context, ch domain.Channel, deliveryID string, priority domain.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.queues[ch]
	if !ok {
		h = &entryHeap{}
		q.queues[ch] = h
	}
	q.seq++
	heap.Push(h, entry{id: deliveryID, score: priority.Score(), seq: q.seq})
	return nil
}

func (q *Queue) Pop(_ context.Context, ch domain.Channel, max int) ([]string, error) {
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.queues[ch]
	if !ok {
		return nil, nil
	}
	var out []string
	for len(out) < max && h.Len() > 0 {
		out = append(out, heap.Pop(h).(entry).id)
	}
	return out, nil
}

func (q *Queue) Remove(_ context.Context, ch domain.Channel, deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.queues[ch]
	if !ok {
		return nil
	}
	for i, e := range *h {
		if e.id == deliveryID {
			heap.Remove(h, i)
			return nil
		}
	}
	return nil
}

func (q *Queue) Depth(_ context.Context, ch domain.Channel) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.queues[ch]
	if !ok {
		return 0, nil
	}
	return int64(h.Len()), nil
}
