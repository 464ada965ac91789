package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/store"
)

// Store is a mutex-guarded in-memory implementation of the persistence
// contract. It backs tests and single-node deployments; records are stored as
// JSON copies so callers never share mutable state with the store.
type Store struct {
	mu          sync.RWMutex
	templates   map[string][]byte // id -> doc
	deliveries  map[string][]byte
	preferences map[string][]byte // tenant|user -> doc
	events      map[string][]byte
	eventOrder  []string
	windows     map[string]int // key|window -> count
}

func New() *Store {
	return &Store{
		templates:   make(map[string][]byte),
		deliveries:  make(map[string][]byte),
		preferences: make(map[string][]byte),
		events:      make(map[string][]byte),
		windows:     make(map[string]int),
	}
}

func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func decode[T any](b []byte) (*T, bool) {
	if b == nil {
		return nil, false
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return &out, true
}

func (s *Store) InsertTemplate(_ context.Context, t *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = encode(t)
	return nil
}

func (s *Store) UpdateTemplate(_ context.Context, t *domain.Template) error {
	return s.InsertTemplate(nil, t)
}

func (s *Store) GetTemplate(_ context.Context, tenantID, id string) (*domain.Template, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := decode[domain.Template](s.templates[id])
	if !ok || t.TenantID != tenantID {
		return nil, false, nil
	}
	return t, true, nil
}

func (s *Store) InsertDelivery(_ context.Context, d *domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = encode(d)
	return nil
}

func (s *Store) UpdateDelivery(_ context.Context, d *domain.Delivery) error {
	return s.InsertDelivery(nil, d)
}

func (s *Store) GetDelivery(_ context.Context, id string) (*domain.Delivery, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := decode[domain.Delivery](s.deliveries[id])
	return d, ok, nil
}

func (s *Store) FindDeliveryByTracking(_ context.Context, trackingID string) (*domain.Delivery, bool, error) {
	return s.findDelivery(func(d *domain.Delivery) bool { return d.Metadata.TrackingID == trackingID })
}

func (s *Store) FindDeliveryByProviderMsgID(_ context.Context, providerMsgID string) (*domain.Delivery, bool, error) {
	return s.findDelivery(func(d *domain.Delivery) bool { return d.Metadata.ProviderMessageID == providerMsgID })
}

func (s *Store) findDelivery(match func(*domain.Delivery) bool) (*domain.Delivery, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, raw := range s.deliveries {
		if d, ok := decode[domain.Delivery](raw); ok && match(d) {
			return d, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) ListRetryCandidates(_ context.Context, now time.Time, limit int) ([]store.RetryCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type due struct {
		c  store.RetryCandidate
		at time.Time
	}
	var dues []due
	for _, raw := range s.deliveries {
		d, ok := decode[domain.Delivery](raw)
		if !ok {
			continue
		}
		if d.Status != domain.DeliveryFailed || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		dues = append(dues, due{c: store.RetryCandidate{ID: d.ID, Channel: d.Channel}, at: *d.NextRetryAt})
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].at.Before(dues[j].at) })
	if limit > 0 && len(dues) > limit {
		dues = dues[:limit]
	}
	out := make([]store.RetryCandidate, 0, len(dues))
	for _, d := range dues {
		out = append(out, d.c)
	}
	return out, nil
}

func (s *Store) DeliveryStats(_ context.Context, f store.StatsFilter) (store.DeliveryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := store.DeliveryStats{
		ByStatus:  make(map[domain.DeliveryStatus]int64),
		ByChannel: make(map[domain.Channel]int64),
	}
	for _, raw := range s.deliveries {
		d, ok := decode[domain.Delivery](raw)
		if !ok || d.TenantID != f.TenantID {
			continue
		}
		if f.TemplateID != "" && d.TemplateID != f.TemplateID {
			continue
		}
		if f.Since != nil && d.QueuedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !d.QueuedAt.Before(*f.Until) {
			continue
		}
		out.Total++
		out.ByStatus[d.Status]++
		out.ByChannel[d.Channel]++
		out.TotalCost += d.Cost
	}
	return out, nil
}

func prefKey(tenantID, userID string) string { return tenantID + "|" + userID }

func (s *Store) GetPreference(_ context.Context, tenantID, userID string) (*domain.Preference, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := decode[domain.Preference](s.preferences[prefKey(tenantID, userID)])
	return p, ok, nil
}

func (s *Store) UpsertPreference(_ context.Context, p *domain.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[prefKey(p.TenantID, p.UserID)] = encode(p)
	return nil
}

// IncrementWindowCount bumps the counter for one send-budget window and
// reports whether the bump stayed within the limit. Over-limit bumps are
// refunded so a rejected send does not consume budget.
func (s *Store) IncrementWindowCount(_ context.Context, key string, window time.Time, limit int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key + "|" + window.UTC().Format(time.RFC3339)
	n := s.windows[k] + 1
	if n > limit {
		return false, n - 1, nil
	}
	s.windows[k] = n
	return true, n, nil
}

func (s *Store) InsertEvent(_ context.Context, e *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = encode(e)
	s.eventOrder = append(s.eventOrder, e.ID)
	return nil
}

func (s *Store) UpdateEvent(_ context.Context, e *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = encode(e)
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (*domain.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := decode[domain.Event](s.events[id])
	return e, ok, nil
}

func (s *Store) FindEventByDedup(_ context.Context, tenantID, dedupKey string, since time.Time) (*domain.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.eventOrder) - 1; i >= 0; i-- {
		e, ok := decode[domain.Event](s.events[s.eventOrder[i]])
		if !ok {
			continue
		}
		if e.TenantID == tenantID && e.DedupKey() == dedupKey && !e.CreatedAt.Before(since) {
			return e, true, nil
		}
	}
	return nil, false, nil
}

// Events returns every logged event in insertion order. Test helper.
func (s *Store) Events() []*domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Event, 0, len(s.eventOrder))
	for _, id := range s.eventOrder {
		if e, ok := decode[domain.Event](s.events[id]); ok {
			out = append(out, e)
		}
	}
	return out
}
