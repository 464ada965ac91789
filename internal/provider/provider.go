package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"notifyd/internal/domain"
)

// Payload is the channel-agnostic send request handed to an adapter. The
// content is the delivery's frozen snapshot, never the live template.
type Payload struct {
	DeliveryID string
	TenantID   string
	Channel    domain.Channel
	Recipient  domain.ContactInfo
	Content    *domain.ChannelContent
	Context    map[string]string
}

// Result is what an adapter reports back. On failure Retriable decides
// whether the delivery re-enters the retry loop.
type Result struct {
	Success   bool
	MessageID string
	Cost      float64
	Err       error
	Retriable bool
}

// Adapter is one send implementation per channel family. Concrete transports
// live behind this boundary.
type Adapter interface {
	Name() string
	Send(ctx context.Context, p Payload) Result
}

// Registry maps each channel to its adapter. The channel enum is the dispatch
// key; the adapter name recorded on a delivery is an audit fact only.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Channel]Adapter)}
}

// DefaultRegistry wires the stock adapter set: a real HTTP transport for the
// webhook channel and log adapters for the families delivered elsewhere.
func DefaultRegistry(timeout time.Duration, webhookSecret string) *Registry {
	r := NewRegistry()
	r.Register(domain.ChannelWebhook, NewWebhookAdapter(timeout, webhookSecret))
	for _, ch := range domain.Channels() {
		if ch == domain.ChannelWebhook {
			continue
		}
		r.Register(ch, &LogAdapter{AdapterName: string(ch) + "-default"})
	}
	return r
}

func (r *Registry) Register(ch domain.Channel, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[ch] = a
}

func (r *Registry) ForChannel(ch domain.Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel %s", ch)
	}
	return a, nil
}

// Channels lists every channel with a registered adapter.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}

// Retriable classifies a transport error: timeouts and temporary network
// failures are worth retrying, everything else is not.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// RetriableStatus classifies an HTTP response code.
func RetriableStatus(code int) bool {
	if code == 429 || code == 408 {
		return true
	}
	return code >= 500 && code <= 599
}
