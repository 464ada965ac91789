package tracking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/events"
	"notifyd/internal/store/memory"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func seedDelivery(t *testing.T, st *memory.Store) *domain.Delivery {
	t.Helper()
	ctx := context.Background()

	tpl, err := domain.NewTemplate("tpl_1", "t1", "newsletter", domain.Template{
		SupportedChannels: []domain.Channel{domain.ChannelEmail},
		Content: map[domain.Channel]*domain.ChannelContent{
			domain.ChannelEmail: {Subject: "News", Body: "Hello"},
		},
	}, testNow)
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	tpl.Stats.Delivered = 1
	if err := st.InsertTemplate(ctx, tpl); err != nil {
		t.Fatalf("insert template: %v", err)
	}

	d := domain.NewDelivery("dlv_1", tpl, domain.ChannelEmail,
		tpl.Content[domain.ChannelEmail],
		domain.ContactInfo{UserID: "u1", Email: "u1@example.com"}, nil,
		"email-stub", "trk_1", nil, nil, testNow)
	if err := st.InsertDelivery(ctx, d); err != nil {
		t.Fatalf("insert delivery: %v", err)
	}
	return d
}

func newService(st *memory.Store, now *time.Time) *Service {
	var seq int
	log := events.New(st, func() string {
		seq++
		return fmt.Sprintf("evt_%d", seq)
	})
	log.Now = func() time.Time { return *now }
	return &Service{Store: st, Events: log, Now: func() time.Time { return *now }}
}

// Opens are counted raw: a second open increments the counter, moves
// LastOpenAt and leaves FirstOpenAt pinned.
func TestTrackOpenCountsEveryOpen(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedDelivery(t, st)

	now := testNow
	svc := newService(st, &now)

	svc.TrackOpen(ctx, "trk_1", map[string]any{"userAgent": "curl"})
	first := now
	now = now.Add(time.Hour)
	svc.TrackOpen(ctx, "trk_1", nil)

	d, _, _ := st.GetDelivery(ctx, "dlv_1")
	if d.Metadata.OpenCount != 2 {
		t.Fatalf("open count = %d", d.Metadata.OpenCount)
	}
	if !d.Metadata.FirstOpenAt.Equal(first) {
		t.Fatalf("first open moved to %v", d.Metadata.FirstOpenAt)
	}
	if !d.Metadata.LastOpenAt.Equal(now) {
		t.Fatalf("last open = %v, want %v", d.Metadata.LastOpenAt, now)
	}

	tpl, _, _ := st.GetTemplate(ctx, "t1", "tpl_1")
	if tpl.Stats.Opened != 2 {
		t.Fatalf("template opened counter = %d", tpl.Stats.Opened)
	}
}

func TestTrackClick(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedDelivery(t, st)

	now := testNow
	svc := newService(st, &now)

	svc.TrackClick(ctx, "trk_1", "https://example.com/offer", nil)

	d, _, _ := st.GetDelivery(ctx, "dlv_1")
	if d.Metadata.ClickCount != 1 || d.Metadata.LastClickedURL != "https://example.com/offer" {
		t.Fatalf("click not recorded: %+v", d.Metadata)
	}
	// A click implies an open.
	if d.Metadata.FirstOpenAt == nil {
		t.Fatalf("click should pin first open")
	}

	tpl, _, _ := st.GetTemplate(ctx, "t1", "tpl_1")
	if tpl.Stats.Clicked != 1 {
		t.Fatalf("template clicked counter = %d", tpl.Stats.Clicked)
	}
}

// An unknown tracking id is silently ignored, honoring the pixel contract.
func TestTrackOpenUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedDelivery(t, st)

	now := testNow
	svc := newService(st, &now)
	svc.TrackOpen(ctx, "trk_ghost", nil)

	d, _, _ := st.GetDelivery(ctx, "dlv_1")
	if d.Metadata.OpenCount != 0 {
		t.Fatalf("unrelated delivery touched: %d", d.Metadata.OpenCount)
	}
	if got := st.Events(); len(got) != 0 {
		t.Fatalf("no events expected, got %d", len(got))
	}
}
