package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/events"
	"notifyd/internal/provider"
	"notifyd/internal/queue/memq"
	"notifyd/internal/store/memory"
)

var testNow = time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC) // a Monday

// scriptedAdapter fails its first `fail` sends with a retriable error, then
// succeeds.
type scriptedAdapter struct {
	name  string
	fail  int
	calls int
}

func (a *scriptedAdapter) Name() string { return a.name }
func (a *scriptedAdapter) Send(_ context.Context, _ provider.Payload) provider.Result {
	a.calls++
	if a.calls <= a.fail {
		return provider.Result{Success: false, Err: errors.New("provider timeout"), Retriable: true}
	}
	return provider.Result{Success: true, MessageID: fmt.Sprintf("msg_%d", a.calls), Cost: 0.001}
}

type workerFixture struct {
	store   *memory.Store
	queue   *memq.Queue
	adapter *scriptedAdapter
	proc    *Processor
	retry   *RetryScheduler
	now     time.Time
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	st := memory.New()
	q := memq.New()

	var seq int
	log := events.New(st, func() string {
		seq++
		return fmt.Sprintf("evt_%d", seq)
	})

	f := &workerFixture{store: st, queue: q, adapter: &scriptedAdapter{name: "email-stub"}, now: testNow}
	log.Now = func() time.Time { return f.now }

	reg := provider.NewRegistry()
	reg.Register(domain.ChannelEmail, f.adapter)

	f.proc = &Processor{
		Store:    st,
		Queue:    q,
		Events:   log,
		Registry: reg,
		Channel:  domain.ChannelEmail,
		Now:      func() time.Time { return f.now },
	}
	f.retry = &RetryScheduler{
		Store:  st,
		Queue:  q,
		Events: log,
		Now:    func() time.Time { return f.now },
	}
	return f
}

func (f *workerFixture) seedDelivery(t *testing.T, retry domain.RetryPolicy, scheduledFor *time.Time) *domain.Delivery {
	t.Helper()
	return f.seedDeliveryWithSettings(t, domain.TemplateSettings{Retry: retry}, scheduledFor)
}

func (f *workerFixture) seedDeliveryWithSettings(t *testing.T, settings domain.TemplateSettings, scheduledFor *time.Time) *domain.Delivery {
	t.Helper()
	ctx := context.Background()

	tpl, err := domain.NewTemplate("tpl_1", "t1", "order-shipped", domain.Template{
		SupportedChannels: []domain.Channel{domain.ChannelEmail},
		Content: map[domain.Channel]*domain.ChannelContent{
			domain.ChannelEmail: {Subject: "Order", Body: "shipped"},
		},
		Settings: settings,
	}, f.now)
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if _, found, _ := f.store.GetTemplate(ctx, "t1", "tpl_1"); !found {
		if err := f.store.InsertTemplate(ctx, tpl); err != nil {
			t.Fatalf("insert template: %v", err)
		}
	}

	d := domain.NewDelivery("dlv_1", tpl, domain.ChannelEmail,
		tpl.Content[domain.ChannelEmail],
		domain.ContactInfo{UserID: "u1", Email: "u1@example.com"}, nil,
		"email-stub", "trk_1", nil, scheduledFor, f.now)
	if err := f.store.InsertDelivery(ctx, d); err != nil {
		t.Fatalf("insert delivery: %v", err)
	}
	if err := f.queue.Push(ctx, d.Channel, d.ID, d.Priority); err != nil {
		t.Fatalf("push: %v", err)
	}
	return d
}

func TestTickDispatchesQueuedDelivery(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.seedDelivery(t, domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5}, nil)

	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	d, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != domain.DeliverySent {
		t.Fatalf("status = %s", d.Status)
	}
	if d.Metadata.ProviderMessageID == "" || d.SentAt == nil {
		t.Fatalf("send facts not recorded: %+v", d)
	}
	if depth, _ := f.queue.Depth(ctx, domain.ChannelEmail); depth != 0 {
		t.Fatalf("queue not drained, depth=%d", depth)
	}
}

// The full retry loop: a provider failing every attempt walks the delivery
// through FAILED -> RETRY cycles until retries are exhausted.
func TestRetryLoopExhaustsAndStops(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.adapter.fail = 100 // never succeeds
	f.seedDelivery(t, domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5}, nil)

	for attempt := 0; attempt < 4; attempt++ {
		if err := f.proc.Tick(ctx); err != nil {
			t.Fatalf("attempt %d tick: %v", attempt, err)
		}
		d, _, _ := f.store.GetDelivery(ctx, "dlv_1")
		if d.Status != domain.DeliveryFailed {
			t.Fatalf("attempt %d: status = %s", attempt, d.Status)
		}

		if attempt < 3 {
			if d.NextRetryAt == nil {
				t.Fatalf("attempt %d: no retry scheduled", attempt)
			}
			f.now = d.NextRetryAt.Add(time.Second)
			if err := f.retry.Tick(ctx); err != nil {
				t.Fatalf("attempt %d retry tick: %v", attempt, err)
			}
			promoted, _, _ := f.store.GetDelivery(ctx, "dlv_1")
			if promoted.Status != domain.DeliveryRetry {
				t.Fatalf("attempt %d: not promoted, status = %s", attempt, promoted.Status)
			}
		}
	}

	d, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", d.RetryCount)
	}
	if d.NextRetryAt != nil {
		t.Fatalf("exhausted delivery still scheduled")
	}
	if f.adapter.calls != 4 {
		t.Fatalf("provider called %d times, want 4", f.adapter.calls)
	}

	// A further scheduler tick finds nothing to promote.
	f.now = f.now.Add(time.Hour)
	if err := f.retry.Tick(ctx); err != nil {
		t.Fatalf("final retry tick: %v", err)
	}
	final, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if final.Status != domain.DeliveryFailed || final.RetryCount != 3 {
		t.Fatalf("exhausted delivery moved: %s retryCount=%d", final.Status, final.RetryCount)
	}

	// The exhausted failure lands on the template counter.
	tpl, _, _ := f.store.GetTemplate(ctx, "t1", "tpl_1")
	if tpl.Stats.Failed != 1 {
		t.Fatalf("template failed counter = %d", tpl.Stats.Failed)
	}
}

// A delivery scheduled for the future stays queued, untouched, until its time
// arrives.
func TestScheduledDeliveryWaits(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	scheduled := testNow.Add(2 * time.Hour)
	f.seedDelivery(t, domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5}, &scheduled)

	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	d, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != domain.DeliveryQueued {
		t.Fatalf("early dispatch: status = %s", d.Status)
	}
	if f.adapter.calls != 0 {
		t.Fatalf("provider called before the scheduled time")
	}
	if depth, _ := f.queue.Depth(ctx, domain.ChannelEmail); depth != 1 {
		t.Fatalf("delivery fell off the queue, depth=%d", depth)
	}

	f.now = scheduled.Add(time.Minute)
	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("due tick: %v", err)
	}
	d, _, _ = f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != domain.DeliverySent {
		t.Fatalf("due delivery not sent: %s", d.Status)
	}
}

func TestExpiredDeliveryIsCancelled(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.seedDelivery(t, domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5, ExpiryHours: 1}, nil)

	f.now = f.now.Add(2 * time.Hour)
	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	d, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != domain.DeliveryCancelled {
		t.Fatalf("status = %s", d.Status)
	}
	if f.adapter.calls != 0 {
		t.Fatalf("expired delivery reached the provider")
	}
}

// The stored status is re-checked after the pop: a cancellation that landed
// while the id sat on the queue wins.
func TestCancelledDeliveryIsNotDispatched(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	d := f.seedDelivery(t, domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5}, nil)

	if err := d.Cancel("user request", "api", f.now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.store.UpdateDelivery(ctx, d); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.adapter.calls != 0 {
		t.Fatalf("cancelled delivery reached the provider")
	}
	got, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if got.Status != domain.DeliveryCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

// A recipient outside their allowed window gets the delivery rescheduled to
// the next day at 09:00 in their timezone.
func TestOutsideScheduleReschedules(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.seedDelivery(t, domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5}, nil)

	pref := domain.NewPreference("prf_1", "t1", "u1", f.now)
	pref.GrantConsent(domain.ConsentTransactional, "contract", "u1", "signup", nil, f.now)
	pref.Channels[domain.ChannelEmail].Schedule = &domain.Schedule{
		QuietStart: "11:00",
		QuietEnd:   "14:00",
	}
	if err := f.store.UpsertPreference(ctx, pref); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}

	// 12:00 falls inside quiet hours.
	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	d, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != domain.DeliveryQueued {
		t.Fatalf("status = %s", d.Status)
	}
	if d.ScheduledFor == nil {
		t.Fatalf("no reschedule recorded")
	}
	want := time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC)
	if !d.ScheduledFor.Equal(want) {
		t.Fatalf("rescheduled to %v, want %v", d.ScheduledFor, want)
	}
	if f.adapter.calls != 0 {
		t.Fatalf("quiet-hours delivery reached the provider")
	}

	// Next morning it goes out.
	f.now = want.Add(time.Minute)
	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("morning tick: %v", err)
	}
	d, _, _ = f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != domain.DeliverySent {
		t.Fatalf("morning status = %s", d.Status)
	}
}

func TestTemplateQuietHoursReschedule(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.seedDeliveryWithSettings(t, domain.TemplateSettings{
		QuietHours: domain.QuietHoursPolicy{Enabled: true, Start: "11:00", End: "14:00"},
		Retry:      domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5},
	}, nil)

	// Noon sits inside the template's quiet window.
	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	d, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != domain.DeliveryQueued {
		t.Fatalf("status = %s", d.Status)
	}
	if d.ScheduledFor == nil {
		t.Fatalf("no reschedule recorded")
	}
	want := time.Date(2026, 8, 3, 14, 15, 0, 0, time.UTC)
	if !d.ScheduledFor.Equal(want) {
		t.Fatalf("rescheduled to %v, want %v", d.ScheduledFor, want)
	}
	if f.adapter.calls != 0 {
		t.Fatalf("quiet-hours delivery reached the provider")
	}

	f.now = want.Add(time.Minute)
	if err := f.proc.Tick(ctx); err != nil {
		t.Fatalf("afternoon tick: %v", err)
	}
	d, _, _ = f.store.GetDelivery(ctx, "dlv_1")
	if d.Status != domain.DeliverySent {
		t.Fatalf("afternoon status = %s", d.Status)
	}
}

// blockingAdapter parks inside Send until released, so a tick can be held
// open across several ticker intervals.
type blockingAdapter struct {
	started chan struct{}
	release chan struct{}
	calls   int
}

func (a *blockingAdapter) Name() string { return "email-stub" }
func (a *blockingAdapter) Send(_ context.Context, _ provider.Payload) provider.Result {
	a.calls++
	close(a.started)
	<-a.release
	return provider.Result{Success: true, MessageID: "msg_blocked"}
}

// A tick still in flight when the next ticker fires is skipped, never
// overlapped: the held send is the only provider call.
func TestRunSkipsOverlappingTicks(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedDelivery(t, domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5}, nil)

	blocked := &blockingAdapter{started: make(chan struct{}), release: make(chan struct{})}
	reg := provider.NewRegistry()
	reg.Register(domain.ChannelEmail, blocked)
	f.proc.Registry = reg
	f.proc.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.proc.Run(ctx)
		close(done)
	}()

	<-blocked.started
	// Several intervals elapse while the first tick is still inside Send.
	time.Sleep(30 * time.Millisecond)
	close(blocked.release)
	cancel()
	<-done

	if blocked.calls != 1 {
		t.Fatalf("overlapping ticks reached the provider %d times", blocked.calls)
	}
}

func TestRetrySchedulerSkipsNonRetriable(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	d := f.seedDelivery(t, domain.RetryPolicy{MaxRetries: 3, RetryDelayMinutes: 5}, nil)

	_ = d.MarkProcessing(f.now)
	if err := d.MarkFailed("invalid recipient", false, f.now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := f.store.UpdateDelivery(ctx, d); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Drain the seeded queue entry so only the scheduler could resurrect it.
	if _, err := f.queue.Pop(ctx, domain.ChannelEmail, 10); err != nil {
		t.Fatalf("drain: %v", err)
	}

	f.now = f.now.Add(time.Hour)
	if err := f.retry.Tick(ctx); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	got, _, _ := f.store.GetDelivery(ctx, "dlv_1")
	if got.Status != domain.DeliveryFailed {
		t.Fatalf("non-retriable failure moved: %s", got.Status)
	}
	if depth, _ := f.queue.Depth(ctx, domain.ChannelEmail); depth != 0 {
		t.Fatalf("non-retriable failure re-queued")
	}
}
