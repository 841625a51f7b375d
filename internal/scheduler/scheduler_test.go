package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bellman/internal/dispatch"
	"bellman/internal/resolve"
	"bellman/internal/store"
	logx "bellman/pkg/logx"
)

// ---- fakes ----

type fakeStore struct {
	mu sync.Mutex

	reminders      map[string]*store.ReminderItem
	eventReminders map[string]*store.EventReminder
	events         map[string]store.Event

	dueCalls    int
	lastLimit   int
	claimDenied bool

	// blockDue lets a test hold a tick open mid-query.
	blockDue chan struct{}
	entered  chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reminders:      map[string]*store.ReminderItem{},
		eventReminders: map[string]*store.EventReminder{},
		events:         map[string]store.Event{},
	}
}

func (f *fakeStore) CreateReminder(_ context.Context, r store.ReminderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := r
	f.reminders[r.ID] = &cp
	return nil
}

func (f *fakeStore) GetReminder(_ context.Context, id string) (store.ReminderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reminders[id]
	if !ok {
		return store.ReminderItem{}, store.ErrNotFound
	}
	return *r, nil
}

func (f *fakeStore) DueReminders(_ context.Context, now time.Time, limit int) ([]store.ReminderItem, error) {
	f.mu.Lock()
	f.dueCalls++
	f.lastLimit = limit
	entered := f.entered
	block := f.blockDue
	var out []store.ReminderItem
	for _, r := range f.reminders {
		if r.Status == store.StatusScheduled && r.ScheduledAt != nil && !r.ScheduledAt.After(now) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	return out, nil
}

func (f *fakeStore) ClaimReminder(_ context.Context, id string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimDenied {
		return false, nil
	}
	r, ok := f.reminders[id]
	if !ok || r.Status != store.StatusScheduled {
		return false, nil
	}
	r.Status = store.StatusActive
	return true, nil
}

func (f *fakeStore) RecordReminderDelivery(_ context.Context, id string, sent, total int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reminders[id]
	if !ok {
		return store.ErrNotFound
	}
	r.SentCount += sent
	r.TotalRecipients = total
	r.LastSentAt = &at
	return nil
}

func (f *fakeStore) SetReminderStatus(_ context.Context, id string, status store.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reminders[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

func (f *fakeStore) CreateEvent(_ context.Context, e store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[e.ID] = e
	return nil
}

func (f *fakeStore) GetEvent(_ context.Context, id string) (store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return store.Event{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) CreateEventReminder(_ context.Context, r store.EventReminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := r
	f.eventReminders[r.ID] = &cp
	return nil
}

func (f *fakeStore) DueEventReminders(_ context.Context, now time.Time, limit int) ([]store.EventReminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EventReminder
	for _, r := range f.eventReminders {
		if !r.Sent && !r.ReminderTime.After(now) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimEventReminder(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.eventReminders[id]
	if !ok || r.Sent {
		return false, nil
	}
	r.Sent = true
	return true, nil
}

type fakeDirectory struct {
	students  []store.Student
	guardians []store.Guardian
}

func (f *fakeDirectory) StudentsByIDs(_ context.Context, _ string, ids []string) ([]store.Student, error) {
	var out []store.Student
	for _, st := range f.students {
		for _, id := range ids {
			if st.ID == id {
				out = append(out, st)
			}
		}
	}
	return out, nil
}

func (f *fakeDirectory) StudentsByClassLevels(_ context.Context, _ string, classLevelIDs []string) ([]store.Student, error) {
	var out []store.Student
	for _, st := range f.students {
		for _, cl := range classLevelIDs {
			if st.ClassLevelID == cl {
				out = append(out, st)
			}
		}
	}
	return out, nil
}

func (f *fakeDirectory) StudentsBySchool(_ context.Context, _ string) ([]store.Student, error) {
	return f.students, nil
}

func (f *fakeDirectory) ClassLevelsByGrades(_ context.Context, _ string, _ []string) ([]string, error) {
	return nil, nil
}

func (f *fakeDirectory) GuardiansByStudents(_ context.Context, _ []string) ([]store.Guardian, error) {
	return f.guardians, nil
}

type countingEmail struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func (c *countingEmail) Send(_ context.Context, to, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.fail[to]; ok {
		return err
	}
	c.sent = append(c.sent, to)
	return nil
}

func (c *countingEmail) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// ---- helpers ----

func testClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestService(t *testing.T, st *fakeStore, email *countingEmail, now time.Time, cfg Config) *Service {
	t.Helper()
	dir := &fakeDirectory{
		students: []store.Student{
			{ID: "s1", ClassLevelID: "cl-a", Name: "Amin", Email: "amin@test"},
			{ID: "s2", ClassLevelID: "cl-a", Name: "Bima", Email: "bima@test"},
		},
	}
	resolver := resolve.New(dir, logx.Nop())
	dispatcher := dispatch.New(dispatch.Config{RatePerSec: 1000}, email, nil, logx.Nop())
	return New(cfg, st, resolver, dispatcher, logx.Nop(), WithClock(testClock(now)))
}

func dueReminder(id string, at time.Time) store.ReminderItem {
	sched := at
	return store.ReminderItem{
		ID:             id,
		SchoolID:       "school-1",
		Title:          "Homework",
		Body:           "Bring your books",
		Mode:           store.ModeScheduled,
		Status:         store.StatusScheduled,
		ScheduledAt:    &sched,
		Scope:          store.ClassLevels("cl-a"),
		NotifyStudents: true,
		Channels:       store.Channels{Email: true},
	}
}

// ---- tests ----

func TestReminderTickDispatchesAndCommits(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	_ = st.CreateReminder(context.Background(), dueReminder("r1", now.Add(-time.Minute)))

	email := &countingEmail{}
	svc := newTestService(t, st, email, now, Config{})

	svc.reminderTick(context.Background())

	if email.count() != 2 {
		t.Fatalf("sent %d emails, want 2", email.count())
	}
	r, _ := st.GetReminder(context.Background(), "r1")
	if r.Status != store.StatusActive {
		t.Fatalf("status = %q, want active", r.Status)
	}
	if r.SentCount != 2 || r.TotalRecipients != 2 {
		t.Fatalf("bookkeeping = sent %d / total %d, want 2/2", r.SentCount, r.TotalRecipients)
	}
	if r.LastSentAt == nil {
		t.Fatal("last_sent_at not set")
	}

	// Second tick: the item is active and no longer due.
	svc.reminderTick(context.Background())
	if email.count() != 2 {
		t.Fatalf("re-dispatched: sent %d emails, want 2", email.count())
	}
}

func TestReminderTickSingleFlight(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	_ = st.CreateReminder(context.Background(), dueReminder("r1", now.Add(-time.Minute)))
	st.blockDue = make(chan struct{})
	st.entered = make(chan struct{})

	svc := newTestService(t, st, &countingEmail{}, now, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.reminderTick(context.Background())
	}()
	<-st.entered

	// Overlapping tick: must be a no-op, not queued.
	svc.reminderTick(context.Background())

	st.mu.Lock()
	calls := st.dueCalls
	st.mu.Unlock()
	if calls != 1 {
		t.Fatalf("dueCalls = %d, want 1 (second tick should skip)", calls)
	}

	close(st.blockDue)
	<-done
}

func TestReminderTickBatchCap(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	for i := 0; i < 120; i++ {
		_ = st.CreateReminder(context.Background(), dueReminder(fmt.Sprintf("r%03d", i), now.Add(-time.Minute)))
	}

	svc := newTestService(t, st, &countingEmail{}, now, Config{RemindersBatch: 50})
	svc.reminderTick(context.Background())

	st.mu.Lock()
	if st.lastLimit != 50 {
		t.Fatalf("query limit = %d, want 50", st.lastLimit)
	}
	active, scheduled := 0, 0
	for _, r := range st.reminders {
		switch r.Status {
		case store.StatusActive:
			active++
		case store.StatusScheduled:
			scheduled++
		}
	}
	st.mu.Unlock()

	if active != 50 {
		t.Fatalf("processed %d items, want 50", active)
	}
	if scheduled != 70 {
		t.Fatalf("%d items still due, want 70", scheduled)
	}
}

func TestReminderClaimLostSkipsDispatch(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	_ = st.CreateReminder(context.Background(), dueReminder("r1", now.Add(-time.Minute)))
	st.claimDenied = true

	email := &countingEmail{}
	svc := newTestService(t, st, email, now, Config{})
	svc.reminderTick(context.Background())

	if email.count() != 0 {
		t.Fatalf("dispatched despite lost claim: %d sends", email.count())
	}
}

func TestReminderNotYetDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	_ = st.CreateReminder(context.Background(), dueReminder("r1", now.Add(time.Hour)))

	email := &countingEmail{}
	svc := newTestService(t, st, email, now, Config{})
	svc.reminderTick(context.Background())

	if email.count() != 0 {
		t.Fatalf("dispatched a future item: %d sends", email.count())
	}
}

func TestShutdownSignalDoesNotAbortTick(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	_ = st.CreateReminder(context.Background(), dueReminder("r1", now.Add(-time.Minute)))

	email := &countingEmail{}
	svc := newTestService(t, st, email, now, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// The caller's shutdown signal fires while the tick is in flight. The
	// claim commits before dispatch, so aborting the sends here would lose
	// the messages with no retry path.
	cancel()

	svc.reminderTick(svc.tickCtx)

	if email.count() != 2 {
		t.Fatalf("sent %d emails after shutdown signal, want 2", email.count())
	}
	r, _ := st.GetReminder(context.Background(), "r1")
	if r.Status != store.StatusActive || r.SentCount != 2 {
		t.Fatalf("claimed item lost its sends: status=%q sent=%d", r.Status, r.SentCount)
	}

	svc.Stop(context.Background())
	if svc.tickCtx.Err() == nil {
		t.Fatal("tick context still live after stop")
	}
}

func TestEventReminderTick(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	_ = st.CreateEvent(context.Background(), store.Event{
		ID:       "ev1",
		SchoolID: "school-1",
		Title:    "Sports Day",
		StartsAt: now.Add(24 * time.Hour),
		// school-wide: no class levels, no explicit students
	})
	_ = st.CreateEventReminder(context.Background(), store.EventReminder{
		ID:           "er1",
		EventID:      "ev1",
		ReminderTime: now.Add(-time.Second),
		Type:         store.NotifyEmail,
	})

	email := &countingEmail{}
	svc := newTestService(t, st, email, now, Config{})

	svc.eventTick(context.Background())
	if email.count() != 2 {
		t.Fatalf("sent %d emails, want 2", email.count())
	}
	st.mu.Lock()
	sent := st.eventReminders["er1"].Sent
	st.mu.Unlock()
	if !sent {
		t.Fatal("event reminder not marked sent")
	}

	// Running the tick again must not re-dispatch.
	svc.eventTick(context.Background())
	if email.count() != 2 {
		t.Fatalf("re-dispatched: %d sends, want 2", email.count())
	}
}

func TestEventReminderMissingEvent(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	_ = st.CreateEventReminder(context.Background(), store.EventReminder{
		ID:           "er1",
		EventID:      "missing",
		ReminderTime: now.Add(-time.Second),
		Type:         store.NotifyEmail,
	})

	email := &countingEmail{}
	svc := newTestService(t, st, email, now, Config{})
	svc.eventTick(context.Background())

	if email.count() != 0 {
		t.Fatalf("dispatched for a missing event: %d sends", email.count())
	}
	// The claim never ran, so the item stays due for the next tick.
	st.mu.Lock()
	sent := st.eventReminders["er1"].Sent
	st.mu.Unlock()
	if sent {
		t.Fatal("reminder marked sent despite resolution failure")
	}
}

func TestDispatchNow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()

	item := dueReminder("r1", now)
	item.Mode = store.ModeImmediate
	item.ScheduledAt = nil
	item.Status = store.StatusActive
	_ = st.CreateReminder(context.Background(), item)

	email := &countingEmail{}
	svc := newTestService(t, st, email, now, Config{})

	sum, err := svc.DispatchNow(context.Background(), item)
	if err != nil {
		t.Fatalf("DispatchNow: %v", err)
	}
	if sum.Sent != 2 {
		t.Fatalf("Sent = %d, want 2", sum.Sent)
	}
	r, _ := st.GetReminder(context.Background(), "r1")
	if r.SentCount != 2 {
		t.Fatalf("SentCount = %d, want 2", r.SentCount)
	}
}

func TestDispatchNowRejectsInactive(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	svc := newTestService(t, st, &countingEmail{}, now, Config{})

	item := dueReminder("r1", now)
	item.Status = store.StatusInactive
	if _, err := svc.DispatchNow(context.Background(), item); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}
