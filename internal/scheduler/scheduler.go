// Package scheduler hosts the periodic scan-and-dispatch loops: one for
// message reminders, one for calendar event reminders. Each loop ticks on
// its own interval, is single-flight guarded, and processes a bounded batch
// of due items per tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bellman/internal/dispatch"
	"bellman/internal/resolve"
	"bellman/internal/store"
	logx "bellman/pkg/logx"
)

var ErrNotActive = errors.New("reminder is not active")

type Config struct {
	RemindersEnabled bool
	RemindersTick    time.Duration // default 30s
	RemindersBatch   int           // default 50

	EventsEnabled bool
	EventsTick    time.Duration // default 60s
	EventsBatch   int           // default 50
}

func (c *Config) defaults() {
	if c.RemindersTick <= 0 {
		c.RemindersTick = 30 * time.Second
	}
	if c.RemindersBatch <= 0 {
		c.RemindersBatch = 50
	}
	if c.EventsTick <= 0 {
		c.EventsTick = 60 * time.Second
	}
	if c.EventsBatch <= 0 {
		c.EventsBatch = 50
	}
}

// Store is the slice of persistence the loops drive.
type Store interface {
	store.Reminders
	store.EventReminders
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	st         Store
	resolver   *resolve.Resolver
	dispatcher *dispatch.Dispatcher
	log        logx.Logger
	now        func() time.Time

	c *cron.Cron
	// tickCtx drives tick bodies. It is deliberately decoupled from the
	// caller's shutdown context: once a claim has committed, canceling the
	// sends would lose those messages for good. Stop cancels it only after
	// the graceful wait gives up.
	tickCtx    context.Context
	tickCancel context.CancelFunc

	// Per-loop single-flight guards. A tick that finds its guard held is a
	// no-op; ticks are never queued.
	remindersBusy atomic.Bool
	eventsBusy    atomic.Bool
}

type Option func(*Service)

// WithClock substitutes the time source (deterministic tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, st Store, resolver *resolve.Resolver, dispatcher *dispatch.Dispatcher, log logx.Logger, opts ...Option) *Service {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:        cfg,
		st:         st,
		resolver:   resolver,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	tickCtx, tickCancel := context.WithCancel(context.Background())
	s.tickCtx = tickCtx
	s.tickCancel = tickCancel

	c := cron.New()
	if s.cfg.RemindersEnabled {
		spec := fmt.Sprintf("@every %s", s.cfg.RemindersTick)
		if _, err := c.AddFunc(spec, func() { s.reminderTick(tickCtx) }); err != nil {
			tickCancel()
			return fmt.Errorf("register reminder loop: %w", err)
		}
	}
	if s.cfg.EventsEnabled {
		spec := fmt.Sprintf("@every %s", s.cfg.EventsTick)
		if _, err := c.AddFunc(spec, func() { s.eventTick(tickCtx) }); err != nil {
			tickCancel()
			return fmt.Errorf("register event reminder loop: %w", err)
		}
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started",
		logx.Bool("reminders", s.cfg.RemindersEnabled),
		logx.Duration("reminders_tick", s.cfg.RemindersTick),
		logx.Bool("events", s.cfg.EventsEnabled),
		logx.Duration("events_tick", s.cfg.EventsTick))
	return nil
}

// Stop halts the timers and waits for an in-flight tick to finish; a tick
// always runs its batch to completion. Only when ctx expires before the
// tick does is the tick context canceled and its remaining sends aborted.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.tickCancel
	s.c = nil
	s.tickCancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
}

// ---- reminder loop ----

func (s *Service) reminderTick(ctx context.Context) {
	if !s.remindersBusy.CompareAndSwap(false, true) {
		s.log.Debug("reminder tick still running, skipping")
		return
	}
	defer s.remindersBusy.Store(false)

	now := s.now()
	due, err := s.st.DueReminders(ctx, now, s.cfg.RemindersBatch)
	if err != nil {
		s.log.Error("due reminder query failed", logx.Err(err))
		return
	}
	for _, item := range due {
		// One bad item must not stall the rest of the batch.
		if err := s.processReminder(ctx, item); err != nil {
			s.log.Warn("reminder cycle failed",
				logx.String("reminder", item.ID), logx.Err(err))
		}
	}
}

func (s *Service) processReminder(ctx context.Context, item store.ReminderItem) error {
	recipients, err := s.resolver.Resolve(ctx, item.Scope, item.SchoolID, resolve.Audience{
		Students:  item.NotifyStudents,
		Guardians: item.NotifyGuardians,
	})
	if err != nil {
		// Resolution failed before any state moved; the item stays due and
		// the next tick retries it.
		return fmt.Errorf("resolve: %w", err)
	}

	now := s.now()
	claimed, err := s.st.ClaimReminder(ctx, item.ID, now)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		// Another scheduler instance (or an admin toggle) won the race.
		s.log.Debug("reminder already claimed", logx.String("reminder", item.ID))
		return nil
	}

	sum := s.dispatcher.Dispatch(ctx, dispatch.Message{Subject: item.Title, Body: item.Body}, recipients, item.Channels)
	s.log.Info("reminder dispatched",
		logx.String("reminder", item.ID),
		logx.Int("recipients", len(recipients)),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", len(sum.Failures)))

	if err := s.st.RecordReminderDelivery(ctx, item.ID, sum.Sent, len(recipients), s.now()); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// DispatchNow runs one synchronous cycle for an immediate-mode reminder.
// Domain write paths call it on create/update when the item is active.
func (s *Service) DispatchNow(ctx context.Context, item store.ReminderItem) (dispatch.Summary, error) {
	if item.Status != store.StatusActive {
		return dispatch.Summary{}, ErrNotActive
	}
	recipients, err := s.resolver.Resolve(ctx, item.Scope, item.SchoolID, resolve.Audience{
		Students:  item.NotifyStudents,
		Guardians: item.NotifyGuardians,
	})
	if err != nil {
		return dispatch.Summary{}, fmt.Errorf("resolve: %w", err)
	}

	sum := s.dispatcher.Dispatch(ctx, dispatch.Message{Subject: item.Title, Body: item.Body}, recipients, item.Channels)
	if err := s.st.RecordReminderDelivery(ctx, item.ID, sum.Sent, len(recipients), s.now()); err != nil {
		return sum, fmt.Errorf("record delivery: %w", err)
	}
	return sum, nil
}

// ---- event reminder loop ----

func (s *Service) eventTick(ctx context.Context) {
	if !s.eventsBusy.CompareAndSwap(false, true) {
		s.log.Debug("event tick still running, skipping")
		return
	}
	defer s.eventsBusy.Store(false)

	now := s.now()
	due, err := s.st.DueEventReminders(ctx, now, s.cfg.EventsBatch)
	if err != nil {
		s.log.Error("due event reminder query failed", logx.Err(err))
		return
	}
	for _, r := range due {
		if err := s.processEventReminder(ctx, r); err != nil {
			s.log.Warn("event reminder cycle failed",
				logx.String("event_reminder", r.ID), logx.Err(err))
		}
	}
}

func (s *Service) processEventReminder(ctx context.Context, r store.EventReminder) error {
	event, err := s.st.GetEvent(ctx, r.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}

	recipients, err := s.resolver.Resolve(ctx, event.Scope(), event.SchoolID, resolve.Audience{Students: true})
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	claimed, err := s.st.ClaimEventReminder(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		s.log.Debug("event reminder already claimed", logx.String("event_reminder", r.ID))
		return nil
	}

	msg := dispatch.Message{
		Subject: "Upcoming event: " + event.Title,
		Body:    fmt.Sprintf("%s starts at %s.", event.Title, event.StartsAt.Format("Mon, 02 Jan 2006 15:04")),
	}
	sum := s.dispatcher.Dispatch(ctx, msg, recipients, r.Type.Channels())
	s.log.Info("event reminder dispatched",
		logx.String("event", event.ID),
		logx.Int("recipients", len(recipients)),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", len(sum.Failures)))
	return nil
}
