package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "bellman/pkg/logx"
)

var (
	ErrDisabled = errors.New("store disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures the store.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the store is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Reminders is the reminder state the scheduler reads and writes.
type Reminders interface {
	CreateReminder(ctx context.Context, r ReminderItem) error
	GetReminder(ctx context.Context, id string) (ReminderItem, error)

	// DueReminders returns scheduled items whose trigger time has passed,
	// oldest first, capped at limit.
	DueReminders(ctx context.Context, now time.Time, limit int) ([]ReminderItem, error)

	// ClaimReminder conditionally transitions scheduled -> active. It
	// reports false when the item was already claimed (or toggled) by
	// someone else; the caller must not dispatch in that case.
	ClaimReminder(ctx context.Context, id string, now time.Time) (bool, error)

	// RecordReminderDelivery accumulates delivery counters after a
	// completed dispatch cycle.
	RecordReminderDelivery(ctx context.Context, id string, sent, total int, at time.Time) error

	// SetReminderStatus is the explicit admin toggle (active <-> inactive).
	SetReminderStatus(ctx context.Context, id string, status Status) error
}

// EventReminders is the calendar-event reminder state.
type EventReminders interface {
	CreateEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	CreateEventReminder(ctx context.Context, r EventReminder) error

	// DueEventReminders returns unsent reminders whose time has passed,
	// oldest first, capped at limit.
	DueEventReminders(ctx context.Context, now time.Time, limit int) ([]EventReminder, error)

	// ClaimEventReminder conditionally flips sent false -> true.
	ClaimEventReminder(ctx context.Context, id string) (bool, error)
}

// Directory is the read side recipient resolution needs.
type Directory interface {
	StudentsByIDs(ctx context.Context, schoolID string, ids []string) ([]Student, error)
	StudentsByClassLevels(ctx context.Context, schoolID string, classLevelIDs []string) ([]Student, error)
	StudentsBySchool(ctx context.Context, schoolID string) ([]Student, error)
	ClassLevelsByGrades(ctx context.Context, schoolID string, gradeIDs []string) ([]string, error)
	GuardiansByStudents(ctx context.Context, studentIDs []string) ([]Guardian, error)
}

// Invitations records high-value invitation sends.
type Invitations interface {
	SaveInvitation(ctx context.Context, inv Invitation) error
}

// Store is the full persistence API.
type Store interface {
	Reminders
	EventReminders
	Directory
	Invitations
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the store is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
