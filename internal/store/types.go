package store

import (
	"fmt"
	"time"
)

// DeliveryMode says when a reminder goes out.
type DeliveryMode string

const (
	ModeImmediate DeliveryMode = "immediate"
	ModeScheduled DeliveryMode = "scheduled"
	ModeRecurring DeliveryMode = "recurring"
)

// Status is the reminder lifecycle state.
//
// Transitions: scheduled -> active after the first dispatch attempt;
// active <-> inactive via explicit admin toggle.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
)

// Channel is a delivery transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Channels flags which transports a reminder goes out on.
type Channels struct {
	Email bool
	SMS   bool
}

func (c Channels) Any() bool { return c.Email || c.SMS }

// NotificationType is the event-reminder channel selector.
type NotificationType string

const (
	NotifyEmail NotificationType = "email"
	NotifySMS   NotificationType = "sms"
	NotifyBoth  NotificationType = "both"
)

// Channels expands the selector into per-channel flags.
func (t NotificationType) Channels() Channels {
	switch t {
	case NotifyEmail:
		return Channels{Email: true}
	case NotifySMS:
		return Channels{SMS: true}
	case NotifyBoth:
		return Channels{Email: true, SMS: true}
	}
	return Channels{}
}

// ScopeKind discriminates TargetScope variants.
type ScopeKind string

const (
	ScopeExplicit    ScopeKind = "explicit"
	ScopeClassLevels ScopeKind = "class_levels"
	ScopeGrades      ScopeKind = "grades"
	ScopeSchoolWide  ScopeKind = "school_wide"
)

// TargetScope declares which students a notification applies to.
//
// Exactly one variant is active; construct values through the helpers below
// so a scope can never carry conflicting variants.
type TargetScope struct {
	Kind ScopeKind
	IDs  []string
}

func ExplicitIDs(ids ...string) TargetScope {
	return TargetScope{Kind: ScopeExplicit, IDs: ids}
}

func ClassLevels(ids ...string) TargetScope {
	return TargetScope{Kind: ScopeClassLevels, IDs: ids}
}

func Grades(ids ...string) TargetScope {
	return TargetScope{Kind: ScopeGrades, IDs: ids}
}

func SchoolWide() TargetScope {
	return TargetScope{Kind: ScopeSchoolWide}
}

// ReminderItem is a schedulable notification unit.
type ReminderItem struct {
	ID       string
	SchoolID string
	Title    string
	Body     string

	Mode   DeliveryMode
	Status Status
	// ScheduledAt is required whenever Mode != ModeImmediate.
	ScheduledAt *time.Time

	Scope TargetScope
	// NotifyStudents and NotifyGuardians are independent; a reminder may
	// address either audience or both.
	NotifyStudents  bool
	NotifyGuardians bool
	Channels        Channels

	// Delivery bookkeeping, written only after a dispatch cycle completes.
	SentCount       int
	TotalRecipients int
	LastSentAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the authoring invariants before a reminder is persisted:
// every non-immediate mode carries a trigger time, and a scheduled-mode
// item still awaiting its first dispatch triggers in the future.
func (r ReminderItem) Validate(now time.Time) error {
	switch r.Mode {
	case ModeScheduled, ModeRecurring:
		if r.ScheduledAt == nil {
			return fmt.Errorf("reminder %s: %s mode requires a trigger time", r.ID, r.Mode)
		}
	}
	if r.Mode == ModeScheduled && r.Status == StatusScheduled && !r.ScheduledAt.After(now) {
		return fmt.Errorf("reminder %s: trigger time %s is not in the future", r.ID, r.ScheduledAt.Format(time.RFC3339))
	}
	return nil
}

// EventReminder binds a reminder to a calendar event. Its audience derives
// from the event's own visibility instead of a free-form scope.
type EventReminder struct {
	ID           string
	EventID      string
	ReminderTime time.Time
	Sent         bool
	Type         NotificationType
}

// Event carries the slice of a calendar event the dispatch subsystem needs:
// identity, display title, and visibility.
type Event struct {
	ID       string
	SchoolID string
	Title    string
	StartsAt time.Time

	// Visibility: when both lists are empty the event is school-wide.
	ClassLevelIDs []string
	StudentIDs    []string
}

// Scope derives the targeting scope from the event's visibility.
func (e Event) Scope() TargetScope {
	switch {
	case len(e.StudentIDs) > 0:
		return ExplicitIDs(e.StudentIDs...)
	case len(e.ClassLevelIDs) > 0:
		return ClassLevels(e.ClassLevelIDs...)
	default:
		return SchoolWide()
	}
}

// RecipientKind says whether a recipient is the targeted student or one of
// their guardians.
type RecipientKind string

const (
	KindSelf     RecipientKind = "self"
	KindGuardian RecipientKind = "guardian"
)

// Recipient is a single addressable destination. At least one of Email or
// Phone is non-empty; the resolver drops unaddressable entries.
type Recipient struct {
	Email       string
	Phone       string
	DisplayName string
	Kind        RecipientKind
}

// Key is the dedup identity: email when present, phone otherwise.
func (r Recipient) Key() string {
	if r.Email != "" {
		return r.Email
	}
	return r.Phone
}

func (r Recipient) Addressable() bool { return r.Email != "" || r.Phone != "" }

// Student is a directory entry for a targeted subject.
type Student struct {
	ID           string
	SchoolID     string
	ClassLevelID string
	Name         string
	Email        string
	Phone        string
}

// Guardian is linked to exactly one student.
type Guardian struct {
	ID        string
	StudentID string
	Name      string
	Relation  string
	Email     string
	Phone     string
}

// Invitation records a high-value account-invitation send.
type Invitation struct {
	ID       string
	SchoolID string
	Email    string
	Role     string
	Token    string
	SentAt   time.Time
}
