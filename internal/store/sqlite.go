package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "bellman/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store ready", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- reminders ----

func (s *sqliteStore) CreateReminder(ctx context.Context, r ReminderItem) error {
	if err := r.Validate(time.Now()); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	scopeIDs, err := json.Marshal(r.Scope.IDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, school_id, title, body, mode, status, scheduled_at,
		                       scope_kind, scope_ids, notify_students, notify_guardians,
		                       via_email, via_sms, sent_count, total_recipients, last_sent_at,
		                       created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.SchoolID, r.Title, r.Body, string(r.Mode), string(r.Status), nullMillis(r.ScheduledAt),
		string(r.Scope.Kind), string(scopeIDs), boolInt(r.NotifyStudents), boolInt(r.NotifyGuardians),
		boolInt(r.Channels.Email), boolInt(r.Channels.SMS), r.SentCount, r.TotalRecipients, nullMillis(r.LastSentAt),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	return err
}

const reminderColumns = `id, school_id, title, body, mode, status, scheduled_at,
	scope_kind, scope_ids, notify_students, notify_guardians, via_email, via_sms,
	sent_count, total_recipients, last_sent_at, created_at, updated_at`

func (s *sqliteStore) GetReminder(ctx context.Context, id string) (ReminderItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ReminderItem{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]ReminderItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE status = ? AND mode IN (?, ?) AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC
		 LIMIT ?`,
		string(StatusScheduled), string(ModeScheduled), string(ModeRecurring), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReminderItem
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimReminder(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusActive), now.UnixMilli(), id, string(StatusScheduled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) RecordReminderDelivery(ctx context.Context, id string, sent, total int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		 SET sent_count = sent_count + ?, total_recipients = ?, last_sent_at = ?, updated_at = ?
		 WHERE id = ?`,
		sent, total, at.UnixMilli(), at.UnixMilli(), id)
	return err
}

func (s *sqliteStore) SetReminderStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (ReminderItem, error) {
	var (
		r                          ReminderItem
		mode, status, kind, idsRaw string
		schedAt, lastAt            sql.NullInt64
		nStudents, nGuardians      int
		viaEmail, viaSMS           int
		createdAt, updatedAt       int64
	)
	err := row.Scan(&r.ID, &r.SchoolID, &r.Title, &r.Body, &mode, &status, &schedAt,
		&kind, &idsRaw, &nStudents, &nGuardians, &viaEmail, &viaSMS,
		&r.SentCount, &r.TotalRecipients, &lastAt, &createdAt, &updatedAt)
	if err != nil {
		return ReminderItem{}, err
	}
	r.Mode = DeliveryMode(mode)
	r.Status = Status(status)
	r.Scope.Kind = ScopeKind(kind)
	if err := json.Unmarshal([]byte(idsRaw), &r.Scope.IDs); err != nil {
		return ReminderItem{}, fmt.Errorf("scope_ids: %w", err)
	}
	r.NotifyStudents = nStudents != 0
	r.NotifyGuardians = nGuardians != 0
	r.Channels = Channels{Email: viaEmail != 0, SMS: viaSMS != 0}
	r.ScheduledAt = millisPtr(schedAt)
	r.LastSentAt = millisPtr(lastAt)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return r, nil
}

// ---- events ----

func (s *sqliteStore) CreateEvent(ctx context.Context, e Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(id, school_id, title, starts_at) VALUES(?,?,?,?)`,
		e.ID, e.SchoolID, e.Title, e.StartsAt.UnixMilli()); err != nil {
		return err
	}
	for _, cl := range e.ClassLevelIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_class_levels(event_id, class_level_id) VALUES(?,?)`, e.ID, cl); err != nil {
			return err
		}
	}
	for _, st := range e.StudentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_students(event_id, student_id) VALUES(?,?)`, e.ID, st); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetEvent(ctx context.Context, id string) (Event, error) {
	var (
		e        Event
		startsAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, school_id, title, starts_at FROM events WHERE id = ?`, id).
		Scan(&e.ID, &e.SchoolID, &e.Title, &startsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.StartsAt = time.UnixMilli(startsAt)

	e.ClassLevelIDs, err = s.stringColumn(ctx,
		`SELECT class_level_id FROM event_class_levels WHERE event_id = ? ORDER BY class_level_id`, id)
	if err != nil {
		return Event{}, err
	}
	e.StudentIDs, err = s.stringColumn(ctx,
		`SELECT student_id FROM event_students WHERE event_id = ? ORDER BY student_id`, id)
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

func (s *sqliteStore) CreateEventReminder(ctx context.Context, r EventReminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_reminders(id, event_id, reminder_time, sent, notification_type)
		 VALUES(?,?,?,?,?)`,
		r.ID, r.EventID, r.ReminderTime.UnixMilli(), boolInt(r.Sent), string(r.Type))
	return err
}

func (s *sqliteStore) DueEventReminders(ctx context.Context, now time.Time, limit int) ([]EventReminder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, reminder_time, sent, notification_type
		 FROM event_reminders
		 WHERE sent = 0 AND reminder_time <= ?
		 ORDER BY reminder_time ASC
		 LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventReminder
	for rows.Next() {
		var (
			r     EventReminder
			at    int64
			sent  int
			ntype string
		)
		if err := rows.Scan(&r.ID, &r.EventID, &at, &sent, &ntype); err != nil {
			return nil, err
		}
		r.ReminderTime = time.UnixMilli(at)
		r.Sent = sent != 0
		r.Type = NotificationType(ntype)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimEventReminder(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_reminders SET sent = 1 WHERE id = ? AND sent = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- directory ----

func (s *sqliteStore) StudentsByIDs(ctx context.Context, schoolID string, ids []string) ([]Student, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{schoolID}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.queryStudents(ctx,
		`SELECT id, school_id, class_level_id, name, email, phone
		 FROM students WHERE school_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
}

func (s *sqliteStore) StudentsByClassLevels(ctx context.Context, schoolID string, classLevelIDs []string) ([]Student, error) {
	if len(classLevelIDs) == 0 {
		return nil, nil
	}
	args := []any{schoolID}
	for _, id := range classLevelIDs {
		args = append(args, id)
	}
	return s.queryStudents(ctx,
		`SELECT id, school_id, class_level_id, name, email, phone
		 FROM students WHERE school_id = ? AND class_level_id IN (`+placeholders(len(classLevelIDs))+`)`, args...)
}

func (s *sqliteStore) StudentsBySchool(ctx context.Context, schoolID string) ([]Student, error) {
	return s.queryStudents(ctx,
		`SELECT id, school_id, class_level_id, name, email, phone
		 FROM students WHERE school_id = ?`, schoolID)
}

func (s *sqliteStore) ClassLevelsByGrades(ctx context.Context, schoolID string, gradeIDs []string) ([]string, error) {
	if len(gradeIDs) == 0 {
		return nil, nil
	}
	args := []any{schoolID}
	for _, id := range gradeIDs {
		args = append(args, id)
	}
	return s.stringColumn(ctx,
		`SELECT id FROM class_levels WHERE school_id = ? AND grade_id IN (`+placeholders(len(gradeIDs))+`) ORDER BY id`,
		args...)
}

func (s *sqliteStore) GuardiansByStudents(ctx context.Context, studentIDs []string) ([]Guardian, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(studentIDs))
	for _, id := range studentIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, student_id, name, relation, email, phone
		 FROM guardians WHERE student_id IN (`+placeholders(len(studentIDs))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Guardian
	for rows.Next() {
		var g Guardian
		if err := rows.Scan(&g.ID, &g.StudentID, &g.Name, &g.Relation, &g.Email, &g.Phone); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ---- invitations ----

func (s *sqliteStore) SaveInvitation(ctx context.Context, inv Invitation) error {
	if inv.SentAt.IsZero() {
		inv.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations(id, school_id, email, role, token, sent_at)
		 VALUES(?,?,?,?,?,?)`,
		inv.ID, inv.SchoolID, inv.Email, inv.Role, inv.Token, inv.SentAt.UnixMilli())
	return err
}

// ---- helpers ----

func (s *sqliteStore) queryStudents(ctx context.Context, query string, args ...any) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.SchoolID, &st.ClassLevelID, &st.Name, &st.Email, &st.Phone); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
