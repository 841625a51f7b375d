// Package invite handles account-invitation email: a single high-value
// recipient where losing the message is costly, so the send is wrapped in
// bounded retry and exhaustion is surfaced to the caller.
package invite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bellman/internal/channel"
	"bellman/internal/retry"
	"bellman/internal/store"
	logx "bellman/pkg/logx"
)

// TokenPlaceholder in the invite body is replaced with the generated token.
const TokenPlaceholder = "{token}"

type Invite struct {
	SchoolID string
	Email    string
	Role     string
	Subject  string
	BodyHTML string
}

type Store interface {
	SaveInvitation(ctx context.Context, inv store.Invitation) error
}

type Config struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 5s
	MaxDelay    time.Duration // 0 means uncapped
}

type Service struct {
	email channel.EmailSender
	st    Store
	retry *retry.Coordinator
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, email channel.EmailSender, st Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	var opts []retry.Option
	if cfg.MaxDelay > 0 {
		opts = append(opts, retry.WithMaxDelay(cfg.MaxDelay))
	}
	return &Service{
		email: email,
		st:    st,
		retry: retry.New(cfg.MaxAttempts, cfg.BaseDelay, log, opts...),
		log:   log,
		now:   time.Now,
	}
}

// Send generates an invitation token, delivers the email with retry, and
// records the invitation once delivery succeeded. Retry exhaustion is
// returned to the caller; this is the one path where a send failure is
// fatal.
func (s *Service) Send(ctx context.Context, inv Invite) (store.Invitation, error) {
	if strings.TrimSpace(inv.Email) == "" {
		return store.Invitation{}, fmt.Errorf("invite: email is required")
	}

	rec := store.Invitation{
		ID:       uuid.NewString(),
		SchoolID: inv.SchoolID,
		Email:    inv.Email,
		Role:     inv.Role,
		Token:    uuid.NewString(),
	}
	body := strings.ReplaceAll(inv.BodyHTML, TokenPlaceholder, rec.Token)

	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.email.Send(ctx, inv.Email, inv.Subject, body)
	})
	if err != nil {
		return store.Invitation{}, fmt.Errorf("invite %s: %w", inv.Email, err)
	}

	rec.SentAt = s.now()
	if s.st != nil {
		if err := s.st.SaveInvitation(ctx, rec); err != nil {
			// The email went out; a bookkeeping failure is logged, not fatal.
			s.log.Warn("invitation record failed",
				logx.String("email", inv.Email), logx.Err(err))
		}
	}
	s.log.Info("invitation sent", logx.String("email", inv.Email), logx.String("role", inv.Role))
	return rec, nil
}
