// Package channel holds the outbound transport boundary: one send, one
// recipient, one channel. Implementations do no retrying and no fan-out;
// that belongs to the dispatcher and the retry coordinator.
package channel

import (
	"context"
	"strings"
)

// EmailSender delivers one HTML email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMSSender delivers one text message.
type SMSSender interface {
	Send(ctx context.Context, to, text string) error
}

// NormalizePhone prepares a phone number for gateway submission:
// surrounding whitespace and the leading "+" are stripped.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	return strings.TrimPrefix(s, "+")
}
