package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bellman/internal/store"
	logx "bellman/pkg/logx"
)

type fakeEmail struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func (f *fakeEmail) Send(_ context.Context, to, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[to]; ok {
		return err
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSMS) Send(_ context.Context, to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	return nil
}

func recipients(n int) []store.Recipient {
	out := make([]store.Recipient, n)
	for i := range out {
		out[i] = store.Recipient{
			Email:       string(rune('a'+i)) + "@test",
			DisplayName: "R" + string(rune('A'+i)),
			Kind:        store.KindSelf,
		}
	}
	return out
}

func TestDispatchPartialFailureIsolation(t *testing.T) {
	t.Parallel()
	email := &fakeEmail{fail: map[string]error{"b@test": errors.New("mailbox full")}}
	d := New(Config{RatePerSec: 1000}, email, nil, logx.Nop())

	sum := d.Dispatch(context.Background(), Message{Subject: "s", Body: "b"}, recipients(5), store.Channels{Email: true})
	if sum.Sent != 4 {
		t.Fatalf("Sent = %d, want 4", sum.Sent)
	}
	if len(sum.Failures) != 1 {
		t.Fatalf("Failures = %d, want 1", len(sum.Failures))
	}
	f := sum.Failures[0]
	if f.Recipient.Email != "b@test" || f.Channel != store.ChannelEmail {
		t.Fatalf("unexpected failure %+v", f)
	}
	if len(email.sent) != 4 {
		t.Fatalf("transport saw %d sends, want 4", len(email.sent))
	}
}

func TestDispatchChannelAddressMatching(t *testing.T) {
	t.Parallel()
	email := &fakeEmail{}
	sms := &fakeSMS{}
	d := New(Config{RatePerSec: 1000}, email, sms, logx.Nop())

	recs := []store.Recipient{
		{Email: "both@test", Phone: "628111", DisplayName: "Both"},
		{Email: "mail@test", DisplayName: "MailOnly"},
		{Phone: "628222", DisplayName: "PhoneOnly"},
	}
	sum := d.Dispatch(context.Background(), Message{Subject: "s", Body: "b"}, recs, store.Channels{Email: true, SMS: true})

	// both -> email+sms, mail-only -> email, phone-only -> sms.
	if sum.Sent != 4 {
		t.Fatalf("Sent = %d, want 4", sum.Sent)
	}
	if len(email.sent) != 2 {
		t.Fatalf("email sends = %d, want 2", len(email.sent))
	}
	if len(sms.sent) != 2 {
		t.Fatalf("sms sends = %d, want 2", len(sms.sent))
	}
}

func TestDispatchDisabledChannelSkipped(t *testing.T) {
	t.Parallel()
	email := &fakeEmail{}
	sms := &fakeSMS{}
	d := New(Config{RatePerSec: 1000}, email, sms, logx.Nop())

	recs := []store.Recipient{{Email: "a@test", Phone: "628111"}}
	sum := d.Dispatch(context.Background(), Message{Subject: "s", Body: "b"}, recs, store.Channels{Email: true})
	if sum.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", sum.Sent)
	}
	if len(sms.sent) != 0 {
		t.Fatalf("sms should be disabled, saw %d sends", len(sms.sent))
	}
}

func TestDispatchNoWork(t *testing.T) {
	t.Parallel()
	d := New(Config{}, &fakeEmail{}, nil, logx.Nop())

	tests := []struct {
		name string
		recs []store.Recipient
		ch   store.Channels
	}{
		{name: "no recipients", recs: nil, ch: store.Channels{Email: true}},
		{name: "no channels", recs: recipients(2), ch: store.Channels{}},
		{name: "no matching addresses", recs: []store.Recipient{{Phone: "628111"}}, ch: store.Channels{Email: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := d.Dispatch(context.Background(), Message{}, tt.recs, tt.ch)
			if sum.Sent != 0 || len(sum.Failures) != 0 {
				t.Fatalf("expected empty summary, got %+v", sum)
			}
		})
	}
}

func TestDispatchNilSenderIgnored(t *testing.T) {
	t.Parallel()
	// SMS enabled on the item, but no SMS transport configured.
	email := &fakeEmail{}
	d := New(Config{RatePerSec: 1000}, email, nil, logx.Nop())

	recs := []store.Recipient{{Email: "a@test", Phone: "628111"}}
	sum := d.Dispatch(context.Background(), Message{Subject: "s", Body: "b"}, recs, store.Channels{Email: true, SMS: true})
	if sum.Sent != 1 || len(sum.Failures) != 0 {
		t.Fatalf("expected 1 email send and no failures, got %+v", sum)
	}
}
