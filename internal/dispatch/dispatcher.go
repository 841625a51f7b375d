// Package dispatch fans one rendered message out to a recipient list across
// the enabled channels. Every send gets its own goroutine and its own
// outcome; one failing recipient never aborts the rest of the batch.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bellman/internal/channel"
	"bellman/internal/store"
	logx "bellman/pkg/logx"
)

// Message is a fully rendered notification; templating happens upstream.
type Message struct {
	Subject string
	Body    string
}

// Attempt is one delivery outcome. Attempts are transient: they feed the
// summary and the log, nothing else.
type Attempt struct {
	Recipient store.Recipient
	Channel   store.Channel
	Err       error
}

func (a Attempt) OK() bool { return a.Err == nil }

// Summary aggregates a completed dispatch cycle.
type Summary struct {
	Sent     int
	Failures []Attempt
}

type Config struct {
	// RatePerSec bounds outbound sends across all channels. <= 0 means 10.
	RatePerSec int
	// SendTimeout bounds one transport call. <= 0 means 30s.
	SendTimeout time.Duration
}

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	email   channel.EmailSender
	sms     channel.SMSSender
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, email channel.EmailSender, sms channel.SMSSender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{email: email, sms: sms, log: log}
	d.Apply(cfg)
	return d
}

// Apply updates tunables at runtime (config hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Dispatch sends msg to every recipient over every enabled channel for
// which the recipient has a matching address, concurrently, and waits for
// all sends to finish. Failures are captured per attempt and logged;
// nothing is persisted here.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, recipients []store.Recipient, ch store.Channels) Summary {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	type sendReq struct {
		rec store.Recipient
		ch  store.Channel
	}
	var reqs []sendReq
	for _, rec := range recipients {
		if ch.Email && rec.Email != "" && d.email != nil {
			reqs = append(reqs, sendReq{rec: rec, ch: store.ChannelEmail})
		}
		if ch.SMS && rec.Phone != "" && d.sms != nil {
			reqs = append(reqs, sendReq{rec: rec, ch: store.ChannelSMS})
		}
	}
	if len(reqs) == 0 {
		return Summary{}
	}

	results := make([]Attempt, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req sendReq) {
			defer wg.Done()
			results[i] = Attempt{Recipient: req.rec, Channel: req.ch, Err: d.sendOne(ctx, cfg, lim, msg, req.rec, req.ch)}
		}(i, req)
	}
	wg.Wait()

	var sum Summary
	for _, a := range results {
		if a.OK() {
			sum.Sent++
			continue
		}
		sum.Failures = append(sum.Failures, a)
		d.log.Warn("send failed",
			logx.String("channel", string(a.Channel)),
			logx.String("recipient", a.Recipient.Key()),
			logx.String("name", a.Recipient.DisplayName),
			logx.Err(a.Err))
	}
	return sum
}

func (d *Dispatcher) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, msg Message, rec store.Recipient, ch store.Channel) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	switch ch {
	case store.ChannelEmail:
		return d.email.Send(callCtx, rec.Email, msg.Subject, msg.Body)
	case store.ChannelSMS:
		return d.sms.Send(callCtx, rec.Phone, msg.Body)
	}
	return nil
}
