// Package app wires configuration, logging, storage, transports, and the
// scheduler into one runnable service.
package app

import (
	"context"
	"fmt"
	"time"

	"bellman/internal/channel"
	"bellman/internal/config"
	"bellman/internal/dispatch"
	"bellman/internal/invite"
	"bellman/internal/resolve"
	"bellman/internal/scheduler"
	"bellman/internal/store"
	logx "bellman/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st         store.Store
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Service
	invites    *invite.Service

	cfgCh     chan *config.Config
	watchDone chan struct{}
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log)

	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("store is required (set store.driver)")
	}

	var email channel.EmailSender
	if cfg.SMTP.Host != "" {
		email, err = channel.NewSMTPSender(channel.SMTPConfig{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			FromName:  cfg.SMTP.FromName,
			FromEmail: cfg.SMTP.FromEmail,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
	}
	var sms channel.SMSSender
	if cfg.SMS.GatewayURL != "" {
		smsTimeout, err := config.ParseDurationField("sms.timeout", cfg.SMS.Timeout)
		if err != nil {
			return nil, err
		}
		sms, err = channel.NewGatewaySMSSender(channel.SMSConfig{
			GatewayURL: cfg.SMS.GatewayURL,
			APIKey:     cfg.SMS.APIKey,
			Sender:     cfg.SMS.Sender,
			Timeout:    smsTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("sms: %w", err)
		}
	}
	if email == nil && sms == nil {
		log.Warn("no channel configured; dispatch cycles will deliver nothing")
	}

	dispatcher := dispatch.New(dispatch.Config{RatePerSec: cfg.Dispatch.RatePerSec}, email, sms, log)
	resolver := resolve.New(st, log)

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, st, resolver, dispatcher, log)

	retryBase, err := config.ParseDurationField("invites.retry_base", cfg.Invites.RetryBase)
	if err != nil {
		return nil, err
	}
	retryMaxDelay, err := config.ParseDurationField("invites.retry_max_delay", cfg.Invites.RetryMaxDelay)
	if err != nil {
		return nil, err
	}
	invites := invite.New(invite.Config{
		MaxAttempts: cfg.Invites.RetryMax,
		BaseDelay:   retryBase,
		MaxDelay:    retryMaxDelay,
	}, email, st, log)

	return &App{
		cfgMgr:     mgr,
		logSvc:     logSvc,
		log:        log,
		st:         st,
		dispatcher: dispatcher,
		sched:      sched,
		invites:    invites,
	}, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	remTick, err := config.ParseDurationOrDefault("reminders.tick", cfg.Reminders.Tick, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	evTick, err := config.ParseDurationOrDefault("event_reminders.tick", cfg.EventReminders.Tick, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		RemindersEnabled: cfg.Reminders.Enabled,
		RemindersTick:    remTick,
		RemindersBatch:   cfg.Reminders.Batch,
		EventsEnabled:    cfg.EventReminders.Enabled,
		EventsTick:       evTick,
		EventsBatch:      cfg.EventReminders.Batch,
	}, nil
}

// Scheduler exposes the dispatch entry point for domain write paths
// (immediate-mode reminders).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Invites exposes the invitation send path.
func (a *App) Invites() *invite.Service { return a.invites }

func (a *App) Start(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	// Hot reload: logging and dispatch tunables apply without restart.
	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		_ = a.cfgMgr.Watch(ctx)
	}()
	go func() {
		for cfg := range a.cfgCh {
			a.applyReload(cfg)
		}
	}()

	a.log.Info("bellman started")
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.dispatcher.Apply(dispatch.Config{RatePerSec: cfg.Dispatch.RatePerSec})
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop(ctx)
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	if a.watchDone != nil {
		select {
		case <-a.watchDone:
		case <-ctx.Done():
		}
	}
	if a.st != nil {
		_ = a.st.Close()
	}
	a.log.Info("bellman stopped")
	_ = a.logSvc.Close()
	return nil
}
