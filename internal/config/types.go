package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	SMTP SMTPConfig `json:"smtp"`
	SMS  SMSConfig  `json:"sms"`

	// Dispatch controls the outbound fan-out shared by both loops.
	Dispatch DispatchConfig `json:"dispatch"`

	// Reminders and EventReminders configure one scheduler loop each.
	Reminders      LoopConfig `json:"reminders"`
	EventReminders LoopConfig `json:"event_reminders"`

	Invites InviteConfig `json:"invites"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the persistence layer.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./bellman.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
}

type SMSConfig struct {
	GatewayURL string `json:"gateway_url"`
	APIKey     string `json:"api_key"`
	Sender     string `json:"sender,omitempty"`
	// Timeout is a Go duration string for one gateway call (default "10s").
	Timeout string `json:"timeout,omitempty"`
}

// DispatchConfig controls recipient fan-out.
//
// RatePerSec bounds outbound sends across channels so a school-wide blast
// does not trip provider limits.
type DispatchConfig struct {
	RatePerSec int `json:"rate_per_sec"`
}

// LoopConfig configures one scheduler loop.
//
// All durations are Go duration strings (e.g. "30s", "1m").
// Defaults (when fields are omitted/zero):
//   - enabled: true when the whole section is present
//   - tick: "30s"
//   - batch: 50
type LoopConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`
	Batch   int    `json:"batch,omitempty"`
}

// InviteConfig controls the high-value invitation send path.
type InviteConfig struct {
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// Validate rejects configs the services could not start from.
// It checks structure only; connectivity problems surface at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch driver {
	case "", "none", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required for sqlite")
	}
	if _, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout); err != nil {
		return err
	}

	for _, loop := range []struct {
		name string
		cfg  LoopConfig
	}{
		{"reminders", c.Reminders},
		{"event_reminders", c.EventReminders},
	} {
		if _, err := ParseDurationField(loop.name+".tick", loop.cfg.Tick); err != nil {
			return err
		}
		if loop.cfg.Batch < 0 {
			return fmt.Errorf("%s.batch: must be >= 0", loop.name)
		}
	}

	if c.Dispatch.RatePerSec < 0 {
		return errors.New("dispatch.rate_per_sec: must be >= 0")
	}
	if c.Invites.RetryMax < 0 {
		return errors.New("invites.retry_max: must be >= 0")
	}
	if _, err := ParseDurationField("invites.retry_base", c.Invites.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("invites.retry_max_delay", c.Invites.RetryMaxDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("sms.timeout", c.SMS.Timeout); err != nil {
		return err
	}
	return nil
}
