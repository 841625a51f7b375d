package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const yamlConfig = `
logging:
  level: debug
  console: true
store:
  driver: sqlite
  path: ./bellman.db
  busy_timeout: 5s
smtp:
  host: smtp.test
  port: 587
  username: mailer
  password: secret
  from_name: Bellman
  from_email: noreply@test
sms:
  gateway_url: https://sms.test/send
  api_key: key-123
  sender: SCHOOL
dispatch:
  rate_per_sec: 25
reminders:
  enabled: true
  tick: 15s
  batch: 100
event_reminders:
  enabled: true
invites:
  retry_max: 5
  retry_base: 2s
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", yamlConfig))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "./bellman.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.SMTP.Port != 587 || cfg.SMTP.FromEmail != "noreply@test" {
		t.Fatalf("smtp = %+v", cfg.SMTP)
	}
	if cfg.SMS.GatewayURL != "https://sms.test/send" || cfg.SMS.Sender != "SCHOOL" {
		t.Fatalf("sms = %+v", cfg.SMS)
	}
	if cfg.Dispatch.RatePerSec != 25 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if !cfg.Reminders.Enabled || cfg.Reminders.Tick != "15s" || cfg.Reminders.Batch != 100 {
		t.Fatalf("reminders = %+v", cfg.Reminders)
	}
	if cfg.Invites.RetryMax != 5 {
		t.Fatalf("invites = %+v", cfg.Invites)
	}

	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"store": {"driver": "sqlite", "path": "x.db"}, "reminders": {"enabled": true}}`))

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Store.Path != "x.db" || !cfg.Reminders.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"store": {"driver": "sqlite", "path": "x.db"}, "remidners": {"enabled": true}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown-field error for misspelled section")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{}{"extra": 1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok zero value", func(c *Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite" }, "store.path"},
		{"bad busy timeout", func(c *Config) { c.Store.BusyTimeout = "soon" }, "store.busy_timeout"},
		{"bad loop tick", func(c *Config) { c.Reminders.Tick = "every hour" }, "reminders.tick"},
		{"negative batch", func(c *Config) { c.EventReminders.Batch = -1 }, "event_reminders.batch"},
		{"negative rate", func(c *Config) { c.Dispatch.RatePerSec = -1 }, "dispatch.rate_per_sec"},
		{"negative retry max", func(c *Config) { c.Invites.RetryMax = -1 }, "invites.retry_max"},
		{"negative duration", func(c *Config) { c.Invites.RetryBase = "-5s" }, "invites.retry_base"},
		{"bad sms timeout", func(c *Config) { c.SMS.Timeout = "fast" }, "sms.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v; want 0, nil", d, err)
	}
	if d, err := ParseDurationField("x", " 1m30s "); err != nil || d != 90*time.Second {
		t.Fatalf("padded = %v, %v; want 1m30s, nil", d, err)
	}
	if _, err := ParseDurationField("x", "five"); err == nil {
		t.Fatal("expected error for junk duration")
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := ParseDurationOrDefault("x", "", 30*time.Second); err != nil || d != 30*time.Second {
		t.Fatalf("default = %v, %v; want 30s, nil", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Dispatch: DispatchConfig{RatePerSec: 9}}
	m.publish(first)
	// Buffer full: the stale config is dropped in favor of the newest.
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("received %+v, want the latest config", got)
		}
	default:
		t.Fatal("no config delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(&Config{})
}
