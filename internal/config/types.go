package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full configuration surface of the gateway.
//
// All durations are Go duration strings (e.g. "800ms", "10s", "1m").
type Config struct {
	Window    WindowConfig    `json:"window"`
	Rate      RateConfig      `json:"rate"`
	Typing    TypingConfig    `json:"typing"`
	Drain     DrainConfig     `json:"drain"`
	HTTP      HTTPConfig      `json:"http"`
	Webhook   WebhookConfig   `json:"webhook"`
	Storage   StorageConfig   `json:"storage"`
	History   HistoryConfig   `json:"history"`
	Whitelist WhitelistConfig `json:"whitelist"`
	Transport TransportConfig `json:"transport"`
	Logging   LoggingConfig   `json:"logging"`
}

// WindowConfig is the business-hours send window: sending is allowed from
// StartHour (inclusive) to EndHour (exclusive) in Timezone's civil time.
type WindowConfig struct {
	StartHour *int   `json:"start_hour,omitempty"`
	EndHour   *int   `json:"end_hour,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

type RateConfig struct {
	HourlyCap int `json:"hourly_cap,omitempty"`
	// LedgerRetention bounds how long send timestamps are kept on disk.
	// Hygiene only; the trailing-hour count never depends on it.
	LedgerRetention string `json:"ledger_retention,omitempty"`
}

// TypingConfig shapes the human-typing simulation around outbound sends:
// a randomized pause after presence subscribe, then another after the
// "composing" mark, before the actual send.
type TypingConfig struct {
	SubscribeMin string `json:"subscribe_min,omitempty"`
	SubscribeMax string `json:"subscribe_max,omitempty"`
	ComposeMin   string `json:"compose_min,omitempty"`
	ComposeMax   string `json:"compose_max,omitempty"`
	// ReplayPause spaces out inbound-relay webhook posts during replay.
	ReplayPause string `json:"replay_pause,omitempty"`
}

// DrainConfig controls extra replay triggers beyond transport reconnects.
type DrainConfig struct {
	// OnWindowOpen schedules a replay pass at the window-open hour each day,
	// so queued work drains even without a transport bounce. Default true.
	OnWindowOpen *bool `json:"on_window_open,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"`
}

type WebhookConfig struct {
	InboundURL string `json:"inbound_url,omitempty"`
	ReceiptURL string `json:"receipt_url,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// StorageConfig selects the durable backend for the queues and the ledger.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/wagate" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type HistoryConfig struct {
	Path  string `json:"path,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type WhitelistConfig struct {
	Path string `json:"path,omitempty"`
}

type TransportConfig struct {
	Driver       string `json:"driver,omitempty"`
	ConnectDelay string `json:"connect_delay,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"`
	Console *bool          `json:"console,omitempty"`
	File    LogFileConfig  `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Defaults (applied by Normalize when fields are omitted/zero):
//   - window: 07:00-22:00 Europe/London
//   - rate: 15 sends/hour, 24h ledger retention
//   - typing: 800ms-1600ms subscribe pause, 1500ms-3000ms compose pause, 1s relay pause
//   - http: ":4001"
//   - storage: file driver at ./data/wagate
//   - history: ./data/history.db, last 20
//   - whitelist: ./data/whitelist.json
//   - transport: mock
func (c *Config) Normalize() {
	if c.Window.StartHour == nil {
		c.Window.StartHour = intPtr(7)
	}
	if c.Window.EndHour == nil {
		c.Window.EndHour = intPtr(22)
	}
	if strings.TrimSpace(c.Window.Timezone) == "" {
		c.Window.Timezone = "Europe/London"
	}
	if c.Rate.HourlyCap <= 0 {
		c.Rate.HourlyCap = 15
	}
	if c.Rate.LedgerRetention == "" {
		c.Rate.LedgerRetention = "24h"
	}
	if c.Typing.SubscribeMin == "" {
		c.Typing.SubscribeMin = "800ms"
	}
	if c.Typing.SubscribeMax == "" {
		c.Typing.SubscribeMax = "1600ms"
	}
	if c.Typing.ComposeMin == "" {
		c.Typing.ComposeMin = "1500ms"
	}
	if c.Typing.ComposeMax == "" {
		c.Typing.ComposeMax = "3s"
	}
	if c.Typing.ReplayPause == "" {
		c.Typing.ReplayPause = "1s"
	}
	if c.Drain.OnWindowOpen == nil {
		c.Drain.OnWindowOpen = boolPtr(true)
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":4001"
	}
	if c.Webhook.RatePerSec <= 0 {
		c.Webhook.RatePerSec = 2
	}
	if c.Webhook.Timeout == "" {
		c.Webhook.Timeout = "8s"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "file"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./data/wagate"
	}
	if strings.TrimSpace(c.History.Path) == "" {
		c.History.Path = "./data/history.db"
	}
	if c.History.Limit <= 0 {
		c.History.Limit = 20
	}
	if strings.TrimSpace(c.Whitelist.Path) == "" {
		c.Whitelist.Path = "./data/whitelist.json"
	}
	if strings.TrimSpace(c.Transport.Driver) == "" {
		c.Transport.Driver = "mock"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Console == nil {
		c.Logging.Console = boolPtr(true)
	}
}

// Validate checks cross-field consistency. It assumes Normalize ran first.
func (c *Config) Validate() error {
	start, end := *c.Window.StartHour, *c.Window.EndHour
	if start < 0 || start > 23 {
		return fmt.Errorf("window.start_hour: %d out of range", start)
	}
	if end < 1 || end > 24 {
		return fmt.Errorf("window.end_hour: %d out of range", end)
	}
	if start >= end {
		return fmt.Errorf("window: start_hour %d must be before end_hour %d", start, end)
	}
	if _, err := time.LoadLocation(c.Window.Timezone); err != nil {
		return fmt.Errorf("window.timezone: %w", err)
	}

	subMin, err := ParseDurationField("typing.subscribe_min", c.Typing.SubscribeMin)
	if err != nil {
		return err
	}
	subMax, err := ParseDurationField("typing.subscribe_max", c.Typing.SubscribeMax)
	if err != nil {
		return err
	}
	if subMax < subMin {
		return fmt.Errorf("typing: subscribe_max %v below subscribe_min %v", subMax, subMin)
	}
	compMin, err := ParseDurationField("typing.compose_min", c.Typing.ComposeMin)
	if err != nil {
		return err
	}
	compMax, err := ParseDurationField("typing.compose_max", c.Typing.ComposeMax)
	if err != nil {
		return err
	}
	if compMax < compMin {
		return fmt.Errorf("typing: compose_max %v below compose_min %v", compMax, compMin)
	}
	if _, err := ParseDurationField("typing.replay_pause", c.Typing.ReplayPause); err != nil {
		return err
	}
	if _, err := ParseDurationField("rate.ledger_retention", c.Rate.LedgerRetention); err != nil {
		return err
	}
	if _, err := ParseDurationField("webhook.timeout", c.Webhook.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("transport.connect_delay", c.Transport.ConnectDelay); err != nil {
		return err
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func intPtr(v int) *int     { return &v }
func boolPtr(v bool) *bool  { return &v }
