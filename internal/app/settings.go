package app

import (
	"time"

	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/gate"
	"wagate/internal/storage"
	"wagate/internal/webhook"
	logx "wagate/pkg/logx"
)

// Translators from the file config into per-component settings.
// Durations were validated at load time; parse failures fall back to defaults.

func logConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func webhookConfig(cfg *config.Config) webhook.Config {
	timeout, _ := config.ParseDurationOrDefault("webhook.timeout", cfg.Webhook.Timeout, 8*time.Second)
	return webhook.Config{
		InboundURL: cfg.Webhook.InboundURL,
		ReceiptURL: cfg.Webhook.ReceiptURL,
		RatePerSec: cfg.Webhook.RatePerSec,
		Timeout:    timeout,
	}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	subMin, _ := config.ParseDurationOrDefault("typing.subscribe_min", cfg.Typing.SubscribeMin, 800*time.Millisecond)
	subMax, _ := config.ParseDurationOrDefault("typing.subscribe_max", cfg.Typing.SubscribeMax, 1600*time.Millisecond)
	compMin, _ := config.ParseDurationOrDefault("typing.compose_min", cfg.Typing.ComposeMin, 1500*time.Millisecond)
	compMax, _ := config.ParseDurationOrDefault("typing.compose_max", cfg.Typing.ComposeMax, 3*time.Second)
	relayPause, _ := config.ParseDurationOrDefault("typing.replay_pause", cfg.Typing.ReplayPause, time.Second)
	retention, _ := config.ParseDurationOrDefault("rate.ledger_retention", cfg.Rate.LedgerRetention, 24*time.Hour)

	return dispatch.Config{
		HourlyCap:       cfg.Rate.HourlyCap,
		SubscribeMin:    subMin,
		SubscribeMax:    subMax,
		ComposeMin:      compMin,
		ComposeMax:      compMax,
		RelayPause:      relayPause,
		LedgerRetention: retention,
	}
}

func windowGate(cfg *config.Config) (*gate.Gate, error) {
	return gate.New(cfg.Window.Timezone, *cfg.Window.StartHour, *cfg.Window.EndHour)
}

func windowLocation(cfg *config.Config) (*time.Location, error) {
	return time.LoadLocation(cfg.Window.Timezone)
}
