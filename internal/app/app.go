package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/eventbus"
	"wagate/internal/history"
	"wagate/internal/httpapi"
	"wagate/internal/ledger"
	"wagate/internal/queue"
	"wagate/internal/storage"
	"wagate/internal/transport"
	"wagate/internal/transport/mock"
	"wagate/internal/webhook"
	"wagate/internal/whitelist"
	logx "wagate/pkg/logx"
)

// Queue names in durable storage.
const (
	outboundQueueName = "outgoing"
	relayQueueName    = "inbound"
	sentLedgerName    = "sent"
)

// App wires the gateway together and owns component lifecycles.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	store   storage.Store
	hist    *history.Store
	wl      *whitelist.List
	hooks   *webhook.Client
	sched   *dispatch.Scheduler
	adapter transport.Adapter
	api     *httpapi.Server

	cronMu sync.Mutex
	cron   *cron.Cron

	events chan transport.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	mgr.SetLogger(log.With(logx.String("component", "config")))

	bus := eventbus.New()

	store, err := storage.Open(storageConfig(cfg), log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	g, err := windowGate(cfg)
	if err != nil {
		return nil, err
	}

	led := ledger.New(store.Ledger(sentLedgerName), log.With(logx.String("component", "ledger")), bus)
	outbound := queue.New[dispatch.QueueItem](outboundQueueName, store.Queue(outboundQueueName), log)
	relay := queue.New[dispatch.RelayItem](relayQueueName, store.Queue(relayQueueName), log)

	hooks := webhook.New(webhookConfig(cfg), log.With(logx.String("component", "webhook")))

	// History is a side record; a broken history DB degrades /history to 503
	// but must not stop dispatch.
	hist, err := history.Open(cfg.History.Path, log.With(logx.String("component", "history")))
	if err != nil {
		log.Warn("history store unavailable", logx.Err(err))
		hist = nil
	}

	wl, err := whitelist.Open(cfg.Whitelist.Path)
	if err != nil {
		return nil, fmt.Errorf("open whitelist: %w", err)
	}

	sched := dispatch.New(
		dispatchConfig(cfg), g,
		outbound, relay, led, hooks, hist,
		log.With(logx.String("component", "dispatch")), bus,
	)

	adapter, err := buildAdapter(cfg, log)
	if err != nil {
		return nil, err
	}

	api := httpapi.New(httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		HistoryLimit: cfg.History.Limit,
	}, sched, hist, wl, log.With(logx.String("component", "http")))

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		bus:     bus,
		store:   store,
		hist:    hist,
		wl:      wl,
		hooks:   hooks,
		sched:   sched,
		adapter: adapter,
		api:     api,
		events:  make(chan transport.Event, 16),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.sched.Run(ctx, a.events)
	}()

	if err := a.adapter.Start(ctx, a.events); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.api.Start(); err != nil {
			a.log.Error("http api stopped", logx.Err(err))
		}
	}()

	a.rescheduleCron(a.cfgMgr.Get())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(ctx)
	}()

	sub := a.cfgMgr.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	a.log.Info("gateway started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if err := a.adapter.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.api.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	a.cronMu.Lock()
	if a.cron != nil {
		a.cron.Stop()
		a.cron = nil
	}
	a.cronMu.Unlock()

	a.wg.Wait()

	if a.hist != nil {
		if err := a.hist.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.logSvc.Close()

	a.log.Info("gateway stopped")
	return errors.Join(errs...)
}

// applyConfig pushes a hot-reloaded config into the running components.
// Storage, transport, and HTTP bind settings require a restart.
func (a *App) applyConfig(cfg *config.Config) {
	g, err := windowGate(cfg)
	if err != nil {
		a.log.Warn("reloaded config has unusable window, keeping previous gate", logx.Err(err))
		g = nil
	}
	a.sched.Apply(dispatchConfig(cfg), g)
	a.hooks.Apply(webhookConfig(cfg))
	a.logSvc.Apply(logConfig(cfg))
	a.rescheduleCron(cfg)
}

// rescheduleCron installs the window-open drain trigger and the daily ledger
// prune in the window's own timezone.
func (a *App) rescheduleCron(cfg *config.Config) {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()

	if a.cron != nil {
		a.cron.Stop()
		a.cron = nil
	}

	loc, err := windowLocation(cfg)
	if err != nil {
		a.log.Warn("cron disabled, bad timezone", logx.Err(err))
		return
	}

	c := cron.New(cron.WithLocation(loc))
	if cfg.Drain.OnWindowOpen == nil || *cfg.Drain.OnWindowOpen {
		spec := fmt.Sprintf("0 %d * * *", *cfg.Window.StartHour)
		if _, err := c.AddFunc(spec, func() {
			a.sched.TriggerReplay("window-open")
		}); err != nil {
			a.log.Warn("failed to schedule window-open drain", logx.Err(err))
		}
	}
	if _, err := c.AddFunc("30 3 * * *", a.sched.TriggerPrune); err != nil {
		a.log.Warn("failed to schedule ledger prune", logx.Err(err))
	}
	c.Start()
	a.cron = c
}

func buildAdapter(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch cfg.Transport.Driver {
	case "mock":
		delay, _ := config.ParseDurationField("transport.connect_delay", cfg.Transport.ConnectDelay)
		return mock.New(mock.Config{ConnectDelay: delay}, log), nil
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}
