// Package app wires the noise gate, router, transport adapter, and ops server
// together, and owns config hot-reload fan-out and process lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"noisegate/internal/config"
	"noisegate/internal/eventbus"
	"noisegate/internal/gate"
	"noisegate/internal/ops"
	"noisegate/internal/router"
	rtsup "noisegate/internal/runtime/supervisor"
	"noisegate/internal/transport"
	"noisegate/internal/transport/telegram"
	logx "noisegate/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	gate    *gate.Service
	adapter transport.Adapter
	router  *router.Router
	ops     *ops.Service

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	gateCfg, err := mapGateConfig(cfg)
	if err != nil {
		return nil, err
	}
	gateSvc := gate.New(gateCfg, log.With(logx.String("comp", "gate")), bus)

	pollTimeout, err := config.DurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	rt := router.New(mapRouterConfig(cfg), gateSvc, ad, log.With(logx.String("comp", "router")))

	// Deferred messages drain through the router's digest summaries rather
	// than being dropped.
	gateSvc.SetFlushHandler(rt.DigestHandler())

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsSvc := ops.New(opsCfg, gateSvc, bus, log.With(logx.String("comp", "ops")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		gate:    gateSvc,
		adapter: ad,
		router:  rt,
		ops:     opsSvc,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Gate exposes the gate service for embedding callers.
func (a *App) Gate() *gate.Service { return a.gate }

// Router exposes the router for embedding callers that want SendAutomated.
func (a *App) Router() *router.Router { return a.router }

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := config.DurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapGateConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		for name, b := range cfg.Gate.ChannelBudgets {
			if b < 0 || b > 1 {
				return fmt.Errorf("gate.channel_budgets[%s]: %v out of [0,1]", name, b)
			}
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.gate.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	a.sup.Go0("router.run", func(c context.Context) {
		a.router.Run(c, a.updates)
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.startSystemdNotify()

	a.log.Info("started",
		logx.Bool("gate_enabled", a.gate.Enabled()),
		logx.Bool("canary", a.gate.CanaryMode()))
	return nil
}

// applyConfig fans a validated hot-reload out to the live components. The
// validator has already rejected malformed configs, so per-component mapping
// errors here are logged and skipped rather than failing the reload.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if gc, err := mapGateConfig(cfg); err != nil {
		a.log.Warn("invalid gate config; keeping previous", logx.Err(err))
	} else {
		a.gate.Apply(gc)
	}

	a.router.Apply(mapRouterConfig(cfg))

	if oc, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	a.log.Info("config applied",
		logx.Bool("gate_enabled", cfg.Gate.Enabled),
		logx.Bool("canary", cfg.Gate.CanaryMode))
}

// startSystemdNotify signals READY and feeds the watchdog when running under
// systemd. Outside systemd both calls are no-ops.
func (a *App) startSystemdNotify() {
	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
		a.log.Debug("sd_notify ready sent")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Unwind background loops first so nothing races the component stops.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("adapter", 5*time.Second, a.adapter.Stop)
	// Gate stop performs a final flush; stop the adapter's polling first but
	// keep it usable for the digest handler's sends.
	step("gate", 10*time.Second, func(c context.Context) error {
		a.gate.Stop(c)
		return nil
	})
	step("ops", 3*time.Second, func(c context.Context) error {
		a.ops.Stop(c)
		return nil
	})
	step("supervisor", 5*time.Second, a.sup.Wait)

	_ = a.logs.Close()
	return nil
}

func mapGateConfig(cfg *config.Config) (gate.Config, error) {
	g := cfg.Gate
	window, err := config.DurationOrDefault("gate.window", g.Window, 0)
	if err != nil {
		return gate.Config{}, err
	}
	dedup, err := config.DurationOrDefault("gate.dedup_window", g.DedupWindow, 0)
	if err != nil {
		return gate.Config{}, err
	}
	return gate.Config{
		Enabled:            g.Enabled,
		CanaryMode:         g.CanaryMode,
		Window:             window,
		DefaultBudget:      g.DefaultBudget,
		ChannelBudgets:     g.ChannelBudgets,
		DedupWindow:        dedup,
		FlushSchedule:      g.DigestFlush,
		BypassCategories:   g.BypassCategories,
		MaxDigestQueue:     g.MaxDigestQueue,
		DeliveryRatePerSec: g.DeliveryRatePerSec,
	}, nil
}

func mapRouterConfig(cfg *config.Config) router.Config {
	channels := make(map[string]transport.ChatTarget, len(cfg.Channels))
	for name, t := range cfg.Channels {
		channels[name] = transport.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID}
	}
	return router.Config{Channels: channels}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	if cfg.Ops == nil {
		return ops.Config{}, nil
	}
	o := cfg.Ops
	read, err := config.DurationOrDefault("ops.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.DurationOrDefault("ops.write_timeout", o.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.DurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
