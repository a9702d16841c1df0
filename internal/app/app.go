// Package app wires configuration, storage, the Telegram adapter and the
// update router into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"broadcastbot/internal/audit"
	"broadcastbot/internal/broadcast"
	"broadcastbot/internal/config"
	"broadcastbot/internal/eventbus"
	"broadcastbot/internal/registry"
	rtsup "broadcastbot/internal/runtime/supervisor"
	"broadcastbot/internal/storage"
	kit "broadcastbot/internal/transport"
	telegram "broadcastbot/internal/transport/telegram/adapter"
	"broadcastbot/internal/transport/telegram/router"
	logx "broadcastbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	reg   *registry.Registry

	adapter kit.Adapter
	disp    *router.Dispatcher
	rec     *audit.Recorder
	pruner  *audit.Pruner

	updates chan kit.Update
}

// New loads the configuration and builds every component. Nothing talks to
// Telegram's update stream until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  cfg.PollTimeoutDuration(),
		UpdateBuffer: cfg.Telegram.UpdateBuffer,
	}, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(cfg.LogConfig(), ad)
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(cfg.StorageConfig(), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	octx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	reg, err := registry.Open(octx, store, log)
	cancel()
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", cfg.Storage.Driver), logx.String("path", cfg.Storage.Path))

	bus := eventbus.New()
	flow := broadcast.New(reg, ad, log)
	disp := router.NewDispatcher(&router.Deps{
		AdminID:  cfg.Telegram.AdminUserID,
		Adapter:  ad,
		Registry: reg,
		Flow:     flow,
		Bus:      bus,
	}, log)
	disp.SetRegistry(disp.DefaultCommands(), router.DefaultCallbacks())

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		adapter: ad,
		disp:    disp,
		rec:     audit.NewRecorder(bus, store, log),
		updates: make(chan kit.Update, cfg.Telegram.UpdateBuffer),
	}
	if cfg.PruneEnabled() {
		a.pruner = audit.NewPruner(store, cfg.Audit.PruneSchedule, cfg.AuditRetention(), log)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
			return errors.New("logging.telegram.enabled requires a chat_id")
		}
		return nil
	})

	// Subscribe before the router can publish anything.
	a.sup.Go("audit.recorder", a.rec.Listen())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	mctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	if err := a.disp.PublishMenu(mctx); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}
	cancel()

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.disp.Run(c, a.updates)
	})

	if a.pruner != nil {
		if err := a.pruner.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("audit prune: %w", err)
		}
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(64)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("chats", a.reg.Len()))
	return nil
}

// applyConfig applies the logging section live. Other sections need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range restart {
		a.log.Warn(s+" config changed; restart required for changes to take effect", logx.String("section", s))
	}
	a.logs.Apply(newCfg.LogConfig())
	a.log.Info("config reloaded", attrs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("audit.prune", time.Second, func(c context.Context) error {
		if a.pruner != nil {
			a.pruner.Stop(c)
		}
		return nil
	})
	step("adapter", 3*time.Second, a.adapter.Stop)
	// Waits for the router workers, the audit recorder and the config loops.
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	if d := a.bus.Dropped(); d > 0 {
		a.log.Warn("events dropped during run", logx.Uint64("count", d))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
