// Package app wires the bot together: config, logging, storage, the timer
// scheduler, the services consuming it, and the chat transport.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"tempobot/internal/config"
	"tempobot/internal/eventbus"
	"tempobot/internal/router"
	"tempobot/internal/runtime/supervisor"
	"tempobot/internal/services/moderation"
	"tempobot/internal/services/reminders"
	"tempobot/internal/storage"
	"tempobot/internal/timers"
	"tempobot/internal/transport"
	"tempobot/internal/transport/telegram"
	logx "tempobot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter transport.Adapter
	store   storage.Store
	bus     eventbus.Bus

	reg   *timers.Registry
	sched *timers.Scheduler

	rem *reminders.Service
	mod *moderation.Service
	rt  *router.Router

	keepalive *cron.Cron

	// ready gates the scheduler's first store query behind full startup.
	ready chan struct{}

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, bootLog)
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
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, ad)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("storage is required: set storage.driver to \"file\" or \"sqlite\"")
	}

	horizon, err := config.ParseDurationField("scheduler.horizon", cfg.Scheduler.Horizon)
	if err != nil {
		return nil, err
	}
	cutoff, err := config.ParseDurationField("scheduler.short_cutoff", cfg.Scheduler.ShortCutoff)
	if err != nil {
		return nil, err
	}

	defaultLoc := time.UTC
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		defaultLoc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	bus := eventbus.New()
	reg := timers.NewRegistry()
	timers.RegisterBuiltin(reg)

	ready := make(chan struct{})
	sched := timers.New(timers.Config{
		Horizon:     horizon,
		ShortCutoff: cutoff,
	}, store, reg, bus, log.With(logx.String("comp", "scheduler")), timers.WithReady(ready))

	rem := reminders.New(log.With(logx.String("comp", "reminders")), sched, store, bus, ad, defaultLoc)
	mod := moderation.New(log.With(logx.String("comp", "moderation")), sched, bus, ad)
	rt := router.New(log.With(logx.String("comp", "router")), ad, rem, mod, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		store:   store,
		bus:     bus,
		reg:     reg,
		sched:   sched,
		rem:     rem,
		mod:     mod,
		rt:      rt,
		ready:   ready,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Scheduler exposes the timer scheduler (used by tooling and tests).
func (a *App) Scheduler() *timers.Scheduler { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("scheduler.horizon", cfg.Scheduler.Horizon); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("scheduler.short_cutoff", cfg.Scheduler.ShortCutoff); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})
	a.sup.Go("config-watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("config-apply", func(c context.Context) error {
		sub := a.cfgm.Subscribe(1)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg := <-sub:
				if cfg == nil {
					continue
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File:    logx.FileConfig(cfg.Logging.File),
					Telegram: logx.TelegramConfig{
						Enabled:    cfg.Logging.Telegram.Enabled,
						ChatID:     cfg.Logging.Telegram.ChatID,
						MinLevel:   cfg.Logging.Telegram.MinLevel,
						RatePerSec: cfg.Logging.Telegram.RatePerSec,
					},
				})
			}
		}
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go("router", func(c context.Context) error {
		return a.rt.Run(c, a.updates)
	})

	a.sched.Start(runCtx)
	a.rem.Start(runCtx)
	a.mod.Start(runCtx)

	if err := a.startKeepalive(); err != nil {
		return err
	}

	// Everything is wired; release the dispatch loop's first store query.
	close(a.ready)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify: ready")
	}

	a.log.Info("tempobot started")
	return nil
}

// startKeepalive arms the periodic EnsureRunning tick. It exists for timers
// beyond the query horizon: once the loop has gone idle, only a new Create
// or this tick will wake the scheduler up again.
func (a *App) startKeepalive() error {
	cfg := a.cfgm.Get()
	interval, err := config.ParseDurationOrDefault("scheduler.rearm_interval", cfg.Scheduler.RearmInterval, time.Hour)
	if err != nil {
		return err
	}
	a.keepalive = cron.New()
	if _, err := a.keepalive.AddFunc(fmt.Sprintf("@every %s", interval), a.sched.EnsureRunning); err != nil {
		return err
	}
	a.keepalive.Start()
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("tempobot stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.keepalive != nil {
		<-a.keepalive.Stop().Done()
	}
	a.sched.Stop()
	a.rem.Stop()
	a.mod.Stop()

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}
	if a.sup != nil {
		if err := a.sup.Stop(10 * time.Second); err != nil {
			a.log.Warn("supervisor stop incomplete", logx.Err(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	return a.logs.Close()
}

// Done is closed when the app supervisor context ends (fatal error or stop).
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
