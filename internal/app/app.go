// Package app assembles the daemon: config, logging, ledger, renderer,
// transport, alerts, engine, trigger, and the HTTP surface, with a bounded
// shutdown sequence.
package app

import (
	"context"
	"fmt"
	"time"

	"rolemail/internal/alerts"
	"rolemail/internal/config"
	"rolemail/internal/engine"
	"rolemail/internal/httpapi"
	"rolemail/internal/ledger"
	"rolemail/internal/mailer"
	"rolemail/internal/render"
	"rolemail/internal/rules"
	"rolemail/internal/trigger"
	logx "rolemail/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	store  ledger.Store
	eng    *engine.Engine
	alerts *alerts.Service
	trig   *trigger.Service
	api    *httpapi.Server

	rulesWatch *rulesWatcher

	stopFns []stopStep
}

type stopStep struct {
	name string
	fn   func(ctx context.Context) error
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
	log = log.With(logx.String("svc", "app"))
	cfgm.SetLogger(log.With(logx.String("svc", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(ledger.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("svc", "ledger")))
	if err != nil {
		return nil, err
	}

	renderer, err := render.NewDir(cfg.Templates.Directory)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	transport, err := mailer.New(mailerConfig(cfg), log.With(logx.String("svc", "mailer")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	alertSvc, err := alerts.New(alertsConfig(cfg), log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	leaseTTL, err := config.ParseDurationOrDefault("dispatch.lease_ttl", cfg.Dispatch.LeaseTTL, 5*time.Minute)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng := engine.New(engine.Config{
		SiteURL:          cfg.SiteURL,
		LeaseTTL:         leaseTTL,
		RetryFailedSends: cfg.Dispatch.RetryFailedSends,
		RatePerSec:       cfg.Dispatch.RatePerSec,
	}, store, renderer, transport, alertSvc, log.With(logx.String("svc", "engine")))

	a := &App{
		cfgm:   cfgm,
		logs:   logSvc,
		log:    log,
		store:  store,
		eng:    eng,
		alerts: alertSvc,
	}

	a.trig = trigger.New(trigger.Config{
		Enabled:  cfg.Dispatch.Enabled,
		Schedule: cfg.Dispatch.Schedule,
		Timezone: cfg.Dispatch.Timezone,
	}, a.runPass, log)

	a.api = httpapi.New(httpapi.Config{
		Enabled: cfg.HTTP.Enabled,
		Address: cfg.HTTP.Address,
		Token:   cfg.HTTP.Token,
	}, store, eng, log)

	if cfg.Rules.Watch {
		a.rulesWatch = newRulesWatcher(
			[]string{cfg.Rules.TransitionsFile, cfg.Rules.EventsFile},
			a.reloadRules,
			log.With(logx.String("svc", "rules-watch")),
		)
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	if err := a.reloadRules(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}

	a.alerts.Start(ctx)
	a.pushStop("alerts", a.alerts.Stop)

	if err := a.api.Start(ctx); err != nil {
		a.stopStarted(ctx)
		return fmt.Errorf("http: %w", err)
	}
	a.pushStop("http", a.api.Stop)

	if err := a.trig.Start(ctx); err != nil {
		a.stopStarted(ctx)
		return fmt.Errorf("trigger: %w", err)
	}
	a.pushStop("trigger", a.trig.Stop)

	watchCtx, cancelWatch := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := a.cfgm.Watch(watchCtx); err != nil {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()
	go a.applyReloads(watchCtx)
	if a.rulesWatch != nil {
		go a.rulesWatch.run(watchCtx)
	}
	a.pushStop("watchers", func(context.Context) error {
		cancelWatch()
		return nil
	})

	a.log.Info("started",
		logx.String("schedule", cfg.Dispatch.Schedule),
		logx.Bool("dispatch", cfg.Dispatch.Enabled),
		logx.Bool("http", cfg.HTTP.Enabled),
	)
	return nil
}

// Stop unwinds started components in reverse order, each under its share of
// the caller's deadline.
func (a *App) Stop(ctx context.Context) {
	a.stopStarted(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("ledger close failed", logx.Err(err))
	}
	_ = a.logs.Close()
}

func (a *App) pushStop(name string, fn func(ctx context.Context) error) {
	a.stopFns = append(a.stopFns, stopStep{name: name, fn: fn})
}

func (a *App) stopStarted(ctx context.Context) {
	for i := len(a.stopFns) - 1; i >= 0; i-- {
		step := a.stopFns[i]
		stepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := step.fn(stepCtx); err != nil {
			a.log.Warn("stop step failed", logx.String("step", step.name), logx.Err(err))
		}
		cancel()
	}
	a.stopFns = nil
}

func (a *App) runPass(ctx context.Context) {
	if _, err := a.eng.RunPass(ctx); err != nil {
		a.log.Error("dispatch pass failed", logx.Err(err))
	}
}

// reloadRules re-parses the rule documents and installs the result. A
// document that cannot be parsed at all keeps the last good table.
func (a *App) reloadRules() error {
	cfg := a.cfgm.Get()
	tbl, cfgErrs, err := rules.LoadFiles(cfg.Rules.TransitionsFile, cfg.Rules.EventsFile)
	if err != nil {
		a.alerts.Error("rolemail: rule reload failed: " + err.Error())
		return err
	}
	a.eng.SetRules(tbl, cfgErrs)
	return nil
}

// applyReloads applies config file changes that are safe to hot-swap:
// logging sinks and the rule documents. Everything else (storage path,
// schedule, transports) needs a restart and is logged as such.
func (a *App) applyReloads(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if err := a.reloadRules(); err != nil {
				a.log.Warn("rule reload after config change failed", logx.Err(err))
			}
			a.log.Info("config change applied (logging, rules); other sections need a restart")
		}
	}
}

func mailerConfig(cfg *config.Config) mailer.Config {
	if cfg.SMTP == nil {
		return mailer.Config{Driver: "log"}
	}
	timeout, _ := config.ParseDurationField("smtp.timeout", cfg.SMTP.Timeout)
	return mailer.Config{
		Driver: "smtp",
		SMTP: mailer.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Timeout:  timeout,
		},
	}
}

func alertsConfig(cfg *config.Config) alerts.Config {
	if cfg.Alerts == nil {
		return alerts.Config{}
	}
	return alerts.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		QueueSize:  cfg.Alerts.QueueSize,
		RatePerSec: cfg.Alerts.RatePerSec,
		MinLevel:   cfg.Alerts.MinLevel,
	}
}
