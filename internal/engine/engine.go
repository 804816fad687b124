// Package engine is the delayed-dispatch core: it resolves which configured
// events are due for which users, executes them at most the required number
// of times, and records what was already sent so repeated timer ticks never
// re-trigger completed work.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"rolemail/internal/ledger"
	"rolemail/internal/mailer"
	"rolemail/internal/render"
	"rolemail/internal/rules"
	logx "rolemail/pkg/logx"
)

// dispatchLease names the run-level mutual-exclusion lease. Only one
// resolve-and-dispatch pass may run at a time, even across processes
// sharing the ledger.
const dispatchLease = "dispatch"

type Engine struct {
	cfg    Config
	store  ledger.Store
	alerts Alerter
	log    logx.Logger

	disp *dispatcher

	// holder identifies this engine instance in the lease table.
	holder string

	rules   atomic.Pointer[rules.Table]
	running atomic.Bool
}

func New(cfg Config, store ledger.Store, renderer render.Renderer, transport mailer.Transport, alerts Alerter, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if alerts == nil {
		alerts = NopAlerter{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:    cfg,
		store:  store,
		alerts: alerts,
		log:    log,
		holder: uuid.NewString(),
	}
	e.disp = &dispatcher{
		store:            store,
		renderer:         renderer,
		transport:        transport,
		limiter:          rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		alerts:           alerts,
		log:              log,
		siteURL:          cfg.SiteURL,
		retryFailedSends: cfg.RetryFailedSends,
	}
	return e
}

// SetRules installs a new rule table. Configuration errors are surfaced to
// the operator; they never abort the install since invalid entries were
// already excluded from the table. Callers keep the previous table by simply
// not calling SetRules when parsing failed outright.
func (e *Engine) SetRules(t *rules.Table, cfgErrs []rules.ConfigError) {
	for _, ce := range cfgErrs {
		e.log.Error("configuration error", logx.String("at", ce.Path), logx.String("problem", ce.Msg))
		e.alerts.Warn("rolemail config: " + ce.Error())
	}
	e.rules.Store(t)
	e.log.Info("rule table installed",
		logx.Int("rules", len(t.Rules())),
		logx.Int("events", t.EventCount()),
		logx.Int("config_errors", len(cfgErrs)),
	)
}

// Rules returns the currently installed table (nil before the first SetRules).
func (e *Engine) Rules() *rules.Table { return e.rules.Load() }

// RunPass executes one resolve-and-dispatch pass.
//
// Overlap guard: an in-process flag catches a slow pass outliving the tick
// interval, and the ledger lease extends the same guarantee across processes.
// A skipped pass is not an error; the next tick picks the work up.
func (e *Engine) RunPass(ctx context.Context) (PassStats, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Warn("previous pass still running; skipping")
		return PassStats{Skipped: true}, nil
	}
	defer e.running.Store(false)

	tbl := e.rules.Load()
	if tbl == nil || len(tbl.Rules()) == 0 {
		e.log.Debug("no rules installed; nothing to do")
		return PassStats{}, nil
	}

	now := e.cfg.Now()
	held, err := e.store.AcquireLease(ctx, dispatchLease, e.holder, e.cfg.LeaseTTL, now)
	if err != nil {
		return PassStats{}, err
	}
	if !held {
		e.log.Warn("dispatch lease held elsewhere; skipping pass")
		return PassStats{Skipped: true}, nil
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), dispatchLease, e.holder); err != nil {
			e.log.Warn("lease release failed", logx.Err(err))
		}
	}()

	runID := uuid.NewString()[:8]
	start := time.Now()

	due, err := resolve(ctx, e.store, tbl, now)
	if err != nil {
		e.alerts.Error("rolemail: resolve failed: " + err.Error())
		return PassStats{}, err
	}
	if len(due) == 0 {
		e.log.Debug("pass complete; nothing due", logx.String("run", runID))
		return PassStats{}, nil
	}

	st := e.disp.dispatch(ctx, tbl, due, runID)

	e.log.Info("pass complete",
		logx.String("run", runID),
		logx.Int("events", st.Events),
		logx.Int("users_due", st.UsersDue),
		logx.Int("sent", st.Sent),
		logx.Int("marked", st.Marked),
		logx.Int("render_failed", st.RenderFailed),
		logx.Int("send_failed", st.SendFailed),
		logx.Int("unknown_events", st.UnknownEvents),
		logx.Duration("took", time.Since(start)),
	)
	return st, nil
}
