// Package core wires the services together: config, logging, storage, the
// device dialer, the session manager, broadcast, scheduler, alerts and the
// HTTP surfaces.
package core

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"wafleet/internal/config"
	"wafleet/internal/protocol/meow"
	"wafleet/internal/runtime/supervisor"
	"wafleet/internal/server"
	"wafleet/internal/services/alerts"
	"wafleet/internal/services/broadcast"
	"wafleet/internal/services/notify"
	"wafleet/internal/services/pprof"
	"wafleet/internal/services/scheduler"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	// boot is the config the process started with, used to spot reloads of
	// sections that only apply at startup.
	boot *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	dialer *meow.Dialer
	hub    *notify.Hub

	sessions *session.Manager
	caster   *broadcast.Service
	sched    *scheduler.Service
	alerts   *alerts.Service
	api      *server.Service
	pprof    *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	dialer, err := meow.NewDialer(context.Background(), mapMeowConfig(cfg), log.With(logx.String("comp", "wa")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := notify.NewHub()

	mgrCfg, err := mapManagerConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := session.NewManager(mgrCfg, session.NewDirectory(), store, dialer, hub,
		log.With(logx.String("comp", "sessions")))

	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	caster := broadcast.New(bcCfg, mgr.Directory(), log.With(logx.String("comp", "broadcast")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, caster, log.With(logx.String("comp", "scheduler")))

	alertSvc, err := alerts.New(mapAlertsConfig(cfg), log.With(logx.String("comp", "alerts")))
	if err != nil {
		return nil, err
	}
	mgr.Alert = alertSvc.Notify

	// Finished broadcasts fan out to event-stream clients and the alert sink.
	caster.OnDone = func(st broadcast.JobStatus) {
		hub.Broadcast(notify.Event{Type: notify.EventBroadcast, Data: st})
		alertSvc.Notify(fmt.Sprintf("broadcast %s finished: %d sent, %d failed", st.ID, st.Done-st.Failed, st.Failed))
	}

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := server.New(srvCfg, mgr, caster, hub, log.With(logx.String("comp", "api")))

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppc, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		boot:     cfg,
		log:      log,
		logs:     logSvc,
		store:    store,
		dialer:   dialer,
		hub:      hub,
		sessions: mgr,
		caster:   caster,
		sched:    sched,
		alerts:   alertSvc,
		api:      api,
		pprof:    pprofSvc,
	}, nil
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapManagerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		if _, err := mapServerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		sc, err := mapSchedulerConfig(cfg)
		if err != nil {
			return err
		}
		return scheduler.Validate(sc, a.sched.Parser())
	})

	if a.alerts.Enabled() {
		a.alerts.Start(a.sup.Context())
	}
	a.sessions.Start(a.sup.Context())
	a.caster.Start(a.sup.Context())
	if err := a.api.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Relink every stored credential bundle in the background so a restart
	// doesn't block on flaky accounts.
	a.sup.Go0("sessions.resume", func(c context.Context) {
		a.sessions.ResumeStored(c)
	})

	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			a.applyConfig(ctx, newCfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if bc, err := mapBroadcastConfig(cfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.caster.Apply(bc)
	}

	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case prev && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
		case !prev && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	prevAlerts := a.alerts.Enabled()
	ac := mapAlertsConfig(cfg)
	a.alerts.Apply(ac)
	if prevAlerts && !ac.Enabled {
		a.log.Info("alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	} else if !prevAlerts && ac.Enabled {
		a.log.Info("alerts enabled via config")
		a.alerts.Start(ctx)
	}

	if ppc, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	// Listener-bound and store-bound sections need a restart to take effect.
	if a.boot != nil {
		if !reflect.DeepEqual(cfg.Storage, a.boot.Storage) {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if !reflect.DeepEqual(cfg.HTTP, a.boot.HTTP) {
			a.log.Warn("http config changed; restart required for changes to take effect")
		}
		if !reflect.DeepEqual(cfg.WhatsApp, a.boot.WhatsApp) {
			a.log.Warn("whatsapp config changed; restart required for changes to take effect")
		}
		if !reflect.DeepEqual(cfg.Pairing, a.boot.Pairing) {
			a.log.Warn("pairing config changed; applies to sessions paired after restart")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("api", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("broadcast", 3*time.Second, func(c context.Context) error { a.caster.Stop(c); return nil })
	step("sessions", 5*time.Second, func(c context.Context) error { a.sessions.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("dialer", 1*time.Second, func(c context.Context) error { return a.dialer.Close() })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, resume).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
