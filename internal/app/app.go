package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"flowpulse/internal/api"
	"flowpulse/internal/config"
	"flowpulse/internal/dispatch"
	"flowpulse/internal/eventbus"
	rtsup "flowpulse/internal/runtime/supervisor"
	"flowpulse/internal/schedule"
	"flowpulse/internal/storage"
	logx "flowpulse/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	disp  *dispatch.Dispatcher
	api   *api.Server

	started time.Time

	mu    sync.Mutex
	token string
	reg   *schedule.Registry
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.Component("app"))

	bus := eventbus.New()

	a := &App{
		cfgm: cfgm,
		root: root,
		log:  log,
		logs: logSvc,
		bus:  bus,
	}

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.Component("storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts := []dispatch.Option{dispatch.WithTokenSource(a.sessionToken)}
	if a.store != nil {
		opts = append(opts, dispatch.WithRecorder(a.store))
	}
	a.disp = dispatch.New(dc, root.With(logx.Component("dispatcher")), bus, opts...)

	if cfg.API.Enabled {
		deps := api.Deps{Session: a, Dispatcher: a.disp, Health: a.health}
		if a.store != nil {
			deps.Store = a.store
		}
		a.api = api.NewServer(mapAPIConfig(cfg), deps, root.With(logx.Component("api")))
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

// Dispatcher exposes the trigger client (diagnostics, tests).
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	cfg := a.cfgm.Get()
	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Dispatcher.Token) != "" {
		if err := a.SignIn(a.sup.Context(), cfg.Dispatcher.Token); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
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
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("signed_in", a.SignedIn()),
		logx.Bool("api", a.api != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			var cancel context.CancelFunc
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	step("session", 3*time.Second, func(c context.Context) error { return a.SignOut(c) })
	step("dispatcher", time.Second, func(context.Context) error { a.disp.Close(); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
