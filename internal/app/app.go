// Package app wires configuration, storage and the scheduling services into
// one process and keeps them in step with config reloads.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postsched/internal/config"
	"postsched/internal/dispatch"
	"postsched/internal/eventbus"
	"postsched/internal/httpapi"
	"postsched/internal/metrics"
	"postsched/internal/planner"
	"postsched/internal/runtime/supervisor"
	"postsched/internal/storage"
	"postsched/internal/suggest"
	logx "postsched/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	source  *suggest.Swappable
	planner *planner.Planner
	disp    *dispatch.Dispatcher
	server  *httpapi.Server
}

// New loads the config at cfgPath and builds every component without
// starting anything.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	for _, w := range config.WindowWarnings(cfg) {
		appLog.Warn("default window will never resolve", logx.String("window", w))
	}

	m := metrics.New(log.With(logx.String("comp", "metrics")))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	src, err := buildSource(cfg, log.With(logx.String("comp", "suggest")), m)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	source := suggest.NewSwappable(src)

	pl := planner.New(planner.Options{
		Source:  source,
		Store:   store,
		Bus:     bus,
		Metrics: m,
		Log:     log.With(logx.String("comp", "planner")),
	})
	disp := dispatch.New(mapDispatchConfig(cfg), store, bus, m, log.With(logx.String("comp", "dispatch")))

	api := httpapi.New(httpapi.Options{
		Planner:  pl,
		Store:    store,
		Metrics:  m,
		Log:      log.With(logx.String("comp", "http")),
		Dispatch: disp,
		Pprof:    cfg.HTTP.Pprof,
	})
	server := httpapi.NewServer(api.Handler(), log.With(logx.String("comp", "http")))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetReloadHook(func(published bool, err error) {
		if published || err != nil {
			m.ConfigReload(err == nil)
		}
	})

	return &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: m,
		source:  source,
		planner: pl,
		disp:    disp,
		server:  server,
	}, nil
}

// Planner exposes scheduling to the CLI.
func (a *App) Planner() *planner.Planner { return a.planner }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	sc, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.server.Apply(a.sup.Context(), sc); err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	a.disp.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if pe, ok := e.Data.(eventbus.PostEvent); ok {
					fields = append(fields, logx.String("id", pe.ID), logx.String("platform", pe.Platform))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts; only the newest config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	for _, w := range config.WindowWarnings(next) {
		a.log.Warn("default window will never resolve", logx.String("window", w))
	}

	for _, s := range sections {
		switch s {
		case "scheduling":
			src, err := buildSource(next, a.log.With(logx.String("comp", "suggest")), a.metrics)
			if err != nil {
				a.log.Warn("invalid scheduling config; keeping previous", logx.Err(err))
				continue
			}
			a.source.Set(src)
		case "dispatch":
			a.disp.Apply(mapDispatchConfig(next))
		case "http":
			sc, err := mapServerConfig(next)
			if err != nil {
				a.log.Warn("invalid http config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.server.Apply(ctx, sc); err != nil {
				a.log.Warn("http api restart failed", logx.Err(err))
			}
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: eventbus.ReloadEvent{Path: a.cfgm.Path(), Changes: sections}})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("dispatch", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}
