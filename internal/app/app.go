// Package app wires the postbox daemon together: config, logging, the
// mailbox store, the watch registry, delivery, and the ops server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postbox/internal/config"
	"postbox/internal/deliver"
	"postbox/internal/eventbus"
	"postbox/internal/mailbox"
	"postbox/internal/ops"
	"postbox/internal/runtime/supervisor"
	"postbox/internal/session"
	"postbox/internal/watch"
	logx "postbox/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *mailbox.Store

	adapter session.Adapter

	notifier *deliver.Service
	registry *watch.Registry
	opsSrv   *ops.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Session adapter mapping. The adapter doubles as the log session sink,
	// so it must exist before the logging service.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "session"))
	adapter, err := newSessionAdapter(cfg, bootLog)
	if err != nil {
		return nil, err
	}

	// Logging service mapping
	// Important: logx.New() calls Apply() immediately. If session logging is
	// enabled but the target context isn't configured, Apply() will emit a
	// warning. To avoid a false positive we bootstrap with session logging
	// disabled, then Apply() the final config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Session: logx.SessionConfig{
			Enabled:    false, // set target first, then enable via Apply()
			ContextID:  cfg.Logging.Session.ContextID,
			MinLevel:   cfg.Logging.Session.MinLevel,
			RatePerSec: cfg.Logging.Session.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, adapter)
	log = log.With(logx.String("comp", "app"))

	finalLogCfg := baseLogCfg
	finalLogCfg.Session.Enabled = cfg.Logging.Session.Enabled
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	// Mailbox store
	mbCfg, err := mapMailboxConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := mailbox.Open(mbCfg, log.With(logx.String("comp", "mailbox")), bus)
	if err != nil {
		return nil, err
	}
	log.Info("mailbox open", logx.String("path", store.Path()))

	// Delivery (the notifier side of every watch tick)
	notif, err := deliver.New(mapDeliverConfig(cfg), store, adapter,
		log.With(logx.String("comp", "deliver")), bus)
	if err != nil {
		return nil, err
	}

	// Watch registry
	wCfg, err := mapWatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := watch.New(wCfg, notif, log.With(logx.String("comp", "watch")), bus)
	if err != nil {
		return nil, err
	}

	// Ops façade + HTTP server
	opsSvc, err := ops.NewService(store, registry, log.With(logx.String("comp", "ops")), bus)
	if err != nil {
		return nil, err
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsSrv := ops.NewServer(opsCfg, opsSvc, log.With(logx.String("comp", "ops")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  adapter,
		notifier: notif,
		registry: registry,
		opsSrv:   opsSrv,
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
		if err := cfg.Validate(); err != nil {
			return err
		}
		// Reject configs the mappers cannot express (bad durations and the
		// like) so a broken hot-reload never reaches the components.
		if _, err := mapMailboxConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.registry.Start(a.sup.Context())

	a.opsSrv.SetHealthSupervisor(a.sup)
	if a.opsSrv.Enabled() {
		a.opsSrv.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
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
					// Keep this debug-level to avoid noise on busy mailboxes.
					a.log.Debug("event", logx.String("topic", e.Topic), logx.Time("time", e.At))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
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
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				// The store, the session adapter, and the ops listener are
				// bound at startup; flag those sections instead of pretending
				// to apply them live.
				for _, s := range sections {
					switch s {
					case "mailbox", "session", "ops":
						a.log.Warn("config changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				// update log target first (so Apply() doesn't warn when session logging is enabled)
				a.logs.SetSessionTarget(newCfg.Logging.Session.ContextID)

				// apply logging updates
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
					Session: logx.SessionConfig{
						Enabled:    newCfg.Logging.Session.Enabled,
						ContextID:  newCfg.Logging.Session.ContextID,
						MinLevel:   newCfg.Logging.Session.MinLevel,
						RatePerSec: newCfg.Logging.Session.RatePerSec,
					},
				})

				// apply watch/delivery updates (live)
				if wCfg, err := mapWatchConfig(newCfg); err != nil {
					a.log.Warn("invalid watch config; keeping previous", logx.Err(err))
				} else {
					a.registry.Apply(wCfg)
				}
				a.notifier.Apply(mapDeliverConfig(newCfg))

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop the outer surface first so no new operations arrive while the
	// registry and store unwind.
	step("ops", 2*time.Second, func(c context.Context) error { a.opsSrv.Stop(c); return nil })
	step("watch", 2*time.Second, func(c context.Context) error { a.registry.Stop(c); return nil })
	step("mailbox", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
