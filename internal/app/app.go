package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"batchlog/internal/batcher"
	"batchlog/internal/config"
	"batchlog/internal/event"
	"batchlog/internal/eventbus"
	"batchlog/internal/observability/admin"
	"batchlog/internal/runtime/supervisor"
	"batchlog/internal/scheduler"
	"batchlog/internal/sink"
	"batchlog/internal/status"
	"batchlog/internal/storage"
	"batchlog/pkg/logx"
)

// SinkFactory builds the processor behind a destination.
type SinkFactory func(key string, dc config.DestinationConfig, deps sink.Deps) (sink.Sink, error)

type Option func(*options)

type options struct {
	newSink SinkFactory
	log     logx.Logger
	cfgm    *config.ConfigManager
}

// WithSinkFactory replaces sink.New.
func WithSinkFactory(f SinkFactory) Option { return func(o *options) { o.newSink = f } }

// WithLogger uses log instead of a logging service built from the config.
// Logging config changes are then ignored on reload.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func withConfigManager(m *config.ConfigManager) Option { return func(o *options) { o.cfgm = m } }

// route binds one destination key to its filter, batcher and sink.
type route struct {
	key    string
	dest   config.DestinationConfig
	filter filter
	b      *batcher.Batcher
	sink   sink.Sink
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	sched   *scheduler.Scheduler
	factory *batcher.Factory
	newSink SinkFactory

	admin *admin.Service

	cron    *cron.Cron
	statsMu sync.Mutex
	statsID cron.EntryID

	// applyMu serializes config application against Stop.
	applyMu sync.Mutex

	mu      sync.RWMutex
	cfg     *config.Config
	drain   batcher.DrainOptions
	routes  []*route
	stopped bool
}

// New loads the config file and builds the pipeline. The file is watched for
// changes once the app is started.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, append(opts, withConfigManager(cfgm))...)
}

// NewFromConfig builds the pipeline from cfg without a config file; hot
// reload is unavailable.
func NewFromConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{newSink: sink.New}
	for _, opt := range opts {
		opt(&o)
	}

	var logSvc *logx.Service
	log := o.log
	if log.IsZero() {
		logSvc, log = logx.New(mapLoggingConfig(cfg))
	}

	drain, err := mapDrainOptions(cfg)
	if err != nil {
		return nil, err
	}
	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()
	sched := scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:    o.cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		factory: batcher.NewFactory(sched, log.With(logx.String("comp", "batcher")), bus),
		newSink: o.newSink,
		cron:    cron.New(),
		cfg:     cfg,
		drain:   drain,
	}
	a.admin = admin.New(adminCfg, func() any { return a.Stats() }, log.With(logx.String("comp", "admin")))
	if store != nil {
		a.admin.SetArchive(store)
	}

	for _, key := range sortedKeys(cfg.Destinations) {
		dc := cfg.Destinations[key]
		if !dc.Enabled() {
			a.log.Info("destination disabled", logx.String("dest", key))
			continue
		}
		r, err := a.prepareRoute(key, dc)
		if err == nil {
			err = a.installRoute(r)
		}
		if err != nil {
			a.closeBuilt()
			return nil, err
		}
		a.routes = append(a.routes, r)
	}
	return a, nil
}

// closeBuilt releases what NewFromConfig opened before failing.
func (a *App) closeBuilt() {
	for _, r := range a.routes {
		_ = r.sink.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// prepareRoute builds everything a destination needs except its batcher.
func (a *App) prepareRoute(key string, dc config.DestinationConfig) (*route, error) {
	f, err := mapFilter(key, dc)
	if err != nil {
		return nil, err
	}
	if _, err := mapBatcherConfig(key, dc); err != nil {
		return nil, err
	}
	s, err := a.newSink(key, dc, sink.Deps{Store: a.store, Log: a.log})
	if err != nil {
		return nil, fmt.Errorf("destinations.%s: %w", key, err)
	}
	return &route{key: key, dest: dc, filter: f, sink: s}, nil
}

// installRoute creates the batcher of a prepared route.
func (a *App) installRoute(r *route) error {
	bcfg, err := mapBatcherConfig(r.key, r.dest)
	if err != nil {
		_ = r.sink.Close()
		return err
	}
	b, err := a.factory.GetBatcher(r.key, bcfg, r.sink)
	if err != nil {
		_ = r.sink.Close()
		return err
	}
	r.b = b
	return nil
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

// Bus exposes the status bus.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Emit routes ev to every destination whose level threshold and logger
// prefixes match, and returns how many accepted it. It never blocks on
// delivery.
func (a *App) Emit(ev event.Event) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, r := range a.routes {
		if r.filter.match(ev) {
			r.b.Accept(ev)
			n++
		}
	}
	return n
}

// Flush forces delivery of every destination's pending data.
func (a *App) Flush(ctx context.Context) error {
	a.mu.RLock()
	routes := append([]*route(nil), a.routes...)
	a.mu.RUnlock()

	var errs []error
	for _, r := range routes {
		if err := r.b.Flush(ctx); err != nil && !errors.Is(err, batcher.ErrClosed) {
			errs = append(errs, fmt.Errorf("flush %s: %w", r.key, err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot is a point-in-time view of the pipeline.
type Snapshot struct {
	Destinations []batcher.Stats `json:"destinations"`
	Scheduler    scheduler.Stats `json:"scheduler"`
	BusDropped   uint64          `json:"bus_dropped"`
}

func (a *App) Stats() Snapshot {
	return Snapshot{
		Destinations: a.factory.Stats(),
		Scheduler:    a.sched.Stats(),
		BusDropped:   a.bus.Dropped(),
	}
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Timers must keep firing while Stop drains, after the run context ends.
	a.sched.Start(context.WithoutCancel(ctx))

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("status.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logStatus(e)
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validateReload)
		a.cfgm.OnReject(func(err error) {
			status.Publish(a.bus, status.TypeReloadRejected, status.Event{Error: err.Error()})
		})

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
					// Coalesce bursts: keep only the latest config in the channel.
					for drained := false; !drained; {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							drained = true
						}
					}
					a.applyConfig(c, newCfg)
				}
			}
		})

		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.mu.RLock()
	cfg := a.cfg
	n := len(a.routes)
	a.mu.RUnlock()
	a.scheduleStats(cfg)
	a.cron.Start()
	a.admin.Start(ctx)

	a.log.Info("app started", logx.Int("destinations", n))
	return nil
}

// logStatus keeps bus events at debug level; failures are already logged
// (rate limited) by the component that published them.
func (a *App) logStatus(e eventbus.Event) {
	fields := []logx.Field{
		logx.String("type", e.Type),
		logx.Time("time", e.Time),
		logx.Bool("failure", status.Failure(e.Type)),
	}
	if se, ok := e.Data.(status.Event); ok {
		if se.Destination != "" {
			fields = append(fields, logx.String("dest", se.Destination))
		}
		if se.BatchID != "" {
			fields = append(fields, logx.String("batch", se.BatchID), logx.String("reason", se.Reason))
		}
		if se.Events > 0 {
			fields = append(fields, logx.Int("events", se.Events))
		}
		if se.Error != "" {
			fields = append(fields, logx.String("err", se.Error))
		}
	}
	a.log.Debug("status", fields...)
}

// Stop drains every destination within drain.timeout, then stops the
// scheduler, sinks, storage and logging. It returns the drain error.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.applyMu.Lock()
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.applyMu.Unlock()
		return nil
	}
	a.stopped = true
	drain := a.drain
	a.mu.Unlock()
	a.applyMu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	if a.sup != nil {
		a.sup.Cancel()
	}

	_ = a.step(ctx, "admin", 2*time.Second, func(c context.Context) error {
		a.admin.Stop(c)
		return nil
	})

	_ = a.step(ctx, "stats", time.Second, func(context.Context) error {
		<-a.cron.Stop().Done()
		return nil
	})

	drainErr := a.step(ctx, "drain", drain.Timeout+2*time.Second, func(c context.Context) error {
		report, err := a.factory.Shutdown(c, drain)
		a.log.Info("drain finished",
			logx.Strs("flushed", report.Flushed),
			logx.Strs("skipped", report.Skipped),
			logx.Int("failed", len(report.Failed)),
			logx.Strs("abandoned", report.Abandoned),
		)
		return err
	})

	_ = a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)

	_ = a.step(ctx, "sinks", 2*time.Second, func(context.Context) error {
		a.mu.RLock()
		routes := append([]*route(nil), a.routes...)
		a.mu.RUnlock()
		var errs []error
		for _, r := range routes {
			if err := r.sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.key, err))
			}
		}
		return errors.Join(errs...)
	})

	_ = a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, status log).
	if a.sup != nil {
		_ = a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return drainErr
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It returns the step's error, or the context error
// when the bound was reached first.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
		return stepCtx.Err()
	}
}

func sortedKeys(m map[string]config.DestinationConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
