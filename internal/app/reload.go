package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"batchlog/internal/batcher"
	"batchlog/internal/config"
	"batchlog/internal/observability/admin"
	"batchlog/internal/status"
	"batchlog/pkg/logx"
)

// validateReload rejects a config that parses but could not be applied.
// Sinks are not built here; a sink that fails to build is reported when the
// config is applied and the previous destination is kept.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapDrainOptions(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	for _, key := range sortedKeys(cfg.Destinations) {
		dc := cfg.Destinations[key]
		if !dc.Enabled() {
			continue
		}
		if _, err := mapFilter(key, dc); err != nil {
			return err
		}
		if _, err := mapBatcherConfig(key, dc); err != nil {
			return err
		}
		if dc.Type == config.SinkStore && a.store == nil {
			return fmt.Errorf("destinations.%s: store sink requires storage to be enabled at startup", key)
		}
	}
	return nil
}

// applyConfig brings the running pipeline in line with newCfg. Timing-only
// destination changes are applied in place; any other change rebuilds the
// destination after draining it.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	a.mu.RLock()
	stopped := a.stopped
	oldCfg := a.cfg
	a.mu.RUnlock()
	if stopped {
		return
	}

	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", ch.Fields()...)

	for _, s := range ch.Sections {
		if s == "storage" || s == "scheduler" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if drain, err := mapDrainOptions(newCfg); err == nil {
		a.mu.Lock()
		a.drain = drain
		a.mu.Unlock()
	}

	if ac, err := mapAdminConfig(newCfg); err == nil && ac != adminOf(oldCfg) {
		a.admin.Reconfigure(context.WithoutCancel(ctx), ac)
	}

	a.applyDestinations(ctx, newCfg)

	a.mu.Lock()
	a.cfg = newCfg
	a.mu.Unlock()
	a.scheduleStats(newCfg)

	a.log.Info("config reloaded", ch.Fields()...)
}

func adminOf(cfg *config.Config) admin.Config {
	if cfg == nil {
		return admin.Config{}
	}
	ac, _ := mapAdminConfig(cfg)
	return ac
}

// applyDestinations swaps routes one key at a time. Each new route is
// visible to Emit before the batcher it replaces starts draining, so events
// keep flowing while other destinations are rebuilt.
func (a *App) applyDestinations(ctx context.Context, newCfg *config.Config) {
	a.mu.RLock()
	current := make(map[string]*route, len(a.routes))
	for _, r := range a.routes {
		current[r.key] = r
	}
	a.mu.RUnlock()

	for _, key := range sortedKeys(newCfg.Destinations) {
		dc := newCfg.Destinations[key]
		if !dc.Enabled() {
			continue
		}
		old, ok := current[key]
		delete(current, key)

		switch {
		case ok && reflect.DeepEqual(old.dest, dc):
			// unchanged
		case ok && config.TimingOnly(old.dest, dc):
			a.setRoute(key, a.reconfigureRoute(old, dc))
		default:
			a.replaceRoute(ctx, old, key, dc)
		}
	}

	for key, r := range current {
		a.setRoute(key, nil)
		a.factory.Detach(key)
		a.retireRoute(ctx, r)
		a.log.Info("destination removed", logx.String("dest", key))
	}
}

// setRoute publishes r under key, or removes key when r is nil. Once it
// returns no Emit call still holds the previous route.
func (a *App) setRoute(key string, r *route) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := make([]*route, 0, len(a.routes)+1)
	for _, cur := range a.routes {
		if cur.key != key {
			next = append(next, cur)
		}
	}
	if r != nil {
		next = append(next, r)
		sort.Slice(next, func(i, j int) bool { return next[i].key < next[j].key })
	}
	a.routes = next
}

func (a *App) reconfigureRoute(old *route, dc config.DestinationConfig) *route {
	bcfg, err := mapBatcherConfig(old.key, dc)
	if err == nil {
		err = old.b.Reconfigure(bcfg)
	}
	if err != nil {
		a.rejectDestination(old.key, err)
		return old
	}
	nr := *old
	nr.dest = dc
	a.log.Info("destination reconfigured", logx.String("dest", old.key))
	return &nr
}

// replaceRoute builds the new sink first so a sink that cannot be built
// leaves the old destination running. The old batcher is detached, the new
// one takes the key, and only then is the old one drained into the old sink.
func (a *App) replaceRoute(ctx context.Context, old *route, key string, dc config.DestinationConfig) {
	r, err := a.prepareRoute(key, dc)
	if err != nil {
		a.rejectDestination(key, err)
		return
	}
	if old == nil {
		if err := a.installRoute(r); err != nil {
			a.rejectDestination(key, err)
			return
		}
		a.setRoute(key, r)
		a.log.Info("destination added", logx.String("dest", key), logx.String("type", dc.Type))
		return
	}

	a.factory.Detach(key)
	if err := a.installRoute(r); err != nil {
		a.rejectDestination(key, err)
		a.setRoute(key, nil)
		a.retireRoute(ctx, old)
		return
	}
	a.setRoute(key, r)
	a.retireRoute(ctx, old)
	a.log.Info("destination rebuilt", logx.String("dest", key), logx.String("type", dc.Type))
}

// retireRoute drains r's batcher within the drain timeout and closes its
// sink. r must already be unreachable from Emit and detached from the factory.
func (a *App) retireRoute(ctx context.Context, r *route) {
	a.mu.RLock()
	timeout := a.drain.Timeout
	a.mu.RUnlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if _, err := r.b.Close(rctx); err != nil && !errors.Is(err, batcher.ErrClosed) {
		a.log.Warn("destination drain failed", logx.String("dest", r.key), logx.Err(err))
	}
	if err := r.sink.Close(); err != nil {
		a.log.Warn("sink close failed", logx.String("dest", r.key), logx.Err(err))
	}
}

func (a *App) rejectDestination(key string, err error) {
	a.log.Warn("destination change rejected; keeping previous", logx.String("dest", key), logx.Err(err))
	status.Publish(a.bus, status.TypeReloadRejected, status.Event{Destination: key, Error: err.Error()})
}

// scheduleStats (re)installs the periodic stats job for cfg.
func (a *App) scheduleStats(cfg *config.Config) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	if a.statsID != 0 {
		a.cron.Remove(a.statsID)
		a.statsID = 0
	}
	if cfg == nil || !cfg.Stats.Enabled {
		return
	}
	id, err := a.cron.AddFunc(cfg.StatsSchedule(), a.logStats)
	if err != nil {
		a.log.Warn("stats schedule rejected", logx.String("schedule", cfg.StatsSchedule()), logx.Err(err))
		return
	}
	a.statsID = id
}

func (a *App) logStats() {
	snap := a.Stats()
	for _, st := range snap.Destinations {
		a.log.Info("destination stats",
			logx.String("dest", st.Key),
			logx.String("state", st.State),
			logx.Int("pending_events", st.PendingEvents),
			logx.Uint64("accepted", st.Accepted),
			logx.Uint64("flushes", st.Flushes),
			logx.Uint64("failures", st.Failures),
			logx.Uint64("dropped", st.Dropped),
			logx.Int("throttle_level", st.ThrottleLevel),
		)
	}
	a.log.Info("scheduler stats",
		logx.Int("armed", snap.Scheduler.Armed),
		logx.Uint64("fired", snap.Scheduler.Fired),
		logx.Uint64("cancelled", snap.Scheduler.Cancelled),
		logx.Uint64("panics", snap.Scheduler.Panics),
		logx.Int("queue_depth", snap.Scheduler.QueueDepth),
		logx.Uint64("bus_dropped", snap.BusDropped),
	)
}
