package jobs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"ledgersync/config"
	"ledgersync/logger"
	"ledgersync/models"
	"ledgersync/providers"
	"ledgersync/services"
)

const (
	SessionMonitorJob = "session-monitor"
	SessionPruneJob   = "session-prune"
	DiscoveryJob      = "target-discovery"

	syncJobPrefix = "sync:"
)

type Syncer interface {
	RunCycle(ctx context.Context, t services.Target) (services.CycleResult, error)
	Forget(t services.Target)
}

type TargetSource interface {
	ListActiveAPIConfigs(ctx context.Context) ([]models.APIConfig, error)
}

type Deps struct {
	Scheduler *Scheduler
	Engine    Syncer
	Monitor   *services.SessionMonitor
	Targets   TargetSource
	Sync      config.SyncConfig
	Session   config.SessionConfig
	Now       func() time.Time
}

func SyncJobName(t services.Target) string {
	return syncJobPrefix + t.String()
}

// Setup registers the session jobs and the discovery job, then runs one
// discovery pass so sync jobs exist before the first tick.
func Setup(ctx context.Context, d Deps) error {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}

	if err := d.Scheduler.Register(SessionMonitorJob, d.Session.Interval, func(ctx context.Context) error {
		_, err := d.Monitor.Evaluate(ctx, d.Now())
		return err
	}); err != nil {
		return err
	}

	pruneEvery := d.Session.PruneAfter / 24
	if pruneEvery < time.Minute {
		pruneEvery = time.Minute
	}
	if err := d.Scheduler.Register(SessionPruneJob, pruneEvery, func(ctx context.Context) error {
		_, err := d.Monitor.Prune(ctx, d.Now(), d.Session.PruneAfter)
		return err
	}); err != nil {
		return err
	}

	discovery := func(ctx context.Context) error {
		return Discover(ctx, d)
	}
	if err := d.Scheduler.Register(DiscoveryJob, d.Sync.DiscoveryInterval, discovery); err != nil {
		return err
	}

	_, err := d.Scheduler.Tick(ctx, DiscoveryJob)
	return err
}

// Discover registers a sync job for every active api_configs row with a
// known provider and removes jobs whose config is gone or disabled.
func Discover(ctx context.Context, d Deps) error {
	cfgs, err := d.Targets.ListActiveAPIConfigs(ctx)
	if err != nil {
		return err
	}

	known := map[string]bool{}
	for _, name := range providers.Registered() {
		known[name] = true
	}

	wanted := map[string]bool{}
	for _, cfg := range cfgs {
		t := services.Target{OperatorID: cfg.PartnerID, APIType: cfg.APIProvider}.Canonical()
		if !known[t.APIType] {
			logger.Warn().Uint("operator_id", cfg.PartnerID).Str("api_type", cfg.APIProvider).
				Msg("[Jobs] no client registered for provider, skipping")
			continue
		}

		name := SyncJobName(t)
		wanted[name] = true
		if d.Scheduler.Has(name) {
			continue
		}

		if err := d.Scheduler.Register(name, d.Sync.Interval, syncJob(d.Engine, t)); err != nil {
			return err
		}
		logger.Info().Str("target", t.String()).Dur("interval", d.Sync.Interval).Msg("✅ sync job registered")
	}

	for _, name := range d.Scheduler.Names() {
		if !strings.HasPrefix(name, syncJobPrefix) || wanted[name] {
			continue
		}
		d.Scheduler.Unregister(name)
		if t, ok := parseSyncJobName(name); ok {
			d.Engine.Forget(t)
		}
		logger.Info().Str("job", name).Msg("sync job removed")
	}
	return nil
}

func syncJob(engine Syncer, t services.Target) JobFunc {
	return func(ctx context.Context) error {
		_, err := engine.RunCycle(ctx, t)
		if errors.Is(err, services.ErrCycleInFlight) {
			return nil
		}
		return err
	}
}

func parseSyncJobName(name string) (services.Target, bool) {
	rest := strings.TrimPrefix(name, syncJobPrefix)
	i := strings.LastIndex(rest, "#")
	if i <= 0 {
		return services.Target{}, false
	}
	id, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return services.Target{}, false
	}
	return services.Target{OperatorID: uint(id), APIType: rest[:i]}, true
}
