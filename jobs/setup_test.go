package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"ledgersync/config"
	"ledgersync/database"
	"ledgersync/models"
	_ "ledgersync/providers/clientcred"
	_ "ledgersync/providers/opcode"
	"ledgersync/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTargets struct {
	cfgs []models.APIConfig
}

func (f *fakeTargets) ListActiveAPIConfigs(context.Context) ([]models.APIConfig, error) {
	return f.cfgs, nil
}

type fakeSyncer struct {
	mu        sync.Mutex
	runs      []services.Target
	forgotten []services.Target
	err       error
}

func (f *fakeSyncer) RunCycle(_ context.Context, t services.Target) (services.CycleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, t)
	return services.CycleResult{Target: t}, f.err
}

func (f *fakeSyncer) Forget(t services.Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, t)
}

type noSessions struct{}

func (noSessions) ListOpenSessions(context.Context) ([]models.GameLaunchSession, error) {
	return nil, nil
}
func (noSessions) LatestBetTimes(context.Context, []uint) (map[database.BetKey]time.Time, error) {
	return nil, nil
}
func (noSessions) UpdateGameSessionState(context.Context, string, models.SessionStatus, database.SessionTimestamps) error {
	return nil
}
func (noSessions) ActiveSessionUsernames(context.Context, uint, string) (map[string]bool, error) {
	return nil, nil
}
func (noSessions) PruneEndedSessions(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func testDeps(targets *fakeTargets, syncer *fakeSyncer) Deps {
	return Deps{
		Scheduler: NewScheduler(),
		Engine:    syncer,
		Monitor:   services.NewSessionMonitor(noSessions{}, services.MonitorConfig{}),
		Targets:   targets,
		Sync:      config.SyncConfig{Interval: time.Second, DiscoveryInterval: time.Minute},
		Session:   config.SessionConfig{Interval: 30 * time.Second, PruneAfter: 24 * time.Hour},
	}
}

func TestSetup_RegistersJobsAndDiscovers(t *testing.T) {
	targets := &fakeTargets{cfgs: []models.APIConfig{
		{PartnerID: 7, APIProvider: "opcode"},
		{PartnerID: 8, APIProvider: "ClientCred"},
		{PartnerID: 9, APIProvider: "unknown-vendor"},
	}}
	d := testDeps(targets, &fakeSyncer{})

	require.NoError(t, Setup(context.Background(), d))
	assert.Equal(t, []string{
		SessionMonitorJob,
		SessionPruneJob,
		"sync:clientcred#8",
		"sync:opcode#7",
		DiscoveryJob,
	}, d.Scheduler.Names())
}

func TestDiscover_RemovesDisabledTargets(t *testing.T) {
	targets := &fakeTargets{cfgs: []models.APIConfig{
		{PartnerID: 7, APIProvider: "opcode"},
		{PartnerID: 8, APIProvider: "opcode"},
	}}
	syncer := &fakeSyncer{}
	d := testDeps(targets, syncer)

	require.NoError(t, Discover(context.Background(), d))
	assert.True(t, d.Scheduler.Has("sync:opcode#8"))

	targets.cfgs = targets.cfgs[:1]
	require.NoError(t, Discover(context.Background(), d))
	assert.False(t, d.Scheduler.Has("sync:opcode#8"))
	assert.True(t, d.Scheduler.Has("sync:opcode#7"))
	assert.Equal(t, []services.Target{{OperatorID: 8, APIType: "opcode"}}, syncer.forgotten)
}

func TestSyncJob_InFlightIsNotAnError(t *testing.T) {
	syncer := &fakeSyncer{err: services.ErrCycleInFlight}
	d := testDeps(&fakeTargets{cfgs: []models.APIConfig{{PartnerID: 7, APIProvider: "opcode"}}}, syncer)
	require.NoError(t, Discover(context.Background(), d))

	ran, err := d.Scheduler.Tick(context.Background(), "sync:opcode#7")
	assert.True(t, ran)
	assert.NoError(t, err)
	assert.Equal(t, []services.Target{{OperatorID: 7, APIType: "opcode"}}, syncer.runs)
}

func TestDiscover_MixedCaseProviderTicksCanonicalTarget(t *testing.T) {
	syncer := &fakeSyncer{}
	d := testDeps(&fakeTargets{cfgs: []models.APIConfig{{PartnerID: 3, APIProvider: "OpCode"}}}, syncer)
	require.NoError(t, Discover(context.Background(), d))
	require.True(t, d.Scheduler.Has("sync:opcode#3"))

	ran, err := d.Scheduler.Tick(context.Background(), "sync:opcode#3")
	assert.True(t, ran)
	assert.NoError(t, err)
	assert.Equal(t, []services.Target{{OperatorID: 3, APIType: "opcode"}}, syncer.runs)

	// a second pass over the same row keeps the job instead of churning it
	require.NoError(t, Discover(context.Background(), d))
	assert.True(t, d.Scheduler.Has("sync:opcode#3"))
	assert.Empty(t, syncer.forgotten)
}

func TestParseSyncJobName(t *testing.T) {
	got, ok := parseSyncJobName("sync:tokenkey#42")
	require.True(t, ok)
	assert.Equal(t, services.Target{OperatorID: 42, APIType: "tokenkey"}, got)

	_, ok = parseSyncJobName("sync:broken")
	assert.False(t, ok)
}
