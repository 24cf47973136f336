package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgersync/config"
	"ledgersync/controllers/admin"
	"ledgersync/database"
	"ledgersync/jobs"
	"ledgersync/logger"
	"ledgersync/providers"
	_ "ledgersync/providers/clientcred"
	_ "ledgersync/providers/opcode"
	_ "ledgersync/providers/statickey"
	_ "ledgersync/providers/tokenkey"
	"ledgersync/ratelimit"
	"ledgersync/routes"
	"ledgersync/services"

	"github.com/gofiber/fiber/v2"
	"github.com/thejerf/suture/v4"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Error loading configuration")
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get database handle")
	}
	defer sqlDB.Close()

	store := database.NewLedgerStore(db)
	queues := ratelimit.NewGroup(cfg.Provider.CallsPerSecond)
	monitor := services.NewSessionMonitor(store, services.MonitorConfig{
		PauseAfter:   cfg.Session.PauseAfter,
		ResumeWindow: cfg.Session.ResumeWindow,
	})

	engineCfg := services.EngineConfig{
		ActorID:    cfg.Sync.ActorID,
		RateLimits: queues,
		Provider: providers.Options{
			Timeout:    cfg.Provider.Timeout,
			MaxRetries: cfg.Provider.MaxRetries,
			BaseDelay:  cfg.Provider.BaseDelay,
			MaxDelay:   cfg.Provider.MaxDelay,
			ProxyURL:   cfg.Provider.ProxyURL,
		},
	}
	if cfg.Sync.ReconcileActiveOnly {
		engineCfg.Eligibility = monitor
	}
	engine := services.NewSyncEngine(store, engineCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := jobs.NewScheduler()
	if err := jobs.Setup(ctx, jobs.Deps{
		Scheduler: scheduler,
		Engine:    engine,
		Monitor:   monitor,
		Targets:   store,
		Sync:      cfg.Sync,
		Session:   cfg.Session,
	}); err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up jobs")
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	routes.Setup(app, &admin.Handler{
		Engine:  engine,
		Store:   store,
		Jobs:    scheduler,
		Queues:  queues,
		Monitor: monitor,
	}, cfg.Admin, sqlDB.PingContext)

	log := logger.Component("supervisor")
	sup := suture.New("ledgersync", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Warn().Fields(ev.Map()).Msg(ev.String())
		},
		Timeout: 15 * time.Second,
	})
	sup.Add(scheduler)
	sup.Add(&httpServer{app: app, addr: cfg.HTTP.Addr()})

	logger.Info().Str("addr", cfg.HTTP.Addr()).Strs("providers", providers.Registered()).Msg("Server running")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Supervisor stopped")
	}
	logger.Info().Msg("Server exited cleanly")
}
