package database

import (
	"fmt"
	"time"

	"ledgersync/config"
	"ledgersync/logger"
	"ledgersync/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	logger.Info().Str("host", cfg.Host).Str("db", cfg.Name).Msg("✅ Connected to database")

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	logger.Info().Msg("🟡 Starting auto-migration...")

	if err := db.AutoMigrate(
		&models.Partner{},
		&models.User{},
		&models.APIConfig{},
		&models.GameRecord{},
		&models.PartnerBalanceLog{},
		&models.GameLaunchSession{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	logger.Info().Msg("✅ Auto migration completed")
	return nil
}
