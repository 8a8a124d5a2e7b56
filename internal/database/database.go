package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-autopilot/internal/config"
	"github.com/ksred/klear-autopilot/internal/database/migrations"
)

// NewDatabase opens the configured driver and runs migrations.
func NewDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gcfg)
	case "sqlite", "":
		db, err = gorm.Open(sqlite.Open(sqliteDSN(cfg.DSN)), gcfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver != "postgres" {
		// sqlite has a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrations.Run(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Str("driver", cfg.Driver).Msg("database ready")
	return db, nil
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "autopilot.db"
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}
