package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"profilehub/pkg/config"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/prometheus"
)

var Module = fx.Module("database",
	fx.Provide(
		Dialect,
		New,
	),
)

func Dialect(cfg *config.Config) gorm.Dialector {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
		cfg.Database.Password, cfg.Database.DBName, cfg.Database.SSLMode,
		cfg.Database.Timezone,
	)
	return postgres.Open(dsn)
}

func New(lc fx.Lifecycle, cfg *config.Config, dialector gorm.Dialector) *gorm.DB {
	var db *gorm.DB
	var err error

	logLevel := logger.Info
	showSQL := true
	if cfg.AppEnv == "production" {
		logLevel = logger.Warn
		showSQL = false
	}

	queryLogger := NewZapGormLogger(zap.L(), logLevel, showSQL)

	for i := 0; i < 5; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: queryLogger,
		})
		if err == nil {
			break
		}
		zap.L().Warn("[DB] Database not ready, retrying in 3 seconds...", zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(3 * time.Second)
	}

	if err != nil {
		zap.L().Error("[DB] Failed to connect to database", zap.Error(err))
		os.Exit(1)
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		zap.L().Error("[DB] Failed to register db telemetry", zap.Error(err))
	}

	if err := db.Use(prometheus.New(prometheus.Config{
		DBName:          cfg.Database.DBName,
		RefreshInterval: 15,
	})); err != nil {
		zap.L().Error("[DB] Failed to register db metrics", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err == nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return sqlDB.Close()
			},
		})
	}

	zap.L().Info("[DB] Database connection successfully configured.")
	return db
}

// NewTest opens a named shared in-memory SQLite database. The
// connection pool is capped at one so the shared cache survives between
// queries; services/testutil builds its fixtures on top of this.
func NewTest(name string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return conn, nil
}
