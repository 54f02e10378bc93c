package database

import (
	"fmt"
	"time"

	"atlas-payment-service/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Settings are the Postgres connection parameters.
type Settings struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string
}

func (s Settings) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		s.Host, s.User, s.Password, s.DBName, s.Port, s.SSLMode, s.TimeZone,
	)
}

// OwnedModels are the tables this service migrates. Registrations and
// events belong to the registration service and are only read here.
func OwnedModels() []interface{} {
	return []interface{}{
		&models.PaymentRecord{},
		&models.PaymentPlan{},
		&models.Installment{},
		&models.ReconciliationReport{},
		&models.EventPaymentConfig{},
	}
}

// Opener opens a gorm connection; swapped in tests.
type Opener func(dialector gorm.Dialector) (*gorm.DB, error)

func defaultOpener(d gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(d, &gorm.Config{})
}

// Connect opens Postgres with retries and migrates the given models.
func Connect(s Settings, logger *zap.Logger, autoMigrateModels ...interface{}) (*gorm.DB, error) {
	return connect(postgres.Open(s.DSN()), defaultOpener, 10, 2*time.Second, logger, autoMigrateModels...)
}

func connect(dialector gorm.Dialector, open Opener, attempts int, backoff time.Duration, logger *zap.Logger, autoMigrateModels ...interface{}) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < attempts; i++ {
		db, err = open(dialector)
		if err == nil {
			if sqlDB, poolErr := db.DB(); poolErr == nil {
				sqlDB.SetMaxOpenConns(25)
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetConnMaxLifetime(5 * time.Minute)
			}
			logger.Info("Connected to PostgreSQL successfully")

			if len(autoMigrateModels) > 0 {
				if err := db.AutoMigrate(autoMigrateModels...); err != nil {
					return nil, fmt.Errorf("AutoMigrate failed: %w", err)
				}
			}
			return db, nil
		}

		logger.Warn("DB connection failed, retrying", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(time.Duration(i+1) * backoff)
	}
	return nil, fmt.Errorf("failed to connect to PostgreSQL after retries: %w", err)
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
