package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/models"
)

// Ensure PostgresDB implements app_interfaces.PostgresService.
var _ app_interfaces.PostgresService = (*PostgresDB)(nil)

type PostgresDB struct {
	db *gorm.DB
}

// InitPostgres creates a PostgreSQL connection with retries & pooling.
func InitPostgres(dsn string) (*PostgresDB, error) {

	// Production-ready logger (info level, slow query warnings)
	gormLogger := logger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	var db *gorm.DB
	var err error

	// Retry loop — wait until Postgres is ready (container startup latency)
	maxAttempts := 10
	for i := 1; i <= maxAttempts; i++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			PrepareStmt: true,
			Logger:      gormLogger,
		})
		if err == nil {
			sqlDB, err2 := db.DB()
			if err2 == nil && sqlDB.Ping() == nil {
				break
			}
		}

		fmt.Printf("Postgres not ready (attempt %d/%d): %v\n", i, maxAttempts, err)
		time.Sleep(2 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres sqlDB instance error: %w", err)
	}

	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(60 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	return &PostgresDB{db: db}, nil
}

// AutoMigrate creates or updates the access-control tables.
func (p *PostgresDB) AutoMigrate() error {
	return p.db.AutoMigrate(
		&models.APIKey{},
		&models.Subscription{},
		&models.DailyUsage{},
	)
}

// GetPostgresDB returns the GORM DB instance.
func (p *PostgresDB) GetPostgresDB() *gorm.DB {
	return p.db
}

// CloseDB closes PostgreSQL DB connection.
func (p *PostgresDB) CloseDB() {
	if p.db == nil {
		return
	}
	sqlDB, err := p.db.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
}

func (p *PostgresDB) Health(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
