package db

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/config"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const InMemorySQLiteDSN = ":memory:"

var schemaModels = []any{
	&models.Query{},
	&models.CallbackTx{},
	&models.BridgeCheckpoint{},
}

type DatabaseAdapter struct {
	Client *gorm.DB
}

func NewDatabaseAdapter(cfg *config.DatabaseConfig) (*DatabaseAdapter, error) {
	var (
		client *gorm.DB
		err    error
	)
	switch cfg.Driver {
	case "sqlite":
		client, err = openSQLite(cfg.URL)
	default:
		client, err = openPostgres(cfg.URL)
	}
	if err != nil {
		return nil, err
	}
	if err := client.AutoMigrate(schemaModels...); err != nil {
		return nil, errors.Wrap(err, "failed to auto-migrate database schema")
	}
	log.Info().Str("driver", cfg.Driver).Msg("[DatabaseAdapter] [NewDatabaseAdapter] database ready")
	return &DatabaseAdapter{Client: client}, nil
}

// NewInMemoryAdapter opens a migrated, non-persistent sqlite store.
func NewInMemoryAdapter() (*DatabaseAdapter, error) {
	return NewDatabaseAdapter(&config.DatabaseConfig{Driver: "sqlite", URL: InMemorySQLiteDSN})
}

func openPostgres(dsn string) (*gorm.DB, error) {
	client, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres database")
	}
	return client, nil
}

func openSQLite(dsn string) (*gorm.DB, error) {
	if dsn != InMemorySQLiteDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	client, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	sqlDB, err := client.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	//Every connection to :memory: is a distinct database
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return client, nil
}

func (db *DatabaseAdapter) Close() error {
	sqlDB, err := db.Client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "failed to close database connection")
	}
	return nil
}
