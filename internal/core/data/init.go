package data

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	EnginePostgres = "postgres"
	EngineSQLite   = "sqlite"
)

// Open connects to the database described by engine and dataSource. dataSource is
// a libpq connection string for postgres and a file path for sqlite. With debug
// set every query is logged.
func Open(engine, dataSource string, debug bool) (*gorm.DB, error) {
	// By default only log errors but enable full SQL query prints-to-console with debug mode
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch engine {
	case EnginePostgres:
		dialector = postgres.Open(dataSource)
	case EngineSQLite:
		// The worker and the direct handle share the file, so writers wait
		// for each other instead of failing with SQLITE_BUSY.
		if !strings.Contains(dataSource, "?") {
			dataSource += "?_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(dataSource)
	default:
		return nil, fmt.Errorf("unsupported database engine %q", engine)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the tables backing every model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Account{}, &ActiveSession{}, &ActionLog{}); err != nil {
		return fmt.Errorf("error auto migrating db: %w", err)
	}
	return nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	database, err := db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
