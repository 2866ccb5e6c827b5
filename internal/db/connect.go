package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported driver names for the db config block.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// SQLiteDSN builds a sqlite DSN with WAL journaling and a busy timeout, so
// modality sessions reading the store never block on the relay listener
// writing to it.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
}

// Connect opens a GORM connection for the configured driver. For DriverSQLite
// dsn is a file path (WAL enabled); for DriverMySQL it is a full
// go-sql-driver DSN, for sites that already run MySQL.
func Connect(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	switch driver {
	case DriverSQLite, "":
		gdb, err := gorm.Open(sqlite.Open(SQLiteDSN(dsn)), cfg)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", dsn, err)
		}
		return gdb, nil
	case DriverMySQL:
		gdb, err := gorm.Open(mysql.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect mysql: %w", err)
		}
		return gdb, nil
	default:
		return nil, fmt.Errorf("db: unknown driver %q", driver)
	}
}
