// Package db opens GORM connections for the Stationmaster state store.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zulandar/stationmaster/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured state backend.
func Open(cfg config.StateConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "mysql":
		m := cfg.MySQL
		return OpenMySQL(m.Host, m.Port, m.User, m.Password, m.Database)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (creating if needed) a SQLite state database at path.
// The parent directory is created if it does not exist.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db: create state dir %s: %w", dir, err)
		}
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	return gdb, nil
}

// MySQLDSN builds a DSN for the MySQL state backend.
func MySQLDSN(host string, port int, user, password, database string) string {
	cred := user
	if password != "" {
		cred = user + ":" + password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, host, port, database)
}

// OpenMySQL opens a GORM connection to a MySQL state database.
func OpenMySQL(host string, port int, user, password, database string) (*gorm.DB, error) {
	dsn := MySQLDSN(host, port, user, password, database)
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return gdb, nil
}
