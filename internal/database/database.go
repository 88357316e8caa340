package database

import (
	"path/filepath"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/opentuwa/mediagate/internal/models"
	"github.com/opentuwa/mediagate/system"
)

var o system.AtomicBool
var db *gorm.DB

// Initialize configures the local SQLite database in the given directory and
// ensures that the models have been fully migrated.
func Initialize(directory string) error {
	if !o.SwapIf(true) {
		panic("database: attempt to initialize more than once during application lifecycle")
	}
	instance, err := Open(Path(directory))
	if err != nil {
		return err
	}
	db = instance
	return nil
}

// Path returns the location of the database file within directory.
func Path(directory string) string {
	return filepath.Join(directory, "mediagate.db")
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(path string) (*gorm.DB, error) {
	// WAL lets prune runs and verifications interleave; the busy timeout makes
	// concurrent writers wait for the lock instead of failing.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	instance, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "database: could not open database file")
	}
	if err := instance.AutoMigrate(&models.ConsumedNonce{}); err != nil {
		return nil, errors.WithStack(err)
	}
	return instance, nil
}

// Instance returns the gorm database instance that was configured when the application was
// booted.
func Instance() *gorm.DB {
	if db == nil {
		panic("database: attempt to access instance before initialized")
	}
	return db
}
