package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DB opens a private in-memory SQLite database with every table migrated. It is closed when the test ends.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_", "?", "_", "=", "_").Replace(tb.Name())
	db, err := config.OpenSQLite("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	tb.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// UseGlobalDB points config.GetDB at db for the duration of the test.
func UseGlobalDB(tb testing.TB, db *gorm.DB) {
	tb.Helper()
	prev := config.GetDB()
	config.SetDB(db)
	tb.Cleanup(func() { config.SetDB(prev) })
}

// Logger discards output unless TEST_VERBOSE is set.
func Logger(tb testing.TB) *logrus.Logger {
	tb.Helper()
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if os.Getenv("TEST_VERBOSE") == "" {
		l.SetLevel(logrus.PanicLevel)
	}
	return l
}

// Setenv sets key for the test and restores it afterwards.
func Setenv(tb testing.TB, key, value string) {
	tb.Helper()
	prev, had := os.LookupEnv(key)
	_ = os.Setenv(key, value)
	tb.Cleanup(func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}
