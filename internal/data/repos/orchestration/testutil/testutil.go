package testutil

import (
	"errors"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	dbpkg "github.com/oss/geoetl-orchestrator/internal/data/db"
	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error

	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB opens (once per test binary) a real Postgres connection from
// TEST_POSTGRES_DSN and auto-migrates the orchestration tables, mirroring
// the teacher's internal/data/repos/testutil convention. Tests that
// exercise complete_task_and_check_stage/advance_job_stage/
// check_job_completion — anything that depends on
// pg_advisory_xact_lock — must use this, never SQLiteDB.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}

		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}

		if err := db.AutoMigrate(&types.JobRecord{}, &types.TaskRecord{}, &types.OrchestrationEvent{}); err != nil {
			dbErr = err
			return
		}
		if err := dbpkg.EnsureOrchestrationIndexes(db); err != nil {
			dbErr = err
			return
		}
		if err := dbpkg.EnsureOrchestrationProcedures(db); err != nil {
			dbErr = err
			return
		}
	})

	if errors.Is(dbErr, errMissingDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run repo integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return db
}

func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

// SQLiteDB opens a fresh in-memory sqlite database and auto-migrates the
// orchestration tables. It is for unit tests of GORM model wiring only
// (column tags, default values, AutoMigrate succeeding) — sqlite has no
// pg_advisory_xact_lock, so nothing that depends on
// complete_task_and_check_stage/advance_job_stage/check_job_completion's
// atomicity may use it.
func SQLiteDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite test db: %v", err)
	}
	if err := conn.AutoMigrate(&types.JobRecord{}, &types.TaskRecord{}, &types.OrchestrationEvent{}); err != nil {
		tb.Fatalf("automigrate sqlite test db: %v", err)
	}
	return conn
}
