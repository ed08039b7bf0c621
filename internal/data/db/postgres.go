package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
	"github.com/oss/geoetl-orchestrator/internal/utils"
)

/*
PostgresService owns the single GORM connection pool the orchestration
core's State Store (C1) is built on. Only the "app" schema — jobs, tasks,
and the three advisory-locked procedures — is this service's concern;
"catalog" and "domain" are externally-managed and never touched here.
*/
type PostgresService struct {
	db     *gorm.DB
	log    *logger.Logger
	schema string
}

func NewPostgresService(logg *logger.Logger) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", logg)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", logg)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", logg)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", logg)
	postgresName := utils.GetEnv("POSTGRES_NAME", "orchestrator", logg)
	schema := utils.GetEnv("STORE_APP_SCHEMA", "app", logg)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser,
		postgresPassword,
		postgresHost,
		postgresPort,
		postgresName,
	)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}
	if err := gdb.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q;`, schema)).Error; err != nil {
		return nil, fmt.Errorf("failed to create app schema %q: %w", schema, err)
	}
	if err := gdb.Exec(fmt.Sprintf(`SET search_path TO %q, public;`, schema)).Error; err != nil {
		return nil, fmt.Errorf("failed to set search_path to %q: %w", schema, err)
	}

	return &PostgresService{db: gdb, log: serviceLog, schema: schema}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

// AutoMigrateAll creates the jobs/tasks tables (plus the
// orchestration_events timeline table), their indexes, and the
// three advisory-locked stored procedures that are the entirety of this
// service's public contract (§4.1).
func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("auto migrating orchestration tables")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("auto migration failed", "error", err)
		return err
	}
	if err := EnsureOrchestrationIndexes(s.db); err != nil {
		s.log.Error("orchestration index migration failed", "error", err)
		return err
	}
	if err := EnsureOrchestrationProcedures(s.db); err != nil {
		s.log.Error("orchestration procedure migration failed", "error", err)
		return err
	}
	return nil
}
