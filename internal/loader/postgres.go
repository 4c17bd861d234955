package loader

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/domain"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/envutil"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
)

// PostgresLoader writes silver-layer tables through gorm. Connection
// parameters come from the standard PG* environment variables.
type PostgresLoader struct {
	log *logger.Logger
	db  *gorm.DB
}

func NewPostgresLoader(log *logger.Logger) *PostgresLoader {
	return &PostgresLoader{log: log.With("component", "PostgresLoader")}
}

func (l *PostgresLoader) Connect(ctx context.Context) error {
	host := envutil.Get("PGHOST", "localhost", l.log)
	port := envutil.Get("PGPORT", "5432", l.log)
	user := envutil.Get("PGUSER", "postgres", l.log)
	password := envutil.Get("PGPASSWORD", "", l.log)
	name := envutil.Get("PGDATABASE", "euctr", l.log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	l.log.Info("Connecting to Postgres...", "host", host, "database", name)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	l.db = db.WithContext(ctx)
	return nil
}

func (l *PostgresLoader) PrepareSchema(ctx context.Context) error {
	if l.db == nil {
		return fmt.Errorf("not connected")
	}
	db := l.db.WithContext(ctx)

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp extension: %w", err)
	}
	if err := db.AutoMigrate(
		&domain.EuTrial{},
		&domain.EuTrialDrug{},
		&domain.EuTrialCondition{},
	); err != nil {
		return fmt.Errorf("auto migrate silver tables: %w", err)
	}
	for _, stmt := range []string{
		`DO $$ BEGIN
			ALTER TABLE "eu_trial_drugs"
			ADD CONSTRAINT "fk_eu_trial_drugs_eudract_number"
			FOREIGN KEY ("eudract_number") REFERENCES "eu_trials"("eudract_number") ON DELETE CASCADE;
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;`,
		`DO $$ BEGIN
			ALTER TABLE "eu_trial_conditions"
			ADD CONSTRAINT "fk_eu_trial_conditions_eudract_number"
			FOREIGN KEY ("eudract_number") REFERENCES "eu_trials"("eudract_number") ON DELETE CASCADE;
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("add foreign key: %w", err)
		}
	}
	l.log.Info("Schema preparation complete")
	return nil
}

func (l *PostgresLoader) TruncateTables(ctx context.Context) error {
	if l.db == nil {
		return fmt.Errorf("not connected")
	}
	err := l.db.WithContext(ctx).Exec(
		`TRUNCATE TABLE eu_trial_conditions, eu_trial_drugs, eu_trials`,
	).Error
	if err != nil {
		return fmt.Errorf("truncate silver tables: %w", err)
	}
	return nil
}

// LoadBatches writes every document batch in one transaction per batch, so
// a trial and its related rows are never split. Upsert mode supersedes an
// existing trial: the core row is updated in place and its old related
// rows are replaced by the new segmentation.
func (l *PostgresLoader) LoadBatches(ctx context.Context, batches []domain.RecordBatch, mode Mode) error {
	if l.db == nil {
		return fmt.Errorf("not connected")
	}
	if !mode.Valid() {
		return fmt.Errorf("invalid load mode %q", mode)
	}

	for _, b := range batches {
		batch := b
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			trial := tx.Model(&domain.EuTrial{})
			if mode == ModeUpsert {
				trial = trial.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "eudract_number"}},
					UpdateAll: true,
				})
			}
			if err := trial.Create(&batch.Trial).Error; err != nil {
				return fmt.Errorf("insert trial %s: %w", batch.Trial.EudractNumber, err)
			}

			if mode == ModeUpsert {
				id := batch.Trial.EudractNumber
				if err := tx.Where("eudract_number = ?", id).Delete(&domain.EuTrialDrug{}).Error; err != nil {
					return fmt.Errorf("clear drugs for %s: %w", id, err)
				}
				if err := tx.Where("eudract_number = ?", id).Delete(&domain.EuTrialCondition{}).Error; err != nil {
					return fmt.Errorf("clear conditions for %s: %w", id, err)
				}
			}

			if len(batch.Drugs) > 0 {
				if err := tx.CreateInBatches(batch.Drugs, 200).Error; err != nil {
					return fmt.Errorf("insert drugs for %s: %w", batch.Trial.EudractNumber, err)
				}
			}
			if len(batch.Conditions) > 0 {
				if err := tx.CreateInBatches(batch.Conditions, 200).Error; err != nil {
					return fmt.Errorf("insert conditions for %s: %w", batch.Trial.EudractNumber, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	l.log.Info("Load complete", "batches", len(batches), "mode", string(mode))
	return nil
}

func (l *PostgresLoader) Close() error {
	if l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
