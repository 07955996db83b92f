// Package postgresql provides PostgreSQL persistence for master and child
// flow records.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
	"github.com/relokate/masterflow/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db          *sql.DB
	logger      *slog.Logger
	masterRepo  *MasterFlowRepository
	childRepo   *ChildFlowRepository
	journalRepo *JournalRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs pending
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:          database,
		logger:      logger,
		masterRepo:  NewMasterFlowRepository(database, logger),
		childRepo:   NewChildFlowRepository(database, logger),
		journalRepo: NewJournalRepository(database, logger),
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// MasterFlowRepository returns the master flow repository.
func (p *Persistence) MasterFlowRepository() persistence.MasterFlowRepository {
	return p.masterRepo
}

// ChildFlowRepository returns the child flow repository.
func (p *Persistence) ChildFlowRepository() persistence.ChildFlowRepository {
	return p.childRepo
}

// JournalRepository returns the failure journal / deletion audit repository.
func (p *Persistence) JournalRepository() persistence.JournalRepository {
	return p.journalRepo
}

// CreateFlowPair inserts the master flow and its child row in one
// transaction so a crash between the two writes cannot leave a master
// without its child.
func (p *Persistence) CreateFlowPair(ctx context.Context, master *models.MasterFlow, child *models.ChildFlow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = p.masterRepo.createTx(ctx, tx, master)
	if err != nil {
		return err
	}

	child.MasterFlowID = master.ID

	err = p.childRepo.createTx(ctx, tx, child)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit flow creation: %w", err)
	}

	return nil
}

// UpdateFlowPair writes master bookkeeping and the child mirror in one
// transaction so a crash between the two statements cannot leave the child's
// phase state lagging a committed master.
func (p *Persistence) UpdateFlowPair(ctx context.Context, master *models.MasterFlow, child *models.ChildFlow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = p.masterRepo.updateTx(ctx, tx, master)
	if err != nil {
		return err
	}

	err = p.childRepo.updateTx(ctx, tx, child)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit flow update: %w", err)
	}

	return nil
}
