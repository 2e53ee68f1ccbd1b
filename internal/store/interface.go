package store

import (
	"context"

	"cryptobots/internal/store/model"
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction.
	Rollback() error

	// Instances returns the strategy instance repository within this transaction.
	Instances() InstanceRepository
	// TickLogs returns the tick log repository within this transaction.
	TickLogs() TickLogRepository
}

// Store is the entry point for database access.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)
	// Close closes the store connection.
	Close() error
}

// InstanceRepository handles strategy instance persistence.
type InstanceRepository interface {
	Save(ctx context.Context, instance *model.StrategyInstanceModel) error
	FindByID(ctx context.Context, id string) (*model.StrategyInstanceModel, error)
	ListActive(ctx context.Context) ([]model.StrategyInstanceModel, error)
	List(ctx context.Context, limit int) ([]model.StrategyInstanceModel, error)
	UpdateStatus(ctx context.Context, id string, status model.InstanceStatus) error
	UpdateState(ctx context.Context, id string, state []byte, tickedAt int64) error
}

// TickLogRepository records the outcome of every executed tick.
type TickLogRepository interface {
	Insert(ctx context.Context, log *model.TickLogModel) error
	ListByInstance(ctx context.Context, instanceID string, limit int) ([]model.TickLogModel, error)
}
