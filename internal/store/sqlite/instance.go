package sqlite

import (
	"context"
	"errors"
	"time"

	"cryptobots/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// instanceRepo implements the InstanceRepository interface.
type instanceRepo struct {
	db *gorm.DB
}

func NewInstanceRepo(db *gorm.DB) *instanceRepo {
	return &instanceRepo{db: db}
}

// Save inserts or updates a strategy instance by id.
func (r *instanceRepo) Save(ctx context.Context, instance *model.StrategyInstanceModel) error {
	if instance == nil {
		return errors.New("instance cannot be nil")
	}
	now := time.Now().Unix()
	if instance.CreatedAtUnix == 0 {
		instance.CreatedAtUnix = now
	}
	instance.UpdatedAtUnix = now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Save(instance).Error
}

func (r *instanceRepo) FindByID(ctx context.Context, id string) (*model.StrategyInstanceModel, error) {
	var instance model.StrategyInstanceModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// ListActive returns every instance that should be ticking after a restart.
func (r *instanceRepo) ListActive(ctx context.Context) ([]model.StrategyInstanceModel, error) {
	var instances []model.StrategyInstanceModel
	err := r.db.WithContext(ctx).
		Where("status IN ?", []model.InstanceStatus{model.InstanceStatusActive, model.InstanceStatusStopping}).
		Find(&instances).Error
	return instances, err
}

func (r *instanceRepo) List(ctx context.Context, limit int) ([]model.StrategyInstanceModel, error) {
	var instances []model.StrategyInstanceModel
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&instances).Error
	return instances, err
}

func (r *instanceRepo) UpdateStatus(ctx context.Context, id string, status model.InstanceStatus) error {
	return r.db.WithContext(ctx).Model(&model.StrategyInstanceModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().Unix(),
		}).Error
}

// UpdateState persists the controller state blob after a successful tick.
func (r *instanceRepo) UpdateState(ctx context.Context, id string, state []byte, tickedAt int64) error {
	return r.db.WithContext(ctx).Model(&model.StrategyInstanceModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state_json":   state,
			"last_tick_at": tickedAt,
			"updated_at":   time.Now().Unix(),
		}).Error
}
