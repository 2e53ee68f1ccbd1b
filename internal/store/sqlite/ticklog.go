package sqlite

import (
	"context"
	"errors"
	"time"

	"cryptobots/internal/store/model"

	"gorm.io/gorm"
)

// tickLogRepo implements the TickLogRepository interface.
type tickLogRepo struct {
	db *gorm.DB
}

func NewTickLogRepo(db *gorm.DB) *tickLogRepo {
	return &tickLogRepo{db: db}
}

func (r *tickLogRepo) Insert(ctx context.Context, log *model.TickLogModel) error {
	if log == nil {
		return errors.New("tick log cannot be nil")
	}
	if log.CreatedAtUnix == 0 {
		log.CreatedAtUnix = time.Now().Unix()
	}
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *tickLogRepo) ListByInstance(ctx context.Context, instanceID string, limit int) ([]model.TickLogModel, error) {
	var logs []model.TickLogModel
	q := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&logs).Error
	return logs, err
}
