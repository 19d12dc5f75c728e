package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speakertune/backend/internal/model"
	"gorm.io/gorm"
)

type trainingRunRepository struct {
	db *gorm.DB
}

func NewTrainingRunRepository(db *gorm.DB) TrainingRunRepository {
	return &trainingRunRepository{db: db}
}

func (r *trainingRunRepository) Create(ctx context.Context, run *model.TrainingRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *trainingRunRepository) Get(ctx context.Context, id uint) (*model.TrainingRun, error) {
	var run model.TrainingRun
	err := r.db.WithContext(ctx).First(&run, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (r *trainingRunRepository) GetByRunID(ctx context.Context, runID string) (*model.TrainingRun, error) {
	var run model.TrainingRun
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

// List 按创建时间倒序，speaker 为空时返回全部
func (r *trainingRunRepository) List(ctx context.Context, speaker string, limit int) ([]model.TrainingRun, error) {
	var runs []model.TrainingRun
	query := r.db.WithContext(ctx).Order("id DESC")
	if speaker != "" {
		query = query.Where("speaker = ?", speaker)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&runs).Error
	return runs, err
}

func (r *trainingRunRepository) Save(ctx context.Context, run *model.TrainingRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// UpdateStatus 条件更新（CAS），只有当前状态为 from 时才更新为 to
func (r *trainingRunRepository) UpdateStatus(ctx context.Context, id uint, from, to string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.TrainingRun{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetActive 获取排队中和运行中的记录
func (r *trainingRunRepository) GetActive(ctx context.Context) ([]model.TrainingRun, error) {
	var runs []model.TrainingRun
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{"queued", "running"}).
		Order("id ASC").
		Find(&runs).Error
	return runs, err
}

// CleanupStuck 将超时的 queued/running 记录标记为失败
func (r *trainingRunRepository) CleanupStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	result := r.db.WithContext(ctx).Model(&model.TrainingRun{}).
		Where("status IN ? AND updated_at < ?", []string{"queued", "running"}, cutoff).
		Updates(map[string]interface{}{
			"status":     "failed",
			"error_kind": "training_failed",
			"error_msg":  fmt.Sprintf("run timed out (over %v), marked failed", timeout),
		})
	return result.RowsAffected, result.Error
}
